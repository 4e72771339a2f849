package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/thomastaylor312/snas/pkg/models"
	"github.com/thomastaylor312/snas/pkg/natsapi"
)

func newAdminCmd() *cobra.Command {
	adminCmd := &cobra.Command{
		Use:   "admin",
		Short: "User and group management",
	}

	adminCmd.AddCommand(
		newAddUserCmd(),
		newGetUserCmd(),
		newListUsersCmd(),
		newRemoveUserCmd(),
		newResetPasswordCmd(),
		newAddGroupsCmd(),
		newRemoveGroupsCmd(),
	)

	return adminCmd
}

func newAddUserCmd() *cobra.Command {
	var (
		username   string
		password   string
		groups     []string
		forceReset bool
	)

	cmd := &cobra.Command{
		Use:   "add-user",
		Short: "Create a new user",
		RunE: func(*cobra.Command, []string) error {
			return withClient(func(ctx context.Context, client *natsapi.BusClient) error {
				err := client.AddUser(ctx, models.AddUserRequest{
					Username:            username,
					Password:            models.NewSecret(password),
					Groups:              groups,
					ForcePasswordChange: forceReset,
				})
				if err != nil {
					return err
				}

				fmt.Printf("User %s added\n", username)

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "Username for the new user")
	cmd.Flags().StringVar(&password, "password", "", "Initial password for the new user")
	cmd.Flags().StringArrayVar(&groups, "group", nil, "Group to add the user to (repeatable)")
	cmd.Flags().BoolVar(&forceReset, "force-reset", false, "Require a password change on first login")
	cobra.CheckErr(cmd.MarkFlagRequired("username"))
	cobra.CheckErr(cmd.MarkFlagRequired("password"))

	return cmd
}

func newGetUserCmd() *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "get-user",
		Short: "Show a user's groups and password state",
		RunE: func(*cobra.Command, []string) error {
			return withClient(func(ctx context.Context, client *natsapi.BusClient) error {
				user, err := client.GetUser(ctx, username)
				if err != nil {
					return err
				}

				fmt.Printf("Username: %s\n", user.Username)
				fmt.Printf("Groups: %s\n", strings.Join(user.Groups, ", "))

				if user.PasswordChangePhase != nil {
					fmt.Printf("Password state: %s", user.PasswordChangePhase.Kind)

					if user.PasswordChangePhase.ExpiresAt != 0 {
						expiry := time.Unix(int64(user.PasswordChangePhase.ExpiresAt), 0)
						fmt.Printf(" (expires %s)", expiry.Format(time.RFC3339))
					}

					fmt.Println()
				}

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "Username to look up")
	cobra.CheckErr(cmd.MarkFlagRequired("username"))

	return cmd
}

func newListUsersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-users",
		Short: "List all usernames",
		RunE: func(*cobra.Command, []string) error {
			return withClient(func(ctx context.Context, client *natsapi.BusClient) error {
				users, err := client.ListUsers(ctx)
				if err != nil {
					return err
				}

				for _, user := range users.Users {
					fmt.Println(user)
				}

				return nil
			})
		},
	}
}

func newRemoveUserCmd() *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "remove-user",
		Short: "Delete a user",
		RunE: func(*cobra.Command, []string) error {
			return withClient(func(ctx context.Context, client *natsapi.BusClient) error {
				if err := client.RemoveUser(ctx, username); err != nil {
					return err
				}

				fmt.Printf("User %s removed\n", username)

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "Username to remove")
	cobra.CheckErr(cmd.MarkFlagRequired("username"))

	return cmd
}

func newResetPasswordCmd() *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Generate a temporary password for a user",
		RunE: func(*cobra.Command, []string) error {
			return withClient(func(ctx context.Context, client *natsapi.BusClient) error {
				resp, err := client.ResetPassword(ctx, username)
				if err != nil {
					return err
				}

				expiry := time.Unix(int64(resp.ExpiresAt), 0)
				fmt.Printf("Temporary password: %s\n", resp.TempPassword.Reveal())
				fmt.Printf("Expires: %s\n", expiry.Format(time.RFC3339))

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "Username to reset")
	cobra.CheckErr(cmd.MarkFlagRequired("username"))

	return cmd
}

func newAddGroupsCmd() *cobra.Command {
	var (
		username string
		groups   []string
	)

	cmd := &cobra.Command{
		Use:   "add-groups",
		Short: "Add groups to a user",
		RunE: func(*cobra.Command, []string) error {
			return withClient(func(ctx context.Context, client *natsapi.BusClient) error {
				resp, err := client.AddGroups(ctx, username, groups)
				if err != nil {
					return err
				}

				fmt.Printf("Groups: %s\n", strings.Join(resp.Groups, ", "))

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "Username to modify")
	cmd.Flags().StringArrayVar(&groups, "group", nil, "Group to add (repeatable)")
	cobra.CheckErr(cmd.MarkFlagRequired("username"))
	cobra.CheckErr(cmd.MarkFlagRequired("group"))

	return cmd
}

func newRemoveGroupsCmd() *cobra.Command {
	var (
		username string
		groups   []string
	)

	cmd := &cobra.Command{
		Use:   "remove-groups",
		Short: "Remove groups from a user",
		RunE: func(*cobra.Command, []string) error {
			return withClient(func(ctx context.Context, client *natsapi.BusClient) error {
				resp, err := client.RemoveGroups(ctx, username, groups)
				if err != nil {
					return err
				}

				fmt.Printf("Groups: %s\n", strings.Join(resp.Groups, ", "))

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "Username to modify")
	cmd.Flags().StringArrayVar(&groups, "group", nil, "Group to remove (repeatable)")
	cobra.CheckErr(cmd.MarkFlagRequired("username"))
	cobra.CheckErr(cmd.MarkFlagRequired("group"))

	return cmd
}
