package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thomastaylor312/snas/pkg/models"
	"github.com/thomastaylor312/snas/pkg/natsapi"
)

var errInvalidCredentials = errors.New("credentials were not valid")

func newUserCmd() *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Credential operations",
	}

	userCmd.AddCommand(newVerifyCmd(), newChangePasswordCmd())

	return userCmd
}

func newVerifyCmd() *cobra.Command {
	var (
		username string
		password string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a username and password",
		RunE: func(*cobra.Command, []string) error {
			return withClient(func(ctx context.Context, client *natsapi.BusClient) error {
				resp, err := client.Verify(ctx, username, models.NewSecret(password))
				if err != nil {
					return err
				}

				if !resp.Valid {
					if resp.Message != "" {
						return fmt.Errorf("%w: %s", errInvalidCredentials, resp.Message)
					}

					return errInvalidCredentials
				}

				fmt.Println("Credentials are valid")
				fmt.Printf("Groups: %s\n", strings.Join(resp.Groups, ", "))

				if resp.NeedsPasswordReset {
					fmt.Println("Password must be changed before the next login")
				}

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "Username to verify")
	cmd.Flags().StringVar(&password, "password", "", "Password to verify")
	cobra.CheckErr(cmd.MarkFlagRequired("username"))
	cobra.CheckErr(cmd.MarkFlagRequired("password"))

	return cmd
}

func newChangePasswordCmd() *cobra.Command {
	var (
		username    string
		oldPassword string
		newPassword string
	)

	cmd := &cobra.Command{
		Use:   "change-password",
		Short: "Change a user's password",
		RunE: func(*cobra.Command, []string) error {
			return withClient(func(ctx context.Context, client *natsapi.BusClient) error {
				err := client.ChangePassword(ctx, username, models.NewSecret(oldPassword), models.NewSecret(newPassword))
				if err != nil {
					return err
				}

				fmt.Println("Password changed")

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "Username to change the password for")
	cmd.Flags().StringVar(&oldPassword, "old-password", "", "Current password")
	cmd.Flags().StringVar(&newPassword, "new-password", "", "New password")
	cobra.CheckErr(cmd.MarkFlagRequired("username"))
	cobra.CheckErr(cmd.MarkFlagRequired("old-password"))
	cobra.CheckErr(cmd.MarkFlagRequired("new-password"))

	return cmd
}
