// Command snas is the command line client for the SNAS admin and user APIs
// over NATS.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/thomastaylor312/snas/pkg/natsapi"
	"github.com/thomastaylor312/snas/pkg/natsutil"
)

var (
	natsURL     string
	credsFile   string
	natsUser    string
	natsPass    string
	caCert      string
	adminPrefix string
	userPrefix  string
	timeout     time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "snas",
		Short:         "Client for the simple NATS-based authentication service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&natsURL, "nats-url", "127.0.0.1:4222", "NATS server address")
	rootCmd.PersistentFlags().StringVar(&credsFile, "creds", "", "Path to a NATS credentials file")
	rootCmd.PersistentFlags().StringVar(&natsUser, "nats-username", "", "Username for NATS authentication")
	rootCmd.PersistentFlags().StringVar(&natsPass, "nats-password", "", "Password for NATS authentication")
	rootCmd.PersistentFlags().StringVar(&caCert, "ca-cert", "", "Path to a CA certificate for the NATS connection")
	rootCmd.PersistentFlags().StringVar(&adminPrefix, "admin-topic-prefix", natsapi.DefaultAdminPrefix, "Topic prefix for the admin API")
	rootCmd.PersistentFlags().StringVar(&userPrefix, "user-topic-prefix", natsapi.DefaultUserPrefix, "Topic prefix for the user API")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "Timeout for each request")

	rootCmd.AddCommand(newAdminCmd(), newUserCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withClient connects to NATS, builds a bus client, and runs fn with a
// per-request timeout context.
func withClient(fn func(ctx context.Context, client *natsapi.BusClient) error) error {
	nc, err := natsutil.Connect(natsutil.ConnectConfig{
		URL:       natsURL,
		CredsFile: credsFile,
		Username:  natsUser,
		Password:  natsPass,
		CACert:    caCert,
	}, nats.Timeout(timeout))
	if err != nil {
		return err
	}
	defer nc.Close()

	client, err := natsapi.NewBusClient(nc, adminPrefix, userPrefix)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return fn(ctx, client)
}
