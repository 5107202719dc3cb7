package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/akylbek/payment-system/payment-reconciler/internal/config"
)

const serviceName = "payment-reconciler"

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "reconciler",
		Short:         "Watches a ledger for payments and notifies merchants",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configFile)
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./config.{yaml,json})")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the scan loop, webhook workers, intake consumer and HTTP API",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context(), configFile)
			},
		},
		newReconcileCmd(&configFile),
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or update the database schema",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrate(cmd.Context(), configFile)
			},
		},
	)
	return root
}

func runMigrate(ctx context.Context, configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return err
	}
	tel, err := initTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer tel.Shutdown(context.Background())

	st, err := openStores(ctx, cfg, tel.Logger)
	if err != nil {
		return err
	}
	defer st.close()

	tel.Logger.Info("Database schema is up to date")
	return nil
}
