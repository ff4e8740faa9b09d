package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/privacy-extensions/privext/pkg/api"
	"github.com/privacy-extensions/privext/pkg/config"
	"github.com/privacy-extensions/privext/pkg/store"
	"github.com/spf13/cobra"
)

var apiCmd = &cobra.Command{
	Use:   "api <db-config>",
	Short: "Start the API server",
	Long:  `Serve stored experiment records over a read-only HTTP API. Server settings come from the api section of --config.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	dbCfg, err := config.LoadDatabase(args[0])
	if err != nil {
		return fmt.Errorf("loading database config: %w", err)
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st := store.NewStore(log, dbCfg)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop store")
		}
	}()

	srv := api.NewServer(log, &cfg.API, st)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down API server")
	cancel()

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}
