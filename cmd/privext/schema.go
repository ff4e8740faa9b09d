package main

import (
	"context"
	"fmt"

	"github.com/privacy-extensions/privext/pkg/config"
	"github.com/privacy-extensions/privext/pkg/store"
	"github.com/spf13/cobra"
)

var (
	schemaCreate bool
	schemaDrop   bool
)

var schemaCmd = &cobra.Command{
	Use:   "schema <db-config> (--create | --drop)",
	Short: "Create or drop the results table",
	Args:  cobra.ExactArgs(1),
	RunE:  runSchema,
}

func init() {
	rootCmd.AddCommand(schemaCmd)
	schemaCmd.Flags().BoolVar(&schemaCreate, "create", false, "create the results table")
	schemaCmd.Flags().BoolVar(&schemaDrop, "drop", false, "drop the results table")
	schemaCmd.MarkFlagsMutuallyExclusive("create", "drop")
	schemaCmd.MarkFlagsOneRequired("create", "drop")
}

func runSchema(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	dbCfg, err := config.LoadDatabase(args[0])
	if err != nil {
		return fmt.Errorf("loading database config: %w", err)
	}

	st := store.NewStore(log, dbCfg)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop store")
		}
	}()

	if schemaDrop {
		return st.DropSchema(ctx)
	}

	return st.EnsureSchema(ctx)
}
