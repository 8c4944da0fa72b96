package cmd

import (
	"context"
	"fmt"

	"github.com/BradenHooton/neurolock/internal/config"
	"github.com/BradenHooton/neurolock/internal/database"
	"github.com/spf13/cobra"
)

var migrateStatusOnly bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		db, err := database.NewConnection(ctx, &cfg.Database, newLogger())
		if err != nil {
			return err
		}
		defer db.Close()

		if !migrateStatusOnly {
			if err := db.Migrate(ctx); err != nil {
				return err
			}
		}

		version, err := db.MigrationVersion(ctx)
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateStatusOnly, "status", false, "print the schema version without migrating")
	rootCmd.AddCommand(migrateCmd)
}
