package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	pgstore "github.com/linksmith/chrono-scraper-sub004/internal/storage/postgres"
)

func newMigrateCmd() *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply (or with --down, revert) the Postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := envFrom(cmd.Context())
			if err != nil {
				return err
			}
			if e.cfg.Database.DSN == "" {
				return errors.New("database.dsn is required for migrate")
			}
			version, dirty, err := pgstore.Migrate(e.cfg.Database.DSN, down)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			e.logger.Info("migration finished",
				zap.Bool("down", down),
				zap.Uint("version", version),
				zap.Bool("dirty", dirty),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "revert all migrations")
	return cmd
}
