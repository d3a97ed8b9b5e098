package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/linksmith/chrono-scraper-sub004/internal/server"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fail in_progress pages older than pipeline.max_processing_duration once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := envFrom(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), e.cfg, e.logger)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			defer func() { _ = app.Close(context.Background()) }()

			n, err := app.Pipeline().Sweep(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "swept %d stuck pages (older than %s)\n", n, app.Pipeline().MaxProcessingDuration())
			return nil
		},
	}
}
