// cmd/report.go
package cmd

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/swarmwatch/internal/config"
	"github.com/xkilldash9x/swarmwatch/internal/observability"
	"github.com/xkilldash9x/swarmwatch/internal/store"
)

func newReportCmd() *cobra.Command {
	var (
		since time.Duration
		limit int
	)

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Print stored alert transitions as JSON",
		Long:  `Reads the alert transition log from Postgres, oldest first, and prints it as a JSON array.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			// Get the configuration initialized by the root command
			cfg := config.Get()
			if cfg.Postgres.URL == "" {
				return fmt.Errorf("postgres.url is not configured (hint: check SWARMWATCH_POSTGRES_URL)")
			}

			pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer pool.Close()

			storeService, err := store.New(ctx, pool, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize store service: %w", err)
			}

			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			transitions, err := storeService.ListTransitions(ctx, from, limit)
			if err != nil {
				return err
			}

			return writeReport(cmd.OutOrStdout(), transitions)
		},
	}

	reportCmd.Flags().DurationVar(&since, "since", 0, "only show transitions newer than this (0 shows all)")
	reportCmd.Flags().IntVar(&limit, "limit", 1000, "maximum number of transitions to print")
	return reportCmd
}
