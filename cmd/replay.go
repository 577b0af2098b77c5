// File: cmd/replay.go
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/swarmwatch/api/schemas"
	"github.com/xkilldash9x/swarmwatch/internal/config"
	"github.com/xkilldash9x/swarmwatch/internal/engine"
	"github.com/xkilldash9x/swarmwatch/internal/ingest"
	"github.com/xkilldash9x/swarmwatch/internal/observability"
)

// replayReport is what the replay command prints.
type replayReport struct {
	Ingest  ingest.Stats              `json:"ingest"`
	Engine  engine.Stats              `json:"engine"`
	Alerts  []schemas.Alert           `json:"alerts"`
	History []schemas.AlertTransition `json:"history,omitempty"`
}

func newReplayCmd() *cobra.Command {
	var (
		withHistory bool
		persist     bool
	)

	replayCmd := &cobra.Command{
		Use:   "replay <events.ndjson>",
		Short: "Replay an NDJSON event file deterministically and print the resulting alerts",
		Long: `Feeds every event in the file through the engine with evaluation ticks run inline,
so the same file always produces the same alerts. Sinks are not attached unless
--persist is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg := *config.Get()
			cfg.Engine.SynchronousTicks = true

			components, err := newComponents(ctx, &cfg, componentOptions{postgres: persist, journal: persist}, logger)
			if err != nil {
				return err
			}
			defer components.Shutdown(ctx, logger)

			stats, err := ingest.ReadFile(ctx, args[0], components.Engine, logger)
			if err != nil {
				return fmt.Errorf("replay of %s failed: %w", args[0], err)
			}
			components.Engine.Flush(ctx)

			report := replayReport{
				Ingest: stats,
				Engine: components.Engine.Stats(),
				Alerts: components.Engine.Alerts(),
			}
			if withHistory {
				report.History = components.Engine.AlertHistory()
			}
			logger.Info("Replay finished",
				zap.Int("events", stats.Read),
				zap.Int("alerts", len(report.Alerts)),
				zap.Time("event_clock", report.Engine.EventClock.Round(time.Second)))
			return writeReport(cmd.OutOrStdout(), report)
		},
	}

	replayCmd.Flags().BoolVar(&withHistory, "history", false, "include every alert transition in the output")
	replayCmd.Flags().BoolVar(&persist, "persist", false, "also write mutations and transitions to the configured Postgres and journal")
	return replayCmd
}

func writeReport(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
