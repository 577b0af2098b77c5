// File: cmd/run.go
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/swarmwatch/internal/config"
	"github.com/xkilldash9x/swarmwatch/internal/ingest"
	"github.com/xkilldash9x/swarmwatch/internal/observability"
)

func newRunCmd() *cobra.Command {
	var (
		listenAddr string
		noRestore  bool
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Consume enriched events from Kafka and raise coordination alerts",
		Long: `Consumes the enriched event topic, maintains the in-memory interaction graph and
evaluates the detectors on a fixed cadence of event time. Graph mutations go to
Postgres and/or the journal when configured; alert transitions are logged and
stored. Metrics, alerts and engine stats are served over HTTP.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg := config.Get()
			if listenAddr != "" {
				cfg.Metrics.ListenAddr = listenAddr
			}
			cfg.Engine.SynchronousTicks = false

			components, err := newComponents(ctx, cfg, componentOptions{postgres: true, journal: true, restore: !noRestore}, logger)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				components.Shutdown(shutdownCtx, logger)
			}()

			source, err := ingest.NewKafkaSource(cfg.Kafka, components.Engine, logger)
			if err != nil {
				return err
			}
			defer source.Close()

			srv := &http.Server{
				Addr:              cfg.Metrics.ListenAddr,
				Handler:           newHTTPHandler(components),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				logger.Info("Serving metrics and query endpoints", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("HTTP server failed", zap.Error(err))
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			components.Engine.Start(ctx)
			err = source.Run(ctx)
			components.Engine.Stop()

			st := source.Stats()
			logger.Info("Consumer stopped",
				zap.Int("read", st.Read), zap.Int("accepted", st.Accepted), zap.Int("failed", st.Failed))
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	runCmd.Flags().StringVar(&listenAddr, "listen", "", "address for the metrics and query endpoints (overrides metrics.listen_addr)")
	runCmd.Flags().BoolVar(&noRestore, "no-restore", false, "do not rebuild the working set from the journal at startup")
	return runCmd
}

// newHTTPHandler exposes prometheus metrics and the engine's read-only query interface.
func newHTTPHandler(c *Components) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{Registry: c.Registry}))
	mux.HandleFunc("/alerts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, c.Engine.Alerts())
	})
	mux.HandleFunc("/alerts/history", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, c.Engine.AlertHistory())
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, c.Engine.Stats())
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
