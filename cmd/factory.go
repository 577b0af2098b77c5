// File: cmd/factory.go
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/xkilldash9x/swarmwatch/api/schemas"
	"github.com/xkilldash9x/swarmwatch/internal/alerting"
	"github.com/xkilldash9x/swarmwatch/internal/config"
	"github.com/xkilldash9x/swarmwatch/internal/engine"
	"github.com/xkilldash9x/swarmwatch/internal/journal"
	"github.com/xkilldash9x/swarmwatch/internal/observability"
	"github.com/xkilldash9x/swarmwatch/internal/store"
)

// Components holds everything a command needs around the engine, so the
// lifecycle of external resources is managed in one place.
type Components struct {
	Engine   *engine.Engine
	Registry *prometheus.Registry
	Store    *store.Store
	Journal  *journal.Writer
	DBPool   *pgxpool.Pool
}

// componentOptions selects which external collaborators to attach.
type componentOptions struct {
	postgres bool
	journal  bool
	// restore replays the journal into the engine before returning.
	restore bool
}

// newComponents builds the engine and its sinks from cfg. On error, anything
// already opened is closed.
func newComponents(ctx context.Context, cfg *config.Config, opts componentOptions, logger *zap.Logger) (c *Components, err error) {
	c = &Components{Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(err))
			c.Shutdown(context.Background(), logger)
			c = nil
		}
	}()

	c.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(c.Registry)

	var mutationSinks mutationFanOut
	alertSinks := alertFanOut{alerting.NewLogSink(logger)}

	if opts.postgres && cfg.Postgres.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			return c, fmt.Errorf("failed to create database connection pool: %w", err)
		}
		c.DBPool = pool
		st, err := store.New(ctx, pool, logger)
		if err != nil {
			return c, err
		}
		if err := st.Migrate(ctx); err != nil {
			return c, err
		}
		c.Store = st
		mutationSinks = append(mutationSinks, st)
		alertSinks = append(alertSinks, st)
	}

	if opts.journal && cfg.Journal.Path != "" {
		w, err := journal.Open(cfg.Journal.Path, logger)
		if err != nil {
			return c, err
		}
		c.Journal = w
		mutationSinks = append(mutationSinks, w)
	}

	archiver := &durableArchiver{log: logger.Named("archive")}
	sinks := engine.Sinks{Alerts: alertSinks, Evictions: archiver}
	if len(mutationSinks) > 0 {
		sinks.Mutations = mutationSinks
	}

	e, err := engine.New(cfg, sinks, metrics, logger)
	if err != nil {
		return c, err
	}
	archiver.pending = e.Pending
	c.Engine = e

	if opts.restore && cfg.Journal.Path != "" {
		err := e.Restore(ctx, func(ctx context.Context, sink schemas.MutationSink) error {
			_, err := journal.ReplayFile(ctx, cfg.Journal.Path, sink, journal.DefaultBatchSize, logger)
			return err
		})
		if err != nil {
			return c, err
		}
	}
	return c, nil
}

// Shutdown flushes the engine and closes external resources in dependency order.
func (c *Components) Shutdown(ctx context.Context, logger *zap.Logger) {
	if c.Engine != nil {
		c.Engine.Flush(ctx)
		if n := c.Engine.Pending(); n > 0 {
			logger.Warn("Mutations left unflushed at shutdown", zap.Int("count", n))
		}
	}
	if c.Journal != nil {
		if err := c.Journal.Close(); err != nil {
			logger.Warn("Error closing journal.", zap.Error(err))
		}
	}
	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}
}

// mutationFanOut delivers to every sink in order and joins their errors. The
// sinks are idempotent, so a retry after a partial failure is harmless.
type mutationFanOut []schemas.MutationSink

func (f mutationFanOut) Apply(ctx context.Context, mutations []schemas.Mutation) error {
	var errs []error
	for _, sink := range f {
		if err := sink.Apply(ctx, mutations); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type alertFanOut []schemas.AlertSink

func (f alertFanOut) Publish(ctx context.Context, transitions []schemas.AlertTransition) error {
	var errs []error
	for _, sink := range f {
		if err := sink.Publish(ctx, transitions); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// durableArchiver acknowledges an eviction once every mutation describing the
// working set has reached the durable sinks, which then hold the archived copy.
type durableArchiver struct {
	pending func() int
	log     *zap.Logger
}

func (a *durableArchiver) Archive(_ context.Context, notice schemas.EvictionNotice) error {
	if a.pending != nil {
		if n := a.pending(); n > 0 {
			return fmt.Errorf("%d mutations not yet durable", n)
		}
	}
	a.log.Debug("Eviction acknowledged",
		zap.Int("accounts", len(notice.Accounts)),
		zap.Int("contents", len(notice.Contents)),
		zap.Int("topics", len(notice.Topics)))
	return nil
}
