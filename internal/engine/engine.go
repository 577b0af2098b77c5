package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/swarmwatch/api/schemas"
	"github.com/xkilldash9x/swarmwatch/internal/alerting"
	"github.com/xkilldash9x/swarmwatch/internal/config"
	"github.com/xkilldash9x/swarmwatch/internal/detector"
	"github.com/xkilldash9x/swarmwatch/internal/graphstore"
	"github.com/xkilldash9x/swarmwatch/internal/normalizer"
	"github.com/xkilldash9x/swarmwatch/internal/observability"
	"github.com/xkilldash9x/swarmwatch/internal/scoring"
)

// -- Collaborators --

// Sinks groups the optional external collaborators. Nil sinks are skipped.
type Sinks struct {
	Mutations schemas.MutationSink
	Alerts    schemas.AlertSink
	Evictions schemas.EvictionSink
}

// Rejection reasons used for counters and logs.
const (
	reasonMalformed   = "malformed"
	reasonOutOfOrder  = "out_of_order"
	reasonDuplicate   = "duplicate"
	reasonConflicting = "conflicting"
	reasonOther       = "other"
)

// Tick outcomes.
const (
	outcomeCommitted   = "committed"
	outcomeCancelled   = "cancelled"
	outcomeUnavailable = "snapshot_unavailable"
)

// Engine wires the ingestion path (normalizer then graph store) to the
// evaluation path (snapshot, scorer, alert machine). Ingestion is sequential;
// evaluation runs on its own goroutine against immutable snapshots.
type Engine struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *observability.Metrics
	sinks   Sinks

	normalizer *normalizer.Normalizer
	store      *graphstore.Store
	scorer     *scoring.Scorer
	alerts     *alerting.Machine

	// ingestMu serializes the ingestion path and guards the event clock.
	ingestMu    sync.Mutex
	eventClock  time.Time
	nextTick    time.Time
	lastDropped uint64

	// evalMu admits one evaluation tick at a time.
	evalMu sync.Mutex

	ticks chan time.Time
	wg    sync.WaitGroup

	outMu   sync.Mutex
	pending []schemas.Mutation

	counters counters
}

// New validates the configuration and builds an engine. metrics may be nil.
func New(cfg *config.Config, sinks Sinks, metrics *observability.Metrics, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil configuration", schemas.ErrInvalidConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewMetrics(nil)
	}

	store := graphstore.New(graphstore.Options{
		WindowExpiry:      cfg.Window.Expiry,
		WindowCapacity:    cfg.Window.Capacity,
		FinalizationDelay: cfg.Engine.FinalizationDelay,
		RetentionHorizon:  cfg.Engine.RetentionHorizon,
		ScoreHalfLife:     cfg.Detection.ScoreHalfLife,
	}, logger)

	return &Engine{
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "engine")),
		metrics:    metrics,
		sinks:      sinks,
		normalizer: normalizer.New(cfg.Engine.ClockSkew, cfg.Engine.FutureTolerance),
		store:      store,
		scorer:     scoring.New(detector.NewAll(cfg.Detection), cfg.Engine.DetectorTimeout, metrics, logger),
		alerts:     alerting.New(alerting.OptionsFromConfig(cfg.Alerting), logger),
		ticks:      make(chan time.Time, 1),
		counters:   counters{rejected: make(map[string]uint64)},
	}, nil
}

var _ schemas.EventIngester = (*Engine)(nil)

// -- Ingestion Path --

// Ingest applies one raw event. Per-event problems are returned to the caller
// and counted; they never stop the stream. A byte-identical redelivery is
// counted as a duplicate and returns nil.
func (e *Engine) Ingest(ctx context.Context, raw schemas.RawEvent) error {
	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()

	ev, err := e.normalizer.Normalize(raw, normalizer.Bounds{
		LowWaterMark: e.store.LowWaterMark(),
		EventClock:   e.eventClock,
	})
	if err != nil {
		e.reject(raw, err)
		return err
	}

	muts, err := e.store.Apply(ev)
	if err != nil {
		if errors.Is(err, schemas.ErrDuplicateContent) {
			e.counters.reject(reasonDuplicate)
			e.metrics.EventsRejected.WithLabelValues(reasonDuplicate).Inc()
			return nil
		}
		e.reject(raw, err)
		return err
	}

	e.counters.ingest()
	e.metrics.EventsIngested.Inc()
	e.recordWindow()
	e.enqueue(ctx, muts)

	previous := e.eventClock
	if ev.Timestamp.After(e.eventClock) {
		e.eventClock = ev.Timestamp
	}
	return e.scheduleTicks(ctx, previous)
}

func (e *Engine) reject(raw schemas.RawEvent, err error) {
	reason := rejectionReason(err)
	e.counters.reject(reason)
	e.metrics.EventsRejected.WithLabelValues(reason).Inc()
	e.logger.Debug("Event rejected", zap.String("id", raw.ID), zap.String("reason", reason), zap.Error(err))
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, schemas.ErrMalformedEvent):
		return reasonMalformed
	case errors.Is(err, schemas.ErrOutOfOrderEvent):
		return reasonOutOfOrder
	case errors.Is(err, schemas.ErrConflictingContent):
		return reasonConflicting
	case errors.Is(err, schemas.ErrDuplicateContent):
		return reasonDuplicate
	}
	return reasonOther
}

func (e *Engine) recordWindow() {
	st := e.store.Stats()
	e.metrics.WindowSize.Set(float64(st.WindowLen))
	if st.WindowDropped > e.lastDropped {
		e.metrics.WindowDropped.Add(float64(st.WindowDropped - e.lastDropped))
		e.lastDropped = st.WindowDropped
	}
}

// scheduleTicks fires one tick per elapsed tick interval of event time. Tick
// instants are aligned to the interval so replays tick at the same instants.
// Across a gap in the stream, ticks stop once everything before the gap has
// left the lookback and open alerts have had enough quiet ticks to close; the
// schedule then jumps to the last aligned instant.
func (e *Engine) scheduleTicks(ctx context.Context, previous time.Time) error {
	interval := e.cfg.Engine.TickInterval
	if e.nextTick.IsZero() {
		e.nextTick = e.eventClock.Truncate(interval).Add(interval)
	}
	var idleAfter time.Time
	if !previous.IsZero() {
		idleAfter = previous.Add(e.lookback()).Add(time.Duration(e.settleTicks()) * interval)
	}
	last := e.eventClock.Truncate(interval)
	for !e.eventClock.Before(e.nextTick) {
		if !idleAfter.IsZero() && e.nextTick.After(idleAfter) && e.nextTick.Before(last) {
			e.logger.Debug("Skipping idle ticks",
				zap.Time("from", e.nextTick), zap.Time("to", last))
			e.nextTick = last
		}
		at := e.nextTick
		e.nextTick = e.nextTick.Add(interval)

		if e.cfg.Engine.SynchronousTicks {
			if err := e.Evaluate(ctx, at); err != nil && !errors.Is(err, schemas.ErrSnapshotUnavailable) {
				return fmt.Errorf("evaluation at %s: %w", at.Format(time.RFC3339), err)
			}
			continue
		}
		e.offerTick(at)
	}
	return nil
}

// offerTick hands a tick to the evaluation loop. If the loop is still busy with
// an older tick, the pending one is replaced by the newer instant.
func (e *Engine) offerTick(at time.Time) {
	select {
	case e.ticks <- at:
		return
	default:
	}
	select {
	case <-e.ticks:
	default:
	}
	select {
	case e.ticks <- at:
	default:
	}
}

// -- Evaluation Path --

// Evaluate runs one tick at asOf: snapshot, detectors, alert plan, then a
// single commit. If ctx is cancelled before the commit, the tick is discarded
// and nothing observable changes.
func (e *Engine) Evaluate(ctx context.Context, asOf time.Time) error {
	e.evalMu.Lock()
	defer e.evalMu.Unlock()

	logger := e.logger.With(zap.Time("as_of", asOf))

	since := asOf.Add(-e.lookback())
	snapCtx, cancel := context.WithTimeout(ctx, e.cfg.Engine.SnapshotTimeout)
	snap, err := e.store.Snapshot(snapCtx, asOf, since)
	cancel()
	if err != nil {
		e.metrics.Ticks.WithLabelValues(outcomeUnavailable).Inc()
		logger.Warn("Snapshot unavailable, tick skipped", zap.Error(err))
		return err
	}

	res, err := e.scorer.Score(ctx, snap)
	if err != nil {
		e.metrics.Ticks.WithLabelValues(outcomeCancelled).Inc()
		logger.Info("Evaluation tick cancelled", zap.Error(err))
		return err
	}

	plan := e.alerts.Plan(asOf, res.Candidates, res.Evaluated)
	if err := ctx.Err(); err != nil {
		e.metrics.Ticks.WithLabelValues(outcomeCancelled).Inc()
		logger.Info("Evaluation tick cancelled before commit", zap.Error(err))
		return err
	}
	if err := e.alerts.Commit(plan); err != nil {
		return err
	}
	e.counters.tick(asOf)
	e.metrics.Ticks.WithLabelValues(outcomeCommitted).Inc()

	// Everything below follows from the committed tick.
	var derived []schemas.Mutation
	for _, c := range res.Candidates {
		derived = append(derived, e.store.Reinforce(c, asOf)...)
	}
	derived = append(derived, e.store.SyncSuspected(e.alerts.ActiveAccounts())...)
	e.enqueue(ctx, derived)
	e.flush(ctx)

	for _, tr := range plan.Transitions {
		e.metrics.AlertTransitions.WithLabelValues(string(tr.Kind), string(tr.NewState)).Inc()
	}
	if e.sinks.Alerts != nil && len(plan.Transitions) > 0 {
		if err := e.sinks.Alerts.Publish(ctx, plan.Transitions); err != nil {
			logger.Error("Failed to publish alert transitions", zap.Int("count", len(plan.Transitions)), zap.Error(err))
		}
	}

	e.evict(ctx, asOf, logger)

	logger.Debug("Evaluation tick committed",
		zap.Int("candidates", len(res.Candidates)),
		zap.Int("transitions", len(plan.Transitions)),
		zap.Int("skipped_detectors", len(res.Skipped)))
	return nil
}

// settleTicks is the number of quiet ticks after which every open alert has
// closed: Active needs cooldown ticks to resolve and Resolved as many again.
func (e *Engine) settleTicks() int {
	return 2*e.cfg.Alerting.CooldownTicks + 1
}

// lookback is how far back a tick's snapshot must reach.
func (e *Engine) lookback() time.Duration {
	if e.cfg.Window.Expiry > e.cfg.Detection.ObservationHorizon {
		return e.cfg.Window.Expiry
	}
	return e.cfg.Detection.ObservationHorizon
}

// evict offers idle entities to the eviction collaborator and releases them
// only once it acknowledges.
func (e *Engine) evict(ctx context.Context, asOf time.Time, logger *zap.Logger) {
	notice := e.store.Evictable(asOf)
	e.metrics.Evictable.WithLabelValues("account").Set(float64(len(notice.Accounts)))
	e.metrics.Evictable.WithLabelValues("content").Set(float64(len(notice.Contents)))
	e.metrics.Evictable.WithLabelValues("topic").Set(float64(len(notice.Topics)))
	if e.sinks.Evictions == nil || notice.Empty() {
		return
	}
	if err := e.sinks.Evictions.Archive(ctx, notice); err != nil {
		logger.Warn("Eviction not acknowledged, entities retained", zap.Error(err))
		return
	}
	released := e.store.Release(notice)
	e.counters.addEvicted(released)
}

// -- Mutation Forwarding --

// enqueue buffers mutations and flushes once the buffer is full.
func (e *Engine) enqueue(ctx context.Context, muts []schemas.Mutation) {
	if e.sinks.Mutations == nil || len(muts) == 0 {
		return
	}
	e.outMu.Lock()
	e.pending = append(e.pending, muts...)
	full := len(e.pending) >= e.cfg.Engine.MutationBuffer
	e.outMu.Unlock()
	if full {
		e.flush(ctx)
	}
}

// flush forwards buffered mutations. On failure they stay buffered and are
// retried on the next flush; the sink is idempotent so resending is safe.
func (e *Engine) flush(ctx context.Context) {
	if e.sinks.Mutations == nil {
		return
	}
	e.outMu.Lock()
	defer e.outMu.Unlock()
	if len(e.pending) == 0 {
		return
	}
	if err := e.sinks.Mutations.Apply(ctx, e.pending); err != nil {
		e.logger.Error("Failed to forward graph mutations, will retry", zap.Int("count", len(e.pending)), zap.Error(err))
		return
	}
	e.pending = nil
}

// Flush forwards any buffered mutations now.
func (e *Engine) Flush(ctx context.Context) {
	e.flush(ctx)
}

// Pending is the number of mutations buffered but not yet accepted by the mutation sink.
func (e *Engine) Pending() int {
	e.outMu.Lock()
	defer e.outMu.Unlock()
	return len(e.pending)
}

// Restore rebuilds the working set before ingestion starts. replay feeds
// previously emitted mutations to the sink it is given, typically from a
// journal. The event clock resumes at the newest restored event time. Alert
// state is not restored.
func (e *Engine) Restore(ctx context.Context, replay func(context.Context, schemas.MutationSink) error) error {
	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()

	if err := replay(ctx, e.store.RestoreSink()); err != nil {
		return fmt.Errorf("failed to restore graph state: %w", err)
	}
	st := e.store.Stats()
	if st.HighWaterMark.After(e.eventClock) {
		e.eventClock = st.HighWaterMark
		interval := e.cfg.Engine.TickInterval
		e.nextTick = e.eventClock.Truncate(interval).Add(interval)
	}
	e.lastDropped = st.WindowDropped
	e.logger.Info("Graph state restored",
		zap.Int("accounts", st.Accounts),
		zap.Int("contents", st.Contents),
		zap.Int("edges", st.Edges),
		zap.Time("event_clock", e.eventClock))
	return nil
}

// -- Lifecycle --

// Start launches the asynchronous evaluation loop.
func (e *Engine) Start(ctx context.Context) {
	e.logger.Info("Starting evaluation loop", zap.Duration("tick_interval", e.cfg.Engine.TickInterval))
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx)
	}()
}

// Stop waits for the evaluation loop to exit. The caller cancels the context
// passed to Start first.
func (e *Engine) Stop() {
	e.wg.Wait()
	e.logger.Info("Evaluation loop stopped.")
}

// Run evaluates ticks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.run(ctx)
}

func (e *Engine) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Drain what we have with a fresh context; the sink may still be reachable.
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			e.flush(flushCtx)
			cancel()
			return
		case at := <-e.ticks:
			if err := e.Evaluate(ctx, at); err != nil {
				e.logger.Debug("Tick did not commit; retrying next cadence", zap.Time("as_of", at), zap.Error(err))
			}
		}
	}
}

// -- Query Interface --

// Snapshot returns a read-only view of the graph as of the latest event time.
func (e *Engine) Snapshot(ctx context.Context) (*schemas.GraphSnapshot, error) {
	e.ingestMu.Lock()
	asOf := e.eventClock
	e.ingestMu.Unlock()
	return e.store.Snapshot(ctx, asOf, time.Time{})
}

// Alerts returns the committed alert set.
func (e *Engine) Alerts() []schemas.Alert {
	return e.alerts.Alerts()
}

// AlertHistory returns committed transitions, oldest first.
func (e *Engine) AlertHistory() []schemas.AlertTransition {
	return e.alerts.History()
}

// Stats is the observable state of the engine.
type Stats struct {
	Ingested   uint64            `json:"ingested"`
	Rejected   map[string]uint64 `json:"rejected"`
	Ticks      uint64            `json:"ticks"`
	LastTick   time.Time         `json:"last_tick"`
	Evicted    uint64            `json:"evicted"`
	EventClock time.Time         `json:"event_clock"`
	Store      graphstore.Stats  `json:"store"`
	Alerts     int               `json:"alerts"`
}

// Stats reports counters and working-set sizes.
func (e *Engine) Stats() Stats {
	e.ingestMu.Lock()
	clock := e.eventClock
	e.ingestMu.Unlock()

	st := e.counters.snapshot()
	st.EventClock = clock
	st.Store = e.store.Stats()
	st.Alerts = len(e.alerts.Alerts())
	return st
}
