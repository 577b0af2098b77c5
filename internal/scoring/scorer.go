// Package scoring runs the detector set against one snapshot per evaluation
// tick. Detectors run in parallel, each under its own soft timeout.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/swarmwatch/api/schemas"
	"github.com/xkilldash9x/swarmwatch/internal/detector"
	"github.com/xkilldash9x/swarmwatch/internal/observability"
)

// Result is the candidate batch produced by one tick.
type Result struct {
	// Candidates from all detectors that finished, in output order.
	Candidates []schemas.Candidate
	// Evaluated lists the detectors whose output is in Candidates.
	Evaluated []schemas.DetectorKind
	// Skipped lists detectors that timed out or failed this tick.
	Skipped []schemas.DetectorKind
}

// Scorer fans a snapshot out to the detectors.
type Scorer struct {
	detectors []detector.Detector
	timeout   time.Duration
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// New creates a scorer. A zero timeout disables the per-detector deadline.
// metrics may be nil.
func New(detectors []detector.Detector, timeout time.Duration, metrics *observability.Metrics, logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{
		detectors: detectors,
		timeout:   timeout,
		metrics:   metrics,
		logger:    logger.Named("scorer"),
	}
}

type outcome struct {
	candidates []schemas.Candidate
	err        error
}

// Score evaluates every detector against snap. A detector that exceeds the
// soft timeout or fails is skipped for this tick and does not fail the batch.
// Only cancellation of ctx aborts the tick, in which case nothing is returned.
func (s *Scorer) Score(ctx context.Context, snap *schemas.GraphSnapshot) (Result, error) {
	outputs := make([][]schemas.Candidate, len(s.detectors))
	skipped := make([]bool, len(s.detectors))

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range s.detectors {
		i, d := i, d
		g.Go(func() error {
			candidates, err := s.run(gctx, d, snap)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				skipped[i] = true
				if errors.Is(err, schemas.ErrDetectorTimeout) {
					s.logger.Warn("Detector exceeded soft timeout, skipped for this tick",
						zap.String("detector", string(d.Kind())), zap.Duration("timeout", s.timeout))
					if s.metrics != nil {
						s.metrics.DetectorTimeouts.WithLabelValues(string(d.Kind())).Inc()
					}
				} else {
					s.logger.Error("Detector failed, skipped for this tick",
						zap.String("detector", string(d.Kind())), zap.Error(err))
				}
				return nil
			}
			outputs[i] = candidates
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	var res Result
	for i, d := range s.detectors {
		if skipped[i] {
			res.Skipped = append(res.Skipped, d.Kind())
			continue
		}
		res.Evaluated = append(res.Evaluated, d.Kind())
		res.Candidates = append(res.Candidates, outputs[i]...)
		if s.metrics != nil {
			s.metrics.Candidates.WithLabelValues(string(d.Kind())).Add(float64(len(outputs[i])))
		}
	}
	schemas.SortCandidates(res.Candidates)
	return res, nil
}

// run invokes one detector. The detector goroutine is abandoned, not killed, on
// timeout; it sees its context cancelled and its result is discarded.
func (s *Scorer) run(ctx context.Context, d detector.Detector, snap *schemas.GraphSnapshot) ([]schemas.Candidate, error) {
	dctx, cancel := ctx, context.CancelFunc(func() {})
	if s.timeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	defer cancel()

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		candidates, err := d.Evaluate(dctx, snap, snap.Window)
		done <- outcome{candidates: candidates, err: err}
	}()

	select {
	case out := <-done:
		if s.metrics != nil {
			s.metrics.DetectorDuration.WithLabelValues(string(d.Kind())).Observe(time.Since(start).Seconds())
		}
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s", schemas.ErrDetectorTimeout, d.Kind())
		}
		return out.candidates, out.err
	case <-dctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s after %s", schemas.ErrDetectorTimeout, d.Kind(), s.timeout)
	}
}
