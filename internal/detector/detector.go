// Package detector implements the fixed set of coordination signal families.
// Every detector reads only the immutable snapshot it is handed, so any number
// of them may run in parallel against the same snapshot.
package detector

import (
	"context"
	"time"

	"github.com/xkilldash9x/swarmwatch/api/schemas"
	"github.com/xkilldash9x/swarmwatch/internal/config"
)

// Detector evaluates one signal family over a snapshot and its window view.
type Detector interface {
	Kind() schemas.DetectorKind
	Evaluate(ctx context.Context, snap *schemas.GraphSnapshot, window schemas.WindowView) ([]schemas.Candidate, error)
}

// NewAll builds the three detectors in evaluation order.
func NewAll(cfg config.DetectionConfig) []Detector {
	return []Detector{
		NewCoordinatedRepost(cfg.ObservationHorizon, cfg.Repost),
		NewBotRate(cfg.ObservationHorizon, cfg.BotRate),
		NewSockPuppet(cfg.ObservationHorizon, cfg.SockPuppet),
	}
}

// inHorizon reports whether ts falls in (asOf - horizon, asOf].
func inHorizon(ts, asOf time.Time, horizon time.Duration) bool {
	return ts.After(asOf.Add(-horizon)) && !ts.After(asOf)
}

// checkEvery bounds how often the inner loops poll for cancellation.
const checkEvery = 1024

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
