package detector

import (
	"context"
	"math"
	"time"

	"github.com/xkilldash9x/swarmwatch/api/schemas"
	"github.com/xkilldash9x/swarmwatch/internal/config"
)

// BotRate flags accounts whose authored content over the horizon reaches the
// configured rate.
type BotRate struct {
	horizon time.Duration
	cfg     config.BotRateConfig
}

// NewBotRate creates the detector.
func NewBotRate(horizon time.Duration, cfg config.BotRateConfig) *BotRate {
	return &BotRate{horizon: horizon, cfg: cfg}
}

func (d *BotRate) Kind() schemas.DetectorKind { return schemas.DetectorBotRate }

func (d *BotRate) Evaluate(ctx context.Context, snap *schemas.GraphSnapshot, _ schemas.WindowView) ([]schemas.Candidate, error) {
	counts := make(map[string]int)
	steps := 0
	for _, c := range snap.Contents {
		if steps++; steps%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if inHorizon(c.Timestamp, snap.AsOf, d.horizon) {
			counts[c.AuthorID]++
		}
	}

	var out []schemas.Candidate
	for id, n := range counts {
		if n < d.cfg.Threshold {
			continue
		}
		out = append(out, schemas.Candidate{
			Subject:    schemas.AccountSubject(id),
			Kind:       schemas.DetectorBotRate,
			Score:      math.Min(1, float64(n)/float64(d.cfg.Threshold)),
			Count:      n,
			Value:      float64(n),
			ObservedAt: snap.AsOf,
		})
	}
	schemas.SortCandidates(out)
	return out, nil
}
