package detector

import (
	"context"
	"time"

	"github.com/xkilldash9x/swarmwatch/api/schemas"
	"github.com/xkilldash9x/swarmwatch/internal/config"
)

// CoordinatedRepost finds account pairs that repeatedly repost the same
// originals within a short proximity of each other.
type CoordinatedRepost struct {
	horizon time.Duration
	cfg     config.RepostConfig
}

// NewCoordinatedRepost creates the detector.
func NewCoordinatedRepost(horizon time.Duration, cfg config.RepostConfig) *CoordinatedRepost {
	return &CoordinatedRepost{horizon: horizon, cfg: cfg}
}

func (d *CoordinatedRepost) Kind() schemas.DetectorKind { return schemas.DetectorCoordinatedRepost }

// Evaluate counts, for every account pair, the originals they both reposted
// with timestamps less than the proximity apart. Each original contributes at
// most once per pair. Pairs reaching the minimum count are scored against the
// expected organic baseline for the horizon.
func (d *CoordinatedRepost) Evaluate(ctx context.Context, snap *schemas.GraphSnapshot, window schemas.WindowView) ([]schemas.Candidate, error) {
	byOriginal := make(map[string][]schemas.WindowEntry)
	var order []string
	for _, e := range window.Entries {
		if !inHorizon(e.Timestamp, snap.AsOf, d.horizon) {
			continue
		}
		if _, seen := byOriginal[e.OriginalID]; !seen {
			order = append(order, e.OriginalID)
		}
		// Window entries arrive time-ordered, so each group stays sorted.
		byOriginal[e.OriginalID] = append(byOriginal[e.OriginalID], e)
	}

	counts := make(map[schemas.Subject]int)
	steps := 0
	for _, orig := range order {
		entries := byOriginal[orig]
		if len(entries) < 2 {
			continue
		}
		pairs := make(map[schemas.Subject]struct{})
		for i := range entries {
			for j := i + 1; j < len(entries); j++ {
				if entries[j].Timestamp.Sub(entries[i].Timestamp) >= d.cfg.Proximity {
					break
				}
				if steps++; steps%checkEvery == 0 {
					if err := ctx.Err(); err != nil {
						return nil, err
					}
				}
				if entries[i].AccountID == entries[j].AccountID {
					continue
				}
				pairs[schemas.PairSubject(entries[i].AccountID, entries[j].AccountID)] = struct{}{}
			}
		}
		for p := range pairs {
			counts[p]++
		}
	}

	baseline := d.cfg.BaselinePerDay * d.horizon.Hours() / 24
	var out []schemas.Candidate
	for subject, n := range counts {
		if n < d.cfg.MinCoOccurrences {
			continue
		}
		score := 1.0
		if baseline > 0 {
			score = clamp01(float64(n) / baseline)
		}
		out = append(out, schemas.Candidate{
			Subject:    subject,
			Kind:       schemas.DetectorCoordinatedRepost,
			Score:      score,
			Count:      n,
			Value:      float64(n),
			ObservedAt: snap.AsOf,
		})
	}
	schemas.SortCandidates(out)
	return out, nil
}
