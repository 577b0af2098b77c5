// Package alerting promotes detector candidates to alerts through a
// confirmation and hysteresis state machine. The evaluation path is the only
// writer; readers always see the last committed alert set.
package alerting

import (
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/swarmwatch/api/schemas"
	"github.com/xkilldash9x/swarmwatch/internal/config"
)

// ErrStalePlan is returned by Commit when another plan was committed after
// the given one was computed.
var ErrStalePlan = errors.New("alert plan is stale")

// alertNamespace seeds deterministic alert ids.
var alertNamespace = uuid.MustParse("6f1d3c2a-8a4e-5b7c-9d10-2e3f4a5b6c7d")

const defaultHistoryLimit = 10_000

// Options configures the state machine.
type Options struct {
	Threshold     float64
	Thresholds    map[schemas.DetectorKind]float64
	ConfirmTicks  int
	Hysteresis    float64
	CooldownTicks int
	HistoryLimit  int
}

// OptionsFromConfig maps the validated alerting section onto Options.
func OptionsFromConfig(cfg config.AlertingConfig) Options {
	opts := Options{
		Threshold:     cfg.Threshold,
		Thresholds:    make(map[schemas.DetectorKind]float64, len(cfg.Thresholds)),
		ConfirmTicks:  cfg.ConfirmTicks,
		Hysteresis:    cfg.Hysteresis,
		CooldownTicks: cfg.CooldownTicks,
	}
	for k, v := range cfg.Thresholds {
		opts.Thresholds[schemas.DetectorKind(k)] = v
	}
	return opts
}

func (o Options) threshold(kind schemas.DetectorKind) float64 {
	if v, ok := o.Thresholds[kind]; ok {
		return v
	}
	return o.Threshold
}

// tracked is an alert plus the tick counters driving its next transition.
type tracked struct {
	alert schemas.Alert
	// above counts consecutive crossing ticks while Pending.
	above int
	// below counts consecutive low ticks while Active, or quiet ticks while Resolved.
	below int
}

type state struct {
	alerts  map[schemas.AlertKey]tracked
	history []schemas.AlertTransition
	asOf    time.Time
}

// Plan is a fully computed next alert set that has not been published yet.
type Plan struct {
	AsOf        time.Time
	Transitions []schemas.AlertTransition

	base *state
	next *state
}

// Machine holds the committed alert set.
type Machine struct {
	opts      Options
	committed atomic.Pointer[state]
	logger    *zap.Logger
}

// New creates a machine with an empty committed set.
func New(opts Options, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	m := &Machine{opts: opts, logger: logger.Named("alerting")}
	m.committed.Store(&state{alerts: make(map[schemas.AlertKey]tracked)})
	return m
}

// AlertID derives the stable id for an alert episode.
func AlertID(subject schemas.Subject, kind schemas.DetectorKind, firstTriggered time.Time) string {
	name := subject.Key() + "\x00" + string(kind) + "\x00" + firstTriggered.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(alertNamespace, []byte(name)).String()
}

// Plan computes the transitions caused by one tick's candidates without
// touching the committed set. Only alerts whose detector is listed in
// evaluated are advanced; a detector that was skipped this tick leaves its
// alerts exactly as they were.
func (m *Machine) Plan(asOf time.Time, candidates []schemas.Candidate, evaluated []schemas.DetectorKind) *Plan {
	base := m.committed.Load()
	next := &state{alerts: make(map[schemas.AlertKey]tracked, len(base.alerts)), history: base.history, asOf: asOf}
	for k, v := range base.alerts {
		next.alerts[k] = v
	}

	ran := make(map[schemas.DetectorKind]bool, len(evaluated))
	for _, k := range evaluated {
		ran[k] = true
	}

	type reading struct {
		subject schemas.Subject
		score   float64
	}
	scores := make(map[schemas.AlertKey]reading)
	for _, c := range candidates {
		if !ran[c.Kind] {
			continue
		}
		key := schemas.AlertKey{Subject: c.Subject.Key(), Kind: c.Kind}
		if r, ok := scores[key]; !ok || c.Score > r.score {
			scores[key] = reading{subject: c.Subject, score: c.Score}
		}
	}

	keys := make([]schemas.AlertKey, 0, len(scores)+len(next.alerts))
	for k := range scores {
		keys = append(keys, k)
	}
	for k := range next.alerts {
		if _, dup := scores[k]; !dup && ran[k.Kind] {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Subject != keys[j].Subject {
			return keys[i].Subject < keys[j].Subject
		}
		return keys[i].Kind < keys[j].Kind
	})

	plan := &Plan{AsOf: asOf, base: base, next: next}
	for _, key := range keys {
		r := scores[key]
		cur, exists := next.alerts[key]
		if !exists {
			cur = tracked{alert: schemas.Alert{Subject: r.subject, Kind: key.Kind, State: schemas.AlertNone}}
		}
		updated, keep, transitions := m.step(cur, r.score, asOf)
		if keep {
			next.alerts[key] = updated
		} else {
			delete(next.alerts, key)
		}
		plan.Transitions = append(plan.Transitions, transitions...)
	}

	if len(plan.Transitions) > 0 {
		history := make([]schemas.AlertTransition, 0, len(base.history)+len(plan.Transitions))
		history = append(history, base.history...)
		history = append(history, plan.Transitions...)
		if over := len(history) - m.opts.HistoryLimit; over > 0 {
			history = history[over:]
		}
		next.history = history
	}
	return plan
}

// step advances one alert by one tick given its score this tick.
func (m *Machine) step(t tracked, score float64, asOf time.Time) (tracked, bool, []schemas.AlertTransition) {
	threshold := m.opts.threshold(t.alert.Kind)
	low := threshold * m.opts.Hysteresis
	var out []schemas.AlertTransition

	move := func(to schemas.AlertState) {
		out = append(out, schemas.AlertTransition{
			AlertID:   t.alert.ID,
			Subject:   t.alert.Subject,
			Kind:      t.alert.Kind,
			OldState:  t.alert.State,
			NewState:  to,
			Score:     score,
			Timestamp: asOf,
		})
		t.alert.State = to
		t.alert.Score = score
		t.alert.LastUpdated = asOf
	}
	open := func() {
		t.alert.ID = AlertID(t.alert.Subject, t.alert.Kind, asOf)
		t.alert.FirstTriggered = asOf
		t.above, t.below = 1, 0
		move(schemas.AlertPending)
	}
	confirm := func() {
		if t.above >= m.opts.ConfirmTicks {
			t.below = 0
			move(schemas.AlertActive)
		}
	}

	switch t.alert.State {
	case schemas.AlertNone:
		if score < threshold {
			return t, false, nil
		}
		open()
		confirm()

	case schemas.AlertPending:
		if score < threshold {
			move(schemas.AlertNone)
			return t, false, out
		}
		t.above++
		t.alert.Score, t.alert.LastUpdated = score, asOf
		confirm()

	case schemas.AlertActive:
		if score < low {
			t.below++
			t.alert.Score, t.alert.LastUpdated = score, asOf
			if t.below >= m.opts.CooldownTicks {
				t.below = 0
				move(schemas.AlertResolved)
			}
			break
		}
		t.below = 0
		t.alert.Score, t.alert.LastUpdated = score, asOf

	case schemas.AlertResolved:
		if score >= threshold {
			// A re-crossing is a new episode and must be confirmed again.
			open()
			confirm()
			break
		}
		t.below++
		if t.below >= m.opts.CooldownTicks {
			move(schemas.AlertNone)
			return t, false, out
		}
	}
	return t, true, out
}

// Commit atomically publishes the plan as the new committed alert set.
func (m *Machine) Commit(p *Plan) error {
	if !m.committed.CompareAndSwap(p.base, p.next) {
		return ErrStalePlan
	}
	if len(p.Transitions) > 0 {
		m.logger.Debug("Committed alert transitions", zap.Int("count", len(p.Transitions)), zap.Time("as_of", p.AsOf))
	}
	return nil
}

// -- Read-only Queries --

// Alerts returns the committed, non-None alerts ordered by subject then kind.
func (m *Machine) Alerts() []schemas.Alert {
	st := m.committed.Load()
	out := make([]schemas.Alert, 0, len(st.alerts))
	for _, t := range st.alerts {
		out = append(out, t.alert)
	}
	schemas.SortAlerts(out)
	return out
}

// Get returns the committed alert for subject and kind.
func (m *Machine) Get(subject schemas.Subject, kind schemas.DetectorKind) (schemas.Alert, bool) {
	t, ok := m.committed.Load().alerts[schemas.AlertKey{Subject: subject.Key(), Kind: kind}]
	return t.alert, ok
}

// History returns committed transitions, oldest first.
func (m *Machine) History() []schemas.AlertTransition {
	h := m.committed.Load().history
	return append([]schemas.AlertTransition(nil), h...)
}

// ActiveAccounts lists every account named by a committed Active alert.
func (m *Machine) ActiveAccounts() map[string]struct{} {
	out := make(map[string]struct{})
	for _, t := range m.committed.Load().alerts {
		if t.alert.State != schemas.AlertActive {
			continue
		}
		for _, id := range t.alert.Subject.Accounts() {
			out[id] = struct{}{}
		}
	}
	return out
}
