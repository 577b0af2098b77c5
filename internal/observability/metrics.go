package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the counters the engine exposes for observability.
// Metrics are registered against an explicit registerer so tests and multiple
// engines in one process do not collide on the default registry.
type Metrics struct {
	EventsIngested   prometheus.Counter
	EventsRejected   *prometheus.CounterVec
	WindowDropped    prometheus.Counter
	WindowSize       prometheus.Gauge
	DetectorTimeouts *prometheus.CounterVec
	DetectorDuration *prometheus.HistogramVec
	Ticks            *prometheus.CounterVec
	Candidates       *prometheus.CounterVec
	AlertTransitions *prometheus.CounterVec
	Evictable        *prometheus.GaugeVec
}

// NewMetrics registers the swarmwatch metrics with reg. A nil reg yields
// working but unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsIngested: f.NewCounter(prometheus.CounterOpts{
			Name: "swarmwatch_events_ingested_total",
			Help: "Events applied to the graph store.",
		}),
		EventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmwatch_events_rejected_total",
			Help: "Events dropped on the ingestion path, by reason.",
		}, []string{"reason"}),
		WindowDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "swarmwatch_window_dropped_total",
			Help: "Window entries evicted early because the window was at capacity.",
		}),
		WindowSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "swarmwatch_window_entries",
			Help: "Entries currently retained by the repost window.",
		}),
		DetectorTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmwatch_detector_timeouts_total",
			Help: "Detector invocations skipped after exceeding the soft timeout.",
		}, []string{"detector"}),
		DetectorDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "swarmwatch_detector_duration_seconds",
			Help:    "Wall-clock duration of detector invocations.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"detector"}),
		Ticks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmwatch_evaluation_ticks_total",
			Help: "Evaluation ticks by outcome (committed, cancelled, snapshot_unavailable).",
		}, []string{"outcome"}),
		Candidates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmwatch_candidates_total",
			Help: "Coordination candidates emitted by detectors.",
		}, []string{"detector"}),
		AlertTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmwatch_alert_transitions_total",
			Help: "Alert state transitions committed, by detector and new state.",
		}, []string{"detector", "state"}),
		Evictable: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "swarmwatch_evictable_entities",
			Help: "Working-set entities eligible for archival at the last tick.",
		}, []string{"entity"}),
	}
}
