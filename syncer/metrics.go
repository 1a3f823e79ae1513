package syncer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Item outcomes recorded per pass.
const (
	OutcomeSynced  = "synced"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
	OutcomeCreated = "created"
	OutcomeClosed  = "closed"
)

// Metrics holds the loop's prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	passes       *prometheus.CounterVec
	passDuration *prometheus.HistogramVec
	items        *prometheus.CounterVec
	checkpoint   *prometheus.GaugeVec
	held         *prometheus.GaugeVec
	behind       prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Labels: source (rts, cms), result (ok, aborted, fatal, cancelled)
		passes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "case_sync",
			Subsystem: "loop",
			Name:      "passes_total",
			Help:      "Completed, aborted and fatal passes per source",
		}, []string{"source", "result"}),
		passDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "case_sync",
			Subsystem: "loop",
			Name:      "pass_duration_seconds",
			Help:      "Wall time of one pass",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"source"}),
		items: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "case_sync",
			Subsystem: "reconcile",
			Name:      "items_total",
			Help:      "Tickets and cases processed, by outcome",
		}, []string{"source", "outcome"}),
		checkpoint: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "case_sync",
			Subsystem: "loop",
			Name:      "checkpoint_timestamp_ms",
			Help:      "Last written checkpoint per source",
		}, []string{"source"}),
		held: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "case_sync",
			Subsystem: "loop",
			Name:      "checkpoint_held_passes",
			Help:      "Consecutive passes whose checkpoint was held back by failed items",
		}, []string{"source"}),
		behind: f.NewCounter(prometheus.CounterOpts{
			Namespace: "case_sync",
			Subsystem: "loop",
			Name:      "behind_schedule_total",
			Help:      "Cycles that took longer than the poll interval",
		}),
	}
}

func (m *Metrics) pass(source, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(source, result).Inc()
	m.passDuration.WithLabelValues(source).Observe(d.Seconds())
}

func (m *Metrics) item(source, outcome string) {
	if m == nil {
		return
	}
	m.items.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) checkpointWritten(source string, ts int64) {
	if m == nil {
		return
	}
	m.checkpoint.WithLabelValues(source).Set(float64(ts))
}

func (m *Metrics) checkpointHeld(source string, passes int) {
	if m == nil {
		return
	}
	m.held.WithLabelValues(source).Set(float64(passes))
}

func (m *Metrics) behindSchedule() {
	if m == nil {
		return
	}
	m.behind.Inc()
}
