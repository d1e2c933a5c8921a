package poller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the poller's Prometheus collectors.
type Metrics struct {
	Cycles      prometheus.Counter
	CycleErrors prometheus.Counter
	Groups      *prometheus.CounterVec
	Cursor      prometheus.Gauge
	DeadLetters prometheus.Counter
	Duration    prometheus.Histogram
}

// NewMetrics registers the collectors on reg. A nil reg gets a private
// registry, which keeps tests independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Cycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ark", Subsystem: "poller", Name: "cycles_total",
			Help: "Poll cycles started.",
		}),
		CycleErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ark", Subsystem: "poller", Name: "cycle_errors_total",
			Help: "Poll cycles that ended before advancing the cursor.",
		}),
		Groups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ark", Subsystem: "poller", Name: "groups_total",
			Help: "Groups handled, by outcome.",
		}, []string{"outcome"}),
		Cursor: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "ark", Subsystem: "poller", Name: "cursor",
			Help: "Last fully processed change sequence number.",
		}),
		DeadLetters: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ark", Subsystem: "poller", Name: "dead_letters_total",
			Help: "Events that exhausted their retry attempts.",
		}),
		Duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ark", Subsystem: "poller", Name: "cycle_seconds",
			Help:    "Wall time of one poll cycle.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
}
