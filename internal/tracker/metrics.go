package tracker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the tracker. Each tracker owns its registry so tests
// and embedded instances never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	pollsTotal       *prometheus.CounterVec
	updatesApplied   prometheus.Counter
	updatesDiscarded prometheus.Counter
	operationsTotal  *prometheus.CounterVec
	autoRetriesTotal prometheus.Counter
	pollDuration     prometheus.Histogram
}

func newMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pollsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "remedy",
				Subsystem: "tracker",
				Name:      "polls_total",
				Help:      "Status polls by outcome",
			},
			[]string{"outcome"},
		),
		updatesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "remedy",
			Subsystem: "tracker",
			Name:      "updates_applied_total",
			Help:      "Reconciliation updates merged into the store",
		}),
		updatesDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "remedy",
			Subsystem: "tracker",
			Name:      "updates_discarded_total",
			Help:      "Stale or duplicate updates discarded by the ordering check",
		}),
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "remedy",
				Subsystem: "tracker",
				Name:      "operations_total",
				Help:      "Batch sub-operations by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		autoRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "remedy",
			Subsystem: "tracker",
			Name:      "auto_retries_total",
			Help:      "Automatic resubmissions of failed high-confidence fixes",
		}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "remedy",
			Subsystem: "tracker",
			Name:      "poll_duration_seconds",
			Help:      "Status poll round-trip time",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		m.pollsTotal,
		m.updatesApplied,
		m.updatesDiscarded,
		m.operationsTotal,
		m.autoRetriesTotal,
		m.pollDuration,
	)
	return m
}

// Registry exposes the tracker's metric registry for scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
