package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus counters published by the cache layer.
type Metrics struct {
	hits               prometheus.Counter
	misses             prometheus.Counter
	sets               prometheus.Counter
	invalidations      prometheus.Counter
	invalidatedEntries prometheus.Counter
	errors             prometheus.Counter
}

// NewMetrics constructs the cache counters and registers them with reg when
// non-nil. A nil registerer yields unregistered counters, which tests use to
// avoid duplicate-registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tracebase", Subsystem: "cache", Name: "hits_total",
			Help: "Cache retrievals answered from a stored entry.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tracebase", Subsystem: "cache", Name: "misses_total",
			Help: "Cache retrievals that found no stored entry.",
		}),
		sets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tracebase", Subsystem: "cache", Name: "sets_total",
			Help: "Cache entries stored.",
		}),
		invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tracebase", Subsystem: "cache", Name: "invalidations_total",
			Help: "Hierarchy invalidation sweeps performed.",
		}),
		invalidatedEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tracebase", Subsystem: "cache", Name: "invalidated_entries_total",
			Help: "Entries removed by invalidation sweeps.",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tracebase", Subsystem: "cache", Name: "errors_total",
			Help: "Store-access errors degraded to cache misses.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.hits, m.misses, m.sets, m.invalidations, m.invalidatedEntries, m.errors)
	}
	return m
}
