// Package metrics holds the Prometheus collectors shared by the cache,
// resolver, planner and flow runner.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nlflow"

type Metrics struct {
	CacheLookups     *prometheus.CounterVec
	CacheRemovals    *prometheus.CounterVec
	CacheStaleHits   prometheus.Counter
	CacheEntries     prometheus.Gauge
	CacheIOErrors    *prometheus.CounterVec
	PlannerRequests  *prometheus.CounterVec
	PlannerLatency   prometheus.Histogram
	ResolverMatches  *prometheus.CounterVec
	ResolverNotFound prometheus.Counter
	StepsTotal       *prometheus.CounterVec
	FlowsTotal       *prometheus.CounterVec
	FlowDuration     prometheus.Histogram
	ProviderInFlight prometheus.Gauge
	registry         *prometheus.Registry
}

// New builds the collectors. With a nil registry they are created but not
// registered, which is what tests and library callers want.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "lookups_total",
			Help: "Cache lookups by result (hit, fuzzy, miss).",
		}, []string{"result"}),
		CacheRemovals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "removals_total",
			Help: "Entries removed by reason (expired, failures, invalidated, evicted, cleared).",
		}, []string{"reason"}),
		CacheStaleHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "stale_hits_total",
			Help: "Cache hits whose plan failed and had to be replanned.",
		}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "entries",
			Help: "Entries currently held.",
		}),
		CacheIOErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "io_errors_total",
			Help: "Failed cache store operations by op (load, save).",
		}, []string{"op"}),
		PlannerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "planner", Name: "requests_total",
			Help: "Planner model requests by outcome (ok, invalid, error).",
		}, []string{"outcome"}),
		PlannerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "planner", Name: "request_seconds",
			Help:    "Model request latency.",
			Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32, 64},
		}),
		ResolverMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "resolver", Name: "matches_total",
			Help: "Resolved elements by winning strategy.",
		}, []string{"strategy"}),
		ResolverNotFound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "resolver", Name: "not_found_total",
			Help: "Hints no strategy could resolve after all attempts.",
		}),
		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "flow", Name: "steps_total",
			Help: "Executed steps by outcome and plan source.",
		}, []string{"outcome", "source"}),
		FlowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "flow", Name: "runs_total",
			Help: "Finished flows by outcome.",
		}, []string{"outcome"}),
		FlowDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "flow", Name: "duration_seconds",
			Help:    "Wall time per flow.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		ProviderInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "llm", Name: "in_flight_requests",
			Help: "Model requests currently holding a concurrency slot.",
		}),
		registry: reg,
	}
	if reg != nil {
		reg.MustRegister(
			m.CacheLookups, m.CacheRemovals, m.CacheStaleHits, m.CacheEntries, m.CacheIOErrors,
			m.PlannerRequests, m.PlannerLatency, m.ResolverMatches, m.ResolverNotFound,
			m.StepsTotal, m.FlowsTotal, m.FlowDuration, m.ProviderInFlight,
		)
	}
	return m
}

// OrNop returns m, or unregistered collectors when m is nil.
func OrNop(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return New(nil)
}

// Handler serves the registry m was built with.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
