// Package metrics provides Prometheus instrumentation for the resilience
// layer. All metric collectors are registered via the Init function and
// exposed through the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts protected fetches by dependency and outcome
	// (success, stale_fallback, error).
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_requests_total",
			Help: "Total protected fetch operations",
		},
		[]string{"dependency", "outcome"},
	)

	// RequestDuration observes protected fetch latency in seconds by dependency.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resilience_request_duration_seconds",
			Help:    "Protected fetch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"dependency"},
	)

	// CircuitBreakerState reports the current breaker state per dependency
	// (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "resilience_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"dependency"},
	)

	// CircuitBreakerStateChanges counts breaker transitions by dependency and edge.
	CircuitBreakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"dependency", "from", "to"},
	)

	// CircuitBreakerRejections counts calls rejected while a breaker was open.
	CircuitBreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_circuit_breaker_rejections_total",
			Help: "Total calls rejected by an open circuit breaker",
		},
		[]string{"dependency"},
	)

	// RetryTotal counts retry attempts by operation key prefix.
	RetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_retries_total",
			Help: "Total retry attempts",
		},
		[]string{"operation"},
	)

	// CacheHits counts cache hits by cache name.
	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache"},
	)

	// CacheMisses counts cache misses (absent or expired) by cache name.
	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache"},
	)

	// CacheEvictions counts capacity evictions by cache name.
	CacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_cache_evictions_total",
			Help: "Total cache capacity evictions",
		},
		[]string{"cache"},
	)

	// CacheSize tracks the current entry count by cache name.
	CacheSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "resilience_cache_size",
			Help: "Current number of cache entries",
		},
		[]string{"cache"},
	)

	// DedupHits counts requests coalesced onto an identical in-flight call.
	DedupHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "resilience_dedup_hits_total",
			Help: "Total requests deduplicated onto an in-flight call",
		},
	)

	// FallbackServed counts stale fallback payloads served after exhaustion.
	FallbackServed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_fallback_served_total",
			Help: "Total stale fallback payloads served",
		},
		[]string{"dependency"},
	)

	// QueueDepth tracks the number of queued-but-undispatched coordinator requests.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "resilience_queue_depth",
			Help: "Queued but not yet dispatched coordinator requests",
		},
	)

	// QueueRejections counts requests shed because the dispatch queue was full.
	QueueRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "resilience_queue_rejections_total",
			Help: "Total requests rejected due to a full dispatch queue",
		},
	)

	// AdminAuthFailures counts rejected admin API requests by reason.
	AdminAuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_admin_auth_failures_total",
			Help: "Total rejected admin API requests",
		},
		[]string{"reason"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		CircuitBreakerState,
		CircuitBreakerStateChanges,
		CircuitBreakerRejections,
		RetryTotal,
		CacheHits,
		CacheMisses,
		CacheEvictions,
		CacheSize,
		DedupHits,
		FallbackServed,
		QueueDepth,
		QueueRejections,
		AdminAuthFailures,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
