// Package metrics holds the Prometheus collectors of the admission layer and
// the in-process daily aggregates reset at midnight.
//
// Label sets are small and fixed (outcome/reason/action/task enums, and the
// registered route rather than the raw path for HTTP) so cardinality stays
// bounded. Collectors are registered with the default registry in init and
// served by promhttp on /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AdmissionDecisions counts admission outcomes by reason.
	AdmissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_admission_decisions_total",
			Help: "Admission decisions by outcome and reason.",
		},
		[]string{"outcome", "reason"},
	)

	// CacheEvents counts state cache hits, misses, expirations and evictions.
	CacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_cache_events_total",
			Help: "User state cache events.",
		},
		[]string{"event"},
	)

	// CacheEntries gauges the current number of cached user states.
	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gatekeeper_cache_entries",
			Help: "Current number of cached user states.",
		},
	)

	// RateLimitDecisions counts limiter outcomes per action.
	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_ratelimit_decisions_total",
			Help: "Rate limiter decisions by action and reason.",
		},
		[]string{"action", "reason"},
	)

	// SchedulerRuns counts background task iterations by result.
	SchedulerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_scheduler_runs_total",
			Help: "Background task runs by task and result.",
		},
		[]string{"task", "result"},
	)

	// StorageLatency records storage call latency for quota operations.
	StorageLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatekeeper_storage_duration_seconds",
			Help:    "Duration of quota storage calls in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// HTTPRequests counts served requests by method, route and status code.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPDuration records handler latency by method and route.
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatekeeper_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "route"},
	)

	// HTTPInflight gauges requests currently being served.
	HTTPInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gatekeeper_http_requests_inflight",
			Help: "HTTP requests currently being served.",
		},
	)

	// HTTPResponseSize records response body sizes. Decisions and quota
	// snapshots are small; admin listings can reach a few hundred KiB.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatekeeper_http_response_size_bytes",
			Help:    "Size of HTTP responses in bytes.",
			Buckets: []float64{128, 256, 512, 1 << 10, 4 << 10, 16 << 10, 64 << 10, 256 << 10, 1 << 20},
		},
		[]string{"method", "route"},
	)

	// EdgeRejections counts requests refused by the per-client HTTP limiter
	// before they reach the admission pipeline.
	EdgeRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gatekeeper_http_edge_rejections_total",
			Help: "Requests refused by the edge rate limiter.",
		},
	)

	dailyGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gatekeeper_daily_total",
			Help: "Today's in-process aggregates (reset at local midnight).",
		},
		[]string{"metric"},
	)
)

func init() {
	prometheus.MustRegister(
		AdmissionDecisions,
		CacheEvents,
		CacheEntries,
		RateLimitDecisions,
		SchedulerRuns,
		StorageLatency,
		HTTPRequests,
		HTTPDuration,
		HTTPInflight,
		HTTPResponseSize,
		EdgeRejections,
		dailyGauge,
	)
}
