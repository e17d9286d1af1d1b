package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Launch tasks by final status. Watch for: FAILURE ratio climbing.
	TasksTotal *prometheus.CounterVec

	// Launch task runtime. Watch for: p99 near item timeouts.
	TaskDuration *prometheus.HistogramVec

	// Launches started per test plan execute / report upload.
	LaunchesTotal *prometheus.CounterVec

	// Test results ingested by state.
	ResultsIngestedTotal *prometheus.CounterVec

	// Bug tracker call rate. Watch for: error vs success ratio.
	TrackerCallsTotal *prometheus.CounterVec

	// Bug tracker latency per request. Watch for: p95 > 2s (upstream degradation).
	TrackerCallDuration *prometheus.HistogramVec

	// Retry attempts for tracker calls. High retries = unstable tracker.
	TrackerRetriesTotal prometheus.Counter

	// Issue cache hits by backend.
	CacheHitsTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// Metric calculation job runs by outcome.
	MetricJobsTotal *prometheus.CounterVec

	// Results removed by the retention cleanup job.
	CleanupRemovedTotal prometheus.Counter
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "launchTasksTotal",
			Help: "Launch tasks by final status",
		},
		[]string{"status"},
	)
	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "launchTaskDurationSeconds",
			Help:    "Launch task runtime in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		},
		[]string{"type"},
	)
	LaunchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "launchesTotal",
			Help: "Launches created, by origin (execute, api, report)",
		},
		[]string{"origin"},
	)
	ResultsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resultsIngestedTotal",
			Help: "Test results ingested by state",
		},
		[]string{"state"},
	)
	TrackerCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackerCallsTotal",
			Help: "Total number of bug tracker API calls",
		},
		[]string{"status"},
	)
	TrackerCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trackerCallDurationSeconds",
			Help:    "Bug tracker API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	TrackerRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trackerRetriesTotal",
			Help: "Total number of retry attempts for bug tracker calls",
		},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Issue cache hits by cache type",
		},
		[]string{"cacheType"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	MetricJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricJobsTotal",
			Help: "Metric calculation job runs by outcome",
		},
		[]string{"outcome"},
	)
	CleanupRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cleanupRemovedResultsTotal",
			Help: "Test results removed by the retention cleanup job",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		TasksTotal, TaskDuration, LaunchesTotal, ResultsIngestedTotal,
		TrackerCallsTotal, TrackerCallDuration, TrackerRetriesTotal,
		CacheHitsTotal,
		RateLimitDeniedTotal,
		MetricJobsTotal, CleanupRemovedTotal,
	)
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
