// Package metrics holds the Prometheus collectors shared across docket.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Admissions counts upload admission decisions by outcome:
	// allowed, degraded, quota_exceeded, too_large, storage_error.
	Admissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docket_admissions_total",
		Help: "Upload admission decisions by outcome.",
	}, []string{"outcome"})

	// QuotaCheckFailures counts quota checks that failed open.
	QuotaCheckFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docket_quota_check_failures_total",
		Help: "Quota checks that timed out or errored and failed open.",
	})

	// UsageIncrementFailures counts best-effort usage increments that failed.
	UsageIncrementFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docket_usage_increment_failures_total",
		Help: "Usage increments that failed after admission.",
	})

	PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docket_pipeline_runs_total",
		Help: "Finished pipeline runs by variant and outcome.",
	}, []string{"variant", "outcome"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docket_stage_duration_seconds",
		Help:    "Stage executor duration.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"stage", "outcome"})

	PipelinesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docket_pipelines_active",
		Help: "Pipelines currently running in this process.",
	})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docket_progress_events_total",
		Help: "Progress events handed to subscribers, by result (delivered, dropped).",
	}, []string{"result"})

	SearchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docket_search_requests_total",
		Help: "Search requests by mode and status.",
	}, []string{"mode", "status"})

	SearchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docket_search_duration_seconds",
		Help:    "Search latency by mode.",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docket_cache_hits_total",
		Help: "Cache hits by cache name.",
	}, []string{"cache"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docket_cache_misses_total",
		Help: "Cache misses by cache name.",
	}, []string{"cache"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docket_http_requests_total",
		Help: "HTTP requests by method, route and status code.",
	}, []string{"method", "route", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docket_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)
