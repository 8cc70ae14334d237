package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// result is one of fresh, stale, miss, incomplete, unavailable.
	Lookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "features_cache_lookups_total",
		Help: "Total number of tile cache lookups by outcome",
	}, []string{"namespace", "result"})

	// outcome is one of success, failure, repeated_failure.
	Refreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "features_refreshes_total",
		Help: "Total number of network refreshes of tiles",
	}, []string{"namespace", "outcome"})

	BackgroundRevalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "features_background_revalidations_total",
		Help: "Total number of stale tiles revalidated in the background",
	}, []string{"namespace", "outcome"})

	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "features_upstream_requests_total",
		Help: "Total number of upstream feature service requests",
	}, []string{"host", "status"})

	UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "features_upstream_latency_seconds",
		Help:    "Latency of upstream feature fetches in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"host"})

	UpstreamBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "features_upstream_breaker_state",
		Help: "Circuit breaker state per upstream host (0 closed, 1 half-open, 2 open)",
	}, []string{"host"})

	// kind is quota or other.
	StoreWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "features_store_write_failures_total",
		Help: "Total number of failed cache write-throughs",
	}, []string{"kind"})

	Sweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "features_store_sweeps_total",
		Help: "Total number of expired record sweeps",
	})

	SweptRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "features_store_swept_records_total",
		Help: "Total number of records removed by sweeps",
	}, []string{"family"})
)
