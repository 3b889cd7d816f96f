package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ExecutionsTotal counts task executions by task type and outcome.
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_executions_total",
			Help: "Task executions by task type and outcome",
		},
		[]string{"task_type", "outcome"},
	)

	// ExecutionDuration tracks task execution time in seconds.
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskmesh_execution_duration_seconds",
			Help:    "Task execution time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task_type"},
	)

	// SchedulesByStatus tracks live schedule instances by status.
	SchedulesByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskmesh_schedules",
			Help: "Live schedule instances by status",
		},
		[]string{"status"},
	)

	// CacheRequests counts cache lookups by result (hit or miss).
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_cache_requests_total",
			Help: "Cache lookups by result",
		},
		[]string{"result"},
	)

	// CacheInvalidations counts values dropped by tag invalidation.
	CacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_cache_invalidations_total",
			Help: "Cache values dropped by tag invalidation",
		},
		[]string{"tag"},
	)

	// ReconcileOps counts maintenance operations by kind.
	ReconcileOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_reconcile_operations_total",
			Help: "Reconciliation operations by kind",
		},
		[]string{"operation"},
	)

	// WorkerPoolGauges tracks worker pool gauges by pool name and type.
	WorkerPoolGauges = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskmesh_worker_pool_gauges",
			Help: "Worker pool gauges by pool name and type",
		},
		[]string{"pool", "type"},
	)

	// WorkerPoolCounters tracks worker pool counters by pool name and type.
	WorkerPoolCounters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_worker_pool_counters",
			Help: "Worker pool counters by pool name and type",
		},
		[]string{"pool", "type"},
	)

	// BreakerState tracks circuit breaker state per task type
	// (0 closed, 0.5 half-open, 1 open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskmesh_breaker_state",
			Help: "Circuit breaker state per task type (0 closed, 0.5 half-open, 1 open)",
		},
		[]string{"task_type"},
	)
)

// NewServer returns an HTTP server exposing /metrics on addr.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
}
