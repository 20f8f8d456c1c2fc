package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_runs_started_total",
			Help: "Total number of runs started",
		},
		[]string{"entry"}, // start | resume
	)

	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_runs_finished_total",
			Help: "Total number of run invocations by resulting status",
		},
		[]string{"status"},
	)

	RunIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "router_run_iterations",
			Help:    "Planning to scoring iterations per finished run",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "router_run_duration_seconds",
			Help:    "Run invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	PlansClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_plans_total",
			Help: "Execution plans by type after filtering",
		},
		[]string{"type", "downgraded"},
	)

	// Gate metrics
	GateDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_gate_decisions_total",
			Help: "Quality gate decisions",
		},
		[]string{"mode", "decision"},
	)

	GateScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "router_gate_score",
			Help:    "Scores assigned by the quality gate",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		},
	)

	// Worker metrics
	WorkerExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_worker_executions_total",
			Help: "Total number of worker executions",
		},
		[]string{"worker_id", "mode", "status"},
	)

	WorkerExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "router_worker_execution_duration_ms",
			Help:    "Worker execution duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		},
		[]string{"worker_id", "mode"},
	)

	// Pool metrics
	PoolAcquires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_pool_acquires_total",
			Help: "Connection pool acquires by outcome",
		},
		[]string{"service_id", "result"}, // hit | miss | build_error | unavailable
	)

	PoolBuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_pool_builds_total",
			Help: "Backing handle builds",
		},
		[]string{"service_id", "status"},
	)

	PoolEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_pool_evictions_total",
			Help: "Handles evicted from the pool",
		},
		[]string{"service_id", "reason"}, // idle | shutdown
	)

	PoolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "router_pool_size",
			Help: "Number of cached handles",
		},
	)

	// Run store metrics
	RunStoreOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_runstore_operations_total",
			Help: "Run store operations",
		},
		[]string{"backend", "op", "status"},
	)

	StaleRunsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "router_stale_runs_evicted_total",
			Help: "Suspended runs evicted after exceeding the suspension bound",
		},
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_http_requests_total",
			Help: "Run API requests",
		},
		[]string{"route", "code"},
	)
)

// RecordRunMetrics records the outcome of one start or resume invocation
func RecordRunMetrics(status string, iterations int, durationSeconds float64) {
	RunsFinished.WithLabelValues(status).Inc()
	RunDuration.WithLabelValues(status).Observe(durationSeconds)
	if status == "completed" || status == "failed" {
		RunIterations.Observe(float64(iterations))
	}
}

// RecordWorkerMetrics records metrics for a worker execution
func RecordWorkerMetrics(workerID, mode string, success bool, durationMs float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	WorkerExecutions.WithLabelValues(workerID, mode, status).Inc()
	WorkerExecutionDuration.WithLabelValues(workerID, mode).Observe(durationMs)
}

// RecordGateDecision records a quality gate decision and, when scored, its score
func RecordGateDecision(mode, decision string, score float64, scored bool) {
	GateDecisions.WithLabelValues(mode, decision).Inc()
	if scored {
		GateScores.Observe(score)
	}
}

// RecordStoreOp records a run store operation
func RecordStoreOp(backend, op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	RunStoreOps.WithLabelValues(backend, op, status).Inc()
}
