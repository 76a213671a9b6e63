package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StatementsAnalyzed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepaudit_statements_analyzed_total",
			Help: "Total number of SQL statements analyzed",
		},
		[]string{"source"},
	)

	Decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepaudit_decisions_total",
			Help: "Total number of risk decisions by action",
		},
		[]string{"action"},
	)

	ParseErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepaudit_sql_parse_errors_total",
			Help: "Total number of statements that failed structural parsing",
		},
	)

	AnalysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deepaudit_analysis_duration_seconds",
			Help:    "Time taken to score one statement end to end",
			Buckets: prometheus.DefBuckets,
		},
	)

	AnomalyInferenceDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deepaudit_anomaly_inference_duration_seconds",
			Help:    "Time taken by anomaly model inference",
			Buckets: prometheus.DefBuckets,
		},
	)

	RedisErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepaudit_redis_errors_total",
			Help: "Total number of risk store operation failures",
		},
		[]string{"op"},
	)

	ScriptFailOpen = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepaudit_state_machine_fail_open_total",
			Help: "Total number of state transitions defaulted to ALLOW on store failure",
		},
	)

	WindowExpirations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepaudit_window_expirations_total",
			Help: "Total number of observation window expirations by outcome",
		},
		[]string{"outcome"},
	)

	AuditRecordsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepaudit_audit_records_dropped_total",
			Help: "Total number of audit records dropped by reason",
		},
		[]string{"reason"},
	)

	WorkerPoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deepaudit_worker_pool_active_workers",
			Help: "Number of active workers per pool",
		},
		[]string{"pool_type"},
	)

	WorkerPoolQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deepaudit_worker_pool_queue_size",
			Help: "Current queued tasks per pool",
		},
		[]string{"pool_type"},
	)

	WorkerPoolTasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepaudit_worker_pool_tasks_processed_total",
			Help: "Total tasks processed per pool",
		},
		[]string{"pool_type"},
	)

	WorkerPoolTasksDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepaudit_worker_pool_tasks_dropped_total",
			Help: "Total tasks rejected because the queue was full",
		},
		[]string{"pool_type"},
	)

	ModelReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepaudit_model_reloads_total",
			Help: "Total anomaly model reloads by result",
		},
		[]string{"result"},
	)
)
