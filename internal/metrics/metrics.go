package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label value constants to prevent typos
const (
	// Queue item states
	StatePending   = "pending"
	StateProcessed = "processed"
	StateDead      = "dead"

	// Enqueue sources
	SourceHistory = "history"
	SourceInsert  = "insert"
	SourceCLI     = "cli"

	// Queue attempt results
	ResultProcessed = "processed"
	ResultPartial   = "partial"
	ResultRetry     = "retry"
	ResultDead      = "dead"
	ResultSkipped   = "skipped"
	ResultConflict  = "conflict"
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultBlocked   = "blocked"

	// Retry reasons
	ReasonNoTokens     = "no_tokens"
	ReasonHardFailure  = "hard_failure"
	ReasonDownload     = "download"
	ReasonDecode       = "decode"
	ReasonPersist      = "persist"
	ReasonTokenRefresh = "token_refresh"

	// Sweep outcomes
	OutcomeCompleted      = "completed"
	OutcomeBudgetExceeded = "budget_exceeded"
	OutcomeIdle           = "idle"
	OutcomeError          = "error"

	// HTTP endpoints
	EndpointHistory     = "history"
	EndpointDeauthorize = "deauthorize"
	EndpointToken       = "token"
	EndpointInsert      = "insert"
	EndpointHealth      = "health"

	// Third-party API operations
	OpExchangeCode    = "exchange_code"
	OpRefreshToken    = "refresh_token"
	OpListWorkouts    = "list_workouts"
	OpDownloadWorkout = "download_workout"
	OpDeauthorize     = "deauthorize"

	// Database operations
	DBOpUpsertToken           = "upsert_token"
	DBOpGetTokens             = "get_tokens"
	DBOpDeleteTokens          = "delete_tokens"
	DBOpEnqueueQueueItem      = "enqueue_queue_item"
	DBOpGetQueueItem          = "get_queue_item"
	DBOpClaimDue              = "claim_due"
	DBOpClaimQueueItem        = "claim_queue_item"
	DBOpRecordFailure         = "record_failure"
	DBOpMarkProcessed         = "mark_processed"
	DBOpReleaseClaim          = "release_claim"
	DBOpTokenSubtask          = "token_subtask"
	DBOpQueueDepths           = "queue_depths"
	DBOpGetUserServiceMeta    = "get_user_service_meta"
	DBOpCommitImportBatch     = "commit_import_batch"
	DBOpWriteActivities       = "write_activities"
	DBOpWriteEvent            = "write_event"
	DBOpGetEvent              = "get_event"
	DBOpListQueueItemsByState = "list_queue_items_by_state"
)

// HTTP Metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint", "status_code"},
	)
)

// Queue Metrics
var (
	QueueDepthGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of workout queue items by service and state",
		},
		[]string{"service", "state"},
	)

	QueueEnqueueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_enqueue_total",
			Help: "Total number of workout queue items enqueued",
		},
		[]string{"service", "source"},
	)

	QueueAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_attempts_total",
			Help: "Total number of queue item processing attempts with outcome",
		},
		[]string{"service", "result"},
	)

	QueueProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_processing_duration_seconds",
			Help:    "Time spent processing queue items",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"service", "result"},
	)

	QueueItemAge = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_item_age_seconds",
			Help:    "Time from enqueue to processed",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600, 7200, 86400},
		},
		[]string{"service"},
	)

	QueueRetryIncrementTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_retry_increment_total",
			Help: "Sum of retry count increments applied to queue items",
		},
		[]string{"service", "reason"},
	)
)

// Worker Metrics
var (
	SweepRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_runs_total",
			Help: "Total number of queue sweeps by outcome",
		},
		[]string{"outcome"},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sweep_duration_seconds",
			Help:    "Wall-clock duration of queue sweeps",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 540, 900},
		},
	)

	WorkerActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_active",
			Help: "Whether a sweep is currently running (1) or not (0)",
		},
	)
)

// Third-party API Metrics
var (
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "service_api_requests_total",
			Help: "Total number of third-party fitness API requests",
		},
		[]string{"service", "operation", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "service_api_request_duration_seconds",
			Help:    "Third-party fitness API request latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"service", "operation", "status_code"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"service"},
	)
)

// Database Metrics
var (
	DBOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_operation_duration_seconds",
			Help:    "Database operation latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	DBOperationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_operation_errors_total",
			Help: "Total number of database operation errors",
		},
		[]string{"operation"},
	)
)

// Business Metrics
var (
	HistoryImportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "history_imports_total",
			Help: "Total number of history import requests by result",
		},
		[]string{"service", "result"},
	)

	HistoryImportBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "history_import_batches_total",
			Help: "Total number of history import batch commits by result",
		},
		[]string{"service", "result"},
	)

	HistoryImportWorkouts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "history_import_workouts",
			Help:    "Number of workouts enqueued per history import",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"service"},
	)

	EventsPersistedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_persisted_total",
			Help: "Total number of events written to the document store",
		},
		[]string{"service"},
	)

	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_refreshes_total",
			Help: "Total number of OAuth token refreshes by result",
		},
		[]string{"service", "result"},
	)

	TokensDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokens_deleted_total",
			Help: "Total number of service tokens deleted by deauthorization",
		},
		[]string{"service"},
	)
)
