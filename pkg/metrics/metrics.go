package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rule and pattern evaluation
var (
	RulesEvaluated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfilter_rules_evaluated_total",
			Help: "Total number of search rule evaluations",
		},
		[]string{"kind", "result"},
	)

	PatternsMatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfilter_patterns_evaluated_total",
			Help: "Total number of search pattern evaluations",
		},
		[]string{"operator", "result"},
	)
)

// Action execution
var (
	ActionsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfilter_actions_executed_total",
			Help: "Total number of filter actions executed by return code",
		},
		[]string{"action", "result"},
	)

	ActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailfilter_action_duration_seconds",
			Help:    "Duration of filter action execution in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"action"},
	)

	PipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfilter_pipeline_runs_total",
			Help: "Total number of per-message filter pipeline runs",
		},
		[]string{"result"},
	)

	PipelineRefetches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailfilter_pipeline_refetches_total",
			Help: "Total number of pipeline reruns after fetching the complete message",
		},
	)

	CommandsRun = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfilter_commands_run_total",
			Help: "Total number of external commands run",
		},
		[]string{"result"},
	)
)

// Stores
var (
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfilter_store_operations_total",
			Help: "Total number of mail store operations",
		},
		[]string{"store", "operation", "status"},
	)

	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailfilter_store_operation_duration_seconds",
			Help:    "Duration of mail store operations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"store", "operation"},
	)

	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfilter_s3_operations_total",
			Help: "Total number of S3 operations",
		},
		[]string{"operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailfilter_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"operation"},
	)

	StorageOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfilter_storage_operation_errors_total",
			Help: "Total number of failed S3 operations by error class",
		},
		[]string{"operation", "error_type"},
	)

	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfilter_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status"},
	)

	DBPoolTotalConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailfilter_db_pool_total_conns",
			Help: "Total number of connections in the database pool",
		},
	)

	DBPoolInUseConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailfilter_db_pool_in_use_conns",
			Help: "Number of acquired connections in the database pool",
		},
	)
)

// Payload cache
var (
	CacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfilter_cache_operations_total",
			Help: "Total number of payload cache operations",
		},
		[]string{"operation", "result"},
	)

	CacheSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailfilter_cache_size_bytes",
			Help: "Current payload cache size in bytes",
		},
	)

	CacheObjectsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailfilter_cache_objects_total",
			Help: "Current number of objects in the payload cache",
		},
	)
)

// Address book lookup cache
var (
	LookupCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailfilter_lookup_cache_hits_total",
			Help: "Total number of address book lookup cache hits",
		},
	)

	LookupCacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailfilter_lookup_cache_misses_total",
			Help: "Total number of address book lookup cache misses",
		},
	)

	LookupCacheSharedFetchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailfilter_lookup_cache_shared_fetches_total",
			Help: "Total number of lookups served by an in-flight fetch",
		},
	)

	ContactsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailfilter_contacts_total",
			Help: "Current number of contacts in the local address book",
		},
	)

	TagsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailfilter_tags_total",
			Help: "Current number of known tags",
		},
	)
)

// Outgoing mail
var (
	SMTPDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfilter_smtp_deliveries_total",
			Help: "Total number of SMTP submissions by transport and result",
		},
		[]string{"transport", "result"},
	)

	SMTPDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailfilter_smtp_delivery_duration_seconds",
			Help:    "Duration of SMTP submissions in seconds",
			Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		},
		[]string{"transport"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailfilter_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

// Diagnostic filter log
var (
	FilterLogEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfilter_filter_log_entries_total",
			Help: "Total number of filter log entries by category",
		},
		[]string{"category"},
	)
)
