package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowrelay_events_total",
			Help: "Total number of events seen, by category and outcome (count)",
		},
		[]string{"category", "status"},
	)

	EventProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowrelay_event_processing_duration_ms",
			Help:    "End-to-end processing duration per event in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"category"},
	)

	DuplicateEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowrelay_duplicate_events_total",
			Help: "Events dropped by the deduplicator (count)",
		},
		[]string{"category"},
	)

	DedupSetSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowrelay_dedup_set_size",
			Help: "Current number of identities held by the deduplicator (count)",
		},
	)

	ActionExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowrelay_action_executions_total",
			Help: "Configured action executions by type and outcome (count)",
		},
		[]string{"type", "status"},
	)

	ActionRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowrelay_action_retries_total",
			Help: "Retry attempts made while executing actions (count)",
		},
		[]string{"type"},
	)

	ActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowrelay_action_duration_ms",
			Help:    "Single action execution duration in milliseconds",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"type"},
	)

	CacheSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowrelay_cache_size",
			Help: "Current entry count per cache (count)",
		},
		[]string{"cache"},
	)

	CacheHitRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowrelay_cache_hit_rate",
			Help: "Lifetime hit rate per cache (ratio)",
		},
		[]string{"cache"},
	)

	ConfigReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowrelay_config_reloads_total",
			Help: "Configuration reload attempts by outcome (count)",
		},
		[]string{"status"},
	)

	RecordStoreRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowrelay_recordstore_requests_total",
			Help: "Remote record-store requests by operation and outcome (count)",
		},
		[]string{"operation", "status"},
	)

	RecordStoreRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowrelay_recordstore_request_duration_ms",
			Help:    "Remote record-store request duration in milliseconds",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"operation"},
	)

	SourceRetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowrelay_source_retry_attempts_total",
			Help: "Event-source delivery retry attempts (count)",
		},
		[]string{"source"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowrelay_dlq_messages_total",
			Help: "Events shipped to the dead-letter topic (count)",
		},
		[]string{"topic", "reason"},
	)

	FailedDeliveryReplaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowrelay_failed_delivery_replays_total",
			Help: "Replayed failed deliveries by outcome (count)",
		},
		[]string{"status"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowrelay_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowrelay_circuit_breaker_requests_total",
			Help: "Requests seen by a circuit breaker, by state (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowrelay_circuit_breaker_failures_total",
			Help: "Failed requests seen by a circuit breaker (count)",
		},
		[]string{"name"},
	)
)

var (
	registerCoreOnce    sync.Once
	registerSourceOnce  sync.Once
	registerBreakerOnce sync.Once
)

func RegisterCoreMetrics() {
	registerCoreOnce.Do(func() {
		prometheus.MustRegister(
			EventsTotal,
			EventProcessingDuration,
			DuplicateEventsTotal,
			DedupSetSize,
			ActionExecutionsTotal,
			ActionRetriesTotal,
			ActionDuration,
			CacheSize,
			CacheHitRate,
			ConfigReloadsTotal,
			RecordStoreRequestsTotal,
			RecordStoreRequestDuration,
			FailedDeliveryReplaysTotal,
		)
	})
}

func RegisterSourceMetrics() {
	registerSourceOnce.Do(func() {
		prometheus.MustRegister(
			SourceRetryAttemptsTotal,
			DLQMessagesTotal,
		)
	})
}

func RegisterCircuitBreakerMetrics() {
	registerBreakerOnce.Do(func() {
		prometheus.MustRegister(
			CircuitBreakerState,
			CircuitBreakerRequests,
			CircuitBreakerFailures,
		)
	})
}

func ObserveEventDuration(category string, d time.Duration) {
	EventProcessingDuration.WithLabelValues(category).Observe(float64(d.Milliseconds()))
}

func ObserveActionDuration(actionType string, d time.Duration) {
	ActionDuration.WithLabelValues(actionType).Observe(float64(d.Milliseconds()))
}

func ObserveRecordStoreDuration(operation string, d time.Duration) {
	RecordStoreRequestDuration.WithLabelValues(operation).Observe(float64(d.Milliseconds()))
}
