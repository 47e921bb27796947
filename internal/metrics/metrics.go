// Package metrics exposes Prometheus instruments for the event runtime.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesConsumed counts deliveries received from the broker per queue.
	MessagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "event_runtime_messages_consumed_total",
		Help: "Deliveries received from the broker",
	}, []string{"queue"})

	// EventsProcessed counts events whose pipeline completed successfully.
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "event_runtime_events_processed_total",
		Help: "Events processed successfully",
	}, []string{"queue"})

	// EventsFailed counts events whose pipeline failed, by error code.
	EventsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "event_runtime_events_failed_total",
		Help: "Events whose processing failed",
	}, []string{"queue", "code"})

	// EventsDuplicate counts events suppressed by the idempotency guard.
	EventsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "event_runtime_events_duplicate_total",
		Help: "Events skipped as already processed",
	})

	// EventsRetried counts requeued deliveries.
	EventsRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "event_runtime_events_retried_total",
		Help: "Deliveries requeued for another attempt",
	})

	// EventsDeadLettered counts deliveries rejected toward the DLQ.
	EventsDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "event_runtime_events_dead_lettered_total",
		Help: "Deliveries rejected without requeue",
	}, []string{"code"})

	// ProcessingDuration observes end-to-end pipeline latency.
	ProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "event_runtime_processing_duration_seconds",
		Help:    "Pipeline latency per delivery",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"queue"})

	// Reconnects counts broker reconnection cycles.
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "event_runtime_broker_reconnects_total",
		Help: "Broker reconnection cycles started",
	})

	// SchemaValidationFailures counts payload or envelope schema mismatches.
	SchemaValidationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "event_runtime_schema_validation_failures_total",
		Help: "Schema validation failures",
	}, []string{"event_type"})

	// WorkflowTransitions counts workflow instance state transitions.
	WorkflowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "event_runtime_workflow_transitions_total",
		Help: "Workflow instance state transitions",
	}, []string{"to_state"})

	// WorkflowEscalations counts approval steps escalated past their deadline.
	WorkflowEscalations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "event_runtime_workflow_escalations_total",
		Help: "Approval steps escalated after timeout",
	})
)

func RecordMessageConsumed(queue string) {
	MessagesConsumed.WithLabelValues(queue).Inc()
}

func RecordProcessed(queue string, d time.Duration) {
	EventsProcessed.WithLabelValues(queue).Inc()
	ProcessingDuration.WithLabelValues(queue).Observe(d.Seconds())
}

func RecordFailed(queue, code string) {
	EventsFailed.WithLabelValues(queue, code).Inc()
}

func RecordDuplicate() {
	EventsDuplicate.Inc()
}

func RecordRetry() {
	EventsRetried.Inc()
}

func RecordDeadLettered(code string) {
	EventsDeadLettered.WithLabelValues(code).Inc()
}

func RecordReconnect() {
	Reconnects.Inc()
}

func RecordSchemaFailure(eventType string) {
	SchemaValidationFailures.WithLabelValues(eventType).Inc()
}

func RecordWorkflowTransition(toState string) {
	WorkflowTransitions.WithLabelValues(toState).Inc()
}

func RecordWorkflowEscalation() {
	WorkflowEscalations.Inc()
}
