// Package store is the durable backing for exactly-once effect: a
// processed-events table keyed by (consumer_name, event_id) plus the caches
// that sit in front of it.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a processed-event row.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Result is the terminal outcome of processing.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailed  Result = "failed"
)

// CheckResult reports whether an event has been (or is being) processed.
// Processed is true for in_progress and completed rows; failed rows do not
// block redelivery.
type CheckResult struct {
	Processed   bool
	Status      Status
	ProcessedAt *time.Time
	Attempts    int
	Output      json.RawMessage
}

// Outcome is the terminal record written after the handler returns.
// MaxRetries is the configured retry ceiling at the time of processing;
// the store derives retry_count from its own attempt counter.
type Outcome struct {
	Status       Status
	Duration     time.Duration
	Result       Result
	Output       json.RawMessage
	ErrorMessage string
	ErrorCode    string
	MaxRetries   int
}

// ProcessedEventStore is the small port the idempotency guard talks to. Any
// relational engine with an INSERT ... ON CONFLICT DO NOTHING equivalent can
// implement it.
type ProcessedEventStore interface {
	// Check looks up (consumer, eventID). Absence is not an error.
	Check(ctx context.Context, consumer, eventID string) (CheckResult, error)

	// MarkInProgress inserts the row with status in_progress. On an existing
	// key it is a no-op and reports inserted=false; the prior row wins.
	MarkInProgress(ctx context.Context, consumer, eventID, eventType string) (inserted bool, err error)

	// RecordOutcome updates the row to its terminal status, increments
	// processing_attempts and touches updated_at.
	RecordOutcome(ctx context.Context, consumer, eventID string, oc Outcome) error

	// Reset deletes the row so the event can be re-driven manually.
	Reset(ctx context.Context, consumer, eventID string) error

	// Prune removes rows last updated before the cutoff.
	Prune(ctx context.Context, consumer string, olderThan time.Time) (int64, error)

	// Ping verifies store availability for health reporting.
	Ping(ctx context.Context) error
}
