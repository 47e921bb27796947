// Package middleware holds the per-delivery processing context and the four
// pipeline units: deserializer, correlation handler, schema validator and
// idempotency guard. Each unit is a closure composed by the processor.
package middleware

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/omnierp/event-runtime/internal/apperrors"
	"github.com/omnierp/event-runtime/internal/contracts/event"
)

// Metadata keys used for cross-middleware data.
const (
	MetaCorrelation        = "correlation"
	MetaSpanID             = "span_id"
	MetaIdempotencySkipped = "idempotency_skipped"
	MetaIdempotencyBypass  = "idempotency_bypass"
	MetaHandlerOutput      = "handler_output"
)

// ProcessingContext is created by the consumer per delivery and discarded
// after ack/nack. It is mutable and owned by the single task processing the
// delivery.
type ProcessingContext struct {
	Ctx      context.Context
	Delivery *amqp.Delivery

	// Envelope is populated by the deserializer. Only the correlation
	// handler may mutate it afterwards, and only to fill absent ids.
	Envelope *event.Envelope

	CorrelationID string
	TraceID       string
	SpanID        string

	StartTime    time.Time
	RetryAttempt int

	// SkipRemaining short-circuits downstream middleware and handler
	// dispatch while still counting as success.
	SkipRemaining bool

	// ShouldReject forces nack-without-requeue when an error propagates.
	ShouldReject bool

	// Err carries the classification set by whichever unit failed.
	Err *apperrors.ClassifiedError

	Metadata map[string]any
}

// NewProcessingContext wires a context for one delivery.
func NewProcessingContext(ctx context.Context, d *amqp.Delivery) *ProcessingContext {
	return &ProcessingContext{
		Ctx:          ctx,
		Delivery:     d,
		StartTime:    time.Now(),
		RetryAttempt: 1,
		Metadata:     make(map[string]any),
	}
}

// Fail records a classified error on the context and returns it.
func (p *ProcessingContext) Fail(err *apperrors.ClassifiedError) error {
	p.Err = err
	return err
}

// Middleware is one composable step: call next() to continue the pipeline,
// or return without doing so to stop it.
type Middleware func(p *ProcessingContext, next func() error) error

// CorrelationContext is the composite stored under MetaCorrelation for
// downstream use, including header projection when publishing child events.
type CorrelationContext struct {
	CorrelationID string
	TraceID       string
	CausationID   string
	ParentEventID string
	SpanID        string
}

// Headers projects the correlation context onto broker headers for child
// events.
func (c CorrelationContext) Headers() amqp.Table {
	t := amqp.Table{
		"x-correlation-id": c.CorrelationID,
		"x-trace-id":       c.TraceID,
	}
	if c.CausationID != "" {
		t["x-causation-id"] = c.CausationID
	}
	if c.ParentEventID != "" {
		t["x-parent-event-id"] = c.ParentEventID
	}
	return t
}
