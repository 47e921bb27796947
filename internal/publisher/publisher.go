// Package publisher emits child events back to the broker with correlation
// headers propagated from the consuming context.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/omnierp/event-runtime/internal/contracts/event"
	"github.com/omnierp/event-runtime/internal/middleware"
)

// Publisher is the outbound port for child events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, env *event.Envelope, corr middleware.CorrelationContext) error
}

// Channel is the slice of amqp.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPPublisher publishes envelopes as persistent JSON messages.
type AMQPPublisher struct {
	mu  sync.Mutex
	ch  Channel
	log zerolog.Logger
}

func NewAMQP(ch Channel, log zerolog.Logger) *AMQPPublisher {
	return &AMQPPublisher{ch: ch, log: log}
}

// Reset swaps the underlying channel after a reconnect.
func (p *AMQPPublisher) Reset(ch Channel) {
	p.mu.Lock()
	p.ch = ch
	p.mu.Unlock()
}

func (p *AMQPPublisher) Publish(ctx context.Context, exchange, routingKey string, env *event.Envelope, corr middleware.CorrelationContext) error {
	if env.CorrelationID == "" {
		env.CorrelationID = corr.CorrelationID
	}
	if env.TraceID == "" {
		env.TraceID = corr.TraceID
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("publish %s: no channel", routingKey)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.EventID,
		Type:         env.EventType,
		Timestamp:    time.Now().UTC(),
		Headers:      corr.Headers(),
		Body:         body,
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", env.EventType, exchange, err)
	}

	p.log.Debug().
		Str("event_type", env.EventType).
		Str("exchange", exchange).
		Str("routing_key", routingKey).
		Str("correlation_id", env.CorrelationID).
		Msg("event published")
	return nil
}
