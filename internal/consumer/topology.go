package consumer

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeConfig declares one exchange to assert on connect.
type ExchangeConfig struct {
	Name       string
	Type       string // direct, fanout, topic, headers
	Durable    bool
	AutoDelete bool
}

// DeadLetterConfig routes rejected or expired messages from a queue.
type DeadLetterConfig struct {
	Exchange   string
	RoutingKey string
	MessageTTL int64 // milliseconds, applied to the dead-letter queue leg
}

// QueueConfig declares one queue to assert on connect.
type QueueConfig struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	MessageTTL int64 // milliseconds
	MaxLength  int64
	DeadLetter *DeadLetterConfig
}

// BindingConfig binds a queue to an exchange.
type BindingConfig struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Args       amqp.Table
}

// Topology is the broker layout the consumer asserts before subscribing and
// re-asserts after every reconnect.
type Topology struct {
	Exchanges []ExchangeConfig
	Queues    []QueueConfig
	Bindings  []BindingConfig
}

// queue looks a declared queue up by name.
func (t Topology) queue(name string) (QueueConfig, bool) {
	for _, q := range t.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return QueueConfig{}, false
}

// queueArgs translates QueueConfig extras to broker arguments.
func queueArgs(q QueueConfig) amqp.Table {
	args := amqp.Table{}
	if q.DeadLetter != nil {
		args["x-dead-letter-exchange"] = q.DeadLetter.Exchange
		if q.DeadLetter.RoutingKey != "" {
			args["x-dead-letter-routing-key"] = q.DeadLetter.RoutingKey
		}
		if q.DeadLetter.MessageTTL > 0 {
			args["x-message-ttl"] = q.DeadLetter.MessageTTL
		}
	}
	if q.MessageTTL > 0 {
		args["x-message-ttl"] = q.MessageTTL
	}
	if q.MaxLength > 0 {
		args["x-max-length"] = q.MaxLength
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// declareTopology asserts exchanges, queues and bindings on the channel.
func declareTopology(ch *amqp.Channel, topo Topology) error {
	for _, ex := range topo.Exchanges {
		if err := ch.ExchangeDeclare(ex.Name, ex.Type, ex.Durable, ex.AutoDelete, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.Name, err)
		}
	}
	for _, q := range topo.Queues {
		if _, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, queueArgs(q)); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.Name, err)
		}
	}
	for _, b := range topo.Bindings {
		if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, b.Args); err != nil {
			return fmt.Errorf("bind %s to %s (%s): %w", b.Queue, b.Exchange, b.RoutingKey, err)
		}
	}
	return nil
}
