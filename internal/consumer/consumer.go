// Package consumer owns the broker side of the runtime: connection and
// channel lifecycle, topology assertion, subscriptions, acknowledgement
// discipline, reconnection with backoff and graceful shutdown.
package consumer

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/omnierp/event-runtime/internal/metrics"
	"github.com/omnierp/event-runtime/internal/middleware"
	"github.com/omnierp/event-runtime/internal/processor"
	"github.com/omnierp/event-runtime/internal/retry"
)

// State is the consumer lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ConnectionConfig locates the broker. URL wins over the discrete fields;
// vhost and password are URL-encoded when the URL is assembled.
type ConnectionConfig struct {
	URL            string
	Hostname       string
	Port           int
	Username       string
	Password       string
	Vhost          string
	Heartbeat      time.Duration
	Timeout        time.Duration
	ConnectionName string
}

func (c ConnectionConfig) amqpURL() string {
	if c.URL != "" {
		return c.URL
	}
	vhost := c.Vhost
	if vhost == "/" {
		vhost = ""
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s",
		url.QueryEscape(c.Username),
		url.QueryEscape(c.Password),
		c.Hostname,
		c.Port,
		url.QueryEscape(strings.TrimPrefix(vhost, "/")),
	)
}

// ReconnectConfig bounds automatic reconnection.
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// Options configures a Consumer.
type Options struct {
	Connection   ConnectionConfig
	ConsumerName string
	Prefetch     int
	NoAck        bool
	Topology     Topology
	Reconnect    ReconnectConfig
	// ShutdownGrace is the pause between cancelling consumers and waiting
	// for in-flight handlers.
	ShutdownGrace time.Duration
	// OnReconnect runs after a successful reconnect and resubscribe, letting
	// publishers sharing the connection rebuild their channels.
	OnReconnect func()
}

type subscription struct {
	queue     string
	exclusive bool
	args      amqp.Table
	tag       string
}

// Consumer feeds broker deliveries into the processor and applies the
// ack/nack/DLQ decision its results call for.
type Consumer struct {
	opts  Options
	proc  *processor.Processor
	retry *retry.Config
	log   zerolog.Logger

	mu           sync.Mutex
	conn         *amqp.Connection
	ch           *amqp.Channel
	state        State
	subs         []*subscription
	reconnecting bool

	closing  chan struct{}
	once     sync.Once
	inflight sync.WaitGroup
}

// New builds an unconnected consumer. Defaults: prefetch 10, reconnect
// 1s initial / 30s cap / 10 attempts, 10s dial timeout, 1s shutdown grace.
func New(opts Options, proc *processor.Processor, rcfg *retry.Config, log zerolog.Logger) *Consumer {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 10
	}
	if opts.Reconnect.InitialDelay <= 0 {
		opts.Reconnect.InitialDelay = time.Second
	}
	if opts.Reconnect.MaxDelay <= 0 {
		opts.Reconnect.MaxDelay = 30 * time.Second
	}
	if opts.Reconnect.MaxAttempts <= 0 {
		opts.Reconnect.MaxAttempts = 10
	}
	if opts.Connection.Timeout <= 0 {
		opts.Connection.Timeout = 10 * time.Second
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = time.Second
	}
	if rcfg == nil {
		rcfg = retry.DefaultConfig()
	}
	return &Consumer{
		opts:    opts,
		proc:    proc,
		retry:   rcfg,
		log:     log,
		state:   StateDisconnected,
		closing: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the broker connection is up, for health checks.
func (c *Consumer) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && c.conn != nil && !c.conn.IsClosed()
}

// Connect dials the broker, opens the single channel, applies prefetch and
// asserts the configured topology. A close notification from either the
// connection or the channel triggers reconnection unless shutdown started.
func (c *Consumer) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Consumer) connect(ctx context.Context) error {
	cfg := amqp.Config{
		Heartbeat: c.opts.Connection.Heartbeat,
		Dial:      amqp.DefaultDial(c.opts.Connection.Timeout),
	}
	if c.opts.Connection.ConnectionName != "" {
		cfg.Properties = amqp.Table{"connection_name": c.opts.Connection.ConnectionName}
	}

	conn, err := amqp.DialConfig(c.opts.Connection.amqpURL(), cfg)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.Qos(c.opts.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}

	if err := declareTopology(ch, c.opts.Topology); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.ch = ch
	c.state = StateConnected
	c.mu.Unlock()

	connClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClose := ch.NotifyClose(make(chan *amqp.Error, 1))
	cancels := ch.NotifyCancel(make(chan string, 1))
	go c.watchClose(ctx, connClose, chClose, cancels)

	c.log.Info().Str("state", StateConnected.String()).Msg("broker connected")
	return nil
}

// watchClose waits for the first sign of a dead connection or channel. A
// channel can die while the connection stays up (broker-side channel error,
// queue deletion, ack precondition failure), so both are watched, as is a
// broker-initiated consumer cancel.
func (c *Consumer) watchClose(ctx context.Context, connErrs, chErrs chan *amqp.Error, cancels chan string) {
	select {
	case err := <-connErrs:
		if c.isClosing() {
			return
		}
		c.log.Warn().Err(notifyErr(err)).Msg("broker connection lost")
	case err := <-chErrs:
		if c.isClosing() {
			return
		}
		c.log.Warn().Err(notifyErr(err)).Msg("broker channel lost")
	case tag := <-cancels:
		if c.isClosing() {
			return
		}
		c.log.Warn().Str("consumer_tag", tag).Msg("consumer cancelled by broker")
	}
	c.maybeReconnect(ctx)
}

// notifyErr guards against the typed nil a closed notify channel yields.
func notifyErr(err *amqp.Error) error {
	if err == nil {
		return nil
	}
	return err
}

// maybeReconnect enters the reconnect loop unless shutdown has begun or a
// reconnect is already running. Connection close, channel close, consumer
// cancel and delivery-stream closure can all fire for the same failure; the
// first caller wins.
func (c *Consumer) maybeReconnect(ctx context.Context) {
	if c.isClosing() {
		return
	}
	c.mu.Lock()
	if c.reconnecting || c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.state = StateReconnecting
	c.mu.Unlock()

	metrics.RecordReconnect()
	c.reconnect(ctx)
}

// reconnect re-dials with exponential backoff capped at MaxDelay, then
// re-asserts topology and re-subscribes every previously subscribed queue
// with a fresh consumer tag.
func (c *Consumer) reconnect(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for attempt := 1; attempt <= c.opts.Reconnect.MaxAttempts; attempt++ {
		delay := reconnectDelay(c.opts.Reconnect, attempt)
		c.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")

		select {
		case <-c.closing:
			return
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		c.mu.Lock()
		c.state = StateConnecting
		c.mu.Unlock()

		if err := c.connect(ctx); err != nil {
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			c.mu.Lock()
			c.state = StateReconnecting
			c.mu.Unlock()
			continue
		}

		if err := c.resubscribe(ctx); err != nil {
			c.log.Error().Err(err).Msg("resubscribe after reconnect failed")
			c.mu.Lock()
			c.state = StateReconnecting
			c.mu.Unlock()
			continue
		}

		if c.opts.OnReconnect != nil {
			c.opts.OnReconnect()
		}
		return
	}

	c.log.Error().Int("attempts", c.opts.Reconnect.MaxAttempts).Msg("reconnect attempts exhausted")
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
}

// reconnectDelay is min(initial * 2^(attempt-1), max). attempt is 1-based.
func reconnectDelay(cfg ReconnectConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := cfg.InitialDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	if d > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return d
}

// Subscribe asserts the queue (idempotent when it is part of the topology),
// starts consuming with a generated consumer tag and records the
// queue→subscription mapping for reconnects.
func (c *Consumer) Subscribe(ctx context.Context, queue string, exclusive bool, args amqp.Table) error {
	sub := &subscription{queue: queue, exclusive: exclusive, args: args}

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: consumer not connected", queue)
	}
	c.subs = append(c.subs, sub)
	ch := c.ch
	c.mu.Unlock()

	return c.startConsume(ctx, ch, sub)
}

// resubscribe restarts consumption for every registered queue in its
// original subscription order, before any delivery flows again.
func (c *Consumer) resubscribe(ctx context.Context) error {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()

	for _, sub := range c.snapshotSubs() {
		if err := c.startConsume(ctx, ch, sub); err != nil {
			return err
		}
	}
	return nil
}

// snapshotSubs copies the subscription list so callers can iterate without
// holding the lock.
func (c *Consumer) snapshotSubs() []*subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := make([]*subscription, len(c.subs))
	copy(subs, c.subs)
	return subs
}

func (c *Consumer) startConsume(ctx context.Context, ch *amqp.Channel, sub *subscription) error {
	if err := c.assertQueue(ch, sub.queue); err != nil {
		return err
	}

	// Tags are regenerated on every (re)subscribe; brokers do not guarantee
	// tag uniqueness across reconnects.
	tag := fmt.Sprintf("%s-%s", c.opts.ConsumerName, uuid.NewString()[:8])

	deliveries, err := ch.Consume(sub.queue, tag, c.opts.NoAck, sub.exclusive, false, false, sub.args)
	if err != nil {
		return fmt.Errorf("consume %s: %w", sub.queue, err)
	}

	c.mu.Lock()
	sub.tag = tag
	c.mu.Unlock()

	go c.consumeLoop(ctx, deliveries, sub.queue)
	c.log.Info().Str("queue", sub.queue).Str("consumer_tag", tag).Msg("subscribed")
	return nil
}

// assertQueue declares the queue idempotently before consuming. Queues in
// the configured topology keep their declared arguments; anything else is
// declared as a plain durable queue.
func (c *Consumer) assertQueue(ch *amqp.Channel, name string) error {
	q, ok := c.opts.Topology.queue(name)
	if !ok {
		q = QueueConfig{Name: name, Durable: true}
	}
	if _, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, queueArgs(q)); err != nil {
		return fmt.Errorf("assert queue %s: %w", name, err)
	}
	return nil
}

// consumeLoop fans deliveries out to their own goroutines; the channel
// prefetch is the backpressure bound on in-flight work.
func (c *Consumer) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery, queue string) {
	for {
		select {
		case <-c.closing:
			return
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				if !c.isClosing() {
					c.log.Warn().Str("queue", queue).Msg("delivery stream closed")
					c.maybeReconnect(ctx)
				}
				return
			}
			metrics.RecordMessageConsumed(queue)
			c.inflight.Add(1)
			go func(d amqp.Delivery) {
				defer c.inflight.Done()
				c.handleDelivery(ctx, d, queue)
			}(d)
		}
	}
}

// ackAction is the single acknowledgement emitted per delivery.
type ackAction int

const (
	actionAck ackAction = iota
	actionRequeue
	actionReject
)

// decide maps a processing result onto the acknowledgement discipline:
// success acks (duplicates and skipped events included); retryable failures
// requeue while attempts remain; everything else rejects toward the DLQ.
func decide(res processor.Result, rcfg *retry.Config) ackAction {
	if res.Success {
		if !res.Acknowledged {
			return actionReject
		}
		return actionAck
	}
	if res.Err != nil && rcfg.IsRetryable(res.Err) && rcfg.CanRetry(res.RetryAttempt+1) {
		return actionRequeue
	}
	return actionReject
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery, queue string) {
	pctx := middleware.NewProcessingContext(ctx, &d)
	res := c.proc.Process(pctx)

	log := c.log.With().
		Str("queue", queue).
		Str("event_id", eventID(pctx)).
		Int("attempt", res.RetryAttempt).
		Logger()

	if c.opts.NoAck {
		// Broker already considers the message settled.
		c.observe(res, queue)
		return
	}

	switch decide(res, c.retry) {
	case actionAck:
		if err := d.Ack(false); err != nil {
			log.Error().Err(err).Msg("ack failed")
		}
	case actionRequeue:
		delay := c.retry.DelayFor(res.RetryAttempt)
		log.Warn().Err(res.Err).Dur("delay", delay).Msg("retryable failure; requeueing")
		select {
		case <-c.closing:
		case <-time.After(delay):
		}
		if err := d.Nack(false, true); err != nil {
			log.Error().Err(err).Msg("nack requeue failed")
		}
		metrics.RecordRetry()
	case actionReject:
		log.Error().Err(res.Err).Msg("rejecting delivery")
		if err := d.Nack(false, false); err != nil {
			log.Error().Err(err).Msg("nack reject failed")
		}
		metrics.RecordDeadLettered(errCode(res))
	}

	c.observe(res, queue)
}

func (c *Consumer) observe(res processor.Result, queue string) {
	if res.Duplicate {
		metrics.RecordDuplicate()
	}
	if res.Success {
		metrics.RecordProcessed(queue, res.Duration)
	} else {
		metrics.RecordFailed(queue, errCode(res))
	}
}

func eventID(p *middleware.ProcessingContext) string {
	if p.Envelope == nil {
		return ""
	}
	return p.Envelope.EventID
}

func errCode(res processor.Result) string {
	if res.Err == nil {
		return ""
	}
	return res.Err.Code()
}

// SetOnReconnect installs the reconnect callback. Call during startup, not
// once reconnection may already be running.
func (c *Consumer) SetOnReconnect(fn func()) {
	c.opts.OnReconnect = fn
}

// NewChannel opens an additional channel on the current connection for
// publishers that share it. Callers must rebuild the channel via OnReconnect.
func (c *Consumer) NewChannel() (*amqp.Channel, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return nil, fmt.Errorf("no broker connection")
	}
	return conn.Channel()
}

func (c *Consumer) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

// Shutdown performs the graceful stop: cancel all consumers so no new
// deliveries arrive, allow a short grace, wait for in-flight handlers up to
// the context deadline, then close channel and connection. On deadline the
// remaining work is abandoned; the broker redelivers and idempotency
// suppresses the duplicate effect.
func (c *Consumer) Shutdown(ctx context.Context) error {
	c.once.Do(func() { close(c.closing) })

	c.mu.Lock()
	c.state = StateClosing
	ch := c.ch
	conn := c.conn
	c.mu.Unlock()
	subs := c.snapshotSubs()

	if ch != nil {
		for _, sub := range subs {
			if sub.tag == "" {
				continue
			}
			if err := ch.Cancel(sub.tag, false); err != nil {
				c.log.Warn().Err(err).Str("consumer_tag", sub.tag).Msg("cancel failed")
			}
		}
	}

	select {
	case <-time.After(c.opts.ShutdownGrace):
	case <-ctx.Done():
	}

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	var timeoutErr error
	select {
	case <-done:
	case <-ctx.Done():
		timeoutErr = fmt.Errorf("shutdown timed out with in-flight deliveries: %w", ctx.Err())
	}

	if ch != nil {
		_ = ch.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	if timeoutErr != nil {
		c.log.Error().Err(timeoutErr).Msg("shutdown incomplete")
		return timeoutErr
	}
	c.log.Info().Msg("consumer shut down")
	return nil
}
