// Package config loads the runtime configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/omnierp/event-runtime/internal/apperrors"
	"github.com/omnierp/event-runtime/internal/retry"
)

type Config struct {
	AppEnv string

	// Broker connection
	AMQPURL            string
	AMQPHost           string
	AMQPPort           int
	AMQPUsername       string
	AMQPPassword       string
	AMQPVhost          string
	AMQPHeartbeat      time.Duration
	AMQPTimeout        time.Duration
	AMQPConnectionName string

	// Consumer
	ConsumerName  string
	ConsumerGroup string
	Prefetch      int
	NoAck         bool

	// Topology
	ExchangeName    string
	ExchangeType    string
	QueueName       string
	QueueDurable    bool
	BindingKeys     []string
	QueueMessageTTL int64
	QueueMaxLength  int64
	DLXExchange     string
	DLXRoutingKey   string

	// Reconnect
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectMaxAttempts  int

	// Retry
	RetryPolicy        string
	RetryMaxAttempts   int
	RetryInitialDelay  time.Duration
	RetryMaxDelay      time.Duration
	RetryMultiplier    float64
	RetryJitterFactor  float64
	RetryRetryableTags []string

	// Idempotency store
	IdempotencyEnabled  bool
	DatabaseURL         string
	IdempotencySchema   string
	IdempotencyTable    string
	IdempotencyTTL      time.Duration
	IdempotencyPrune    time.Duration
	IdempotencyCacheLen int

	// Redis duplicate cache
	RedisEnabled bool
	RedisURL     string
	RedisTTL     time.Duration

	// Schema validation
	ValidatorEnabled   bool
	ThrowOnError       bool
	ValidateEnvelope   bool
	ValidatePayload    bool
	SchemasDir         string
	MaxMessageBytes    int
	EnforceContentType bool

	// Correlation
	GenerateTraceID     bool
	CorrelationIDHeader string
	TraceIDHeader       string
	CausationIDHeader   string

	// Lifecycle
	ShutdownTimeout        time.Duration
	EnableGracefulShutdown bool

	// Ops surface
	EnableMetrics bool
	OpsAddr       string

	// Workflow engine
	WorkflowEnabled      bool
	WorkflowScanInterval time.Duration
	WorkflowExchange     string

	LogLevel  string
	LogFormat string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.AppEnv = getEnv("APP_ENV", "dev")

	cfg.AMQPURL = getEnv("AMQP_URL", "")
	cfg.AMQPHost = getEnv("AMQP_HOST", "localhost")
	cfg.AMQPPort = getIntEnv("AMQP_PORT", 5672)
	cfg.AMQPUsername = getEnv("AMQP_USERNAME", "guest")
	cfg.AMQPPassword = getEnv("AMQP_PASSWORD", "guest")
	cfg.AMQPVhost = getEnv("AMQP_VHOST", "/")
	cfg.AMQPHeartbeat = getDuration("AMQP_HEARTBEAT", 10*time.Second)
	cfg.AMQPTimeout = getDuration("AMQP_TIMEOUT", 10*time.Second)
	cfg.AMQPConnectionName = getEnv("AMQP_CONNECTION_NAME", "event-runtime")

	cfg.ConsumerName = getEnv("CONSUMER_NAME", "")
	cfg.ConsumerGroup = getEnv("CONSUMER_GROUP", "")
	cfg.Prefetch = getIntEnv("PREFETCH", 10)
	cfg.NoAck = getBool("NO_ACK", false)

	cfg.ExchangeName = getEnv("EXCHANGE_NAME", "")
	cfg.ExchangeType = getEnv("EXCHANGE_TYPE", "topic")
	cfg.QueueName = getEnv("QUEUE_NAME", "")
	cfg.QueueDurable = getBool("QUEUE_DURABLE", true)
	if keys := getEnv("BINDING_KEYS", ""); keys != "" {
		cfg.BindingKeys = splitList(keys)
	}
	cfg.QueueMessageTTL = int64(getIntEnv("QUEUE_MESSAGE_TTL_MS", 0))
	cfg.QueueMaxLength = int64(getIntEnv("QUEUE_MAX_LENGTH", 0))
	cfg.DLXExchange = getEnv("DLX_EXCHANGE", "")
	cfg.DLXRoutingKey = getEnv("DLX_ROUTING_KEY", "")

	cfg.ReconnectInitialDelay = getDuration("RECONNECT_INITIAL_DELAY", time.Second)
	cfg.ReconnectMaxDelay = getDuration("RECONNECT_MAX_DELAY", 30*time.Second)
	cfg.ReconnectMaxAttempts = getIntEnv("RECONNECT_MAX_ATTEMPTS", 10)

	cfg.RetryPolicy = getEnv("RETRY_POLICY", "exponential")
	cfg.RetryMaxAttempts = getIntEnv("RETRY_MAX_ATTEMPTS", 3)
	cfg.RetryInitialDelay = getDuration("RETRY_INITIAL_DELAY", time.Second)
	cfg.RetryMaxDelay = getDuration("RETRY_MAX_DELAY", 30*time.Second)
	cfg.RetryMultiplier = getFloatEnv("RETRY_MULTIPLIER", 2.0)
	cfg.RetryJitterFactor = getFloatEnv("RETRY_JITTER_FACTOR", 0.2)
	if tags := getEnv("RETRY_RETRYABLE_TAGS", ""); tags != "" {
		cfg.RetryRetryableTags = splitList(tags)
	}

	cfg.IdempotencyEnabled = getBool("IDEMPOTENCY_ENABLED", true)
	cfg.DatabaseURL = getEnv("DATABASE_URL", "")
	cfg.IdempotencySchema = getEnv("IDEMPOTENCY_SCHEMA", "public")
	cfg.IdempotencyTable = getEnv("IDEMPOTENCY_TABLE", "processed_events")
	cfg.IdempotencyTTL = getDuration("IDEMPOTENCY_TTL", 7*24*time.Hour)
	cfg.IdempotencyPrune = getDuration("IDEMPOTENCY_PRUNE_INTERVAL", time.Hour)
	cfg.IdempotencyCacheLen = getIntEnv("IDEMPOTENCY_CACHE_SIZE", 1000)

	cfg.RedisEnabled = getBool("REDIS_ENABLED", false)
	cfg.RedisURL = getEnv("REDIS_URL", "redis://localhost:6379/0")
	cfg.RedisTTL = getDuration("REDIS_TTL", 7*24*time.Hour)

	cfg.ValidatorEnabled = getBool("SCHEMA_VALIDATION_ENABLED", true)
	cfg.ThrowOnError = getBool("SCHEMA_THROW_ON_ERROR", true)
	cfg.ValidateEnvelope = getBool("SCHEMA_VALIDATE_ENVELOPE", true)
	cfg.ValidatePayload = getBool("SCHEMA_VALIDATE_PAYLOAD", true)
	cfg.SchemasDir = getEnv("SCHEMAS_DIR", "schemas")
	cfg.MaxMessageBytes = getIntEnv("MAX_MESSAGE_BYTES", 10*1024*1024)
	cfg.EnforceContentType = getBool("ENFORCE_CONTENT_TYPE", true)

	cfg.GenerateTraceID = getBool("GENERATE_TRACE_ID", true)
	cfg.CorrelationIDHeader = getEnv("CORRELATION_ID_HEADER", "x-correlation-id")
	cfg.TraceIDHeader = getEnv("TRACE_ID_HEADER", "x-trace-id")
	cfg.CausationIDHeader = getEnv("CAUSATION_ID_HEADER", "x-causation-id")

	cfg.ShutdownTimeout = getDuration("SHUTDOWN_TIMEOUT", 30*time.Second)
	cfg.EnableGracefulShutdown = getBool("ENABLE_GRACEFUL_SHUTDOWN", true)

	cfg.EnableMetrics = getBool("ENABLE_METRICS", true)
	cfg.OpsAddr = getEnv("OPS_ADDR", ":9090")

	cfg.WorkflowEnabled = getBool("WORKFLOW_ENABLED", false)
	cfg.WorkflowScanInterval = getDuration("WORKFLOW_SCAN_INTERVAL", time.Minute)
	cfg.WorkflowExchange = getEnv("WORKFLOW_EXCHANGE", "workflow.events")

	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogFormat = getEnv("LOG_FORMAT", "console")

	// validation
	if cfg.ConsumerName == "" {
		return nil, fmt.Errorf("missing CONSUMER_NAME")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("missing QUEUE_NAME")
	}
	if cfg.IdempotencyEnabled && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("missing DATABASE_URL (required when IDEMPOTENCY_ENABLED)")
	}
	if cfg.WorkflowEnabled && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("missing DATABASE_URL (required when WORKFLOW_ENABLED)")
	}
	switch cfg.RetryPolicy {
	case "none", "fixed", "linear", "exponential", "exponential_with_jitter":
	default:
		return nil, fmt.Errorf("unknown RETRY_POLICY %q", cfg.RetryPolicy)
	}

	return cfg, nil
}

// RetryConfig projects the retry settings into the policy type.
func (c *Config) RetryConfig() *retry.Config {
	rc := &retry.Config{
		Policy:            retry.Policy(c.RetryPolicy),
		MaxAttempts:       c.RetryMaxAttempts,
		InitialDelay:      c.RetryInitialDelay,
		MaxDelay:          c.RetryMaxDelay,
		BackoffMultiplier: c.RetryMultiplier,
		JitterFactor:      c.RetryJitterFactor,
	}
	for _, t := range c.RetryRetryableTags {
		rc.RetryableTags = append(rc.RetryableTags, apperrors.Tag(t))
	}
	return rc
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getIntEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getFloatEnv(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
