package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/omnierp/event-runtime/internal/config"
	"github.com/omnierp/event-runtime/internal/consumer"
	"github.com/omnierp/event-runtime/internal/health"
	"github.com/omnierp/event-runtime/internal/logger"
	"github.com/omnierp/event-runtime/internal/middleware"
	"github.com/omnierp/event-runtime/internal/processor"
	"github.com/omnierp/event-runtime/internal/publisher"
	"github.com/omnierp/event-runtime/internal/schema"
	"github.com/omnierp/event-runtime/internal/store"
	"github.com/omnierp/event-runtime/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, cfg.LogFormat)
	log := logger.Component("main").With().
		Str("consumer", cfg.ConsumerName).
		Str("env", cfg.AppEnv).
		Logger()

	rootCtx := context.Background()
	var stop context.CancelFunc = func() {}
	if cfg.EnableGracefulShutdown {
		rootCtx, stop = signal.NotifyContext(rootCtx, os.Interrupt, syscall.SIGTERM)
	}
	defer stop()

	// ---- Postgres (idempotency + workflow) ----
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres open failed")
		}
		defer db.Close()

		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		if err := db.PingContext(pingCtx); err != nil {
			cancel()
			log.Fatal().Err(err).Msg("postgres ping failed")
		}
		cancel()
		log.Info().Msg("postgres connected")
	}

	// ---- Redis duplicate cache (optional) ----
	var sharedCache middleware.SharedCache
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis ping failed (continuing)")
		} else {
			log.Info().Msg("redis connected")
		}
		cancel()
		sharedCache = store.NewRedisCache(redisClient, cfg.RedisTTL)
	}

	// ---- Schema registry ----
	registry, err := schema.NewRegistry(cfg.SchemasDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.SchemasDir).Msg("schema registry init failed")
	}

	// ---- Pipeline ----
	proc := processor.New(logger.Component("processor"))
	mustUse := func(mw middleware.Middleware) {
		if err := proc.Use(mw); err != nil {
			log.Fatal().Err(err).Msg("middleware registration failed")
		}
	}
	mustUse(middleware.Deserializer(middleware.DeserializerConfig{
		MaxSizeBytes:       cfg.MaxMessageBytes,
		EnforceContentType: cfg.EnforceContentType,
	}, logger.Component("deserializer")))
	mustUse(middleware.Correlation(middleware.CorrelationConfig{
		GenerateTraceID:     cfg.GenerateTraceID,
		CorrelationIDHeader: cfg.CorrelationIDHeader,
		TraceIDHeader:       cfg.TraceIDHeader,
		CausationIDHeader:   cfg.CausationIDHeader,
	}, logger.Component("correlation")))
	mustUse(middleware.SchemaValidator(middleware.ValidatorConfig{
		Enabled:          cfg.ValidatorEnabled,
		ThrowOnError:     cfg.ThrowOnError,
		ValidateEnvelope: cfg.ValidateEnvelope,
		ValidatePayload:  cfg.ValidatePayload,
	}, registry, logger.Component("validator")))

	var processedStore store.ProcessedEventStore
	if cfg.IdempotencyEnabled {
		processedStore, err = store.NewPostgresStore(db, cfg.IdempotencySchema, cfg.IdempotencyTable, logger.Component("store"))
		if err != nil {
			log.Fatal().Err(err).Msg("processed-event store init failed")
		}
		mustUse(middleware.IdempotencyGuard(middleware.GuardConfig{
			ConsumerName:  cfg.ConsumerName,
			TTL:           cfg.IdempotencyTTL,
			PruneInterval: cfg.IdempotencyPrune,
			CacheSize:     cfg.IdempotencyCacheLen,
			MaxRetries:    cfg.RetryMaxAttempts,
		}, processedStore, sharedCache, logger.Component("idempotency")))
	}

	// ---- Workflow engine ----
	var wfStore *workflow.PostgresStore
	if cfg.WorkflowEnabled {
		wfStore = workflow.NewPostgresStore(db, logger.Component("workflow-store"))
		engine := workflow.NewEngine(wfStore, logger.Component("workflow"))
		if err := engine.RegisterHandlers(proc, cfg.ConsumerName); err != nil {
			log.Fatal().Err(err).Msg("workflow handler registration failed")
		}
	}

	proc.Start()

	// ---- Consumer ----
	cons := consumer.New(consumer.Options{
		Connection: consumer.ConnectionConfig{
			URL:            cfg.AMQPURL,
			Hostname:       cfg.AMQPHost,
			Port:           cfg.AMQPPort,
			Username:       cfg.AMQPUsername,
			Password:       cfg.AMQPPassword,
			Vhost:          cfg.AMQPVhost,
			Heartbeat:      cfg.AMQPHeartbeat,
			Timeout:        cfg.AMQPTimeout,
			ConnectionName: cfg.AMQPConnectionName,
		},
		ConsumerName: cfg.ConsumerName,
		Prefetch:     cfg.Prefetch,
		NoAck:        cfg.NoAck,
		Reconnect: consumer.ReconnectConfig{
			InitialDelay: cfg.ReconnectInitialDelay,
			MaxDelay:     cfg.ReconnectMaxDelay,
			MaxAttempts:  cfg.ReconnectMaxAttempts,
		},
		Topology: buildTopology(cfg),
	}, proc, cfg.RetryConfig(), logger.Component("consumer"))

	if err := cons.Connect(rootCtx); err != nil {
		log.Fatal().Err(err).Msg("broker connect failed")
	}
	if err := cons.Subscribe(rootCtx, cfg.QueueName, false, nil); err != nil {
		log.Fatal().Err(err).Str("queue", cfg.QueueName).Msg("subscribe failed")
	}

	// ---- Escalation scanner (publishes workflow.escalated) ----
	if cfg.WorkflowEnabled {
		pubLog := logger.Component("publisher")
		ch, err := cons.NewChannel()
		if err != nil {
			log.Fatal().Err(err).Msg("publisher channel open failed")
		}
		pub := publisher.NewAMQP(ch, pubLog)
		cons.SetOnReconnect(func() {
			if ch, err := cons.NewChannel(); err != nil {
				pubLog.Error().Err(err).Msg("publisher channel rebuild failed")
			} else {
				pub.Reset(ch)
			}
		})

		scanner := workflow.NewEscalationScanner(wfStore, pub, cfg.WorkflowExchange,
			cfg.WorkflowScanInterval, logger.Component("escalation"))
		go scanner.Run(rootCtx)
	}

	// ---- Ops surface ----
	ops := health.NewServer(cfg.OpsAddr, cfg.EnableMetrics, logger.Component("ops"))
	ops.AddCheck("broker", func(ctx context.Context) error {
		if !cons.Connected() {
			return fmt.Errorf("broker %s", cons.State())
		}
		return nil
	})
	if processedStore != nil {
		ops.AddCheck("store", processedStore.Ping)
	}
	if redisClient != nil {
		ops.AddCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}
	ops.Start()

	log.Info().Msg("event runtime started")
	<-rootCtx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	exitCode := 0
	if err := cons.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("consumer shutdown failed")
		exitCode = 1
	}
	if err := ops.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("ops shutdown failed")
	}
	os.Exit(exitCode)
}

// buildTopology assembles the declared exchange, queue and bindings from the
// configuration, including dead-letter arguments when a DLX is named.
func buildTopology(cfg *config.Config) consumer.Topology {
	topo := consumer.Topology{}

	if cfg.ExchangeName != "" {
		topo.Exchanges = append(topo.Exchanges, consumer.ExchangeConfig{
			Name:    cfg.ExchangeName,
			Type:    cfg.ExchangeType,
			Durable: true,
		})
	}
	if cfg.DLXExchange != "" {
		topo.Exchanges = append(topo.Exchanges, consumer.ExchangeConfig{
			Name:    cfg.DLXExchange,
			Type:    "topic",
			Durable: true,
		})
	}

	q := consumer.QueueConfig{
		Name:       cfg.QueueName,
		Durable:    cfg.QueueDurable,
		MessageTTL: cfg.QueueMessageTTL,
		MaxLength:  cfg.QueueMaxLength,
	}
	if cfg.DLXExchange != "" {
		q.DeadLetter = &consumer.DeadLetterConfig{
			Exchange:   cfg.DLXExchange,
			RoutingKey: cfg.DLXRoutingKey,
		}
	}
	topo.Queues = append(topo.Queues, q)

	for _, key := range cfg.BindingKeys {
		topo.Bindings = append(topo.Bindings, consumer.BindingConfig{
			Queue:      cfg.QueueName,
			Exchange:   cfg.ExchangeName,
			RoutingKey: key,
		})
	}
	return topo
}
