package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnierp/event-runtime/internal/apperrors"
	"github.com/omnierp/event-runtime/internal/contracts/event"
	"github.com/omnierp/event-runtime/internal/middleware"
)

func pctxFor(eventType, version string) *middleware.ProcessingContext {
	p := middleware.NewProcessingContext(context.Background(), &amqp.Delivery{})
	p.Envelope = &event.Envelope{
		EventID:      "11111111-1111-4111-8111-111111111111",
		EventType:    eventType,
		EventVersion: version,
	}
	return p
}

func TestRegister_Validation(t *testing.T) {
	pr := New(zerolog.Nop())
	noop := func(*middleware.ProcessingContext) error { return nil }

	assert.Error(t, pr.Register(HandlerRegistration{EventType: "BadType", Handler: noop}))
	assert.Error(t, pr.Register(HandlerRegistration{EventType: "orders.created", EventVersion: "1", Handler: noop}))
	assert.Error(t, pr.Register(HandlerRegistration{EventType: "orders.created"}))
	assert.NoError(t, pr.Register(HandlerRegistration{EventType: "orders.created", EventVersion: "v1", Handler: noop}))
}

func TestRegistrationFrozenAfterStart(t *testing.T) {
	pr := New(zerolog.Nop())
	noop := func(*middleware.ProcessingContext) error { return nil }
	pr.Start()

	assert.Error(t, pr.Register(HandlerRegistration{EventType: "orders.created", Handler: noop}))
	assert.Error(t, pr.Use(func(p *middleware.ProcessingContext, next func() error) error { return next() }))
}

func TestProcess_MiddlewareRunsInRegistrationOrder(t *testing.T) {
	pr := New(zerolog.Nop())
	var order []string
	mk := func(name string) middleware.Middleware {
		return func(p *middleware.ProcessingContext, next func() error) error {
			order = append(order, name)
			return next()
		}
	}
	require.NoError(t, pr.Use(mk("first")))
	require.NoError(t, pr.Use(mk("second")))
	require.NoError(t, pr.Use(mk("third")))
	require.NoError(t, pr.Register(HandlerRegistration{
		EventType: "orders.created",
		Handler: func(*middleware.ProcessingContext) error {
			order = append(order, "handler")
			return nil
		},
	}))
	pr.Start()

	res := pr.Process(pctxFor("orders.created", "v1"))
	require.True(t, res.Success)
	assert.Equal(t, []string{"first", "second", "third", "handler"}, order)
}

func TestProcess_SkipRemainingShortCircuits(t *testing.T) {
	pr := New(zerolog.Nop())
	var downstreamRan, handlerRan bool

	require.NoError(t, pr.Use(func(p *middleware.ProcessingContext, next func() error) error {
		p.SkipRemaining = true
		return nil
	}))
	require.NoError(t, pr.Use(func(p *middleware.ProcessingContext, next func() error) error {
		downstreamRan = true
		return next()
	}))
	require.NoError(t, pr.Register(HandlerRegistration{
		EventType: "orders.created",
		Handler: func(*middleware.ProcessingContext) error {
			handlerRan = true
			return nil
		},
	}))
	pr.Start()

	res := pr.Process(pctxFor("orders.created", "v1"))
	assert.True(t, res.Success)
	assert.True(t, res.Acknowledged)
	assert.False(t, downstreamRan)
	assert.False(t, handlerRan)
}

func TestProcess_VersionedHandlerPrecedence(t *testing.T) {
	pr := New(zerolog.Nop())
	var called string

	require.NoError(t, pr.Register(HandlerRegistration{
		EventType: "orders.created",
		Handler:   func(*middleware.ProcessingContext) error { called = "fallback"; return nil },
	}))
	require.NoError(t, pr.Register(HandlerRegistration{
		EventType:    "orders.created",
		EventVersion: "v2",
		Handler:      func(*middleware.ProcessingContext) error { called = "v2"; return nil },
	}))
	pr.Start()

	pr.Process(pctxFor("orders.created", "v2"))
	assert.Equal(t, "v2", called)

	pr.Process(pctxFor("orders.created", "v1"))
	assert.Equal(t, "fallback", called)
}

func TestProcess_MissingHandlerIsSuccess(t *testing.T) {
	pr := New(zerolog.Nop())
	pr.Start()

	res := pr.Process(pctxFor("inventory.adjusted", "v1"))
	assert.True(t, res.Success)
	assert.True(t, res.Acknowledged, "unconsumed events still ack")
	assert.Nil(t, res.Err)
}

func TestProcess_HandlerErrorClassified(t *testing.T) {
	pr := New(zerolog.Nop())
	require.NoError(t, pr.Register(HandlerRegistration{
		EventType: "orders.created",
		Handler:   func(*middleware.ProcessingContext) error { return errors.New("db blip") },
	}))
	pr.Start()

	res := pr.Process(pctxFor("orders.created", "v1"))
	assert.False(t, res.Success)
	assert.False(t, res.Acknowledged)
	require.NotNil(t, res.Err)
	assert.Equal(t, apperrors.TagTransient, res.Err.Tag, "uncategorized handler errors default to transient")
}

func TestProcess_PreclassifiedErrorPreserved(t *testing.T) {
	pr := New(zerolog.Nop())
	require.NoError(t, pr.Register(HandlerRegistration{
		EventType: "orders.created",
		Handler: func(*middleware.ProcessingContext) error {
			return apperrors.NewUnrecoverable("order in illegal state", nil)
		},
	}))
	pr.Start()

	res := pr.Process(pctxFor("orders.created", "v1"))
	require.NotNil(t, res.Err)
	assert.Equal(t, apperrors.TagUnrecoverable, res.Err.Tag)
	assert.False(t, res.Err.Retryable)
}

func TestProcess_PanicRecovered(t *testing.T) {
	pr := New(zerolog.Nop())
	require.NoError(t, pr.Register(HandlerRegistration{
		EventType: "orders.created",
		Handler:   func(*middleware.ProcessingContext) error { panic("boom") },
	}))
	pr.Start()

	res := pr.Process(pctxFor("orders.created", "v1"))
	assert.False(t, res.Success)
	require.NotNil(t, res.Err)
	assert.Equal(t, apperrors.TagTransient, res.Err.Tag)
}

func TestProcess_ShouldRejectOnSuccess(t *testing.T) {
	pr := New(zerolog.Nop())
	require.NoError(t, pr.Use(func(p *middleware.ProcessingContext, next func() error) error {
		p.ShouldReject = true
		p.SkipRemaining = true
		return nil
	}))
	pr.Start()

	res := pr.Process(pctxFor("orders.created", "v1"))
	assert.True(t, res.Success)
	assert.False(t, res.Acknowledged)
}

func TestProcess_DuplicateCounted(t *testing.T) {
	pr := New(zerolog.Nop())
	require.NoError(t, pr.Use(func(p *middleware.ProcessingContext, next func() error) error {
		p.SkipRemaining = true
		p.Err = apperrors.NewDuplicateEvent("seen before")
		return nil
	}))
	pr.Start()

	res := pr.Process(pctxFor("orders.created", "v1"))
	assert.True(t, res.Success)
	assert.True(t, res.Duplicate)
	assert.Equal(t, int64(1), pr.Stats().Duplicates)
}

func TestProcess_Hooks(t *testing.T) {
	pr := New(zerolog.Nop())
	var successes, failures int
	pr.SetHooks(Hooks{
		OnSuccess: func(*middleware.ProcessingContext, Result) { successes++ },
		OnError:   func(*middleware.ProcessingContext, Result) { failures++ },
	})
	require.NoError(t, pr.Register(HandlerRegistration{
		EventType: "orders.created",
		EventVersion: "v1",
		Handler: func(p *middleware.ProcessingContext) error {
			if p.Envelope.EventVersion == "v1" {
				return nil
			}
			return errors.New("nope")
		},
	}))
	require.NoError(t, pr.Register(HandlerRegistration{
		EventType:    "orders.created",
		EventVersion: "v2",
		Handler:      func(*middleware.ProcessingContext) error { return errors.New("nope") },
	}))
	pr.Start()

	pr.Process(pctxFor("orders.created", "v1"))
	pr.Process(pctxFor("orders.created", "v2"))
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, failures)
}

func TestStats(t *testing.T) {
	pr := New(zerolog.Nop())
	require.NoError(t, pr.Register(HandlerRegistration{
		EventType: "orders.created",
		Handler: func(*middleware.ProcessingContext) error {
			time.Sleep(time.Millisecond)
			return nil
		},
	}))
	require.NoError(t, pr.Register(HandlerRegistration{
		EventType: "orders.failed",
		Handler:   func(*middleware.ProcessingContext) error { return errors.New("x") },
	}))
	pr.Start()

	for i := 0; i < 3; i++ {
		pr.Process(pctxFor("orders.created", "v1"))
	}
	pr.Process(pctxFor("orders.failed", "v1"))

	snap := pr.Stats()
	assert.Equal(t, int64(3), snap.Processed)
	assert.Equal(t, int64(1), snap.Failed)
	assert.Greater(t, snap.TotalTime, time.Duration(0))
	assert.Greater(t, snap.AverageLatency, time.Duration(0))
}

func TestStats_RetriedCount(t *testing.T) {
	pr := New(zerolog.Nop())
	require.NoError(t, pr.Register(HandlerRegistration{
		EventType: "orders.created",
		Handler:   func(*middleware.ProcessingContext) error { return nil },
	}))
	pr.Start()

	p := pctxFor("orders.created", "v1")
	p.RetryAttempt = 2
	pr.Process(p)

	assert.Equal(t, int64(1), pr.Stats().Retried)
}
