package middleware

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnierp/event-runtime/internal/contracts/event"
)

func corrCtx(env *event.Envelope, headers amqp.Table) *ProcessingContext {
	p := NewProcessingContext(context.Background(), &amqp.Delivery{Headers: headers})
	p.Envelope = env
	return p
}

func TestCorrelation_HeaderTakesPriority(t *testing.T) {
	headerID := uuid.NewString()
	envID := uuid.NewString()
	env := &event.Envelope{EventID: uuid.NewString(), EventType: "orders.created", CorrelationID: envID}

	mw := Correlation(CorrelationConfig{GenerateTraceID: true}, zerolog.Nop())
	p := corrCtx(env, amqp.Table{DefaultCorrelationIDHeader: headerID})

	_, err := runUnit(t, mw, p)
	require.NoError(t, err)
	assert.Equal(t, headerID, p.CorrelationID)
	// Envelope keeps its own valid id: correlation mutation is fill-in only.
	assert.Equal(t, envID, env.CorrelationID)
}

func TestCorrelation_EnvelopeFallback(t *testing.T) {
	envID := uuid.NewString()
	env := &event.Envelope{EventID: uuid.NewString(), CorrelationID: envID}

	mw := Correlation(CorrelationConfig{GenerateTraceID: true}, zerolog.Nop())
	p := corrCtx(env, nil)

	_, err := runUnit(t, mw, p)
	require.NoError(t, err)
	assert.Equal(t, envID, p.CorrelationID)
}

func TestCorrelation_GeneratesWhenAbsent(t *testing.T) {
	env := &event.Envelope{EventID: uuid.NewString()}

	mw := Correlation(CorrelationConfig{GenerateTraceID: true}, zerolog.Nop())
	p := corrCtx(env, nil)

	_, err := runUnit(t, mw, p)
	require.NoError(t, err)
	require.NotEmpty(t, p.CorrelationID)
	_, perr := uuid.Parse(p.CorrelationID)
	assert.NoError(t, perr)
	assert.Equal(t, p.CorrelationID, env.CorrelationID, "generated id is filled into the envelope")
}

func TestCorrelation_RegeneratesInvalidUUID(t *testing.T) {
	env := &event.Envelope{EventID: uuid.NewString(), CorrelationID: "not-a-uuid"}

	mw := Correlation(CorrelationConfig{GenerateTraceID: true}, zerolog.Nop())
	p := corrCtx(env, nil)

	_, err := runUnit(t, mw, p)
	require.NoError(t, err)
	_, perr := uuid.Parse(p.CorrelationID)
	assert.NoError(t, perr)
	assert.NotEqual(t, "not-a-uuid", env.CorrelationID)
}

func TestCorrelation_TraceDefaultsToCorrelation(t *testing.T) {
	env := &event.Envelope{EventID: uuid.NewString()}

	mw := Correlation(CorrelationConfig{GenerateTraceID: true}, zerolog.Nop())
	p := corrCtx(env, nil)

	_, err := runUnit(t, mw, p)
	require.NoError(t, err)
	assert.Equal(t, p.CorrelationID, p.TraceID)
	assert.Equal(t, p.TraceID, env.TraceID)
}

func TestCorrelation_TraceHeaderHonored(t *testing.T) {
	env := &event.Envelope{EventID: uuid.NewString()}

	mw := Correlation(CorrelationConfig{GenerateTraceID: true}, zerolog.Nop())
	p := corrCtx(env, amqp.Table{DefaultTraceIDHeader: "trace-777"})

	_, err := runUnit(t, mw, p)
	require.NoError(t, err)
	assert.Equal(t, "trace-777", p.TraceID)
}

func TestCorrelation_SpanID(t *testing.T) {
	env := &event.Envelope{EventID: uuid.NewString()}
	mw := Correlation(CorrelationConfig{GenerateTraceID: true}, zerolog.Nop())

	p1 := corrCtx(env, nil)
	_, err := runUnit(t, mw, p1)
	require.NoError(t, err)

	p2 := corrCtx(env, nil)
	_, err = runUnit(t, mw, p2)
	require.NoError(t, err)

	assert.Len(t, strings.Split(p1.SpanID, "-"), 3)
	assert.NotEqual(t, p1.SpanID, p2.SpanID)
	assert.Equal(t, p1.SpanID, p1.Metadata[MetaSpanID])
}

func TestCorrelation_CompositeContextAndHeaders(t *testing.T) {
	causation := uuid.NewString()
	parent := uuid.NewString()
	env := &event.Envelope{EventID: uuid.NewString(), ParentEventID: parent}

	mw := Correlation(CorrelationConfig{GenerateTraceID: true}, zerolog.Nop())
	p := corrCtx(env, amqp.Table{DefaultCausationIDHeader: causation})

	_, err := runUnit(t, mw, p)
	require.NoError(t, err)

	cc, ok := p.Metadata[MetaCorrelation].(CorrelationContext)
	require.True(t, ok)
	assert.Equal(t, causation, cc.CausationID)
	assert.Equal(t, parent, cc.ParentEventID)
	assert.Equal(t, causation, env.CausationID, "absent causation id is filled in")

	headers := cc.Headers()
	assert.Equal(t, cc.CorrelationID, headers["x-correlation-id"])
	assert.Equal(t, cc.TraceID, headers["x-trace-id"])
	assert.Equal(t, causation, headers["x-causation-id"])
	assert.Equal(t, parent, headers["x-parent-event-id"])
}

func TestCorrelation_MissingEnvelopePassesThrough(t *testing.T) {
	mw := Correlation(CorrelationConfig{}, zerolog.Nop())
	p := NewProcessingContext(context.Background(), &amqp.Delivery{})

	nextCalled, err := runUnit(t, mw, p)
	require.NoError(t, err)
	assert.True(t, nextCalled)
}
