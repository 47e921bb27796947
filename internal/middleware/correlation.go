package middleware

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Default broker headers honored for correlation propagation.
const (
	DefaultCorrelationIDHeader = "x-correlation-id"
	DefaultTraceIDHeader       = "x-trace-id"
	DefaultCausationIDHeader   = "x-causation-id"
)

// CorrelationConfig names the headers consulted before envelope fields.
type CorrelationConfig struct {
	GenerateTraceID     bool
	CorrelationIDHeader string
	TraceIDHeader       string
	CausationIDHeader   string
}

var spanCounter atomic.Uint64

// Correlation resolves correlation, trace and causation identifiers with
// priority header > envelope field > generated, fills absent ids back into
// the envelope (the only permitted post-deserialization mutation) and stores
// the composite context for downstream publishers.
func Correlation(cfg CorrelationConfig, log zerolog.Logger) Middleware {
	corrHeader := cfg.CorrelationIDHeader
	if corrHeader == "" {
		corrHeader = DefaultCorrelationIDHeader
	}
	traceHeader := cfg.TraceIDHeader
	if traceHeader == "" {
		traceHeader = DefaultTraceIDHeader
	}
	causationHeader := cfg.CausationIDHeader
	if causationHeader == "" {
		causationHeader = DefaultCausationIDHeader
	}

	return func(p *ProcessingContext, next func() error) error {
		env := p.Envelope
		if env == nil {
			log.Warn().Msg("correlation middleware ran before deserialization")
			return next()
		}

		corr := headerString(p.Delivery.Headers, corrHeader)
		if corr == "" {
			corr = env.CorrelationID
		}
		if _, err := uuid.Parse(corr); err != nil {
			if corr != "" {
				log.Warn().Str("correlation_id", corr).Msg("invalid correlation id; regenerating")
			}
			corr = uuid.NewString()
		}

		trace := headerString(p.Delivery.Headers, traceHeader)
		if trace == "" {
			trace = env.TraceID
		}
		if trace == "" && cfg.GenerateTraceID {
			trace = corr
		}

		causation := headerString(p.Delivery.Headers, causationHeader)
		if causation == "" {
			causation = env.CausationID
		}

		spanID := fmt.Sprintf("%d-%d-%d", os.Getpid(), time.Now().UnixMilli(), spanCounter.Add(1))

		// Fill-in only: a populated valid envelope field is left untouched.
		if _, err := uuid.Parse(env.CorrelationID); err != nil {
			env.CorrelationID = corr
		}
		if env.TraceID == "" {
			env.TraceID = trace
		}
		if env.CausationID == "" {
			env.CausationID = causation
		}

		p.CorrelationID = corr
		p.TraceID = trace
		p.SpanID = spanID
		p.Metadata[MetaSpanID] = spanID
		p.Metadata[MetaCorrelation] = CorrelationContext{
			CorrelationID: corr,
			TraceID:       trace,
			CausationID:   causation,
			ParentEventID: env.ParentEventID,
			SpanID:        spanID,
		}

		return next()
	}
}

func headerString(h map[string]any, key string) string {
	if h == nil {
		return ""
	}
	if v, ok := h[key].(string); ok {
		return v
	}
	return ""
}
