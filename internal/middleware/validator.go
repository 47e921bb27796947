package middleware

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/omnierp/event-runtime/internal/apperrors"
	"github.com/omnierp/event-runtime/internal/metrics"
	"github.com/omnierp/event-runtime/internal/schema"
)

// ValidatorConfig toggles the two validation levels independently.
type ValidatorConfig struct {
	Enabled          bool
	ThrowOnError     bool
	ValidateEnvelope bool
	ValidatePayload  bool
}

// SchemaValidator checks the raw message against the fixed envelope schema
// and the payload against the registry entry for the envelope's schema key.
// With ThrowOnError false, mismatches are logged and processing continues.
func SchemaValidator(cfg ValidatorConfig, reg *schema.Registry, log zerolog.Logger) Middleware {
	return func(p *ProcessingContext, next func() error) error {
		if !cfg.Enabled {
			return next()
		}

		if cfg.ValidateEnvelope {
			fails, err := reg.ValidateEnvelope(p.Delivery.Body)
			if err != nil {
				return p.Fail(apperrors.NewTransient("envelope validation errored", err))
			}
			if len(fails) > 0 {
				if verr := handleMismatch(p, cfg, log, "envelope", "", fails); verr != nil {
					return verr
				}
			}
		}

		if cfg.ValidatePayload && p.Envelope != nil {
			key := p.Envelope.SchemaKey()
			fails, err := reg.ValidatePayload(key, p.Envelope.Payload)
			switch {
			case errors.Is(err, schema.ErrSchemaNotFound):
				log.Debug().Str("schema_key", key).Msg("no payload schema registered; skipping payload validation")
			case err != nil:
				return p.Fail(apperrors.NewTransient("payload validation errored", err))
			case len(fails) > 0:
				if verr := handleMismatch(p, cfg, log, "payload", key, fails); verr != nil {
					return verr
				}
			}
		}

		return next()
	}
}

func handleMismatch(p *ProcessingContext, cfg ValidatorConfig, log zerolog.Logger, level, key string, fails []schema.FieldError) error {
	paths := make([]string, 0, len(fails))
	for _, f := range fails {
		paths = append(paths, f.String())
	}

	eventType := "unknown"
	if p.Envelope != nil {
		eventType = p.Envelope.EventType
	}
	metrics.RecordSchemaFailure(eventType)

	cerr := apperrors.NewSchemaValidation(level+" schema validation failed", nil).
		WithContext("level", level).
		WithContext("failing_paths", paths)
	if key != "" {
		cerr.WithContext("schema_key", key)
	}

	if cfg.ThrowOnError {
		p.ShouldReject = true
		return p.Fail(cerr)
	}

	// Record and continue: the error is visible on the context but does not
	// stop the pipeline.
	p.Err = cerr
	log.Warn().Str("level", level).Strs("failing_paths", paths).Msg("schema validation failed; continuing")
	return nil
}
