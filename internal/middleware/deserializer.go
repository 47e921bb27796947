package middleware

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/omnierp/event-runtime/internal/apperrors"
	"github.com/omnierp/event-runtime/internal/contracts/event"
)

// DefaultMaxMessageSize caps accepted message bodies at 10 MiB.
const DefaultMaxMessageSize = 10 * 1024 * 1024

// DeserializerConfig controls body acceptance ahead of JSON parsing.
type DeserializerConfig struct {
	MaxSizeBytes       int
	EnforceContentType bool
}

// Deserializer rejects oversized or mistyped bodies, parses the envelope and
// stores it on the context. Structural failures reject without requeue.
func Deserializer(cfg DeserializerConfig, log zerolog.Logger) Middleware {
	maxSize := cfg.MaxSizeBytes
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}

	return func(p *ProcessingContext, next func() error) error {
		body := p.Delivery.Body

		if len(body) > maxSize {
			p.ShouldReject = true
			return p.Fail(apperrors.NewValidation(
				fmt.Sprintf("message size %d exceeds limit %d", len(body), maxSize), nil).
				WithContext("size", len(body)).
				WithContext("max_size", maxSize))
		}

		if base := contentTypeBase(p.Delivery.ContentType); base != "application/json" {
			if cfg.EnforceContentType {
				p.ShouldReject = true
				return p.Fail(apperrors.NewValidation(
					fmt.Sprintf("unsupported content type %q", p.Delivery.ContentType), nil).
					WithContext("content_type", p.Delivery.ContentType))
			}
			log.Warn().Str("content_type", p.Delivery.ContentType).Msg("unexpected content type; parsing anyway")
		}

		var env event.Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			p.ShouldReject = true
			return p.Fail(apperrors.NewValidation("invalid envelope json", err))
		}

		if strings.TrimSpace(env.EventID) == "" {
			p.ShouldReject = true
			return p.Fail(apperrors.NewValidation("envelope missing event_id", nil))
		}
		if strings.TrimSpace(env.EventType) == "" {
			p.ShouldReject = true
			return p.Fail(apperrors.NewValidation("envelope missing event_type", nil))
		}
		if len(env.Payload) == 0 || string(env.Payload) == "null" {
			p.ShouldReject = true
			return p.Fail(apperrors.NewValidation("envelope missing payload", nil))
		}

		p.Envelope = &env
		return next()
	}
}

// contentTypeBase strips any charset parameter: "application/json; charset=utf-8"
// compares equal to "application/json". An empty content type passes through
// as empty so the caller decides.
func contentTypeBase(ct string) string {
	base, _, _ := strings.Cut(ct, ";")
	return strings.ToLower(strings.TrimSpace(base))
}
