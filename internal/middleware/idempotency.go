package middleware

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/omnierp/event-runtime/internal/apperrors"
	"github.com/omnierp/event-runtime/internal/store"
)

// GuardConfig sizes the idempotency guard. TTL drives best-effort pruning of
// old processed-event rows; PruneInterval gates how often pruning is
// attempted from the record-outcome path.
type GuardConfig struct {
	ConsumerName  string
	TTL           time.Duration
	PruneInterval time.Duration
	CacheSize     int
	// MaxRetries is recorded alongside each outcome for operator queries.
	MaxRetries int
}

// SharedCache is the optional cross-instance duplicate cache (Redis).
type SharedCache interface {
	Contains(ctx context.Context, consumer, eventID string) (bool, error)
	Add(ctx context.Context, consumer, eventID string) error
}

// IdempotencyGuard enforces exactly-once effect: cache check, store check,
// mark in progress, run the rest of the pipeline, record the terminal
// outcome. Store failures fail open so broker liveness does not hinge on the
// store.
func IdempotencyGuard(cfg GuardConfig, st store.ProcessedEventStore, shared SharedCache, log zerolog.Logger) Middleware {
	cache := store.NewDuplicateCache(cfg.CacheSize)
	pruneInterval := cfg.PruneInterval
	if pruneInterval <= 0 {
		pruneInterval = time.Hour
	}
	var pruneMu sync.Mutex
	var lastPrune time.Time

	return func(p *ProcessingContext, next func() error) error {
		// Runs only after deserialization and correlation; without an
		// envelope the event id may be absent or unnormalized.
		if p.Envelope == nil {
			log.Warn().Msg("idempotency guard ran before deserialization; processing without dedupe")
			return next()
		}
		eventID := p.Envelope.EventID

		if cache.Contains(eventID) {
			return markDuplicate(p, "in-process cache")
		}

		if shared != nil {
			hit, err := shared.Contains(p.Ctx, cfg.ConsumerName, eventID)
			if err != nil {
				log.Warn().Err(err).Msg("shared duplicate cache unavailable; falling through to store")
			} else if hit {
				cache.Add(eventID)
				return markDuplicate(p, "shared cache")
			}
		}

		degraded := false
		check, err := st.Check(p.Ctx, cfg.ConsumerName, eventID)
		if err != nil {
			// Fail open: prefer liveness over duplicate suppression.
			degraded = true
			p.Metadata[MetaIdempotencyBypass] = true
			log.Error().Err(err).Str("event_id", eventID).
				Msg("processed-event store unavailable; processing without dedupe")
		}

		if !degraded {
			if check.Processed {
				return markDuplicate(p, "store")
			}
			p.RetryAttempt = check.Attempts + 1

			inserted, err := st.MarkInProgress(p.Ctx, cfg.ConsumerName, eventID, p.Envelope.EventType)
			if err != nil {
				degraded = true
				p.Metadata[MetaIdempotencyBypass] = true
				log.Error().Err(err).Str("event_id", eventID).
					Msg("mark in progress failed; processing without dedupe")
			} else if !inserted {
				// Lost an insert race or redelivery of a failed row: a second
				// check resolves which.
				recheck, err := st.Check(p.Ctx, cfg.ConsumerName, eventID)
				if err == nil && recheck.Processed {
					return markDuplicate(p, "store")
				}
			}
		}

		err = next()
		duration := time.Since(p.StartTime)

		if degraded {
			return err
		}

		if err != nil {
			cerr := apperrors.Classify(err)
			rerr := st.RecordOutcome(p.Ctx, cfg.ConsumerName, eventID, store.Outcome{
				Status:       store.StatusFailed,
				Duration:     duration,
				Result:       store.ResultFailed,
				ErrorMessage: cerr.Message,
				ErrorCode:    cerr.Code(),
				MaxRetries:   cfg.MaxRetries,
			})
			if rerr != nil {
				log.Error().Err(rerr).Str("event_id", eventID).Msg("failed to record failure outcome")
			}
			return err
		}

		var output json.RawMessage
		switch v := p.Metadata[MetaHandlerOutput].(type) {
		case nil:
		case json.RawMessage:
			output = v
		default:
			if raw, merr := json.Marshal(v); merr == nil {
				output = raw
			} else {
				log.Warn().Err(merr).Str("event_id", eventID).Msg("handler output not serializable; dropping")
			}
		}
		rerr := st.RecordOutcome(p.Ctx, cfg.ConsumerName, eventID, store.Outcome{
			Status:     store.StatusCompleted,
			Duration:   duration,
			Result:     store.ResultSuccess,
			Output:     output,
			MaxRetries: cfg.MaxRetries,
		})
		if rerr != nil {
			log.Error().Err(rerr).Str("event_id", eventID).Msg("failed to record success outcome")
			return nil
		}

		cache.Add(eventID)
		if shared != nil {
			if aerr := shared.Add(p.Ctx, cfg.ConsumerName, eventID); aerr != nil {
				log.Warn().Err(aerr).Msg("shared duplicate cache mark failed")
			}
		}

		maybePrune(p, cfg, st, log, pruneInterval, &pruneMu, &lastPrune)
		return nil
	}
}

func markDuplicate(p *ProcessingContext, source string) error {
	p.SkipRemaining = true
	p.Metadata[MetaIdempotencySkipped] = true
	p.Err = apperrors.NewDuplicateEvent("event already processed").
		WithContext("source", source).
		WithContext("event_id", p.Envelope.EventID)
	// Duplicates are a successful no-op: the pipeline stops, the message acks.
	return nil
}

// maybePrune runs TTL pruning best-effort from the record-outcome path;
// failure to prune is non-fatal.
func maybePrune(p *ProcessingContext, cfg GuardConfig, st store.ProcessedEventStore, log zerolog.Logger, interval time.Duration, mu *sync.Mutex, last *time.Time) {
	if cfg.TTL <= 0 {
		return
	}
	mu.Lock()
	due := time.Since(*last) >= interval
	if due {
		*last = time.Now()
	}
	mu.Unlock()
	if !due {
		return
	}

	if _, err := st.Prune(p.Ctx, cfg.ConsumerName, time.Now().Add(-cfg.TTL)); err != nil {
		log.Warn().Err(err).Msg("processed-event prune failed")
	}
}
