// Package processor orders the middleware pipeline, routes envelopes to the
// handler registered for their (event_type, event_version) and turns the run
// into a ProcessingResult the consumer can act on.
package processor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/omnierp/event-runtime/internal/apperrors"
	"github.com/omnierp/event-runtime/internal/contracts/event"
	"github.com/omnierp/event-runtime/internal/middleware"
)

// HandlerFunc implements the business effect for one event type/version.
type HandlerFunc func(p *middleware.ProcessingContext) error

// HandlerRegistration binds a handler to an event type and optionally a
// version. EventVersion "" registers the unversioned fallback.
type HandlerRegistration struct {
	EventType    string
	EventVersion string
	ConsumerName string
	Handler      HandlerFunc
	Metadata     map[string]any
}

// Result is what the consumer bases its ack/nack decision on.
type Result struct {
	Success      bool
	Acknowledged bool
	Duration     time.Duration
	RetryAttempt int
	Err          *apperrors.ClassifiedError
	Duplicate    bool
}

// Hooks are lifecycle callbacks emitted per processed delivery.
type Hooks struct {
	OnSuccess func(p *middleware.ProcessingContext, res Result)
	OnError   func(p *middleware.ProcessingContext, res Result)
}

// Processor is configured (middleware, handlers) before Start and read-only
// afterwards; only the statistics mutate at steady state.
type Processor struct {
	mu       sync.Mutex
	started  bool
	mws      []middleware.Middleware
	handlers map[string][]HandlerRegistration

	hooks Hooks
	stats *Stats
	log   zerolog.Logger
}

// New returns an empty processor.
func New(log zerolog.Logger) *Processor {
	return &Processor{
		handlers: make(map[string][]HandlerRegistration),
		stats:    newStats(),
		log:      log,
	}
}

// Use appends a middleware. Registration after Start is an error.
func (pr *Processor) Use(mw middleware.Middleware) error {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.started {
		return fmt.Errorf("cannot register middleware after start")
	}
	pr.mws = append(pr.mws, mw)
	return nil
}

// Register binds a handler. Version-specific registrations take precedence
// over the unversioned fallback at dispatch.
func (pr *Processor) Register(reg HandlerRegistration) error {
	if !event.EventTypePattern.MatchString(reg.EventType) {
		return fmt.Errorf("invalid event type %q", reg.EventType)
	}
	if reg.EventVersion != "" && !event.EventVersionPattern.MatchString(reg.EventVersion) {
		return fmt.Errorf("invalid event version %q", reg.EventVersion)
	}
	if reg.Handler == nil {
		return fmt.Errorf("nil handler for %s", reg.EventType)
	}

	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.started {
		return fmt.Errorf("cannot register handler after start")
	}

	regs := append(pr.handlers[reg.EventType], reg)
	// Version-specific entries precede the unversioned fallback.
	sort.SliceStable(regs, func(i, j int) bool {
		return regs[i].EventVersion != "" && regs[j].EventVersion == ""
	})
	pr.handlers[reg.EventType] = regs
	return nil
}

// SetHooks installs lifecycle callbacks. Must be called before Start.
func (pr *Processor) SetHooks(h Hooks) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.hooks = h
}

// Start freezes registration. The middleware list and handler map are
// read-only from here on, so Process needs no locking around them.
func (pr *Processor) Start() {
	pr.mu.Lock()
	pr.started = true
	pr.mu.Unlock()
}

// Stats returns a snapshot of the processing counters.
func (pr *Processor) Stats() StatsSnapshot {
	return pr.stats.snapshot()
}

// Process runs the pipeline for one delivery. It never panics: handler and
// middleware panics surface as classified transient errors.
func (pr *Processor) Process(p *middleware.ProcessingContext) Result {
	chain := pr.buildChain(p)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = apperrors.NewTransient(fmt.Sprintf("panic in pipeline: %v", r), nil)
			}
		}()
		return chain()
	}()

	duration := time.Since(p.StartTime)
	res := Result{
		Duration:     duration,
		RetryAttempt: p.RetryAttempt,
	}

	if err != nil {
		res.Success = false
		res.Acknowledged = false
		res.Err = apperrors.Classify(err)
		p.Err = res.Err
		pr.stats.recordFailure(duration, p.RetryAttempt > 1)
		if pr.hooks.OnError != nil {
			pr.hooks.OnError(p, res)
		}
		return res
	}

	res.Success = true
	res.Acknowledged = !p.ShouldReject
	if p.Err != nil && p.Err.Tag == apperrors.TagDuplicateEvent {
		res.Duplicate = true
		res.Err = p.Err
		pr.stats.recordDuplicate()
	}
	pr.stats.recordSuccess(duration, p.RetryAttempt > 1)
	if pr.hooks.OnSuccess != nil {
		pr.hooks.OnSuccess(p, res)
	}
	return res
}

// buildChain folds the middleware slice around handler dispatch, innermost
// last. Every link honors SkipRemaining so any unit can short-circuit the
// rest of the pipeline cleanly.
func (pr *Processor) buildChain(p *middleware.ProcessingContext) func() error {
	next := func() error {
		if p.SkipRemaining {
			return nil
		}
		return pr.dispatch(p)
	}
	for i := len(pr.mws) - 1; i >= 0; i-- {
		mw := pr.mws[i]
		inner := next
		next = func() error {
			if p.SkipRemaining {
				return nil
			}
			return mw(p, inner)
		}
	}
	return next
}

// dispatch selects the handler for the envelope's type and version: first
// the exact version match, then the unversioned fallback. A missing handler
// is not an error; the event is simply not consumed by this service.
func (pr *Processor) dispatch(p *middleware.ProcessingContext) error {
	env := p.Envelope
	if env == nil {
		return apperrors.NewValidation("no envelope on context at dispatch", nil)
	}

	regs := pr.handlers[env.EventType]
	var selected *HandlerRegistration
	for i := range regs {
		if regs[i].EventVersion == env.EventVersion {
			selected = &regs[i]
			break
		}
	}
	if selected == nil {
		for i := range regs {
			if regs[i].EventVersion == "" {
				selected = &regs[i]
				break
			}
		}
	}

	if selected == nil {
		pr.log.Warn().
			Str("event_type", env.EventType).
			Str("event_version", env.EventVersion).
			Msg("no handler registered; acking unconsumed event")
		return nil
	}

	if err := selected.Handler(p); err != nil {
		return apperrors.Classify(err)
	}
	return nil
}
