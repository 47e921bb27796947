package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/omnierp/event-runtime/internal/contracts/event"
	"github.com/omnierp/event-runtime/internal/metrics"
	"github.com/omnierp/event-runtime/internal/middleware"
	"github.com/omnierp/event-runtime/internal/publisher"
)

// escalatedPayload is the body of workflow.escalated events.
type escalatedPayload struct {
	InstanceID      string   `json:"instance_id"`
	TemplateName    string   `json:"template_name"`
	TemplateVersion int      `json:"template_version"`
	Step            string   `json:"step"`
	EscalateTo      []string `json:"escalate_to,omitempty"`
	OverdueSince    string   `json:"overdue_since"`
}

// EscalationScanner periodically marks overdue in-progress instances as
// escalated and publishes a workflow.escalated event for each.
type EscalationScanner struct {
	store    Store
	pub      publisher.Publisher
	exchange string
	interval time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

func NewEscalationScanner(store Store, pub publisher.Publisher, exchange string, interval time.Duration, log zerolog.Logger) *EscalationScanner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &EscalationScanner{
		store:    store,
		pub:      pub,
		exchange: exchange,
		interval: interval,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until the context is cancelled, scanning every interval.
func (s *EscalationScanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Msg("escalation scanner started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("escalation scanner stopped")
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				s.log.Error().Err(err).Msg("escalation sweep failed")
			} else if n > 0 {
				s.log.Info().Int("escalated", n).Msg("escalation sweep done")
			}
		}
	}
}

// Sweep escalates every overdue instance once and returns how many it
// touched. Per-instance failures are logged and skipped so one bad row
// cannot stall the rest.
func (s *EscalationScanner) Sweep(ctx context.Context) (int, error) {
	overdue, err := s.store.ListOverdue(ctx, s.now())
	if err != nil {
		return 0, err
	}

	count := 0
	for _, inst := range overdue {
		if err := s.escalate(ctx, inst); err != nil {
			s.log.Error().Err(err).Str("instance_id", inst.ID).Msg("escalation failed")
			continue
		}
		count++
	}
	return count, nil
}

func (s *EscalationScanner) escalate(ctx context.Context, inst *Instance) error {
	t, err := s.store.GetTemplate(ctx, inst.TemplateName, inst.TemplateVersion)
	if err != nil {
		return err
	}

	var step Step
	if inst.CurrentStep >= 0 && inst.CurrentStep < len(t.Steps) {
		step = t.Steps[inst.CurrentStep]
	}

	now := s.now()
	inst.Status = StatusEscalated
	inst.EscalateAt = nil
	inst.UpdatedAt = now
	if err := s.store.SaveInstance(ctx, inst); err != nil {
		return err
	}
	metrics.RecordWorkflowTransition(string(StatusEscalated))
	metrics.RecordWorkflowEscalation()

	payload, err := json.Marshal(escalatedPayload{
		InstanceID:      inst.ID,
		TemplateName:    inst.TemplateName,
		TemplateVersion: inst.TemplateVersion,
		Step:            step.Name,
		EscalateTo:      step.EscalateTo,
		OverdueSince:    inst.StepEnteredAt.Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	env := &event.Envelope{
		EventID:      uuid.NewString(),
		EventType:    "workflow.escalated",
		EventVersion: "v1",
		OccurredAt:   now,
		Producer:     "event-runtime",
		CausationID:  inst.ID,
		RoutingKey:   "workflow.escalated",
		Payload:      payload,
	}
	corr := middleware.CorrelationContext{
		CorrelationID: uuid.NewString(),
		TraceID:       uuid.NewString(),
		CausationID:   inst.ID,
	}
	if s.pub == nil {
		return nil
	}
	return s.pub.Publish(ctx, s.exchange, env.RoutingKey, env, corr)
}
