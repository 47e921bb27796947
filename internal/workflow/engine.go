package workflow

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/omnierp/event-runtime/internal/apperrors"
	"github.com/omnierp/event-runtime/internal/metrics"
)

// Engine drives instances through their template's steps.
type Engine struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time
}

func NewEngine(store Store, log zerolog.Logger) *Engine {
	return &Engine{store: store, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Start creates an instance of the template and advances it onto the first
// step whose condition matches the metadata. When every step is skipped the
// instance is approved immediately.
func (e *Engine) Start(ctx context.Context, t *Template, metadata map[string]string) (*Instance, error) {
	if err := t.Validate(); err != nil {
		return nil, apperrors.NewValidation("invalid workflow template", err)
	}

	now := e.now()
	inst := &Instance{
		ID:              uuid.NewString(),
		TemplateName:    t.Name,
		TemplateVersion: t.Version,
		CurrentStep:     -1,
		Status:          StatusPending,
		Metadata:        metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	e.advance(inst, t, 0)

	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return nil, apperrors.NewDatabase("save workflow instance", err)
	}
	metrics.RecordWorkflowTransition(string(inst.Status))
	e.log.Info().
		Str("instance_id", inst.ID).
		Str("template", t.Name).
		Str("status", string(inst.Status)).
		Int("step", inst.CurrentStep).
		Msg("workflow started")
	return inst, nil
}

// advance moves the instance onto the first matching step at or after from,
// skipping steps whose condition fails. Running past the last step approves
// the instance.
func (e *Engine) advance(inst *Instance, t *Template, from int) {
	now := e.now()
	for i := from; i < len(t.Steps); i++ {
		step := t.Steps[i]
		if !step.Condition.Matches(inst.Metadata) {
			e.log.Debug().
				Str("instance_id", inst.ID).
				Str("step", step.Name).
				Msg("step condition not met; skipping")
			continue
		}
		inst.CurrentStep = i
		inst.Status = StatusInProgress
		inst.StepEnteredAt = now
		inst.UpdatedAt = now
		if step.EscalateAfter > 0 {
			at := now.Add(step.EscalateAfter)
			inst.EscalateAt = &at
		} else {
			inst.EscalateAt = nil
		}
		return
	}
	inst.CurrentStep = len(t.Steps)
	inst.Status = StatusApproved
	inst.EscalateAt = nil
	inst.UpdatedAt = now
}

// Approve records an approval verdict. With RequireAll the step completes
// only when every listed approver has approved; otherwise the first approval
// completes it. Completion advances to the next matching step.
func (e *Engine) Approve(ctx context.Context, instanceID, approver, comment string) (*Instance, error) {
	return e.decide(ctx, instanceID, approver, comment, VerdictApproved)
}

// Reject records a rejection; any single rejection terminates the instance.
func (e *Engine) Reject(ctx context.Context, instanceID, approver, comment string) (*Instance, error) {
	return e.decide(ctx, instanceID, approver, comment, VerdictRejected)
}

func (e *Engine) decide(ctx context.Context, instanceID, approver, comment string, verdict Verdict) (*Instance, error) {
	inst, t, step, err := e.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	if !slices.Contains(step.Approvers, approver) && !slices.Contains(step.EscalateTo, approver) {
		return nil, apperrors.NewValidation(
			fmt.Sprintf("%s is not an approver for step %q", approver, step.Name), nil)
	}
	if inst.hasDecided(step.Name, approver) {
		return nil, apperrors.NewValidation(
			fmt.Sprintf("%s already decided step %q", approver, step.Name), nil)
	}

	now := e.now()
	inst.Decisions = append(inst.Decisions, Decision{
		Step:      step.Name,
		Approver:  approver,
		Verdict:   verdict,
		Comment:   comment,
		DecidedAt: now,
	})
	inst.UpdatedAt = now

	switch verdict {
	case VerdictRejected:
		inst.Status = StatusRejected
		inst.EscalateAt = nil
	case VerdictApproved:
		if e.stepComplete(inst, step) {
			e.advance(inst, t, inst.CurrentStep+1)
		}
	}

	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return nil, apperrors.NewDatabase("save workflow instance", err)
	}
	metrics.RecordWorkflowTransition(string(inst.Status))
	e.log.Info().
		Str("instance_id", inst.ID).
		Str("step", step.Name).
		Str("approver", approver).
		Str("verdict", string(verdict)).
		Str("status", string(inst.Status)).
		Msg("workflow decision recorded")
	return inst, nil
}

// stepComplete applies require-all vs any-approver semantics.
func (e *Engine) stepComplete(inst *Instance, step Step) bool {
	if !step.RequireAll {
		return true
	}
	approved := make(map[string]bool)
	for _, d := range inst.stepDecisions(step.Name) {
		if d.Verdict == VerdictApproved {
			approved[d.Approver] = true
		}
	}
	for _, a := range step.Approvers {
		if !approved[a] {
			return false
		}
	}
	return true
}

// Cancel terminates a non-terminal instance.
func (e *Engine) Cancel(ctx context.Context, instanceID, reason string) (*Instance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, wrapLoad(err, instanceID)
	}
	if inst.Status.Terminal() {
		return nil, apperrors.NewValidation(
			fmt.Sprintf("instance %s is already %s", instanceID, inst.Status), nil)
	}

	inst.Status = StatusCancelled
	inst.EscalateAt = nil
	inst.UpdatedAt = e.now()
	if reason != "" {
		if inst.Metadata == nil {
			inst.Metadata = make(map[string]string)
		}
		inst.Metadata["cancel_reason"] = reason
	}

	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return nil, apperrors.NewDatabase("save workflow instance", err)
	}
	metrics.RecordWorkflowTransition(string(StatusCancelled))
	e.log.Info().Str("instance_id", inst.ID).Str("reason", reason).Msg("workflow cancelled")
	return inst, nil
}

// load fetches the instance, its template, and the current step, rejecting
// terminal or escalated-past-the-end states.
func (e *Engine) load(ctx context.Context, instanceID string) (*Instance, *Template, Step, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, nil, Step{}, wrapLoad(err, instanceID)
	}
	if inst.Status.Terminal() {
		return nil, nil, Step{}, apperrors.NewValidation(
			fmt.Sprintf("instance %s is already %s", instanceID, inst.Status), nil)
	}

	t, err := e.store.GetTemplate(ctx, inst.TemplateName, inst.TemplateVersion)
	if err != nil {
		return nil, nil, Step{}, wrapLoad(err, inst.TemplateName)
	}
	if inst.CurrentStep < 0 || inst.CurrentStep >= len(t.Steps) {
		return nil, nil, Step{}, apperrors.NewUnrecoverable(
			fmt.Sprintf("instance %s step index %d out of range", instanceID, inst.CurrentStep), nil)
	}
	return inst, t, t.Steps[inst.CurrentStep], nil
}

func wrapLoad(err error, id string) *apperrors.ClassifiedError {
	if err == ErrNotFound {
		return apperrors.NewValidation(fmt.Sprintf("workflow %s not found", id), err)
	}
	return apperrors.NewDatabase("load workflow", err)
}
