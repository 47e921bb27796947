package workflow

import (
	"encoding/json"

	"github.com/omnierp/event-runtime/internal/apperrors"
	"github.com/omnierp/event-runtime/internal/middleware"
	"github.com/omnierp/event-runtime/internal/processor"
)

// startRequest is the payload of workflow.start-requested events.
type startRequest struct {
	Template        string            `json:"template"`
	TemplateVersion int               `json:"template_version"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// decisionRequest is the payload of workflow.decision-requested events.
type decisionRequest struct {
	InstanceID string `json:"instance_id"`
	Approver   string `json:"approver"`
	Verdict    string `json:"verdict"` // approved | rejected
	Comment    string `json:"comment,omitempty"`
}

// cancelRequest is the payload of workflow.cancel-requested events.
type cancelRequest struct {
	InstanceID string `json:"instance_id"`
	Reason     string `json:"reason,omitempty"`
}

// RegisterHandlers binds the workflow event handlers onto the processor,
// making the engine the runtime's first consumer.
func (e *Engine) RegisterHandlers(pr *processor.Processor, consumerName string) error {
	regs := []processor.HandlerRegistration{
		{
			EventType:    "workflow.start-requested",
			EventVersion: "v1",
			ConsumerName: consumerName,
			Handler:      e.handleStart,
		},
		{
			EventType:    "workflow.decision-requested",
			EventVersion: "v1",
			ConsumerName: consumerName,
			Handler:      e.handleDecision,
		},
		{
			EventType:    "workflow.cancel-requested",
			EventVersion: "v1",
			ConsumerName: consumerName,
			Handler:      e.handleCancel,
		},
	}
	for _, reg := range regs {
		if err := pr.Register(reg); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) handleStart(p *middleware.ProcessingContext) error {
	var req startRequest
	if err := json.Unmarshal(p.Envelope.Payload, &req); err != nil {
		return apperrors.NewValidation("malformed workflow start request", err)
	}
	if req.Template == "" {
		return apperrors.NewValidation("workflow start request missing template", nil)
	}
	if req.TemplateVersion < 1 {
		req.TemplateVersion = 1
	}

	t, err := e.store.GetTemplate(p.Ctx, req.Template, req.TemplateVersion)
	if err != nil {
		return wrapLoad(err, req.Template)
	}

	inst, err := e.Start(p.Ctx, t, req.Metadata)
	if err != nil {
		return err
	}
	p.Metadata[middleware.MetaHandlerOutput] = map[string]any{
		"instance_id": inst.ID,
		"status":      string(inst.Status),
	}
	return nil
}

func (e *Engine) handleDecision(p *middleware.ProcessingContext) error {
	var req decisionRequest
	if err := json.Unmarshal(p.Envelope.Payload, &req); err != nil {
		return apperrors.NewValidation("malformed workflow decision request", err)
	}
	if req.InstanceID == "" || req.Approver == "" {
		return apperrors.NewValidation("workflow decision request missing instance_id or approver", nil)
	}

	var (
		inst *Instance
		err  error
	)
	switch Verdict(req.Verdict) {
	case VerdictApproved:
		inst, err = e.Approve(p.Ctx, req.InstanceID, req.Approver, req.Comment)
	case VerdictRejected:
		inst, err = e.Reject(p.Ctx, req.InstanceID, req.Approver, req.Comment)
	default:
		return apperrors.NewValidation("unknown workflow verdict "+req.Verdict, nil)
	}
	if err != nil {
		return err
	}
	p.Metadata[middleware.MetaHandlerOutput] = map[string]any{
		"instance_id": inst.ID,
		"status":      string(inst.Status),
		"step":        inst.CurrentStep,
	}
	return nil
}

func (e *Engine) handleCancel(p *middleware.ProcessingContext) error {
	var req cancelRequest
	if err := json.Unmarshal(p.Envelope.Payload, &req); err != nil {
		return apperrors.NewValidation("malformed workflow cancel request", err)
	}
	if req.InstanceID == "" {
		return apperrors.NewValidation("workflow cancel request missing instance_id", nil)
	}

	inst, err := e.Cancel(p.Ctx, req.InstanceID, req.Reason)
	if err != nil {
		return err
	}
	p.Metadata[middleware.MetaHandlerOutput] = map[string]any{
		"instance_id": inst.ID,
		"status":      string(inst.Status),
	}
	return nil
}
