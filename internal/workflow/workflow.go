// Package workflow implements the approval workflow engine: versioned
// templates of ordered approval steps, instances advancing through them, and
// escalation of steps that sit past their deadline.
package workflow

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusCancelled  Status = "cancelled"
	StatusEscalated  Status = "escalated"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// Verdict is a single approver's decision on a step.
type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictRejected Verdict = "rejected"
)

// StepCondition gates a step on an instance metadata field. A step whose
// condition does not match is skipped when the instance reaches it.
type StepCondition struct {
	Field  string `json:"field"`
	Equals string `json:"equals"`
}

// Matches evaluates the condition against instance metadata.
func (c *StepCondition) Matches(metadata map[string]string) bool {
	if c == nil {
		return true
	}
	return metadata[c.Field] == c.Equals
}

// Step is one approval stage of a template.
type Step struct {
	Name          string         `json:"name"`
	Approvers     []string       `json:"approvers"`
	RequireAll    bool           `json:"require_all"`
	Condition     *StepCondition `json:"condition,omitempty"`
	EscalateAfter time.Duration  `json:"escalate_after,omitempty"`
	EscalateTo    []string       `json:"escalate_to,omitempty"`
}

// Template is a versioned ordered sequence of approval steps.
type Template struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
	Steps   []Step `json:"steps"`
}

// Validate checks structural requirements before a template can start
// instances.
func (t *Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template name is required")
	}
	if t.Version < 1 {
		return fmt.Errorf("template %s: version must be >= 1", t.Name)
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("template %s: at least one step is required", t.Name)
	}
	seen := make(map[string]bool, len(t.Steps))
	for i, s := range t.Steps {
		if s.Name == "" {
			return fmt.Errorf("template %s: step %d has no name", t.Name, i)
		}
		if seen[s.Name] {
			return fmt.Errorf("template %s: duplicate step %q", t.Name, s.Name)
		}
		seen[s.Name] = true
		if len(s.Approvers) == 0 {
			return fmt.Errorf("template %s: step %q has no approvers", t.Name, s.Name)
		}
	}
	return nil
}

// Decision records one approver's verdict on one step.
type Decision struct {
	Step      string    `json:"step"`
	Approver  string    `json:"approver"`
	Verdict   Verdict   `json:"verdict"`
	Comment   string    `json:"comment,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Instance is one run of a template.
type Instance struct {
	ID              string            `json:"id"`
	TemplateName    string            `json:"template_name"`
	TemplateVersion int               `json:"template_version"`
	CurrentStep     int               `json:"current_step"`
	Status          Status            `json:"status"`
	Decisions       []Decision        `json:"decisions"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	StepEnteredAt   time.Time         `json:"step_entered_at"`
	EscalateAt      *time.Time        `json:"escalate_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// stepDecisions returns the decisions recorded for the named step.
func (i *Instance) stepDecisions(step string) []Decision {
	var out []Decision
	for _, d := range i.Decisions {
		if d.Step == step {
			out = append(out, d)
		}
	}
	return out
}

// hasDecided reports whether the approver already decided the named step.
func (i *Instance) hasDecided(step, approver string) bool {
	for _, d := range i.Decisions {
		if d.Step == step && d.Approver == approver {
			return true
		}
	}
	return false
}
