package event

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority orders busy-queue drain preference. It does not affect the
// runtime's own behavior; it is carried for handlers.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

var (
	// EventTypePattern matches "<domain>.<action>" lowercase dotted identifiers.
	EventTypePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*\.[a-z][a-z0-9-]*$`)
	// EventVersionPattern matches "v<N>".
	EventVersionPattern = regexp.MustCompile(`^v\d+$`)
)

// Envelope is the canonical transport wrapper consumed across services.
// It is never mutated after deserialization, except that the correlation
// middleware may fill in absent correlation/trace/causation identifiers.
type Envelope struct {
	EventID          string          `json:"event_id"`
	EventType        string          `json:"event_type"`
	EventVersion     string          `json:"event_version"`
	OccurredAt       time.Time       `json:"occurred_at"`
	Producer         string          `json:"producer"`
	ProducerVersion  string          `json:"producer_version,omitempty"`
	ProducerInstance string          `json:"producer_instance,omitempty"`
	CorrelationID    string          `json:"correlation_id,omitempty"`
	CausationID      string          `json:"causation_id,omitempty"`
	ParentEventID    string          `json:"parent_event_id,omitempty"`
	TraceID          string          `json:"trace_id,omitempty"`
	RoutingKey       string          `json:"routing_key,omitempty"`
	Priority         Priority        `json:"priority"`
	Payload          json.RawMessage `json:"payload"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
}

// Validate checks the structural invariants that do not depend on a payload
// schema: required fields, identifier patterns, and UUID formats.
func (e *Envelope) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return fmt.Errorf("missing event_id")
	}
	if _, err := uuid.Parse(e.EventID); err != nil {
		return fmt.Errorf("invalid event_id %q: %w", e.EventID, err)
	}
	if !EventTypePattern.MatchString(e.EventType) {
		return fmt.Errorf("invalid event_type %q", e.EventType)
	}
	if !EventVersionPattern.MatchString(e.EventVersion) {
		return fmt.Errorf("invalid event_version %q", e.EventVersion)
	}
	if e.Priority != "" && !e.Priority.Valid() {
		return fmt.Errorf("invalid priority %q", e.Priority)
	}
	if e.CorrelationID != "" {
		if _, err := uuid.Parse(e.CorrelationID); err != nil {
			return fmt.Errorf("invalid correlation_id %q: %w", e.CorrelationID, err)
		}
	}
	return nil
}

// Domain returns the "<domain>" half of the event type, or "" when the type
// is malformed.
func (e *Envelope) Domain() string {
	d, _, ok := strings.Cut(e.EventType, ".")
	if !ok {
		return ""
	}
	return d
}

// Action returns the "<action>" half of the event type, or "" when the type
// is malformed.
func (e *Envelope) Action() string {
	_, a, ok := strings.Cut(e.EventType, ".")
	if !ok {
		return ""
	}
	return a
}

// SchemaKey is the payload-schema registry key for this envelope, e.g.
// "events/orders/created-v1".
func (e *Envelope) SchemaKey() string {
	return fmt.Sprintf("events/%s/%s-%s", e.Domain(), e.Action(), e.EventVersion)
}
