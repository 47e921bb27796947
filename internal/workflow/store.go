package workflow

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an instance or template does not exist.
var ErrNotFound = errors.New("workflow: not found")

// Store persists templates and instances.
type Store interface {
	// SaveTemplate upserts a template by (name, version).
	SaveTemplate(ctx context.Context, t *Template) error
	// GetTemplate fetches a template by name and version.
	GetTemplate(ctx context.Context, name string, version int) (*Template, error)
	// SaveInstance upserts an instance by id.
	SaveInstance(ctx context.Context, inst *Instance) error
	// GetInstance fetches an instance by id.
	GetInstance(ctx context.Context, id string) (*Instance, error)
	// ListOverdue returns in-progress instances whose escalation deadline
	// has passed.
	ListOverdue(ctx context.Context, now time.Time) ([]*Instance, error)
	Ping(ctx context.Context) error
}
