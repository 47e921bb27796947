package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// PostgresStore persists templates and instances in two tables:
// workflow_templates (name, version, steps) and workflow_instances.
type PostgresStore struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewPostgresStore(db *sql.DB, log zerolog.Logger) *PostgresStore {
	return &PostgresStore{db: db, log: log}
}

func (s *PostgresStore) SaveTemplate(ctx context.Context, t *Template) error {
	steps, err := json.Marshal(t.Steps)
	if err != nil {
		return fmt.Errorf("marshal template steps: %w", err)
	}

	const q = `
		INSERT INTO workflow_templates (name, version, steps, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (name, version)
		DO UPDATE SET steps = EXCLUDED.steps, updated_at = NOW()`
	if _, err := s.db.ExecContext(ctx, q, t.Name, t.Version, steps); err != nil {
		return fmt.Errorf("save template %s v%d: %w", t.Name, t.Version, err)
	}
	return nil
}

func (s *PostgresStore) GetTemplate(ctx context.Context, name string, version int) (*Template, error) {
	const q = `SELECT steps FROM workflow_templates WHERE name = $1 AND version = $2`

	var steps []byte
	err := s.db.QueryRowContext(ctx, q, name, version).Scan(&steps)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get template %s v%d: %w", name, version, err)
	}

	t := &Template{Name: name, Version: version}
	if err := json.Unmarshal(steps, &t.Steps); err != nil {
		return nil, fmt.Errorf("decode template %s v%d: %w", name, version, err)
	}
	return t, nil
}

func (s *PostgresStore) SaveInstance(ctx context.Context, inst *Instance) error {
	decisions, err := json.Marshal(inst.Decisions)
	if err != nil {
		return fmt.Errorf("marshal decisions: %w", err)
	}
	metadata, err := json.Marshal(inst.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	const q = `
		INSERT INTO workflow_instances
			(id, template_name, template_version, current_step, status,
			 decisions, metadata, step_entered_at, escalate_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id)
		DO UPDATE SET
			current_step = EXCLUDED.current_step,
			status = EXCLUDED.status,
			decisions = EXCLUDED.decisions,
			metadata = EXCLUDED.metadata,
			step_entered_at = EXCLUDED.step_entered_at,
			escalate_at = EXCLUDED.escalate_at,
			updated_at = EXCLUDED.updated_at`
	_, err = s.db.ExecContext(ctx, q,
		inst.ID, inst.TemplateName, inst.TemplateVersion, inst.CurrentStep,
		string(inst.Status), decisions, metadata, inst.StepEnteredAt,
		inst.EscalateAt, inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save instance %s: %w", inst.ID, err)
	}
	return nil
}

const instanceColumns = `id, template_name, template_version, current_step, status,
	decisions, metadata, step_entered_at, escalate_at, created_at, updated_at`

func (s *PostgresStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	q := fmt.Sprintf(`SELECT %s FROM workflow_instances WHERE id = $1`, instanceColumns)

	inst, err := scanInstance(s.db.QueryRowContext(ctx, q, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", id, err)
	}
	return inst, nil
}

func (s *PostgresStore) ListOverdue(ctx context.Context, now time.Time) ([]*Instance, error) {
	q := fmt.Sprintf(`
		SELECT %s FROM workflow_instances
		WHERE status = 'in_progress' AND escalate_at IS NOT NULL AND escalate_at <= $1
		ORDER BY escalate_at`, instanceColumns)

	rows, err := s.db.QueryContext(ctx, q, now)
	if err != nil {
		return nil, fmt.Errorf("list overdue instances: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan overdue instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var (
		inst       Instance
		status     string
		decisions  []byte
		metadata   []byte
		escalateAt sql.NullTime
	)
	err := row.Scan(&inst.ID, &inst.TemplateName, &inst.TemplateVersion,
		&inst.CurrentStep, &status, &decisions, &metadata,
		&inst.StepEnteredAt, &escalateAt, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}

	inst.Status = Status(status)
	if escalateAt.Valid {
		inst.EscalateAt = &escalateAt.Time
	}
	if len(decisions) > 0 {
		if err := json.Unmarshal(decisions, &inst.Decisions); err != nil {
			return nil, fmt.Errorf("decode decisions: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &inst.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &inst, nil
}
