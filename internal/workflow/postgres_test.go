package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db, zerolog.Nop()), mock
}

func TestSaveTemplate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO workflow_templates`).
		WithArgs("purchase-approval", 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.SaveTemplate(context.Background(), twoStepTemplate())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTemplate(t *testing.T) {
	s, mock := newMockStore(t)

	steps, err := json.Marshal(twoStepTemplate().Steps)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT steps FROM workflow_templates`).
		WithArgs("purchase-approval", 1).
		WillReturnRows(sqlmock.NewRows([]string{"steps"}).AddRow(steps))

	tpl, err := s.GetTemplate(context.Background(), "purchase-approval", 1)
	require.NoError(t, err)
	require.Len(t, tpl.Steps, 2)
	assert.Equal(t, "manager", tpl.Steps[0].Name)
	assert.True(t, tpl.Steps[1].RequireAll)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTemplate_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT steps FROM workflow_templates`).
		WithArgs("missing", 1).
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetTemplate(context.Background(), "missing", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveInstance(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)

	inst := &Instance{
		ID:              "inst-1",
		TemplateName:    "purchase-approval",
		TemplateVersion: 1,
		CurrentStep:     0,
		Status:          StatusInProgress,
		StepEnteredAt:   now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	mock.ExpectExec(`INSERT INTO workflow_instances`).
		WithArgs("inst-1", "purchase-approval", 1, 0, "in_progress",
			sqlmock.AnyArg(), sqlmock.AnyArg(), now, nil, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SaveInstance(context.Background(), inst))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func instanceRows(t *testing.T, inst *Instance) *sqlmock.Rows {
	t.Helper()
	decisions, err := json.Marshal(inst.Decisions)
	require.NoError(t, err)
	metadata, err := json.Marshal(inst.Metadata)
	require.NoError(t, err)

	var escalateAt any
	if inst.EscalateAt != nil {
		escalateAt = *inst.EscalateAt
	}
	return sqlmock.NewRows([]string{
		"id", "template_name", "template_version", "current_step", "status",
		"decisions", "metadata", "step_entered_at", "escalate_at", "created_at", "updated_at",
	}).AddRow(inst.ID, inst.TemplateName, inst.TemplateVersion, inst.CurrentStep,
		string(inst.Status), decisions, metadata, inst.StepEnteredAt, escalateAt,
		inst.CreatedAt, inst.UpdatedAt)
}

func TestGetInstance(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	deadline := now.Add(time.Hour)

	want := &Instance{
		ID:              "inst-1",
		TemplateName:    "purchase-approval",
		TemplateVersion: 1,
		CurrentStep:     1,
		Status:          StatusInProgress,
		Decisions: []Decision{
			{Step: "manager", Approver: "alice", Verdict: VerdictApproved, DecidedAt: now},
		},
		Metadata:      map[string]string{"tier": "high"},
		StepEnteredAt: now,
		EscalateAt:    &deadline,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	mock.ExpectQuery(`FROM workflow_instances WHERE id`).
		WithArgs("inst-1").
		WillReturnRows(instanceRows(t, want))

	got, err := s.GetInstance(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.CurrentStep, got.CurrentStep)
	assert.Equal(t, want.Decisions, got.Decisions)
	assert.Equal(t, want.Metadata, got.Metadata)
	require.NotNil(t, got.EscalateAt)
	assert.True(t, got.EscalateAt.Equal(deadline))
}

func TestGetInstance_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`FROM workflow_instances WHERE id`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "template_name", "template_version", "current_step", "status",
			"decisions", "metadata", "step_entered_at", "escalate_at", "created_at", "updated_at",
		}))

	_, err := s.GetInstance(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOverdue(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	deadline := now.Add(-time.Minute)

	overdue := &Instance{
		ID:              "inst-1",
		TemplateName:    "purchase-approval",
		TemplateVersion: 1,
		Status:          StatusInProgress,
		StepEnteredAt:   now.Add(-2 * time.Hour),
		EscalateAt:      &deadline,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	mock.ExpectQuery(`WHERE status = 'in_progress'`).
		WithArgs(now).
		WillReturnRows(instanceRows(t, overdue))

	out, err := s.ListOverdue(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "inst-1", out[0].ID)
}
