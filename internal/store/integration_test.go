package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDatabase starts a PostgreSQL container, applies the
// processed_events migration and returns an open connection.
func setupTestDatabase(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	// testcontainers panics (rather than returning an error) when no Docker
	// host can be detected, so the probe must recover to let the skip fire.
	probeDocker := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return err
	}
	if err := probeDocker(); err != nil {
		t.Skipf("Skipping integration test because Docker is unavailable: %v", err)
	}

	pgContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:17"),
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(context.Background()) })

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	migration, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_processed_events.sql"))
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, string(migration))
	require.NoError(t, err)

	return db
}

func TestPostgresStoreIntegration(t *testing.T) {
	db := setupTestDatabase(t)
	ctx := context.Background()

	s, err := NewPostgresStore(db, "", "processed_events", zerolog.Nop())
	require.NoError(t, err)

	const (
		consumer = "orders-consumer"
		eventID  = "11111111-1111-4111-8111-111111111111"
	)

	t.Run("first_mark_wins", func(t *testing.T) {
		inserted, err := s.MarkInProgress(ctx, consumer, eventID, "orders.created")
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = s.MarkInProgress(ctx, consumer, eventID, "orders.created")
		require.NoError(t, err)
		assert.False(t, inserted, "conflicting insert must be a no-op")
	})

	t.Run("check_reports_in_progress", func(t *testing.T) {
		res, err := s.Check(ctx, consumer, eventID)
		require.NoError(t, err)
		assert.True(t, res.Processed)
		assert.Equal(t, StatusInProgress, res.Status)
	})

	t.Run("record_completed_outcome", func(t *testing.T) {
		err := s.RecordOutcome(ctx, consumer, eventID, Outcome{
			Status:   StatusCompleted,
			Result:   ResultSuccess,
			Duration: 42 * time.Millisecond,
			Output:   []byte(`{"order_id":"o-1"}`),
		})
		require.NoError(t, err)

		res, err := s.Check(ctx, consumer, eventID)
		require.NoError(t, err)
		assert.True(t, res.Processed)
		assert.Equal(t, StatusCompleted, res.Status)
		assert.Equal(t, 1, res.Attempts)
		assert.JSONEq(t, `{"order_id":"o-1"}`, string(res.Output))
	})

	t.Run("failed_rows_allow_redelivery", func(t *testing.T) {
		const failedID = "22222222-2222-4222-8222-222222222222"
		inserted, err := s.MarkInProgress(ctx, consumer, failedID, "orders.created")
		require.NoError(t, err)
		require.True(t, inserted)

		err = s.RecordOutcome(ctx, consumer, failedID, Outcome{
			Status:       StatusFailed,
			Result:       ResultFailed,
			ErrorMessage: "downstream unavailable",
			ErrorCode:    "external_service",
		})
		require.NoError(t, err)

		res, err := s.Check(ctx, consumer, failedID)
		require.NoError(t, err)
		assert.False(t, res.Processed, "failed rows must not block redelivery")
		assert.Equal(t, 1, res.Attempts)
	})

	t.Run("reset_clears_failed_row", func(t *testing.T) {
		const failedID = "22222222-2222-4222-8222-222222222222"
		require.NoError(t, s.Reset(ctx, consumer, failedID))

		res, err := s.Check(ctx, consumer, failedID)
		require.NoError(t, err)
		assert.False(t, res.Processed)
		assert.Zero(t, res.Attempts)
	})

	t.Run("prune_removes_old_rows", func(t *testing.T) {
		_, err := db.ExecContext(ctx,
			`UPDATE processed_events SET updated_at = NOW() - INTERVAL '30 days' WHERE event_id = $1`,
			eventID)
		require.NoError(t, err)

		pruned, err := s.Prune(ctx, consumer, time.Now().Add(-7*24*time.Hour))
		require.NoError(t, err)
		assert.EqualValues(t, 1, pruned)
	})
}
