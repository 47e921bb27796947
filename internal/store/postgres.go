package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresStore implements ProcessedEventStore on database/sql. The schema
// and table names come from config and are validated as identifiers since
// they are interpolated into statements.
type PostgresStore struct {
	db    *sql.DB
	table string
	log   zerolog.Logger
}

// NewPostgresStore validates the identifiers and returns the store.
func NewPostgresStore(db *sql.DB, schema, table string, log zerolog.Logger) (*PostgresStore, error) {
	schema = strings.TrimSpace(schema)
	table = strings.TrimSpace(table)
	if table == "" {
		table = "processed_events"
	}
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	qualified := table
	if schema != "" {
		if !identPattern.MatchString(schema) {
			return nil, fmt.Errorf("invalid schema name %q", schema)
		}
		qualified = schema + "." + table
	}
	return &PostgresStore{db: db, table: qualified, log: log}, nil
}

func (s *PostgresStore) Check(ctx context.Context, consumer, eventID string) (CheckResult, error) {
	query := fmt.Sprintf(`
		SELECT status, processed_at, processing_attempts, output
		FROM %s
		WHERE consumer_name = $1 AND event_id = $2`, s.table)

	var (
		status      string
		processedAt sql.NullTime
		attempts    sql.NullInt64
		output      []byte
	)
	err := s.db.QueryRowContext(ctx, query, consumer, eventID).
		Scan(&status, &processedAt, &attempts, &output)
	if err == sql.ErrNoRows {
		return CheckResult{}, nil
	}
	if err != nil {
		return CheckResult{}, fmt.Errorf("check processed event: %w", err)
	}

	res := CheckResult{
		Status:    Status(status),
		Processed: Status(status) == StatusInProgress || Status(status) == StatusCompleted,
		Attempts:  int(attempts.Int64),
		Output:    output,
	}
	if processedAt.Valid {
		t := processedAt.Time
		res.ProcessedAt = &t
	}
	return res, nil
}

func (s *PostgresStore) MarkInProgress(ctx context.Context, consumer, eventID, eventType string) (bool, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (event_id, event_type, consumer_name, status, processing_attempts, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, 0, NOW(), NOW())
		ON CONFLICT (consumer_name, event_id) DO NOTHING`, s.table)

	tag, err := s.db.ExecContext(ctx, query, eventID, eventType, consumer, string(StatusInProgress))
	if err != nil {
		return false, fmt.Errorf("mark in progress: %w", err)
	}
	n, err := tag.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark in progress: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) RecordOutcome(ctx context.Context, consumer, eventID string, oc Outcome) error {
	// SET expressions read the pre-update row, so retry_count lands on the
	// number of attempts before this one.
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $3,
		    processed_at = NOW(),
		    processing_duration_ms = $4,
		    processing_attempts = processing_attempts + 1,
		    retry_count = processing_attempts,
		    max_retries = $9,
		    result = $5,
		    output = $6,
		    error_message = NULLIF($7, ''),
		    error_code = NULLIF($8, ''),
		    updated_at = NOW()
		WHERE consumer_name = $1 AND event_id = $2`, s.table)

	var result any
	if oc.Result != "" {
		result = string(oc.Result)
	}
	var output any
	if len(oc.Output) > 0 {
		output = []byte(oc.Output)
	}

	_, err := s.db.ExecContext(ctx, query,
		consumer, eventID,
		string(oc.Status), oc.Duration.Milliseconds(), result, output,
		oc.ErrorMessage, oc.ErrorCode, oc.MaxRetries,
	)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

func (s *PostgresStore) Reset(ctx context.Context, consumer, eventID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE consumer_name = $1 AND event_id = $2`, s.table)
	if _, err := s.db.ExecContext(ctx, query, consumer, eventID); err != nil {
		return fmt.Errorf("reset processed event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Prune(ctx context.Context, consumer string, olderThan time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE consumer_name = $1 AND updated_at < $2`, s.table)
	tag, err := s.db.ExecContext(ctx, query, consumer, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune processed events: %w", err)
	}
	n, err := tag.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune processed events: %w", err)
	}
	if n > 0 {
		s.log.Debug().Int64("rows", n).Msg("pruned processed events")
	}
	return n, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
