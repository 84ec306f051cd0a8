// Package audit persists a durable record of every agent run in SQLite,
// implementing core.RunRecorder. Writes are issued by the runner on a
// best-effort basis; the store never sits on the run's critical path.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/inquestlabs/inquest/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id         TEXT PRIMARY KEY,
	correlation_id TEXT NOT NULL,
	agent          TEXT NOT NULL,
	status         TEXT NOT NULL,
	started_at     TIMESTAMP NOT NULL,
	completed_at   TIMESTAMP,
	duration_ms    INTEGER,
	tool_calls     INTEGER,
	output_summary TEXT,
	error          TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_agent_started ON runs (agent, started_at);
CREATE INDEX IF NOT EXISTS idx_runs_correlation ON runs (correlation_id);
`

// ErrNotFound is returned when a run record does not exist.
var ErrNotFound = errors.New("run record not found")

// StatusRunning marks a run that has started but not completed.
const StatusRunning = "running"

// Record is one persisted run.
type Record struct {
	RunID         string
	CorrelationID string
	Agent         string
	Status        string
	StartedAt     time.Time
	CompletedAt   *time.Time
	DurationMs    int64
	ToolCalls     int
	OutputSummary string
	Error         string
}

// Options configures the audit store.
type Options struct {
	Logger logging.Logger
}

// Store records runs in a SQLite database. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// Open creates or opens the SQLite database at path and applies the schema.
// Use ":memory:" for an ephemeral store.
func Open(path string, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// SQLite allows a single writer; serializing through one connection
	// avoids SQLITE_BUSY under concurrent run recording.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}
	return &Store{db: db, logger: opts.Logger}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// RecordRunStart implements core.RunRecorder.
func (s *Store) RecordRunStart(ctx context.Context, runID, correlationID, agentName string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, correlation_id, agent, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		runID, correlationID, agentName, StatusRunning, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record run start: %w", err)
	}
	return nil
}

// RecordRunComplete implements core.RunRecorder.
func (s *Store) RecordRunComplete(ctx context.Context, runID, status string, durationMs int64, toolCallCount int, outputSummary, runErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ?, duration_ms = ?, tool_calls = ?, output_summary = ?, error = ? WHERE run_id = ?`,
		status, time.Now().UTC(), durationMs, toolCallCount, outputSummary, runErr, runID,
	)
	if err != nil {
		return fmt.Errorf("record run completion: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("record run completion: %w (run %s)", ErrNotFound, runID)
	}
	return nil
}

// GetRun fetches one run record by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, correlation_id, agent, status, started_at, completed_at,
		        COALESCE(duration_ms, 0), COALESCE(tool_calls, 0),
		        COALESCE(output_summary, ''), COALESCE(error, '')
		 FROM runs WHERE run_id = ?`, runID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListRuns returns the most recent runs for an agent, newest first. An empty
// agentName lists across all agents.
func (s *Store) ListRuns(ctx context.Context, agentName string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT run_id, correlation_id, agent, status, started_at, completed_at,
	                 COALESCE(duration_ms, 0), COALESCE(tool_calls, 0),
	                 COALESCE(output_summary, ''), COALESCE(error, '')
	          FROM runs`
	args := []any{}
	if agentName != "" {
		query += ` WHERE agent = ?`
		args = append(args, agentName)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var completed sql.NullTime
	err := row.Scan(
		&rec.RunID, &rec.CorrelationID, &rec.Agent, &rec.Status,
		&rec.StartedAt, &completed,
		&rec.DurationMs, &rec.ToolCalls, &rec.OutputSummary, &rec.Error,
	)
	if err != nil {
		return nil, err
	}
	if completed.Valid {
		t := completed.Time
		rec.CompletedAt = &t
	}
	return &rec, nil
}
