// Package audit implements the append-only task-history log described in
// SPEC_FULL.md's DOMAIN STACK: a supplementary record of every task state
// transition, backed by an embedded sqlite database opened with
// modernc.org/sqlite via the standard database/sql interface (no ORM). The
// in-memory Task Store remains the authoritative source of current state;
// this package only ever answers "what happened," never "what is."
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/comfylb/balancer/task"
)

// Log writes and queries the task-transition history table.
type Log struct {
	db *sql.DB
}

// Open creates (if needed) and opens the sqlite database at path. Pass
// ":memory:" for an ephemeral log, e.g. in tests.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}
	return &Log{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS task_transitions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	state TEXT NOT NULL,
	backend TEXT,
	upstream_prompt_id TEXT,
	attempts INTEGER NOT NULL,
	last_error TEXT,
	recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_transitions_task_id ON task_transitions(task_id);
`

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Record appends one transition entry for t. Called from the Dispatcher's
// publishTask for every transition it publishes; failures are the caller's
// to log, not to propagate — a broken audit trail must never block dispatch.
func (l *Log) Record(ctx context.Context, t *task.Task) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO task_transitions (task_id, state, backend, upstream_prompt_id, attempts, last_error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.State), t.AssignedBackend, t.UpstreamPromptID, t.Attempts, t.LastError, time.Now())
	if err != nil {
		return fmt.Errorf("recording audit entry for task %s: %w", t.ID, err)
	}
	return nil
}

// Entry is one row of recorded task history.
type Entry struct {
	TaskID           string    `json:"task_id"`
	State            string    `json:"state"`
	Backend          string    `json:"backend,omitempty"`
	UpstreamPromptID string    `json:"upstream_prompt_id,omitempty"`
	Attempts         int       `json:"attempts"`
	LastError        string    `json:"last_error,omitempty"`
	RecordedAt       time.Time `json:"recorded_at"`
}

// ForTask returns every recorded transition for a task id, oldest first.
func (l *Log) ForTask(ctx context.Context, taskID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT task_id, state, backend, upstream_prompt_id, attempts, last_error, recorded_at
		FROM task_transitions WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying audit history for task %s: %w", taskID, err)
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

// Recent returns the most recent limit transitions across all tasks, newest
// first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT task_id, state, backend, upstream_prompt_id, attempts, last_error, recorded_at
		FROM task_transitions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent audit history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			backend sql.NullString
			upID    sql.NullString
			lastErr sql.NullString
		)
		if err := rows.Scan(&e.TaskID, &e.State, &backend, &upID, &e.Attempts, &lastErr, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		e.Backend = backend.String
		e.UpstreamPromptID = upID.String
		e.LastError = lastErr.String
		out = append(out, e)
	}
	return out, rows.Err()
}
