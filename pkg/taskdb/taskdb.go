// Package taskdb implements the process-global tasks.db:
// one row per task UUID, tracking status, counters, and provider/model
// metadata. Lifetime is process-lifetime — opened on init, closed on
// shutdown, one *sql.DB connection serializing writes per modernc.org/sqlite.
package taskdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/coderelay/forgebot/pkg/taskkey"
)

// Status is a TaskStateRow's lifecycle status.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrNotFound is returned by Get when no row exists for the given UUID.
var ErrNotFound = errors.New("taskdb: task not found")

// Row is one tasks.db record.
type Row struct {
	UUID         string
	TaskKey      taskkey.Key
	User         string
	Status       Status
	Provider     string
	Model        string
	ErrorMessage string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt sql.NullTime

	LLMCallCount     int
	ToolCallCount    int
	TotalTokens      int
	CompressionCount int
}

// DB wraps the single process-wide sqlite connection backing tasks.db.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if absent) the sqlite database at path and runs
// migrations. Callers must call Close on shutdown.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("taskdb: open %s: %w", path, err)
	}
	// Single-writer discipline: this process
	// serializes writes itself, so one connection avoids SQLITE_BUSY churn
	// from Go's connection pool fanning writes out concurrently.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the underlying sqlite connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate(ctx context.Context) error {
	_, err := db.conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS tasks (
	uuid              TEXT PRIMARY KEY,
	platform          TEXT NOT NULL,
	kind              TEXT NOT NULL,
	owner             TEXT NOT NULL,
	repo_or_project   TEXT NOT NULL,
	number            INTEGER NOT NULL,
	user              TEXT NOT NULL,
	status            TEXT NOT NULL,
	provider          TEXT NOT NULL DEFAULT '',
	model             TEXT NOT NULL DEFAULT '',
	error_message     TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMP NOT NULL,
	updated_at        TIMESTAMP NOT NULL,
	completed_at      TIMESTAMP,
	llm_call_count    INTEGER NOT NULL DEFAULT 0,
	tool_call_count   INTEGER NOT NULL DEFAULT 0,
	total_tokens      INTEGER NOT NULL DEFAULT 0,
	compression_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user);
`)
	if err != nil {
		return fmt.Errorf("taskdb: migrate: %w", err)
	}
	return nil
}

// UpsertRunning inserts or resets a row to status=running, used both at
// first task creation and on resume-from-paused.
func (db *DB) UpsertRunning(ctx context.Context, uuid string, key taskkey.Key, user, provider, model string) error {
	now := time.Now()
	_, err := db.conn.ExecContext(ctx, `
INSERT INTO tasks (uuid, platform, kind, owner, repo_or_project, number, user, status, provider, model, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(uuid) DO UPDATE SET status=excluded.status, updated_at=excluded.updated_at
`, uuid, key.Platform, key.Kind, key.Owner, key.RepoOrProject, key.Number, user, StatusRunning, provider, model, now, now)
	if err != nil {
		return fmt.Errorf("taskdb: upsert running %s: %w", uuid, err)
	}
	return nil
}

// Complete sets status=completed.
// Callers must call this BEFORE renaming the
// context directory to completed/, so a crash between the two leaves the
// directory as the source of truth.
func (db *DB) Complete(ctx context.Context, uuid string) error {
	return db.setTerminal(ctx, uuid, StatusCompleted, "")
}

// Fail sets status=failed and records the error message.
func (db *DB) Fail(ctx context.Context, uuid, errMessage string) error {
	return db.setTerminal(ctx, uuid, StatusFailed, errMessage)
}

func (db *DB) setTerminal(ctx context.Context, uuid string, status Status, errMessage string) error {
	now := time.Now()
	res, err := db.conn.ExecContext(ctx,
		`UPDATE tasks SET status=?, error_message=?, updated_at=?, completed_at=? WHERE uuid=?`,
		status, errMessage, now, now, uuid)
	if err != nil {
		return fmt.Errorf("taskdb: set terminal %s: %w", uuid, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("taskdb: set terminal %s: %w", uuid, ErrNotFound)
	}
	return nil
}

// StatKind identifies which counter IncrementStat bumps.
type StatKind string

const (
	StatLLMCall     StatKind = "llm_call_count"
	StatToolCall    StatKind = "tool_call_count"
	StatCompression StatKind = "compression_count"
)

var statColumns = map[StatKind]bool{
	StatLLMCall:     true,
	StatToolCall:    true,
	StatCompression: true,
}

// IncrementStat bumps one counter column by 1.
func (db *DB) IncrementStat(ctx context.Context, uuid string, kind StatKind) error {
	if !statColumns[kind] {
		return fmt.Errorf("taskdb: unknown stat kind %q", kind)
	}
	query := fmt.Sprintf(`UPDATE tasks SET %s = %s + 1, updated_at = ? WHERE uuid = ?`, kind, kind)
	_, err := db.conn.ExecContext(ctx, query, time.Now(), uuid)
	if err != nil {
		return fmt.Errorf("taskdb: increment %s for %s: %w", kind, uuid, err)
	}
	return nil
}

// AddTokens adds n to total_tokens, called whenever an LLM response reports
// usage.
func (db *DB) AddTokens(ctx context.Context, uuid string, n int) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE tasks SET total_tokens = total_tokens + ?, updated_at = ? WHERE uuid = ?`,
		n, time.Now(), uuid)
	if err != nil {
		return fmt.Errorf("taskdb: add tokens for %s: %w", uuid, err)
	}
	return nil
}

// Get fetches a row by UUID.
func (db *DB) Get(ctx context.Context, uuid string) (Row, error) {
	row := db.conn.QueryRowContext(ctx, `
SELECT uuid, platform, kind, owner, repo_or_project, number, user, status, provider, model,
       error_message, created_at, updated_at, completed_at,
       llm_call_count, tool_call_count, total_tokens, compression_count
FROM tasks WHERE uuid = ?`, uuid)
	return scanRow(row)
}

// ListByStatus returns all rows with the given status, ordered by created_at ascending.
func (db *DB) ListByStatus(ctx context.Context, status Status) ([]Row, error) {
	rows, err := db.conn.QueryContext(ctx, `
SELECT uuid, platform, kind, owner, repo_or_project, number, user, status, provider, model,
       error_message, created_at, updated_at, completed_at,
       llm_call_count, tool_call_count, total_tokens, compression_count
FROM tasks WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("taskdb: list by status %s: %w", status, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteOlderThan removes completed/failed rows whose completed_at predates
// the cutoff.
func (db *DB) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `
DELETE FROM tasks WHERE status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		StatusCompleted, StatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("taskdb: delete older than %s: %w", cutoff, err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(s scanner) (Row, error) {
	var r Row
	var completedAt sql.NullTime
	err := s.Scan(
		&r.UUID, &r.TaskKey.Platform, &r.TaskKey.Kind, &r.TaskKey.Owner, &r.TaskKey.RepoOrProject, &r.TaskKey.Number,
		&r.User, &r.Status, &r.Provider, &r.Model, &r.ErrorMessage,
		&r.CreatedAt, &r.UpdatedAt, &completedAt,
		&r.LLMCallCount, &r.ToolCallCount, &r.TotalTokens, &r.CompressionCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, ErrNotFound
	}
	if err != nil {
		return Row{}, fmt.Errorf("taskdb: scan row: %w", err)
	}
	r.CompletedAt = completedAt
	return r, nil
}
