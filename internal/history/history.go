// Package history persists a lightweight record of every execution so
// operators can see what ran after the fact. Recording is best effort:
// a history failure never fails the run it describes.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/statacorp/stata-mcp-server/internal/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	kind        TEXT NOT NULL,
	source      TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  TIMESTAMP NOT NULL,
	duration_ms INTEGER NOT NULL,
	graph_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`

// Run is one recorded execution. Source is the do-file path for file
// runs or a truncated code snippet for selections.
type Run struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Kind       string    `json:"kind"`
	Source     string    `json:"source"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	GraphCount int       `json:"graph_count"`
}

// Store wraps the history database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the history database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// the sqlite driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent sessions
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one run. Errors are logged, not returned, so callers
// can fire and forget.
func (s *Store) Record(ctx context.Context, run Run) {
	const q = `INSERT INTO runs (session_id, kind, source, status, started_at, duration_ms, graph_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q,
		run.SessionID, run.Kind, truncateSource(run.Source), run.Status,
		run.StartedAt.UTC(), run.DurationMs, run.GraphCount); err != nil {
		logger.Warn("Failed to record run history: %v", err)
	}
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	const q = `SELECT id, session_id, kind, source, status, started_at, duration_ms, graph_count
		FROM runs ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query run history: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Kind, &r.Source, &r.Status,
			&r.StartedAt, &r.DurationMs, &r.GraphCount); err != nil {
			return nil, fmt.Errorf("failed to scan run history row: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// BySession returns up to limit runs for one session, newest first.
func (s *Store) BySession(ctx context.Context, sessionID string, limit int) ([]Run, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	const q = `SELECT id, session_id, kind, source, status, started_at, duration_ms, graph_count
		FROM runs WHERE session_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query run history: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Kind, &r.Source, &r.Status,
			&r.StartedAt, &r.DurationMs, &r.GraphCount); err != nil {
			return nil, fmt.Errorf("failed to scan run history row: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Clear deletes every recorded run and returns how many were removed.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear run history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the number of recorded runs.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

const maxSourceLen = 500

func truncateSource(src string) string {
	if len(src) <= maxSourceLen {
		return src
	}
	return src[:maxSourceLen] + "..."
}
