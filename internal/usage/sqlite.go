// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package usage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
-- One row per finished call.
CREATE TABLE IF NOT EXISTS usage_events (
    id TEXT PRIMARY KEY,
    time INTEGER NOT NULL,              -- Unix milliseconds
    backend_id TEXT NOT NULL,
    model TEXT,
    task_type TEXT,
    prompt_tokens INTEGER NOT NULL,
    completion_tokens INTEGER NOT NULL,
    cost_microcents INTEGER NOT NULL,
    estimated INTEGER NOT NULL DEFAULT 0,
    success INTEGER NOT NULL,
    error_kind TEXT,
    streamed INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_usage_events_backend ON usage_events(backend_id);
CREATE INDEX IF NOT EXISTS idx_usage_events_time ON usage_events(time);
`

// =============================================================================
// SQLITE SINK
// =============================================================================

// SQLiteSink persists events to a usage_events table.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (creating if needed) the database at path.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("usage: create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("usage: open database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection keeps
	// the driver from serializing writers with busy errors.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("usage: set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("usage: initialize schema: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

// Record inserts one event.
func (s *SQLiteSink) Record(ev Event) error {
	_, err := s.db.Exec(`
		INSERT INTO usage_events
		(id, time, backend_id, model, task_type, prompt_tokens, completion_tokens,
		 cost_microcents, estimated, success, error_kind, streamed, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Time.UnixMilli(), ev.BackendID, ev.Model, ev.TaskType,
		ev.PromptTokens, ev.CompletionTokens, ev.CostMicrocents,
		boolInt(ev.Estimated), boolInt(ev.Success), ev.ErrorKind,
		boolInt(ev.Streamed), ev.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("usage: insert event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *SQLiteSink) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, time, backend_id, model, task_type, prompt_tokens,
		       completion_tokens, cost_microcents, estimated, success,
		       error_kind, streamed, duration_ms
		FROM usage_events ORDER BY time DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("usage: query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var ms int64
		var estimated, success, streamed int
		if err := rows.Scan(&ev.ID, &ms, &ev.BackendID, &ev.Model, &ev.TaskType,
			&ev.PromptTokens, &ev.CompletionTokens, &ev.CostMicrocents,
			&estimated, &success, &ev.ErrorKind, &streamed, &ev.DurationMS); err != nil {
			return nil, fmt.Errorf("usage: scan event: %w", err)
		}
		ev.Time = time.UnixMilli(ms)
		ev.Estimated = estimated != 0
		ev.Success = success != 0
		ev.Streamed = streamed != 0
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close releases the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
