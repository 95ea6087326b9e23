// Package store is the Task Mirror Store: the authoritative local copy of
// users, tasks and courses, backed by SQLite. Everything else in the system
// reads and writes through it.
//
// All timestamps are stored as Unix seconds (UTC). Reminder-sent state lives
// as one column per threshold so "what needs a reminder right now" stays a
// single indexed query, and so clearing the flags on a due-date change is the
// same UPDATE that moves the date.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (or creates) the database at path and ensures the schema.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	// SQLite allows one writer; the jobs are sequential by design, but a
	// busy timeout keeps overlapping readers from erroring out.
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000; PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		messenger_id TEXT NOT NULL UNIQUE,
		canvas_token TEXT NOT NULL DEFAULT '',
		canvas_base_url TEXT NOT NULL DEFAULT '',
		token_valid INTEGER NOT NULL DEFAULT 1,
		tier TEXT NOT NULL DEFAULT 'free',
		subscription_expiry INTEGER,
		timezone TEXT NOT NULL DEFAULT 'UTC',
		reminders_enabled INTEGER NOT NULL DEFAULT 1,
		active INTEGER NOT NULL DEFAULT 1,
		manual_tasks_this_month INTEGER NOT NULL DEFAULT 0,
		month_reset_at INTEGER NOT NULL,
		last_sync_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id),
		origin TEXT NOT NULL,
		remote_id TEXT NOT NULL DEFAULT '',
		course_id TEXT NOT NULL DEFAULT '',
		course_title TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		due_at INTEGER NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		sent_168h INTEGER NOT NULL DEFAULT 0,
		sent_72h INTEGER NOT NULL DEFAULT 0,
		sent_24h INTEGER NOT NULL DEFAULT 0,
		sent_8h INTEGER NOT NULL DEFAULT 0,
		sent_2h INTEGER NOT NULL DEFAULT 0,
		sent_1h INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_user_remote
		ON tasks(user_id, origin, remote_id) WHERE remote_id <> '';
	CREATE INDEX IF NOT EXISTS idx_tasks_user_due ON tasks(user_id, due_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_due_active ON tasks(due_at, deleted, completed);

	CREATE TABLE IF NOT EXISTS courses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id),
		remote_id TEXT NOT NULL,
		name TEXT NOT NULL,
		code TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(user_id, remote_id)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// unix converts a time to storage form.
func unix(t time.Time) int64 { return t.UTC().Unix() }

// unixPtr converts a nullable time to storage form.
func unixPtr(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().Unix(), Valid: true}
}

// fromUnix converts storage form back to UTC time.
func fromUnix(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

func fromUnixPtr(sec sql.NullInt64) *time.Time {
	if !sec.Valid {
		return nil
	}
	t := fromUnix(sec.Int64)
	return &t
}
