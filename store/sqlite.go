package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// NewSQLiteStore opens a single-file attempt queue.
//
// Meant for development and tests: zero setup, the full schema is created
// on first use. Use ":memory:" for a throwaway database.
//
// SQLite transactions are serialisable by construction, so the claim
// protocol holds here exactly as it does on MySQL; a concurrent writer
// surfaces as SQLITE_BUSY, which the claim loop retries.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// One writer at a time; keep the connection open so ":memory:"
	// databases survive between calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &sqlStore{
		db:        db,
		retryable: isSQLiteBusy,
		requeueSQL: `
			UPDATE attempts
			SET result = ''
			WHERE tester_name IS NOT NULL AND tester_name != ''
			AND   (result = 'Queued' OR result = 'Compiling...' OR result LIKE 'Testing... %')
			AND   updated_at < datetime('now', '-' || ? || ' seconds')
		`,
	}
	if err := createSQLiteTables(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func createSQLiteTables(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			login TEXT NOT NULL,
			username TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS compilers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			codename TEXT NOT NULL,
			runner_codename TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS contests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			is_school INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS problems (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			time_limit INTEGER NOT NULL,
			memory_limit INTEGER NOT NULL,
			checker TEXT NOT NULL DEFAULT '',
			mask_in TEXT NOT NULL DEFAULT '%02d.in',
			mask_out TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS problem_in_contests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			problem_id INTEGER NOT NULL REFERENCES problems(id),
			contest_id INTEGER NOT NULL REFERENCES contests(id),
			number INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			compiler_id INTEGER NOT NULL REFERENCES compilers(id),
			user_id INTEGER NOT NULL REFERENCES users(id),
			problem_in_contest_id INTEGER NOT NULL REFERENCES problem_in_contests(id),
			result TEXT,
			error_message TEXT,
			checker_comment TEXT NOT NULL DEFAULT '',
			used_time REAL,
			used_memory REAL,
			score REAL,
			tester_name TEXT,
			time TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS checker_statuses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS test_infos (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			attempt_id INTEGER NOT NULL REFERENCES attempts(id),
			test_number INTEGER NOT NULL,
			result TEXT NOT NULL,
			used_time REAL NOT NULL,
			used_memory INTEGER NOT NULL,
			checker_comment TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
