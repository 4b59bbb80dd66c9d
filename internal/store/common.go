// Package store implements the daemon's persistent stores (spec §4.3):
// sessions, messages, tasks, workflow runs, retros, and council records.
// Each store wraps its own embedded SQLite file, as spec §6 mandates
// distinct files under $HUB_DIR. Grounded on the teacher's
// internal/persistence/store.go: WAL + synchronous=FULL pragmas, a single
// connection (SQLite's writer is serialized anyway), busy-retry with
// jittered backoff, and a schema_migrations ledger.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// openDB opens (creating if necessary) a single-file SQLite database
// configured the way every store in this daemon needs: WAL journal,
// full fsync durability (spec §4.3 "writes are synchronous and durable
// before the reply is sent"), a single connection, and foreign keys on.
func openDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}
	return db, nil
}

// retryOnBusy retries f while SQLite reports BUSY/LOCKED, with exponential
// backoff and jitter, bounded at maxRetries retries after the first attempt.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// rfc3339 formats t the way every timestamp column in these stores is
// serialized back to JSON (spec §4.3: "timestamps are RFC-3339 strings").
func rfc3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseRFC3339(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// migrate runs a single idempotent schema ledger entry: if version isn't yet
// recorded, applies statements in a transaction and records the version.
func migrate(ctx context.Context, db *sql.DB, version int, statements []string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?;`, version).Scan(&exists); err != nil {
		return fmt.Errorf("check migration version: %w", err)
	}
	if exists > 0 {
		return tx.Rollback()
	}

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration v%d: %w", version, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?);`, version); err != nil {
		return fmt.Errorf("record migration v%d: %w", version, err)
	}
	return tx.Commit()
}

// encodeStrings serializes a string slice for storage in a TEXT column,
// the same JSON-array-in-a-column idiom tasks.go uses for tags.
func encodeStrings(ss []string) string {
	b, err := json.Marshal(ss)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeStrings(s string) []string {
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}
