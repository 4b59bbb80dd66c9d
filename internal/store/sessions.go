package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Session is a named session record (spec §4.3 "SessionStore: named session
// records, search by substring"). Messages and tasks are scoped to a
// session, grounded on the teacher's sessions table in
// internal/persistence/store.go.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionStore persists Session records in $HUB_DIR/sessions.db.
type SessionStore struct {
	db *sql.DB
}

// OpenSessionStore opens (and migrates) the sessions database at path.
func OpenSessionStore(path string) (*SessionStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	s := &SessionStore{db: db}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SessionStore) init(ctx context.Context) error {
	return migrate(ctx, s.db, 1, []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_name ON sessions(name);`,
	})
}

// Close idempotently closes the underlying database.
func (s *SessionStore) Close() error { return s.db.Close() }

// DB exposes the underlying *sql.DB for the watchdog's health probe.
func (s *SessionStore) DB() *sql.DB { return s.db }

// Create inserts a new named session and returns its generated ID.
func (s *SessionStore) Create(ctx context.Context, name string) (Session, error) {
	if strings.TrimSpace(name) == "" {
		return Session{}, fmt.Errorf("session name must not be empty")
	}
	now := time.Now().UTC()
	sess := Session{ID: uuid.NewString(), Name: name, CreatedAt: now, UpdatedAt: now}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, name, created_at, updated_at) VALUES (?, ?, ?, ?);
		`, sess.ID, sess.Name, rfc3339(now), rfc3339(now))
		return err
	})
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// Get fetches a session by ID.
func (s *SessionStore) Get(ctx context.Context, id string) (Session, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, created_at, updated_at FROM sessions WHERE id = ?;`, id)
	return scanSession(row)
}

// Search returns sessions whose name contains the (case-insensitive)
// substring q, newest first.
func (s *SessionStore) Search(ctx context.Context, q string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, created_at, updated_at FROM sessions
		WHERE name LIKE '%' || ? || '%' COLLATE NOCASE
		ORDER BY created_at DESC;
	`, q)
	if err != nil {
		return nil, fmt.Errorf("search sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Touch bumps updated_at to now, used whenever a message/task is appended.
func (s *SessionStore) Touch(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?;`, rfc3339(time.Now()), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, bool, error) {
	var sess Session
	var created, updated string
	if err := row.Scan(&sess.ID, &sess.Name, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return Session{}, false, nil
		}
		return Session{}, false, fmt.Errorf("scan session: %w", err)
	}
	sess.CreatedAt, _ = parseRFC3339(created)
	sess.UpdatedAt, _ = parseRFC3339(updated)
	return sess, true, nil
}

func scanSessionRows(rows *sql.Rows) (Session, error) {
	sess, ok, err := scanSession(rows)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, fmt.Errorf("scan session: no row")
	}
	return sess, nil
}
