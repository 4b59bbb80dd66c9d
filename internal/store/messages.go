package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is an inter-agent message (spec §3 "Message").
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read,omitempty"`
	ReadAt    time.Time `json:"read_at,omitempty"`
}

// MessageStore persists Message records, indexed for fast inbox lookups.
type MessageStore struct {
	db *sql.DB
}

// OpenMessageStore opens (and migrates) the message database at path.
func OpenMessageStore(path string) (*MessageStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	m := &MessageStore{db: db}
	if err := m.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

func (m *MessageStore) init(ctx context.Context) error {
	return migrate(ctx, m.db, 1, []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'text',
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			read_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_recipient_unread ON messages(recipient) WHERE read_at IS NULL;`,
	})
}

func (m *MessageStore) Close() error { return m.db.Close() }
func (m *MessageStore) DB() *sql.DB  { return m.db }

// Send persists a new message addressed to `to`.
func (m *MessageStore) Send(ctx context.Context, from, to, msgType, content string) (Message, error) {
	if to == "" {
		return Message{}, fmt.Errorf("message recipient must not be empty")
	}
	now := time.Now().UTC()
	msg := Message{ID: uuid.NewString(), From: from, To: to, Type: msgType, Content: content, Timestamp: now}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := m.db.ExecContext(ctx, `
			INSERT INTO messages (id, sender, recipient, type, content, created_at) VALUES (?, ?, ?, ?, ?, ?);
		`, msg.ID, from, to, msgType, content, rfc3339(now))
		return err
	})
	if err != nil {
		return Message{}, fmt.Errorf("send message: %w", err)
	}
	return msg, nil
}

// Inbox returns all messages addressed to `to`, oldest first. This is the
// invariant spec §8 checks: getMessages(m.to) contains m exactly once, and
// excludes messages to any other recipient (enforced by the WHERE clause).
func (m *MessageStore) Inbox(ctx context.Context, to string) ([]Message, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, sender, recipient, type, content, created_at, read_at
		FROM messages WHERE recipient = ? ORDER BY created_at ASC;
	`, to)
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MarkRead marks the given message IDs (owned by `to`) as read.
func (m *MessageStore) MarkRead(ctx context.Context, to string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var total int64
	now := rfc3339(time.Now())
	for _, id := range ids {
		res, err := m.db.ExecContext(ctx, `
			UPDATE messages SET read_at = ? WHERE id = ? AND recipient = ? AND read_at IS NULL;
		`, now, id, to)
		if err != nil {
			return total, fmt.Errorf("mark read %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// CountUnread returns the number of unread messages addressed to `to`.
func (m *MessageStore) CountUnread(ctx context.Context, to string) (int, error) {
	var count int
	err := m.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE recipient = ? AND read_at IS NULL;
	`, to).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// Archive marks all messages older than N days as read, for the given
// recipient (or all recipients if to == ""). Returns the count archived.
func (m *MessageStore) Archive(ctx context.Context, to string, olderThanDays int) (int64, error) {
	cutoff := rfc3339(time.Now().AddDate(0, 0, -olderThanDays))
	var res sql.Result
	var err error
	if to == "" {
		res, err = m.db.ExecContext(ctx, `
			UPDATE messages SET read_at = COALESCE(read_at, ?) WHERE created_at < ?;
		`, rfc3339(time.Now()), cutoff)
	} else {
		res, err = m.db.ExecContext(ctx, `
			UPDATE messages SET read_at = COALESCE(read_at, ?) WHERE recipient = ? AND created_at < ?;
		`, rfc3339(time.Now()), to, cutoff)
	}
	if err != nil {
		return 0, fmt.Errorf("archive messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var msg Message
		var created string
		var readAt sql.NullString
		if err := rows.Scan(&msg.ID, &msg.From, &msg.To, &msg.Type, &msg.Content, &created, &readAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Timestamp, _ = parseRFC3339(created)
		if readAt.Valid {
			msg.Read = true
			msg.ReadAt, _ = parseRFC3339(readAt.String)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}
