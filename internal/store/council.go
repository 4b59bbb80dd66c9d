package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CouncilStage names the two fixed waves a council session runs (spec §9's
// stage_*/phase_* naming Open Question, canonicalized to "stage_*" here —
// see DESIGN.md).
type CouncilStage string

const (
	StageAnalyze   CouncilStage = "analyze"
	StageVerify    CouncilStage = "verify"
	StageDiscussion CouncilStage = "discussion"
)

// CouncilSession pins a task and fans it out to N member accounts for
// independent deliberation (supplemental: spec's message/event surface
// names council_analyze/council_verify/council_history and
// COUNCIL_SESSION_*/COUNCIL_STAGE_*/COUNCIL_MEMBER_RESPONSE topics without
// detailing the session model; filled in per SPEC_FULL.md §4.13).
type CouncilSession struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Members   []string  `json:"members"`
	Stage     CouncilStage `json:"stage"`
	Status    string    `json:"status"` // running, completed, failed
	CreatedAt time.Time `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// CouncilResponse is one member's contribution at a given stage.
type CouncilResponse struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Stage     CouncilStage `json:"stage"`
	Member    string    `json:"member"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// CouncilStore persists council deliberation sessions and responses.
type CouncilStore struct {
	db *sql.DB
}

// OpenCouncilStore opens (and migrates) the council database at path.
func OpenCouncilStore(path string) (*CouncilStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	c := &CouncilStore{db: db}
	if err := c.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *CouncilStore) init(ctx context.Context) error {
	return migrate(ctx, c.db, 1, []string{
		`CREATE TABLE IF NOT EXISTS council_sessions (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			members TEXT NOT NULL,
			stage TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			ended_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS council_responses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES council_sessions(id),
			stage TEXT NOT NULL,
			member TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_council_responses_session ON council_responses(session_id, stage);`,
	})
}

func (c *CouncilStore) Close() error { return c.db.Close() }
func (c *CouncilStore) DB() *sql.DB  { return c.db }

// CreateSession starts a new council session pinned to taskID, in the
// analyze stage.
func (c *CouncilStore) CreateSession(ctx context.Context, taskID string, members []string) (CouncilSession, error) {
	now := time.Now().UTC()
	sess := CouncilSession{
		ID: uuid.NewString(), TaskID: taskID, Members: members,
		Stage: StageAnalyze, Status: "running", CreatedAt: now,
	}
	membersJSON := encodeStrings(members)
	err := retryOnBusy(ctx, 5, func() error {
		_, err := c.db.ExecContext(ctx, `
			INSERT INTO council_sessions (id, task_id, members, stage, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, sess.ID, taskID, membersJSON, string(StageAnalyze), "running", rfc3339(now))
		return err
	})
	if err != nil {
		return CouncilSession{}, fmt.Errorf("create council session: %w", err)
	}
	return sess, nil
}

// AdvanceStage moves a session from analyze to verify (the only legal
// stage transition in the fixed two-wave plan).
func (c *CouncilStore) AdvanceStage(ctx context.Context, sessionID string, stage CouncilStage) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE council_sessions SET stage = ? WHERE id = ? AND status = 'running';
	`, string(stage), sessionID)
	if err != nil {
		return fmt.Errorf("advance council stage: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("council session %s not running", sessionID)
	}
	return nil
}

// Conclude marks a session as completed or failed.
func (c *CouncilStore) Conclude(ctx context.Context, sessionID, status string) error {
	now := rfc3339(time.Now())
	_, err := c.db.ExecContext(ctx, `
		UPDATE council_sessions SET status = ?, ended_at = ? WHERE id = ?;
	`, status, now, sessionID)
	if err != nil {
		return fmt.Errorf("conclude council session: %w", err)
	}
	return nil
}

// RecordResponse appends a member response for the session's current stage.
func (c *CouncilStore) RecordResponse(ctx context.Context, sessionID string, stage CouncilStage, member, content string) (CouncilResponse, error) {
	now := time.Now().UTC()
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := c.db.ExecContext(ctx, `
			INSERT INTO council_responses (session_id, stage, member, content, created_at)
			VALUES (?, ?, ?, ?, ?);
		`, sessionID, string(stage), member, content, rfc3339(now))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return CouncilResponse{}, fmt.Errorf("record council response: %w", err)
	}
	return CouncilResponse{ID: id, SessionID: sessionID, Stage: stage, Member: member, Content: content, CreatedAt: now}, nil
}

// History returns the full transcript for a session, ordered analyze then
// verify, each stage in insertion order.
func (c *CouncilStore) History(ctx context.Context, sessionID string) ([]CouncilResponse, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, session_id, stage, member, content, created_at
		FROM council_responses WHERE session_id = ? ORDER BY id ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("council history: %w", err)
	}
	defer rows.Close()

	var out []CouncilResponse
	for rows.Next() {
		var resp CouncilResponse
		var created string
		if err := rows.Scan(&resp.ID, &resp.SessionID, &resp.Stage, &resp.Member, &resp.Content, &created); err != nil {
			return nil, fmt.Errorf("scan council response: %w", err)
		}
		resp.CreatedAt, _ = parseRFC3339(created)
		out = append(out, resp)
	}
	return out, rows.Err()
}

// GetSession fetches a session by ID.
func (c *CouncilStore) GetSession(ctx context.Context, id string) (CouncilSession, bool, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, task_id, members, stage, status, created_at, ended_at FROM council_sessions WHERE id = ?;
	`, id)
	var sess CouncilSession
	var membersJSON string
	var ended sql.NullString
	var created string
	if err := row.Scan(&sess.ID, &sess.TaskID, &membersJSON, &sess.Stage, &sess.Status, &created, &ended); err != nil {
		if err == sql.ErrNoRows {
			return CouncilSession{}, false, nil
		}
		return CouncilSession{}, false, fmt.Errorf("scan council session: %w", err)
	}
	sess.Members = decodeStrings(membersJSON)
	sess.CreatedAt, _ = parseRFC3339(created)
	if ended.Valid {
		t, _ := parseRFC3339(ended.String)
		sess.EndedAt = &t
	}
	return sess, true, nil
}
