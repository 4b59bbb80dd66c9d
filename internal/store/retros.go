package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Retro is a retrospective record produced when a workflow run completes
// (spec §4.3 "RetroStore" — supplemental: the base spec names retros in
// its data-model table but leaves their shape to the implementation).
// It captures what happened across a run's step runs so the workflow
// engine has a single place to write a post-mortem summary.
type Retro struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Summary    string    `json:"summary"`
	WentWell   string    `json:"went_well,omitempty"`
	WentPoorly string    `json:"went_poorly,omitempty"`
	ActionItems string   `json:"action_items,omitempty"` // JSON array
	CreatedAt  time.Time `json:"created_at"`
}

// RetroStore persists retrospective records, one per completed workflow run.
type RetroStore struct {
	db *sql.DB
}

// OpenRetroStore opens (and migrates) the retros database at path.
func OpenRetroStore(path string) (*RetroStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	r := &RetroStore{db: db}
	if err := r.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *RetroStore) init(ctx context.Context) error {
	return migrate(ctx, r.db, 1, []string{
		`CREATE TABLE IF NOT EXISTS retros (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			summary TEXT NOT NULL,
			went_well TEXT,
			went_poorly TEXT,
			action_items TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_retros_run ON retros(run_id);`,
	})
}

func (r *RetroStore) Close() error { return r.db.Close() }
func (r *RetroStore) DB() *sql.DB  { return r.db }

// Create persists a new retro for a completed run.
func (r *RetroStore) Create(ctx context.Context, runID, summary, wentWell, wentPoorly, actionItemsJSON string) (Retro, error) {
	now := time.Now().UTC()
	retro := Retro{
		ID: uuid.NewString(), RunID: runID, Summary: summary,
		WentWell: wentWell, WentPoorly: wentPoorly, ActionItems: actionItemsJSON, CreatedAt: now,
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO retros (id, run_id, summary, went_well, went_poorly, action_items, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, retro.ID, runID, summary, wentWell, wentPoorly, actionItemsJSON, rfc3339(now))
		return err
	})
	if err != nil {
		return Retro{}, fmt.Errorf("create retro: %w", err)
	}
	return retro, nil
}

// ForRun returns the retro(s) associated with a run, newest first.
func (r *RetroStore) ForRun(ctx context.Context, runID string) ([]Retro, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, run_id, summary, went_well, went_poorly, action_items, created_at
		FROM retros WHERE run_id = ? ORDER BY created_at DESC;
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list retros: %w", err)
	}
	defer rows.Close()

	var out []Retro
	for rows.Next() {
		var retro Retro
		var wentWell, wentPoorly, actionItems sql.NullString
		var created string
		if err := rows.Scan(&retro.ID, &retro.RunID, &retro.Summary, &wentWell, &wentPoorly, &actionItems, &created); err != nil {
			return nil, fmt.Errorf("scan retro: %w", err)
		}
		retro.WentWell = wentWell.String
		retro.WentPoorly = wentPoorly.String
		retro.ActionItems = actionItems.String
		retro.CreatedAt, _ = parseRFC3339(created)
		out = append(out, retro)
	}
	return out, rows.Err()
}
