package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ProgressReport is a task-progress report (spec §3 "Task-progress report":
// percent complete, narrative summary, blockers, estimated completion).
// Only the most recent N reports per task are retained (spec §4.5 sliding
// window), enforced by ProgressStore.Append.
type ProgressReport struct {
	ID          int64      `json:"id"`
	TaskID      string     `json:"task_id"`
	Percent     int        `json:"percent"`
	Summary     string     `json:"summary"`
	Blockers    string     `json:"blockers,omitempty"`
	EstComplete *time.Time `json:"estimated_completion,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ProgressStore persists progress reports with a bounded per-task window.
type ProgressStore struct {
	db         *sql.DB
	windowSize int
}

// defaultProgressWindow bounds the number of reports retained per task (spec §4.5:
// "at most the last 100 reports per task are retained").
const defaultProgressWindow = 100

// OpenProgressStore opens (and migrates) the progress database at path.
func OpenProgressStore(path string) (*ProgressStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	p := &ProgressStore{db: db, windowSize: defaultProgressWindow}
	if err := p.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func (p *ProgressStore) init(ctx context.Context) error {
	return migrate(ctx, p.db, 1, []string{
		`CREATE TABLE IF NOT EXISTS progress_reports (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			percent INTEGER NOT NULL,
			summary TEXT NOT NULL,
			blockers TEXT,
			estimated_completion DATETIME,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_progress_task ON progress_reports(task_id, id);`,
	})
}

func (p *ProgressStore) Close() error { return p.db.Close() }
func (p *ProgressStore) DB() *sql.DB  { return p.db }

// Append inserts a new progress report for taskID, then trims the table so
// at most windowSize reports remain for that task.
func (p *ProgressStore) Append(ctx context.Context, taskID string, percent int, summary, blockers string, estComplete *time.Time) (ProgressReport, error) {
	if percent < 0 || percent > 100 {
		return ProgressReport{}, fmt.Errorf("percent must be between 0 and 100, got %d", percent)
	}
	now := time.Now().UTC()
	var est sql.NullString
	if estComplete != nil {
		est = sql.NullString{String: rfc3339(*estComplete), Valid: true}
	}
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO progress_reports (task_id, percent, summary, blockers, estimated_completion, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, taskID, percent, summary, blockers, est, rfc3339(now))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM progress_reports WHERE task_id = ? AND id NOT IN (
				SELECT id FROM progress_reports WHERE task_id = ? ORDER BY id DESC LIMIT ?
			);
		`, taskID, taskID, p.windowSize); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return ProgressReport{}, fmt.Errorf("append progress report: %w", err)
	}
	return ProgressReport{
		ID: id, TaskID: taskID, Percent: percent, Summary: summary,
		Blockers: blockers, EstComplete: estComplete, CreatedAt: now,
	}, nil
}

// Latest returns the most recent report for taskID, if any.
func (p *ProgressStore) Latest(ctx context.Context, taskID string) (ProgressReport, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, task_id, percent, summary, blockers, estimated_completion, created_at
		FROM progress_reports WHERE task_id = ? ORDER BY id DESC LIMIT 1;
	`, taskID)
	return scanProgressReport(row)
}

// History returns all retained reports for taskID, oldest first.
func (p *ProgressStore) History(ctx context.Context, taskID string) ([]ProgressReport, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, task_id, percent, summary, blockers, estimated_completion, created_at
		FROM progress_reports WHERE task_id = ? ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list progress history: %w", err)
	}
	defer rows.Close()

	var out []ProgressReport
	for rows.Next() {
		rep, ok, err := scanProgressReport(rows)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rep)
		}
	}
	return out, rows.Err()
}

func scanProgressReport(row rowScanner) (ProgressReport, bool, error) {
	var rep ProgressReport
	var blockers, est sql.NullString
	var created string
	if err := row.Scan(&rep.ID, &rep.TaskID, &rep.Percent, &rep.Summary, &blockers, &est, &created); err != nil {
		if err == sql.ErrNoRows {
			return ProgressReport{}, false, nil
		}
		return ProgressReport{}, false, fmt.Errorf("scan progress report: %w", err)
	}
	rep.Blockers = blockers.String
	rep.CreatedAt, _ = parseRFC3339(created)
	if est.Valid {
		t, _ := parseRFC3339(est.String)
		rep.EstComplete = &t
	}
	return rep, true, nil
}
