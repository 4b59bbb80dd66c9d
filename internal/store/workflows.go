package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus is one of spec §3's workflow run states.
type RunStatus string

const (
	RunPending           RunStatus = "pending"
	RunRunning           RunStatus = "running"
	RunCompleted         RunStatus = "completed"
	RunFailed            RunStatus = "failed"
	RunCancelled         RunStatus = "cancelled"
	RunRetroInProgress   RunStatus = "retro_in_progress"
)

// StepStatus is one of spec §3's step run states.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepAssigned  StepStatus = "assigned"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

// WorkflowRun is the persisted record for spec §3 "Workflow run".
type WorkflowRun struct {
	ID           string     `json:"id"`
	WorkflowName string     `json:"workflow_name"`
	Status       RunStatus  `json:"status"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	RetroID      string     `json:"retro_id,omitempty"`
}

// StepRun is the persisted record for spec §3 "step run".
type StepRun struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	StepID      string     `json:"step_id"`
	Status      StepStatus `json:"status"`
	Assignee    string     `json:"assignee,omitempty"`
	TaskID      string     `json:"task_id,omitempty"`
	HandoffID   string     `json:"handoff_id,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Attempt     int        `json:"attempt"`
	Result      string     `json:"result,omitempty"`
}

// WorkflowEvent is an append-only transition record (spec §4.9 "Every
// transition writes a workflow_event record").
type WorkflowEvent struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	StepRunID string    `json:"step_run_id,omitempty"`
	Type      string    `json:"type"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// WorkflowStore persists runs, step runs, and workflow events.
type WorkflowStore struct {
	db *sql.DB
}

// OpenWorkflowStore opens (and migrates) the workflows database at path.
func OpenWorkflowStore(path string) (*WorkflowStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	w := &WorkflowStore{db: db}
	if err := w.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *WorkflowStore) init(ctx context.Context) error {
	return migrate(ctx, w.db, 1, []string{
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			retro_id TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS step_runs (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES workflow_runs(id),
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			assignee TEXT,
			task_id TEXT,
			handoff_id TEXT,
			started_at DATETIME,
			completed_at DATETIME,
			attempt INTEGER NOT NULL DEFAULT 1,
			result TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS workflow_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			step_run_id TEXT,
			type TEXT NOT NULL,
			detail TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_step_runs_run ON step_runs(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_events_run ON workflow_events(run_id, id);`,
	})
}

func (w *WorkflowStore) Close() error { return w.db.Close() }
func (w *WorkflowStore) DB() *sql.DB  { return w.db }

// CreateRun inserts a new pending run and logs a run.created event.
func (w *WorkflowStore) CreateRun(ctx context.Context, workflowName string) (WorkflowRun, error) {
	run := WorkflowRun{ID: uuid.NewString(), WorkflowName: workflowName, Status: RunPending}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := w.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_runs (id, workflow_name, status) VALUES (?, ?, ?);
		`, run.ID, workflowName, string(RunPending)); err != nil {
			return err
		}
		if err := logWorkflowEvent(ctx, tx, run.ID, "", "run.created", workflowName); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return WorkflowRun{}, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// SetRunStatus transitions a run's status and, for running/terminal
// statuses, stamps started_at/completed_at.
func (w *WorkflowStore) SetRunStatus(ctx context.Context, runID string, status RunStatus) error {
	now := rfc3339(time.Now())
	var query string
	switch status {
	case RunRunning:
		query = `UPDATE workflow_runs SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ?;`
	case RunCompleted, RunFailed, RunCancelled:
		query = `UPDATE workflow_runs SET status = ?, completed_at = ? WHERE id = ?;`
	default:
		query = `UPDATE workflow_runs SET status = ? WHERE id = ?;`
	}
	args := []any{string(status)}
	if status == RunRunning || status == RunCompleted || status == RunFailed || status == RunCancelled {
		args = append(args, now, runID)
	} else {
		args = append(args, runID)
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := w.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
		if err := logWorkflowEvent(ctx, tx, runID, "", "run.status_changed", string(status)); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// GetRun fetches a run by ID.
func (w *WorkflowStore) GetRun(ctx context.Context, id string) (WorkflowRun, bool, error) {
	row := w.db.QueryRowContext(ctx, `
		SELECT id, workflow_name, status, started_at, completed_at, retro_id FROM workflow_runs WHERE id = ?;
	`, id)
	return scanRun(row)
}

// CreateStepRun inserts a new step run in StepPending.
func (w *WorkflowStore) CreateStepRun(ctx context.Context, runID, stepID string) (StepRun, error) {
	sr := StepRun{ID: uuid.NewString(), RunID: runID, StepID: stepID, Status: StepPending, Attempt: 1}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := w.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO step_runs (id, run_id, step_id, status, attempt) VALUES (?, ?, ?, ?, 1);
		`, sr.ID, runID, stepID, string(StepPending)); err != nil {
			return err
		}
		if err := logWorkflowEvent(ctx, tx, runID, sr.ID, "step.created", stepID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return StepRun{}, fmt.Errorf("create step run: %w", err)
	}
	return sr, nil
}

// UpdateStepRun applies a mutator then logs a step.status_changed event.
func (w *WorkflowStore) UpdateStepRun(ctx context.Context, id string, mutate func(*StepRun)) (StepRun, error) {
	var sr StepRun
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := w.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT id, run_id, step_id, status, assignee, task_id, handoff_id, started_at, completed_at, attempt, result
			FROM step_runs WHERE id = ?;
		`, id)
		sr, err = scanStepRun(row)
		if err != nil {
			return err
		}
		before := sr.Status
		mutate(&sr)

		var startedAt, completedAt sql.NullString
		if sr.StartedAt != nil {
			startedAt = sql.NullString{String: rfc3339(*sr.StartedAt), Valid: true}
		}
		if sr.CompletedAt != nil {
			completedAt = sql.NullString{String: rfc3339(*sr.CompletedAt), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE step_runs SET status=?, assignee=?, task_id=?, handoff_id=?, started_at=?, completed_at=?, attempt=?, result=?
			WHERE id = ?;
		`, string(sr.Status), sr.Assignee, sr.TaskID, sr.HandoffID, startedAt, completedAt, sr.Attempt, sr.Result, id); err != nil {
			return err
		}
		if before != sr.Status {
			if err := logWorkflowEvent(ctx, tx, sr.RunID, id, "step.status_changed", string(before)+"->"+string(sr.Status)); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return StepRun{}, fmt.Errorf("update step run: %w", err)
	}
	return sr, nil
}

// StepRunsForRun returns all step runs belonging to runID.
func (w *WorkflowStore) StepRunsForRun(ctx context.Context, runID string) ([]StepRun, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT id, run_id, step_id, status, assignee, task_id, handoff_id, started_at, completed_at, attempt, result
		FROM step_runs WHERE run_id = ?;
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}
	defer rows.Close()
	var out []StepRun
	for rows.Next() {
		sr, err := scanStepRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

func logWorkflowEvent(ctx context.Context, tx *sql.Tx, runID, stepRunID, eventType, detail string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_events (run_id, step_run_id, type, detail, created_at) VALUES (?, ?, ?, ?, ?);
	`, runID, nullIfEmpty(stepRunID), eventType, detail, rfc3339(time.Now()))
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanRun(row rowScanner) (WorkflowRun, bool, error) {
	var run WorkflowRun
	var started, completed, retroID sql.NullString
	if err := row.Scan(&run.ID, &run.WorkflowName, &run.Status, &started, &completed, &retroID); err != nil {
		if err == sql.ErrNoRows {
			return WorkflowRun{}, false, nil
		}
		return WorkflowRun{}, false, fmt.Errorf("scan run: %w", err)
	}
	if started.Valid {
		t, _ := parseRFC3339(started.String)
		run.StartedAt = &t
	}
	if completed.Valid {
		t, _ := parseRFC3339(completed.String)
		run.CompletedAt = &t
	}
	run.RetroID = retroID.String
	return run, true, nil
}

func scanStepRun(row rowScanner) (StepRun, error) {
	var sr StepRun
	var assignee, taskID, handoffID, result sql.NullString
	var started, completed sql.NullString
	if err := row.Scan(&sr.ID, &sr.RunID, &sr.StepID, &sr.Status, &assignee, &taskID, &handoffID, &started, &completed, &sr.Attempt, &result); err != nil {
		return StepRun{}, fmt.Errorf("scan step run: %w", err)
	}
	sr.Assignee = assignee.String
	sr.TaskID = taskID.String
	sr.HandoffID = handoffID.String
	sr.Result = result.String
	if started.Valid {
		t, _ := parseRFC3339(started.String)
		sr.StartedAt = &t
	}
	if completed.Valid {
		t, _ := parseRFC3339(completed.String)
		sr.CompletedAt = &t
	}
	return sr, nil
}
