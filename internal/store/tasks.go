package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is one of the six states in spec §3/§4.5's lifecycle graph.
type TaskStatus string

const (
	StatusTodo            TaskStatus = "todo"
	StatusInProgress      TaskStatus = "in_progress"
	StatusReadyForReview  TaskStatus = "ready_for_review"
	StatusNeedsReview     TaskStatus = "needs_review"
	StatusAccepted        TaskStatus = "accepted"
	StatusRejected        TaskStatus = "rejected"
)

// allowedTransitions is the fixed transition graph from spec §4.5.
// Grounded on the teacher's allowedTransitions map in
// internal/persistence/store.go, generalized from the teacher's 8-state
// lease/retry lifecycle to spec's 6-state review lifecycle.
var allowedTransitions = map[TaskStatus]map[TaskStatus]bool{
	StatusTodo: {
		StatusInProgress: true,
	},
	StatusInProgress: {
		StatusReadyForReview: true,
		StatusTodo:           true,
	},
	StatusReadyForReview: {
		StatusAccepted:   true,
		StatusRejected:   true,
		StatusInProgress: true,
	},
	StatusAccepted: {},
	StatusRejected: {},
}

// CanTransition reports whether from -> to is a legal edge in the task
// lifecycle graph.
func CanTransition(from, to TaskStatus) bool {
	edges, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
)

// Task is the persisted record for spec §3 "Task". Criticality,
// Reversibility, and Verifiability carry a handoff's risk tags forward
// onto the task it created (spec §4.5 "gated acceptance" consults
// these); ReassignmentCount tracks spec §4.8's adaptive-coordinator
// auto_reassign/escalate_human threshold.
type Task struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	Status            TaskStatus `json:"status"`
	Assignee          string     `json:"assignee,omitempty"`
	Priority          Priority   `json:"priority,omitempty"`
	Tags              []string   `json:"tags,omitempty"`
	SessionID         string     `json:"session_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	Criticality       string     `json:"criticality,omitempty"`
	Reversibility     string     `json:"reversibility,omitempty"`
	Verifiability     string     `json:"verifiability,omitempty"`
	ReassignmentCount int        `json:"reassignment_count"`
}

// TaskEvent is one append-only entry in a task's event log (spec §3
// "Events are append-only").
type TaskEvent struct {
	ID        int64     `json:"id"`
	TaskID    string     `json:"task_id"`
	Type      string     `json:"type"`
	FromState TaskStatus `json:"from_state,omitempty"`
	ToState   TaskStatus `json:"to_state,omitempty"`
	Payload   string     `json:"payload,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// TaskStore persists tasks and their event logs, and serializes concurrent
// status transitions per task (spec §5 "task-status transitions are
// serialised by a per-task lock").
type TaskStore struct {
	db *sql.DB

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// OpenTaskStore opens (and migrates) the tasks database at path.
func OpenTaskStore(path string) (*TaskStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	t := &TaskStore{db: db, locks: make(map[string]*sync.Mutex)}
	if err := t.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return t, nil
}

func (t *TaskStore) init(ctx context.Context) error {
	if err := migrate(ctx, t.db, 1, []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			status TEXT NOT NULL,
			assignee TEXT,
			priority TEXT,
			tags TEXT NOT NULL DEFAULT '[]',
			session_id TEXT,
			created_at DATETIME NOT NULL,
			started_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			type TEXT NOT NULL,
			from_state TEXT,
			to_state TEXT,
			payload TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS delegation_edges (
			task_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			agent TEXT NOT NULL,
			max_depth INTEGER NOT NULL DEFAULT 5,
			PRIMARY KEY (task_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, id);`,
	}); err != nil {
		return err
	}
	return migrate(ctx, t.db, 2, []string{
		`ALTER TABLE tasks ADD COLUMN criticality TEXT;`,
		`ALTER TABLE tasks ADD COLUMN reversibility TEXT;`,
		`ALTER TABLE tasks ADD COLUMN verifiability TEXT;`,
		`ALTER TABLE tasks ADD COLUMN reassignment_count INTEGER NOT NULL DEFAULT 0;`,
	})
}

func (t *TaskStore) Close() error { return t.db.Close() }
func (t *TaskStore) DB() *sql.DB  { return t.db }

func (t *TaskStore) lockFor(taskID string) *sync.Mutex {
	t.locksMu.Lock()
	defer t.locksMu.Unlock()
	l, ok := t.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[taskID] = l
	}
	return l
}

// CreateTask inserts a new task in StatusTodo and records a TASK_CREATED
// event.
func (t *TaskStore) CreateTask(ctx context.Context, title, assignee string, priority Priority, tags []string, sessionID string) (Task, error) {
	return t.CreateTaskWithRisk(ctx, title, assignee, priority, tags, sessionID, "", "", "")
}

// CreateTaskWithRisk is CreateTask plus the criticality/reversibility/
// verifiability tags a handoff carries forward onto the task it
// creates (spec §4.5 "gated acceptance", §4.6 "creates a task on
// target").
func (t *TaskStore) CreateTaskWithRisk(ctx context.Context, title, assignee string, priority Priority, tags []string, sessionID string, criticality, reversibility, verifiability string) (Task, error) {
	if strings.TrimSpace(title) == "" {
		return Task{}, fmt.Errorf("task title must not be empty")
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return Task{}, fmt.Errorf("encode tags: %w", err)
	}
	now := time.Now().UTC()
	task := Task{
		ID: uuid.NewString(), Title: title, Status: StatusTodo,
		Assignee: assignee, Priority: priority, Tags: tags,
		SessionID: sessionID, CreatedAt: now,
		Criticality: criticality, Reversibility: reversibility, Verifiability: verifiability,
	}
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := t.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, title, status, assignee, priority, tags, session_id, created_at, criticality, reversibility, verifiability)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, task.ID, title, string(StatusTodo), assignee, string(priority), string(tagsJSON), sessionID, rfc3339(now), criticality, reversibility, verifiability); err != nil {
			return err
		}
		if err := insertEvent(ctx, tx, task.ID, "TASK_CREATED", "", StatusTodo, ""); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return Task{}, fmt.Errorf("create task: %w", err)
	}
	return task, nil
}

const taskColumns = `id, title, status, assignee, priority, tags, session_id, created_at, started_at, criticality, reversibility, verifiability, reassignment_count`

// GetTask fetches a single task, or ok=false if it doesn't exist.
func (t *TaskStore) GetTask(ctx context.Context, id string) (Task, bool, error) {
	row := t.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	return scanTask(row)
}

// ListByStatus returns every task in the given status, used by the SLA
// engine's tick to find in-progress work to evaluate (spec §4.8).
func (t *TaskStore) ListByStatus(ctx context.Context, status TaskStatus) ([]Task, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ?;`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		task, ok, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, task)
		}
	}
	return out, rows.Err()
}

// IncrementReassignment bumps a task's reassignment counter, used by
// the adaptive coordinator's auto_reassign action (spec §4.8) to track
// reassignmentCount against maxReassignments.
func (t *TaskStore) IncrementReassignment(ctx context.Context, id string) (Task, error) {
	lock := t.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	_, err := t.db.ExecContext(ctx, `UPDATE tasks SET reassignment_count = reassignment_count + 1 WHERE id = ?;`, id)
	if err != nil {
		return Task{}, fmt.Errorf("increment reassignment count: %w", err)
	}
	task, ok, err := t.GetTask(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if !ok {
		return Task{}, fmt.Errorf("task %s not found", id)
	}
	return task, nil
}

// UpdateStatus validates the transition against the fixed graph (spec
// §4.5), applies it under the task's per-task lock, and records an event.
// A non-empty reason is required for transitions into StatusRejected.
func (t *TaskStore) UpdateStatus(ctx context.Context, id string, to TaskStatus, reason string) (Task, error) {
	lock := t.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	task, ok, err := t.GetTask(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if !ok {
		return Task{}, fmt.Errorf("task %s not found", id)
	}
	if !CanTransition(task.Status, to) {
		return Task{}, fmt.Errorf("illegal transition %s -> %s", task.Status, to)
	}
	if to == StatusRejected && strings.TrimSpace(reason) == "" {
		return Task{}, fmt.Errorf("rejection requires a non-empty reason")
	}

	now := time.Now().UTC()
	from := task.Status
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := t.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if from == StatusTodo && to == StatusInProgress {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, started_at = ? WHERE id = ?;`, string(to), rfc3339(now), id); err != nil {
				return err
			}
		} else {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?;`, string(to), id); err != nil {
				return err
			}
		}
		if err := insertEvent(ctx, tx, id, "STATUS_CHANGED", from, to, reason); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return Task{}, fmt.Errorf("update status: %w", err)
	}
	task.Status = to
	if from == StatusTodo && to == StatusInProgress {
		task.StartedAt = &now
	}
	return task, nil
}

// RecordJustification appends a justification event without changing
// status, used by the gated-acceptance "require-justification" outcome
// (spec §4.5).
func (t *TaskStore) RecordJustification(ctx context.Context, id, justification string) error {
	if strings.TrimSpace(justification) == "" {
		return fmt.Errorf("justification must not be empty")
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := t.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if err := insertEvent(ctx, tx, id, "JUSTIFICATION_RECORDED", "", "", justification); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// Events returns a task's full append-only event log, oldest first.
func (t *TaskStore) Events(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT id, task_id, type, from_state, to_state, payload, created_at
		FROM task_events WHERE task_id = ? ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		var from, to, payload sql.NullString
		var created string
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.Type, &from, &to, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.FromState = TaskStatus(from.String)
		ev.ToState = TaskStatus(to.String)
		ev.Payload = payload.String
		ev.CreatedAt, _ = parseRFC3339(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// DelegationChain returns the ordered agent chain recorded for taskID.
func (t *TaskStore) DelegationChain(ctx context.Context, taskID string) ([]string, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT agent FROM delegation_edges WHERE task_id = ? ORDER BY seq ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("read delegation chain: %w", err)
	}
	defer rows.Close()
	var chain []string
	for rows.Next() {
		var agent string
		if err := rows.Scan(&agent); err != nil {
			return nil, err
		}
		chain = append(chain, agent)
	}
	return chain, rows.Err()
}

// AppendDelegationEdge appends agent to taskID's delegation chain.
func (t *TaskStore) AppendDelegationEdge(ctx context.Context, taskID, agent string) error {
	var nextSeq int
	if err := t.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), -1) + 1 FROM delegation_edges WHERE task_id = ?;
	`, taskID).Scan(&nextSeq); err != nil {
		return fmt.Errorf("compute next seq: %w", err)
	}
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO delegation_edges (task_id, seq, agent) VALUES (?, ?, ?);
	`, taskID, nextSeq, agent)
	if err != nil {
		return fmt.Errorf("append delegation edge: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, taskID, eventType string, from, to TaskStatus, payload string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, type, from_state, to_state, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, taskID, eventType, string(from), string(to), payload, rfc3339(time.Now()))
	return err
}

func scanTask(row rowScanner) (Task, bool, error) {
	var task Task
	var assignee, priority sql.NullString
	var tagsJSON string
	var created string
	var started sql.NullString
	var criticality, reversibility, verifiability sql.NullString
	if err := row.Scan(&task.ID, &task.Title, &task.Status, &assignee, &priority, &tagsJSON, &task.SessionID, &created, &started,
		&criticality, &reversibility, &verifiability, &task.ReassignmentCount); err != nil {
		if err == sql.ErrNoRows {
			return Task{}, false, nil
		}
		return Task{}, false, fmt.Errorf("scan task: %w", err)
	}
	task.Assignee = assignee.String
	task.Priority = Priority(priority.String)
	task.Criticality = criticality.String
	task.Reversibility = reversibility.String
	task.Verifiability = verifiability.String
	_ = json.Unmarshal([]byte(tagsJSON), &task.Tags)
	task.CreatedAt, _ = parseRFC3339(created)
	if started.Valid {
		st, _ := parseRFC3339(started.String)
		task.StartedAt = &st
	}
	return task, true, nil
}
