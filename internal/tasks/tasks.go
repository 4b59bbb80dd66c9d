// Package tasks implements gated acceptance on top of store.TaskStore
// (spec §4.5 "gated acceptance"): a ready_for_review task's handoff
// risk tags (criticality, reversibility, verifiability) determine
// whether Accept succeeds outright, needs a justification, or is
// hard-blocked pending elevated review.
package tasks

import (
	"context"

	"github.com/ylcn91/agentctl/internal/eventbus"
	"github.com/ylcn91/agentctl/internal/herr"
	"github.com/ylcn91/agentctl/internal/store"
)

// Outcome is the result of an acceptance attempt.
type Outcome string

const (
	// OutcomeAutoAccept means the task's risk tags cleared every bar:
	// low criticality, reversible, verified.
	OutcomeAutoAccept Outcome = "auto_accept"
	// OutcomeRequireAcceptance means the task accepted normally but
	// carried no tag combination strict enough to auto-accept or to
	// demand a justification.
	OutcomeRequireAcceptance Outcome = "require_acceptance"
	// OutcomeRequireJustification means Accept refuses until the
	// caller supplies a non-empty justification.
	OutcomeRequireJustification Outcome = "require_justification"
	// OutcomeRequireElevatedReview is a hard block: a critical,
	// irreversible task can never be accepted through this gate,
	// justification or not.
	OutcomeRequireElevatedReview Outcome = "require_elevated_review"
)

// Manager wraps a TaskStore with the gated-acceptance decision and
// publishes lifecycle events to the bus.
type Manager struct {
	tasks    *store.TaskStore
	progress *store.ProgressStore
	bus      *eventbus.Bus
}

// New constructs a Manager.
func New(ts *store.TaskStore, ps *store.ProgressStore, bus *eventbus.Bus) *Manager {
	return &Manager{tasks: ts, progress: ps, bus: bus}
}

// gate derives the acceptance outcome from a handoff's risk tags (spec
// §4.5 "gated acceptance"). Unset tags ("") never trigger a stricter
// gate than require_acceptance.
func gate(criticality, reversibility, verifiability string) Outcome {
	if criticality == "critical" && reversibility == "irreversible" {
		return OutcomeRequireElevatedReview
	}
	if reversibility == "irreversible" || verifiability == "unverified" {
		return OutcomeRequireJustification
	}
	if criticality == "low" && reversibility == "reversible" && verifiability == "verified" {
		return OutcomeAutoAccept
	}
	return OutcomeRequireAcceptance
}

// Create creates a task in StatusTodo and publishes TASK_CREATED.
func (m *Manager) Create(ctx context.Context, title, assignee string, priority store.Priority, tags []string, sessionID string) (store.Task, error) {
	task, err := m.tasks.CreateTask(ctx, title, assignee, priority, tags, sessionID)
	if err != nil {
		return store.Task{}, herr.AsError(err)
	}
	m.bus.Publish(eventbus.TopicTaskCreated, task.ID, task)
	return task, nil
}

// Start transitions a task from todo to in_progress.
func (m *Manager) Start(ctx context.Context, taskID string) (store.Task, error) {
	task, err := m.tasks.UpdateStatus(ctx, taskID, store.StatusInProgress, "")
	if err != nil {
		return store.Task{}, wrapTransitionErr(err)
	}
	m.bus.Publish(eventbus.TopicTaskStarted, task.ID, task)
	return task, nil
}

// SubmitForReview transitions a task from in_progress to
// ready_for_review.
func (m *Manager) SubmitForReview(ctx context.Context, taskID string) (store.Task, error) {
	task, err := m.tasks.UpdateStatus(ctx, taskID, store.StatusReadyForReview, "")
	if err != nil {
		return store.Task{}, wrapTransitionErr(err)
	}
	m.bus.Publish(eventbus.TopicTaskCompleted, task.ID, task)
	return task, nil
}

// Accept attempts to move a ready_for_review task to accepted. The
// task's risk tags decide the gate (spec §4.5 "gated acceptance"): a
// critical+irreversible task is hard-blocked regardless of
// justification; an irreversible or unverified task needs a
// non-empty justification; everything else accepts outright.
func (m *Manager) Accept(ctx context.Context, taskID, justification string) (store.Task, Outcome, error) {
	task, ok, err := m.tasks.GetTask(ctx, taskID)
	if err != nil {
		return store.Task{}, "", herr.AsError(err)
	}
	if !ok {
		return store.Task{}, "", herr.NotFound("task %s not found", taskID)
	}
	if task.Status != store.StatusReadyForReview {
		return store.Task{}, "", herr.Validation("task %s is not ready for review (status=%s)", taskID, task.Status)
	}

	outcome := gate(task.Criticality, task.Reversibility, task.Verifiability)
	if outcome == OutcomeRequireElevatedReview {
		return task, outcome, nil
	}
	needsJustification := outcome == OutcomeRequireJustification
	if needsJustification && justification == "" {
		return task, outcome, nil
	}

	updated, err := m.tasks.UpdateStatus(ctx, taskID, store.StatusAccepted, "")
	if err != nil {
		return store.Task{}, "", wrapTransitionErr(err)
	}
	if needsJustification {
		if err := m.tasks.RecordJustification(ctx, taskID, justification); err != nil {
			return store.Task{}, "", herr.AsError(err)
		}
	}
	m.bus.Publish(eventbus.TopicTaskCompleted, updated.ID, updated)
	return updated, outcome, nil
}

// Reject moves a ready_for_review task back with a mandatory non-empty
// reason (spec §4.5 "rejection requires a reason").
func (m *Manager) Reject(ctx context.Context, taskID, reason string) (store.Task, error) {
	if reason == "" {
		return store.Task{}, herr.Validation("rejection requires a non-empty reason")
	}
	task, err := m.tasks.UpdateStatus(ctx, taskID, store.StatusRejected, reason)
	if err != nil {
		return store.Task{}, wrapTransitionErr(err)
	}
	m.bus.Publish(eventbus.TopicTaskCompleted, task.ID, task)
	return task, nil
}

// RequestChanges sends a ready_for_review task back to in_progress,
// the "send back with comments" edge in the transition graph.
func (m *Manager) RequestChanges(ctx context.Context, taskID, reason string) (store.Task, error) {
	task, err := m.tasks.UpdateStatus(ctx, taskID, store.StatusInProgress, reason)
	if err != nil {
		return store.Task{}, wrapTransitionErr(err)
	}
	m.bus.Publish(eventbus.TopicTaskAssigned, task.ID, task)
	return task, nil
}

func wrapTransitionErr(err error) error {
	if err == nil {
		return nil
	}
	return herr.Validation("%v", err)
}
