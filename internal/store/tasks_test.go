package store

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestTaskStore(t *testing.T) *TaskStore {
	t.Helper()
	ts, err := OpenTaskStore(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("OpenTaskStore: %v", err)
	}
	t.Cleanup(func() { _ = ts.Close() })
	return ts
}

func TestCreateTaskStartsInTodo(t *testing.T) {
	ts := newTestTaskStore(t)
	ctx := context.Background()

	task, err := ts.CreateTask(ctx, "write docs", "alice", PriorityP1, []string{"docs"}, "")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.Status != StatusTodo {
		t.Errorf("Status = %v, want %v", task.Status, StatusTodo)
	}

	events, err := ts.Events(ctx, task.ID)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 || events[0].Type != "TASK_CREATED" {
		t.Errorf("events = %+v, want one TASK_CREATED event", events)
	}
}

func TestUpdateStatusRejectsIllegalTransition(t *testing.T) {
	ts := newTestTaskStore(t)
	ctx := context.Background()

	task, err := ts.CreateTask(ctx, "ship it", "bob", PriorityP0, nil, "")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if _, err := ts.UpdateStatus(ctx, task.ID, StatusAccepted, ""); err == nil {
		t.Fatal("expected error transitioning todo -> accepted directly")
	}
}

func TestUpdateStatusRejectionRequiresReason(t *testing.T) {
	ts := newTestTaskStore(t)
	ctx := context.Background()

	task, err := ts.CreateTask(ctx, "ship it", "bob", PriorityP0, nil, "")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := ts.UpdateStatus(ctx, task.ID, StatusInProgress, ""); err != nil {
		t.Fatalf("UpdateStatus to in_progress: %v", err)
	}
	if _, err := ts.UpdateStatus(ctx, task.ID, StatusReadyForReview, ""); err != nil {
		t.Fatalf("UpdateStatus to ready_for_review: %v", err)
	}

	if _, err := ts.UpdateStatus(ctx, task.ID, StatusRejected, ""); err == nil {
		t.Fatal("expected error rejecting without a reason")
	}
	if _, err := ts.UpdateStatus(ctx, task.ID, StatusRejected, "missing tests"); err != nil {
		t.Fatalf("UpdateStatus to rejected with reason: %v", err)
	}
}

func TestDelegationChainAppendsInOrder(t *testing.T) {
	ts := newTestTaskStore(t)
	ctx := context.Background()

	task, err := ts.CreateTask(ctx, "delegate me", "alice", PriorityP2, nil, "")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	for _, agent := range []string{"bob", "carol", "dave"} {
		if err := ts.AppendDelegationEdge(ctx, task.ID, agent); err != nil {
			t.Fatalf("AppendDelegationEdge(%s): %v", agent, err)
		}
	}

	chain, err := ts.DelegationChain(ctx, task.ID)
	if err != nil {
		t.Fatalf("DelegationChain: %v", err)
	}
	want := []string{"bob", "carol", "dave"}
	if len(chain) != len(want) {
		t.Fatalf("chain = %v, want %v", chain, want)
	}
	for i, agent := range want {
		if chain[i] != agent {
			t.Errorf("chain[%d] = %q, want %q", i, chain[i], agent)
		}
	}
}

func TestCreateTaskWithRiskPersistsTags(t *testing.T) {
	ts := newTestTaskStore(t)
	ctx := context.Background()

	task, err := ts.CreateTaskWithRisk(ctx, "migrate db", "alice", PriorityP0, nil, "", "critical", "irreversible", "unverified")
	if err != nil {
		t.Fatalf("CreateTaskWithRisk: %v", err)
	}
	if task.Criticality != "critical" || task.Reversibility != "irreversible" || task.Verifiability != "unverified" {
		t.Fatalf("risk tags = %+v, want critical/irreversible/unverified", task)
	}

	got, ok, err := ts.GetTask(ctx, task.ID)
	if err != nil || !ok {
		t.Fatalf("GetTask: ok=%v err=%v", ok, err)
	}
	if got.Criticality != "critical" || got.Reversibility != "irreversible" || got.Verifiability != "unverified" {
		t.Errorf("reloaded risk tags = %+v, want critical/irreversible/unverified", got)
	}
}

func TestIncrementReassignmentBumpsCounter(t *testing.T) {
	ts := newTestTaskStore(t)
	ctx := context.Background()

	task, err := ts.CreateTask(ctx, "ship it", "bob", PriorityP1, nil, "")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	for i := 1; i <= 2; i++ {
		updated, err := ts.IncrementReassignment(ctx, task.ID)
		if err != nil {
			t.Fatalf("IncrementReassignment: %v", err)
		}
		if updated.ReassignmentCount != i {
			t.Errorf("ReassignmentCount = %d, want %d", updated.ReassignmentCount, i)
		}
	}
}

func TestListByStatusFiltersCorrectly(t *testing.T) {
	ts := newTestTaskStore(t)
	ctx := context.Background()

	todo, err := ts.CreateTask(ctx, "still todo", "alice", PriorityP2, nil, "")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	inProgress, err := ts.CreateTask(ctx, "in flight", "bob", PriorityP2, nil, "")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := ts.UpdateStatus(ctx, inProgress.ID, StatusInProgress, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	got, err := ts.ListByStatus(ctx, StatusInProgress)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(got) != 1 || got[0].ID != inProgress.ID {
		t.Fatalf("ListByStatus(in_progress) = %+v, want just %s", got, inProgress.ID)
	}

	got, err = ts.ListByStatus(ctx, StatusTodo)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(got) != 1 || got[0].ID != todo.ID {
		t.Fatalf("ListByStatus(todo) = %+v, want just %s", got, todo.ID)
	}
}

func TestCanTransitionMatrix(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		want     bool
	}{
		{StatusTodo, StatusInProgress, true},
		{StatusTodo, StatusAccepted, false},
		{StatusInProgress, StatusReadyForReview, true},
		{StatusReadyForReview, StatusAccepted, true},
		{StatusReadyForReview, StatusRejected, true},
		{StatusAccepted, StatusInProgress, false},
		{StatusRejected, StatusInProgress, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%v, %v) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
