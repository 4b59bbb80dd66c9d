package store

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestWorkflowStore(t *testing.T) *WorkflowStore {
	t.Helper()
	ws, err := OpenWorkflowStore(filepath.Join(t.TempDir(), "workflows.db"))
	if err != nil {
		t.Fatalf("OpenWorkflowStore: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func TestCreateRunStartsPending(t *testing.T) {
	ws := newTestWorkflowStore(t)
	ctx := context.Background()

	run, err := ws.CreateRun(ctx, "nightly-retro")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.Status != RunPending {
		t.Errorf("Status = %v, want %v", run.Status, RunPending)
	}

	got, ok, err := ws.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if !ok {
		t.Fatal("expected run to exist")
	}
	if got.WorkflowName != "nightly-retro" {
		t.Errorf("WorkflowName = %q, want nightly-retro", got.WorkflowName)
	}
}

func TestSetRunStatusStampsTimestamps(t *testing.T) {
	ws := newTestWorkflowStore(t)
	ctx := context.Background()

	run, err := ws.CreateRun(ctx, "wf")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := ws.SetRunStatus(ctx, run.ID, RunRunning); err != nil {
		t.Fatalf("SetRunStatus(running): %v", err)
	}
	got, _, err := ws.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.StartedAt == nil {
		t.Fatal("expected StartedAt to be set")
	}

	if err := ws.SetRunStatus(ctx, run.ID, RunCompleted); err != nil {
		t.Fatalf("SetRunStatus(completed): %v", err)
	}
	got, _, err = ws.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.CompletedAt == nil {
		t.Fatal("expected CompletedAt to be set")
	}
}

func TestUpdateStepRunLogsStatusChange(t *testing.T) {
	ws := newTestWorkflowStore(t)
	ctx := context.Background()

	run, err := ws.CreateRun(ctx, "wf")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	sr, err := ws.CreateStepRun(ctx, run.ID, "step-1")
	if err != nil {
		t.Fatalf("CreateStepRun: %v", err)
	}
	if sr.Status != StepPending {
		t.Errorf("Status = %v, want %v", sr.Status, StepPending)
	}

	updated, err := ws.UpdateStepRun(ctx, sr.ID, func(s *StepRun) {
		s.Status = StepCompleted
		s.Result = "ok"
	})
	if err != nil {
		t.Fatalf("UpdateStepRun: %v", err)
	}
	if !updated.Status.Terminal() {
		t.Errorf("Status %v should be terminal", updated.Status)
	}
	if updated.Result != "ok" {
		t.Errorf("Result = %q, want ok", updated.Result)
	}

	steps, err := ws.StepRunsForRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("StepRunsForRun: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("len(steps) = %d, want 1", len(steps))
	}
}
