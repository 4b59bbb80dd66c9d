package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ylcn91/agentctl/internal/eventbus"
	"github.com/ylcn91/agentctl/internal/herr"
	"github.com/ylcn91/agentctl/internal/store"
)

// StepRunner dispatches one step to its assignee and returns once the
// step either completes or fails. Supplied by the caller — the
// executor itself only sequences steps, grounded on coordinator/
// executor.go's separation between plan sequencing and step dispatch.
type StepRunner func(ctx context.Context, runID string, step Step) error

// Executor runs a Plan's steps one at a time, in wave order flattened
// to a single sequence (spec §4.9 "Sequential model": creates a run,
// then for each step creates a step run, ... waits for its terminal
// status, and proceeds). The cancel token carried by ctx is polled
// before every step creation; a cancelled run stops short with its
// remaining steps left uncreated.
type Executor struct {
	workflows *store.WorkflowStore
	bus       *eventbus.Bus
	logger    *slog.Logger
	runStep   StepRunner
}

// NewExecutor constructs an Executor.
func NewExecutor(workflows *store.WorkflowStore, bus *eventbus.Bus, logger *slog.Logger, runStep StepRunner) *Executor {
	return &Executor{workflows: workflows, bus: bus, logger: logger, runStep: runStep}
}

// Execute runs plan's steps sequentially against a fresh workflow run.
// If ctx is already cancelled on entry, no run is created and Execute
// returns a typed herr.Abort error. If ctx is cancelled between steps,
// the run is marked RunCancelled and Execute returns herr.Abort.
func (e *Executor) Execute(ctx context.Context, plan Plan) (store.WorkflowRun, error) {
	if err := ctx.Err(); err != nil {
		return store.WorkflowRun{}, herr.Abort("workflow %q cancelled before start", plan.Definition.Name)
	}

	run, err := e.workflows.CreateRun(ctx, plan.Definition.Name)
	if err != nil {
		return store.WorkflowRun{}, fmt.Errorf("create run: %w", err)
	}
	if err := e.workflows.SetRunStatus(ctx, run.ID, store.RunRunning); err != nil {
		return run, fmt.Errorf("set run running: %w", err)
	}
	run.Status = store.RunRunning

	for _, wave := range plan.Waves {
		for _, step := range wave {
			if ctx.Err() != nil {
				return e.cancelRun(ctx, run, step)
			}

			sr, err := e.workflows.CreateStepRun(ctx, run.ID, step.ID)
			if err != nil {
				_ = e.workflows.SetRunStatus(ctx, run.ID, store.RunFailed)
				run.Status = store.RunFailed
				return run, fmt.Errorf("create step run for %s: %w", step.ID, err)
			}

			if err := e.runOneStep(ctx, run.ID, sr.ID, step); err != nil {
				_ = e.workflows.SetRunStatus(ctx, run.ID, store.RunFailed)
				run.Status = store.RunFailed
				return run, fmt.Errorf("step %q failed: %w", step.ID, err)
			}
		}
	}

	if err := e.workflows.SetRunStatus(ctx, run.ID, store.RunCompleted); err != nil {
		return run, fmt.Errorf("set run completed: %w", err)
	}
	run.Status = store.RunCompleted
	return run, nil
}

// cancelRun marks run cancelled without creating the step that
// observed ctx's cancellation, and returns the run alongside a typed
// abort error (spec §5 "Cancellation").
func (e *Executor) cancelRun(ctx context.Context, run store.WorkflowRun, nextStep Step) (store.WorkflowRun, error) {
	if err := e.workflows.SetRunStatus(context.WithoutCancel(ctx), run.ID, store.RunCancelled); err != nil {
		e.logger.Error("failed to record run cancellation", "run_id", run.ID, "error", err)
	}
	run.Status = store.RunCancelled
	return run, herr.Abort("workflow run %s cancelled before step %q", run.ID, nextStep.ID)
}

func (e *Executor) runOneStep(ctx context.Context, runID, stepRunID string, step Step) error {
	if _, err := e.workflows.UpdateStepRun(ctx, stepRunID, func(sr *store.StepRun) {
		sr.Status = store.StepRunning
		sr.Assignee = step.Assignee
		now := time.Now()
		sr.StartedAt = &now
	}); err != nil {
		return err
	}
	e.bus.Publish(eventbus.TopicTaskStarted, runID, map[string]any{"step_id": step.ID, "assignee": step.Assignee})

	runErr := e.runStep(ctx, runID, step)

	status := store.StepCompleted
	result := "ok"
	if runErr != nil {
		status = store.StepFailed
		result = runErr.Error()
	}
	if _, err := e.workflows.UpdateStepRun(ctx, stepRunID, func(sr *store.StepRun) {
		sr.Status = status
		sr.Result = result
		now := time.Now()
		sr.CompletedAt = &now
	}); err != nil {
		e.logger.Error("failed to record step completion", "step_id", step.ID, "error", err)
	}
	return runErr
}
