package workflow

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Trigger runs a named workflow definition by name, supplied by the
// daemon core so the scheduler doesn't need direct access to the
// definition registry.
type Trigger func(ctx context.Context, workflowName string) error

// Scheduler triggers workflow runs on their Definition.Schedule cron
// expressions (supplemental: the distilled spec describes per-task
// cron scheduling in the teacher's internal/cron/scheduler.go but
// omits workflow-level triggering; SPEC_FULL.md §4.9 extends it to
// whole workflows).
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	trigger Trigger

	mu      sync.Mutex
	entries map[string]cron.EntryID // workflow name -> cron entry
}

// NewScheduler constructs a Scheduler. Call Start to begin firing.
func NewScheduler(logger *slog.Logger, trigger Trigger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		logger:  logger,
		trigger: trigger,
		entries: make(map[string]cron.EntryID),
	}
}

// Schedule registers def's cron expression. A zero-value Schedule is a
// no-op (the workflow is manually triggered only).
func (s *Scheduler) Schedule(def Definition) error {
	if def.Schedule == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[def.Name]; ok {
		s.cron.Remove(id)
	}
	id, err := s.cron.AddFunc(def.Schedule, func() {
		if err := s.trigger(context.Background(), def.Name); err != nil {
			s.logger.Error("scheduled workflow trigger failed", "workflow", def.Name, "error", err)
		}
	})
	if err != nil {
		return err
	}
	s.entries[def.Name] = id
	return nil
}

// Unschedule removes a workflow's cron entry, if any.
func (s *Scheduler) Unschedule(workflowName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[workflowName]; ok {
		s.cron.Remove(id)
		delete(s.entries, workflowName)
	}
}

// Start begins firing scheduled triggers.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler and waits for any in-flight job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
