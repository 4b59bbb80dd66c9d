// Package progress implements the derived queries spec §4.5 runs over
// progress reports: the latest report, whether a task has gone stale,
// and whether it's falling behind its own reported pace.
package progress

import (
	"context"
	"time"

	"github.com/ylcn91/agentctl/internal/store"
)

// Tracker answers derived questions about a task's progress history.
type Tracker struct {
	store *store.ProgressStore

	// staleAfter is how long since the last report before a task is
	// considered stalled (spec §4.5 "isStalled").
	staleAfter time.Duration
}

// New constructs a Tracker with the given staleness threshold.
func New(ps *store.ProgressStore, staleAfter time.Duration) *Tracker {
	return &Tracker{store: ps, staleAfter: staleAfter}
}

// Latest returns the most recent report for a task, if any.
func (t *Tracker) Latest(ctx context.Context, taskID string) (store.ProgressReport, bool, error) {
	return t.store.Latest(ctx, taskID)
}

// History returns the full retained window of reports for a task.
func (t *Tracker) History(ctx context.Context, taskID string) ([]store.ProgressReport, error) {
	return t.store.History(ctx, taskID)
}

// IsStalled reports whether a task's most recent report is older than
// staleAfter, relative to now. A task with no reports at all is not
// considered stalled here.
func (t *Tracker) IsStalled(ctx context.Context, taskID string, now time.Time) (bool, error) {
	latest, ok, err := t.store.Latest(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return now.Sub(latest.CreatedAt) > t.staleAfter, nil
}

// IsBehindSchedule compares the latest report's own estimated
// completion time against now: if the estimate has already passed and
// the percent hasn't reached 100, the task is behind its own schedule
// (spec §4.5 "getBehindSchedule").
func (t *Tracker) IsBehindSchedule(ctx context.Context, taskID string, now time.Time) (bool, error) {
	latest, ok, err := t.store.Latest(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !ok || latest.EstComplete == nil {
		return false, nil
	}
	return latest.Percent < 100 && now.After(*latest.EstComplete), nil
}

// Append records a new progress report for a task.
func (t *Tracker) Append(ctx context.Context, taskID string, percent int, summary, blockers string, estComplete *time.Time) (store.ProgressReport, error) {
	return t.store.Append(ctx, taskID, percent, summary, blockers, estComplete)
}
