package progress

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ylcn91/agentctl/internal/store"
)

func newTestTracker(t *testing.T, staleAfter time.Duration) (*Tracker, *store.ProgressStore) {
	t.Helper()
	ps, err := store.OpenProgressStore(filepath.Join(t.TempDir(), "progress.db"))
	if err != nil {
		t.Fatalf("OpenProgressStore: %v", err)
	}
	t.Cleanup(func() { _ = ps.Close() })
	return New(ps, staleAfter), ps
}

func TestIsStalledFalseWithNoReports(t *testing.T) {
	tr, _ := newTestTracker(t, time.Hour)
	stalled, err := tr.IsStalled(context.Background(), "t1", time.Now())
	if err != nil {
		t.Fatalf("IsStalled: %v", err)
	}
	if stalled {
		t.Error("expected a task with no reports to not be stalled")
	}
}

func TestIsStalledTrueAfterThreshold(t *testing.T) {
	tr, ps := newTestTracker(t, time.Minute)
	ctx := context.Background()

	report, err := ps.Append(ctx, "t1", 20, "working", "", nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	stalled, err := tr.IsStalled(ctx, "t1", report.CreatedAt.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("IsStalled: %v", err)
	}
	if !stalled {
		t.Error("expected task to be stalled once staleAfter has elapsed")
	}
}

func TestIsBehindScheduleRequiresEstimate(t *testing.T) {
	tr, ps := newTestTracker(t, time.Hour)
	ctx := context.Background()

	if _, err := ps.Append(ctx, "t1", 50, "halfway", "", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}

	behind, err := tr.IsBehindSchedule(ctx, "t1", time.Now())
	if err != nil {
		t.Fatalf("IsBehindSchedule: %v", err)
	}
	if behind {
		t.Error("expected no estimate to mean not behind schedule")
	}
}

func TestIsBehindScheduleTrueWhenEstimatePassedAndIncomplete(t *testing.T) {
	tr, ps := newTestTracker(t, time.Hour)
	ctx := context.Background()

	est := time.Now().Add(-time.Hour)
	if _, err := ps.Append(ctx, "t1", 80, "almost there", "", &est); err != nil {
		t.Fatalf("Append: %v", err)
	}

	behind, err := tr.IsBehindSchedule(ctx, "t1", time.Now())
	if err != nil {
		t.Fatalf("IsBehindSchedule: %v", err)
	}
	if !behind {
		t.Error("expected task past its own estimate and incomplete to be behind schedule")
	}
}

func TestIsBehindScheduleFalseWhenComplete(t *testing.T) {
	tr, ps := newTestTracker(t, time.Hour)
	ctx := context.Background()

	est := time.Now().Add(-time.Hour)
	if _, err := ps.Append(ctx, "t1", 100, "done", "", &est); err != nil {
		t.Fatalf("Append: %v", err)
	}

	behind, err := tr.IsBehindSchedule(ctx, "t1", time.Now())
	if err != nil {
		t.Fatalf("IsBehindSchedule: %v", err)
	}
	if behind {
		t.Error("expected a completed task to never be behind schedule")
	}
}
