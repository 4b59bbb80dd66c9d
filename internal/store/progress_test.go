package store

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestProgressStore(t *testing.T) *ProgressStore {
	t.Helper()
	ps, err := OpenProgressStore(filepath.Join(t.TempDir(), "progress.db"))
	if err != nil {
		t.Fatalf("OpenProgressStore: %v", err)
	}
	t.Cleanup(func() { _ = ps.Close() })
	return ps
}

func TestAppendRejectsOutOfRangePercent(t *testing.T) {
	ps := newTestProgressStore(t)
	if _, err := ps.Append(context.Background(), "t1", 150, "done", "", nil); err == nil {
		t.Fatal("expected error for percent > 100")
	}
}

func TestLatestReturnsMostRecentReport(t *testing.T) {
	ps := newTestProgressStore(t)
	ctx := context.Background()

	if _, err := ps.Append(ctx, "t1", 10, "started", "", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := ps.Append(ctx, "t1", 50, "halfway", "", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}

	latest, ok, err := ps.Latest(ctx, "t1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if !ok {
		t.Fatal("expected a report to exist")
	}
	if latest.Percent != 50 {
		t.Errorf("Percent = %d, want 50", latest.Percent)
	}
}

func TestAppendTrimsWindowPerTask(t *testing.T) {
	ps := newTestProgressStore(t)
	ps.windowSize = 3
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := ps.Append(ctx, "t1", i*10, "update", "", nil); err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
	}

	history, err := ps.History(ctx, "t1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("len(history) = %d, want 3", len(history))
	}
	if history[0].Percent != 20 {
		t.Errorf("oldest retained Percent = %d, want 20", history[0].Percent)
	}
	if history[len(history)-1].Percent != 40 {
		t.Errorf("newest retained Percent = %d, want 40", history[len(history)-1].Percent)
	}
}
