package store

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestRetroStore(t *testing.T) *RetroStore {
	t.Helper()
	rs, err := OpenRetroStore(filepath.Join(t.TempDir(), "retros.db"))
	if err != nil {
		t.Fatalf("OpenRetroStore: %v", err)
	}
	t.Cleanup(func() { _ = rs.Close() })
	return rs
}

func TestCreateRetroAndForRun(t *testing.T) {
	rs := newTestRetroStore(t)
	ctx := context.Background()

	retro, err := rs.Create(ctx, "run-1", "shipped fine", "good handoffs", "slow review", `["add more tests"]`)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if retro.RunID != "run-1" {
		t.Errorf("RunID = %q, want run-1", retro.RunID)
	}

	retros, err := rs.ForRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("ForRun: %v", err)
	}
	if len(retros) != 1 {
		t.Fatalf("len(retros) = %d, want 1", len(retros))
	}
	if retros[0].WentPoorly != "slow review" {
		t.Errorf("WentPoorly = %q, want %q", retros[0].WentPoorly, "slow review")
	}
}

func TestForRunReturnsEmptyWhenNone(t *testing.T) {
	rs := newTestRetroStore(t)
	retros, err := rs.ForRun(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("ForRun: %v", err)
	}
	if len(retros) != 0 {
		t.Errorf("len(retros) = %d, want 0", len(retros))
	}
}
