package store

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestCouncilStore(t *testing.T) *CouncilStore {
	t.Helper()
	cs, err := OpenCouncilStore(filepath.Join(t.TempDir(), "council.db"))
	if err != nil {
		t.Fatalf("OpenCouncilStore: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func TestCreateSessionStartsInAnalyzeStage(t *testing.T) {
	cs := newTestCouncilStore(t)
	ctx := context.Background()

	sess, err := cs.CreateSession(ctx, "task-1", []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.Stage != StageAnalyze {
		t.Errorf("Stage = %v, want %v", sess.Stage, StageAnalyze)
	}
	if sess.Status != "running" {
		t.Errorf("Status = %q, want running", sess.Status)
	}

	got, ok, err := cs.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !ok {
		t.Fatal("expected session to exist")
	}
	if len(got.Members) != 2 || got.Members[0] != "alice" || got.Members[1] != "bob" {
		t.Errorf("Members = %v, want [alice bob]", got.Members)
	}
}

func TestAdvanceStageFailsWhenNotRunning(t *testing.T) {
	cs := newTestCouncilStore(t)
	ctx := context.Background()

	sess, err := cs.CreateSession(ctx, "task-1", []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := cs.Conclude(ctx, sess.ID, "completed"); err != nil {
		t.Fatalf("Conclude: %v", err)
	}
	if err := cs.AdvanceStage(ctx, sess.ID, StageVerify); err == nil {
		t.Fatal("expected error advancing a concluded session")
	}
}

func TestRecordResponseAndHistoryOrdering(t *testing.T) {
	cs := newTestCouncilStore(t)
	ctx := context.Background()

	sess, err := cs.CreateSession(ctx, "task-1", []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := cs.RecordResponse(ctx, sess.ID, StageAnalyze, "alice", "looks fine"); err != nil {
		t.Fatalf("RecordResponse(alice): %v", err)
	}
	if err := cs.AdvanceStage(ctx, sess.ID, StageVerify); err != nil {
		t.Fatalf("AdvanceStage: %v", err)
	}
	if _, err := cs.RecordResponse(ctx, sess.ID, StageVerify, "bob", "confirmed"); err != nil {
		t.Fatalf("RecordResponse(bob): %v", err)
	}

	history, err := cs.History(ctx, sess.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	if history[0].Stage != StageAnalyze || history[1].Stage != StageVerify {
		t.Errorf("history stages = [%v %v], want [analyze verify]", history[0].Stage, history[1].Stage)
	}
}
