package workflow

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleIsNoOpWithoutCronExpression(t *testing.T) {
	s := NewScheduler(slog.New(slog.NewTextHandler(io.Discard, nil)), func(ctx context.Context, name string) error { return nil })
	if err := s.Schedule(Definition{Name: "manual-only"}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(s.entries) != 0 {
		t.Errorf("entries = %v, want none for a schedule-less definition", s.entries)
	}
}

func TestScheduleTriggersOnCronFire(t *testing.T) {
	var fired int32
	s := NewScheduler(slog.New(slog.NewTextHandler(io.Discard, nil)), func(ctx context.Context, name string) error {
		atomic.AddInt32(&fired, 1)
		return nil
	})

	if err := s.Schedule(Definition{Name: "every-second", Schedule: "* * * * * *"}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	s.Start()
	defer s.Stop()

	time.Sleep(1200 * time.Millisecond)
	if atomic.LoadInt32(&fired) == 0 {
		t.Error("expected trigger to have fired at least once")
	}
}

func TestUnscheduleRemovesEntry(t *testing.T) {
	s := NewScheduler(slog.New(slog.NewTextHandler(io.Discard, nil)), func(ctx context.Context, name string) error { return nil })
	if err := s.Schedule(Definition{Name: "wf", Schedule: "* * * * * *"}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	s.Unschedule("wf")
	if _, ok := s.entries["wf"]; ok {
		t.Error("expected entry to be removed after Unschedule")
	}
}
