package watchdog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTickInvokesOnUnhealthyForFailingProbe(t *testing.T) {
	w := New(time.Second, testLogger())
	w.Register("ok", func(ctx context.Context) error { return nil })
	w.Register("bad", func(ctx context.Context) error { return errors.New("down") })

	var mu sync.Mutex
	var unhealthy []string
	w.OnUnhealthy(func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		unhealthy = append(unhealthy, name)
	})

	w.tick(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(unhealthy) != 1 || unhealthy[0] != "bad" {
		t.Errorf("unhealthy = %v, want [bad]", unhealthy)
	}
}

func TestRunTicksUntilCancelled(t *testing.T) {
	w := New(20*time.Millisecond, testLogger())
	var mu sync.Mutex
	calls := 0
	w.Register("probe", func(ctx context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if calls == 0 {
		t.Error("expected at least one probe tick before cancellation")
	}
}
