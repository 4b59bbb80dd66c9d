package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/ylcn91/agentctl/internal/eventbus"
)

// Waiter blocks a caller until a task reaches a terminal state,
// grounded on coordinator/waiter.go's WaitForTask: subscribe to the
// bus, filter for the task's completion topics, time out otherwise.
type Waiter struct {
	bus *eventbus.Bus
}

// NewWaiter constructs a Waiter.
func NewWaiter(bus *eventbus.Bus) *Waiter {
	return &Waiter{bus: bus}
}

// WaitForTask blocks until taskID publishes a TASK_COMPLETED event, ctx
// is cancelled, or timeout elapses.
func (w *Waiter) WaitForTask(ctx context.Context, taskID string, timeout time.Duration) (eventbus.Event, error) {
	sub := w.bus.Subscribe(eventbus.TopicTaskCompleted)
	defer w.bus.Unsubscribe(sub)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return eventbus.Event{}, ctx.Err()
		case <-deadline.C:
			return eventbus.Event{}, fmt.Errorf("timed out waiting for task %s", taskID)
		case ev := <-sub.Ch():
			if ev.TaskID == taskID {
				return ev, nil
			}
		}
	}
}
