package eventbus

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishDeliversToMatchingSubscriber(t *testing.T) {
	b := New(16, testLogger())
	sub := b.Subscribe(TopicTaskCreated)
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskCreated, "task-1", map[string]string{"title": "hi"})

	select {
	case ev := <-sub.Ch():
		if ev.TaskID != "task-1" {
			t.Errorf("TaskID = %q, want task-1", ev.TaskID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestWildcardSubscriberReceivesEverything(t *testing.T) {
	b := New(16, testLogger())
	sub := b.Subscribe(WildcardTopic)
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskCreated, "t1", nil)
	b.Publish(TopicCouncilSessionStart, "t2", nil)

	for i := 0; i < 2; i++ {
		select {
		case <-sub.Ch():
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestUnrelatedTopicNotDelivered(t *testing.T) {
	b := New(16, testLogger())
	sub := b.Subscribe(TopicTaskCreated)
	defer b.Unsubscribe(sub)

	b.Publish(TopicCouncilSessionStart, "t1", nil)

	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event delivered: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGetRecentFiltersByTaskID(t *testing.T) {
	b := New(16, testLogger())
	b.Publish(TopicTaskCreated, "t1", nil)
	b.Publish(TopicTaskCreated, "t2", nil)

	recent := b.GetRecent(RecentFilter{TaskID: "t1"})
	if len(recent) != 1 {
		t.Fatalf("len(recent) = %d, want 1", len(recent))
	}
	if recent[0].TaskID != "t1" {
		t.Errorf("TaskID = %q, want t1", recent[0].TaskID)
	}
}

func TestSubscribeReplayReturnsHistoryThenLiveEvents(t *testing.T) {
	b := New(16, testLogger())
	b.Publish(TopicTaskCreated, "t1", "first")

	sub, history := b.SubscribeReplay(TopicTaskCreated)
	defer b.Unsubscribe(sub)
	if len(history) != 1 {
		t.Fatalf("len(history) = %d, want 1", len(history))
	}

	b.Publish(TopicTaskCreated, "t2", "second")
	select {
	case ev := <-sub.Ch():
		if ev.TaskID != "t2" {
			t.Errorf("TaskID = %q, want t2", ev.TaskID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(16, testLogger())
	sub := b.Subscribe(TopicTaskCreated)
	b.Unsubscribe(sub)

	b.Publish(TopicTaskCreated, "t1", nil)

	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", n)
	}
}
