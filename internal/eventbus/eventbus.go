// Package eventbus implements the daemon's in-process publish/subscribe bus
// (spec §4.4): per-topic and wildcard subscribers, a bounded per-topic ring
// buffer for getRecent(), and best-effort streaming delivery.
//
// Grounded on the teacher's internal/bus/bus.go: immutable subscriber-set
// snapshots swapped under a single mutex, non-blocking Publish, exact-topic
// and wildcard ("*") matching. Extended here with the ring buffer spec §4.4 requires, which the
// teacher's bus does not have.
package eventbus

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ylcn91/agentctl/internal/obs"
)

const defaultSubscriberBuffer = 256

// Canonical event topics (spec §3 "Event").
const (
	TopicTaskCreated        = "TASK_CREATED"
	TopicTaskAssigned       = "TASK_ASSIGNED"
	TopicTaskStarted        = "TASK_STARTED"
	TopicProgressUpdate     = "PROGRESS_UPDATE"
	TopicTaskCompleted      = "TASK_COMPLETED"
	TopicAgentStreamChunk   = "AGENT_STREAM_CHUNK"
	TopicCouncilSessionStart = "COUNCIL_SESSION_STARTED"
	TopicCouncilSessionEnd   = "COUNCIL_SESSION_COMPLETED"
	TopicCouncilStageStart   = "COUNCIL_STAGE_STARTED"
	TopicCouncilStageEnd     = "COUNCIL_STAGE_COMPLETED"
	TopicCouncilMemberResp   = "COUNCIL_MEMBER_RESPONSE"
	TopicTDDTestOutput       = "TDD_TEST_OUTPUT"

	// WildcardTopic subscribes to every event regardless of topic.
	WildcardTopic = "*"
)

// Event is one message published on the bus.
type Event struct {
	Type    string
	TaskID  string
	Payload any
	TS      time.Time
}

// Subscription is a live handle returned by Subscribe.
type Subscription struct {
	id     int
	topic  string // exact topic, or WildcardTopic
	ch     chan Event
}

// Ch returns the channel on which matching events arrive.
func (s *Subscription) Ch() <-chan Event { return s.ch }

// Bus is the process-local pub/sub bus with bounded per-topic retention.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int

	ringSize int
	ring     map[string][]Event // per-topic ring buffer, newest last

	logger        *slog.Logger
	dropped       atomic.Int64
	lastDropWarn  atomic.Int64

	metrics *obs.Metrics
}

// SetMetrics attaches the daemon's otel instruments so subsequent drops
// are recorded. Safe to call once before the bus starts serving traffic;
// nil disables recording.
func (b *Bus) SetMetrics(m *obs.Metrics) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = m
}

// New creates a Bus retaining up to ringSize events per topic.
func New(ringSize int, logger *slog.Logger) *Bus {
	if ringSize <= 0 {
		ringSize = 200
	}
	return &Bus{
		subs:     make(map[int]*Subscription),
		ring:     make(map[string][]Event),
		ringSize: ringSize,
		logger:   logger,
	}
}

// Subscribe opens a subscription for an exact topic, or WildcardTopic for
// everything. The returned channel is buffered; slow consumers drop events
// from the live tail only -- history in the ring buffer is unaffected.
func (b *Bus) Subscribe(topic string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, topic: topic, ch: make(chan Event, defaultSubscriberBuffer)}
	b.subs[sub.id] = sub
	return sub
}

// SubscribeReplay opens a subscription and synchronously replays the current
// ring buffer contents for topic (or all topics, for WildcardTopic) before
// returning, so the caller can range over history then continue on Ch().
func (b *Bus) SubscribeReplay(topic string) (*Subscription, []Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, topic: topic, ch: make(chan Event, defaultSubscriberBuffer)}
	b.subs[sub.id] = sub

	var history []Event
	if topic == WildcardTopic {
		for _, events := range b.ring {
			history = append(history, events...)
		}
	} else {
		history = append(history, b.ring[topic]...)
	}
	return sub, history
}

// Unsubscribe closes sub's channel and removes it from delivery. A crashing
// or otherwise misbehaving subscriber is handled the same way by the caller:
// unsubscribe and log, per spec §4.4.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish fans an event out to matching subscribers and appends it to the
// topic's ring buffer. Delivery is best-effort and non-blocking.
func (b *Bus) Publish(eventType string, taskID string, payload any) {
	ev := Event{Type: eventType, TaskID: taskID, Payload: payload, TS: time.Now()}

	b.mu.Lock()
	buf := append(b.ring[eventType], ev)
	if len(buf) > b.ringSize {
		buf = buf[len(buf)-b.ringSize:]
	}
	b.ring[eventType] = buf
	subsSnapshot := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subsSnapshot = append(subsSnapshot, s)
	}
	metrics := b.metrics
	b.mu.Unlock()

	for _, sub := range subsSnapshot {
		if sub.topic != WildcardTopic && sub.topic != eventType {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			newCount := b.dropped.Add(1)
			if metrics != nil {
				metrics.BusDropped.Add(context.Background(), 1)
			}
			b.maybeWarnDrop(newCount, eventType)
		}
	}
}

// RecentFilter selects which ring-buffer entries GetRecent should return.
type RecentFilter struct {
	TaskID string
	Type   string
	Since  time.Time
}

// GetRecent filters the retained ring buffer by the given (optional)
// predicates, matching spec §4.4's getRecent({taskId?|type?|since?}).
func (b *Bus) GetRecent(filter RecentFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var pool []Event
	if filter.Type != "" {
		pool = append(pool, b.ring[filter.Type]...)
	} else {
		for _, events := range b.ring {
			pool = append(pool, events...)
		}
	}

	out := make([]Event, 0, len(pool))
	for _, ev := range pool {
		if filter.TaskID != "" && ev.TaskID != filter.TaskID {
			continue
		}
		if !filter.Since.IsZero() && !ev.TS.After(filter.Since) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DroppedEventCount reports how many events have been dropped from slow
// consumers' live tails since startup.
func (b *Bus) DroppedEventCount() int64 { return b.dropped.Load() }

func dropThreshold(count int64) int64 {
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	return threshold
}

func (b *Bus) maybeWarnDrop(newCount int64, topic string) {
	if b.logger == nil {
		return
	}
	threshold := dropThreshold(newCount)
	if newCount != threshold {
		return
	}
	last := b.lastDropWarn.Load()
	if threshold <= last {
		return
	}
	if b.lastDropWarn.CompareAndSwap(last, threshold) {
		b.logger.Warn("eventbus dropped events reached threshold",
			"count", newCount, "topic", strings.ToLower(topic))
	}
}
