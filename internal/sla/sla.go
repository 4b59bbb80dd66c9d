// Package sla implements the SLA engine and adaptive coordinator (spec
// §4.8): a periodic tick that scans in-progress tasks for staleness,
// schedule slip, and agent unreliability, escalating through a
// decision table. Grounded on heartbeat.go's ticker/goroutine shape
// and failover.go's cooldown-window idiom.
package sla

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ylcn91/agentctl/internal/eventbus"
	"github.com/ylcn91/agentctl/internal/herr"
	"github.com/ylcn91/agentctl/internal/obs"
	"github.com/ylcn91/agentctl/internal/progress"
	"github.com/ylcn91/agentctl/internal/store"
)

// Action is one decision-table outcome for a task on a given tick
// (spec §4.8 "adaptive coordinator").
type Action string

const (
	ActionNone             Action = "none"
	ActionPing             Action = "ping"
	ActionSuggestReassign  Action = "suggest_reassign"
	ActionAutoReassign     Action = "auto_reassign"
	ActionEscalateHuman    Action = "escalate_human"
	ActionQuarantineAgent  Action = "quarantine_agent"
	ActionProactiveWarning Action = "proactive_warning"
)

// TrustStatus is an agent's current standing with the coordinator.
type TrustStatus string

const (
	TrustActive      TrustStatus = "active"
	TrustQuarantined TrustStatus = "quarantined"
)

// Trust is an agent's quarantine record, returned by the get_trust
// message type.
type Trust struct {
	Agent         string      `json:"agent"`
	Status        TrustStatus `json:"status"`
	Reason        string      `json:"reason,omitempty"`
	QuarantinedAt time.Time   `json:"quarantined_at,omitempty"`
}

// Config tunes the engine's thresholds (spec §4.8's decision table,
// defaults as given there).
type Config struct {
	TickInterval                   time.Duration
	StaleAfter                     time.Duration
	PingAfterMinutes               int           // default 30
	SuggestReassignAfterMinutes    int           // default 60
	MaxReassignments               int
	CooldownMinutes                int // canReassign cooldown after a reassignment, default 10
	UnresponsiveThresholdMinutes   int // default 10
	BehindScheduleThresholdPercent float64
	ConsecutiveRejectionsForPenalty int // default 2
}

// Engine runs the periodic SLA tick over all in-flight tasks and holds
// the adaptive coordinator's per-agent and per-task bookkeeping.
type Engine struct {
	cfg     Config
	tasks   *store.TaskStore
	tracker *progress.Tracker
	bus     *eventbus.Bus
	logger  *slog.Logger
	metrics *obs.Metrics

	listTasks func(ctx context.Context) ([]store.Task, error)

	mu                     sync.Mutex
	trust                  map[string]*Trust
	lastReassignAt         map[string]time.Time // taskID -> last reassignment time
	consecutiveRejections  map[string]int        // agent -> count
}

// New constructs an Engine. listTasks supplies the set of tasks to
// evaluate each tick (typically those in StatusInProgress). metrics may
// be nil, in which case tick duration is not recorded.
func New(cfg Config, tasks *store.TaskStore, tracker *progress.Tracker, bus *eventbus.Bus, logger *slog.Logger, metrics *obs.Metrics, listTasks func(ctx context.Context) ([]store.Task, error)) *Engine {
	return &Engine{
		cfg: cfg, tasks: tasks, tracker: tracker, bus: bus, logger: logger, metrics: metrics, listTasks: listTasks,
		trust:                 make(map[string]*Trust),
		lastReassignAt:        make(map[string]time.Time),
		consecutiveRejections: make(map[string]int),
	}
}

// Run blocks, ticking every cfg.TickInterval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	start := time.Now()
	tasks, err := e.listTasks(ctx)
	if err != nil {
		e.logger.Error("sla tick: list tasks failed", "error", err)
		return
	}
	for _, task := range tasks {
		action, err := e.evaluate(ctx, task)
		if err != nil {
			e.logger.Error("sla tick: evaluate failed", "task_id", task.ID, "error", err)
			continue
		}
		if action != ActionNone {
			e.bus.Publish(eventbus.TopicProgressUpdate, task.ID, map[string]any{"action": string(action), "assignee": task.Assignee})
		}
	}
	elapsed := time.Since(start)
	if e.metrics != nil {
		e.metrics.SLATickDuration.Record(ctx, elapsed.Seconds())
	}
	e.logger.Debug("sla tick complete", "tasks", len(tasks), "duration", elapsed)
}

// evaluate applies spec §4.8's full decision table to a single task.
func (e *Engine) evaluate(ctx context.Context, task store.Task) (Action, error) {
	return e.evaluateAt(ctx, task, time.Now())
}

// Evaluate runs the decision table for a single task on demand, for
// the adaptive_sla_check message type rather than the periodic tick.
func (e *Engine) Evaluate(ctx context.Context, task store.Task) (Action, error) {
	return e.evaluate(ctx, task)
}

// evaluateAt is evaluate with an injectable clock, split out for tests.
// Quarantine conditions (already quarantined, a last progress report
// older than the unresponsive threshold, too many consecutive
// rejections) are checked first; then the elapsed-time table
// (ping, suggest/auto reassign, escalate); proactive-warning is checked
// last, only when no elapsed-time action applies.
func (e *Engine) evaluateAt(ctx context.Context, task store.Task, now time.Time) (Action, error) {
	if task.Assignee != "" && e.isQuarantined(task.Assignee) {
		return ActionQuarantineAgent, nil
	}

	latest, hasReport, err := e.tracker.Latest(ctx, task.ID)
	if err != nil {
		return ActionNone, err
	}
	unresponsiveAfter := time.Duration(e.cfg.UnresponsiveThresholdMinutes) * time.Minute
	if hasReport && now.Sub(latest.CreatedAt) >= unresponsiveAfter {
		e.quarantine(task.Assignee, "no progress report for unresponsive threshold")
		return ActionQuarantineAgent, nil
	}

	if e.cfg.ConsecutiveRejectionsForPenalty > 0 && e.consecutiveRejectionCount(task.Assignee) >= e.cfg.ConsecutiveRejectionsForPenalty {
		e.quarantine(task.Assignee, "too many consecutive rejections")
		return ActionQuarantineAgent, nil
	}

	if task.StartedAt == nil {
		return ActionNone, nil
	}
	elapsed := now.Sub(*task.StartedAt)

	pingAfter := time.Duration(e.cfg.PingAfterMinutes) * time.Minute
	suggestAfter := time.Duration(e.cfg.SuggestReassignAfterMinutes) * time.Minute

	action := ActionNone
	if elapsed >= pingAfter {
		action = ActionPing
	}
	if elapsed >= suggestAfter {
		action = ActionSuggestReassign
	}
	if elapsed >= suggestAfter && task.Criticality == "critical" {
		if task.ReassignmentCount >= e.cfg.MaxReassignments {
			action = ActionEscalateHuman
		} else if e.canReassign(task.ID, now) {
			action = ActionAutoReassign
		}
		// else: cooldown-blocked, suggest_reassign remains per spec §4.8.
	}
	if action != ActionNone {
		return action, nil
	}

	if e.behindScheduleWarning(task, now, hasReport, latest) {
		return ActionProactiveWarning, nil
	}
	return ActionNone, nil
}

// behindScheduleWarning reports whether the task's latest reported
// percent trails its time-based expected percent by more than
// BehindScheduleThresholdPercent (spec §4.8 proactive_warning row):
// expected = min(100, elapsedMinutes / estimatedDurationMinutes * 100),
// where the estimated duration runs from startedAt to the latest
// report's estimated completion time.
func (e *Engine) behindScheduleWarning(task store.Task, now time.Time, hasReport bool, latest store.ProgressReport) bool {
	if !hasReport || latest.EstComplete == nil || task.StartedAt == nil {
		return false
	}
	totalMinutes := latest.EstComplete.Sub(*task.StartedAt).Minutes()
	if totalMinutes <= 0 {
		return false
	}
	elapsedMinutes := now.Sub(*task.StartedAt).Minutes()
	expected := elapsedMinutes / totalMinutes * 100
	if expected > 100 {
		expected = 100
	}
	return float64(latest.Percent) < expected-e.cfg.BehindScheduleThresholdPercent
}

// canReassign reports whether taskID is past its post-reassignment
// cooldown (spec §4.8 "canReassign returns false during a per-task
// cooldown").
func (e *Engine) canReassign(taskID string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastReassignAt[taskID]
	if !ok {
		return true
	}
	return now.Sub(last) >= time.Duration(e.cfg.CooldownMinutes)*time.Minute
}

// RecordReassignment marks taskID's cooldown clock and bumps its
// persisted reassignment count, to be called once the caller actually
// performs the auto_reassign handoff.
func (e *Engine) RecordReassignment(ctx context.Context, taskID string) (store.Task, error) {
	e.mu.Lock()
	e.lastReassignAt[taskID] = time.Now()
	e.mu.Unlock()
	task, err := e.tasks.IncrementReassignment(ctx, taskID)
	if err != nil {
		return store.Task{}, herr.AsError(err)
	}
	return task, nil
}

// RecordRejection increments agent's consecutive-rejection counter,
// quarantining it once the penalty threshold is reached (spec §4.8
// last row).
func (e *Engine) RecordRejection(agent string) {
	if agent == "" {
		return
	}
	e.mu.Lock()
	e.consecutiveRejections[agent]++
	count := e.consecutiveRejections[agent]
	e.mu.Unlock()
	if e.cfg.ConsecutiveRejectionsForPenalty > 0 && count >= e.cfg.ConsecutiveRejectionsForPenalty {
		e.quarantine(agent, "too many consecutive rejections")
	}
}

// RecordAcceptance clears agent's consecutive-rejection streak.
func (e *Engine) RecordAcceptance(agent string) {
	if agent == "" {
		return
	}
	e.mu.Lock()
	delete(e.consecutiveRejections, agent)
	e.mu.Unlock()
}

func (e *Engine) consecutiveRejectionCount(agent string) int {
	if agent == "" {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consecutiveRejections[agent]
}

// quarantine marks agent quarantined as of now, for the
// quarantine_agent action and the get_trust/reinstate_agent message
// types.
func (e *Engine) quarantine(agent, reason string) {
	if agent == "" {
		return
	}
	e.Quarantine(agent, reason)
}

// Quarantine marks agent quarantined, backing the adaptive
// coordinator's quarantine_agent action.
func (e *Engine) Quarantine(agent, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trust[agent] = &Trust{Agent: agent, Status: TrustQuarantined, Reason: reason, QuarantinedAt: time.Now()}
}

// Reinstate clears agent's quarantine, backing the reinstate_agent
// message type. Reinstating an agent that was never quarantined is a
// no-op, not an error.
func (e *Engine) Reinstate(agent string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.trust, agent)
	delete(e.consecutiveRejections, agent)
}

// GetTrust reports agent's current trust record, backing the
// get_trust message type. An agent never quarantined reports active.
func (e *Engine) GetTrust(agent string) Trust {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.trust[agent]; ok {
		return *t
	}
	return Trust{Agent: agent, Status: TrustActive}
}

func (e *Engine) isQuarantined(agent string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trust[agent]
	return ok && t.Status == TrustQuarantined
}
