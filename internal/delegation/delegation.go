// Package delegation implements handoff validation and delegation-chain
// depth/cycle enforcement (spec §3/§4.6), grounded on
// internal/tools/delegate.go's delegateTask: capability check, payload
// validation, depth/cycle check, then a create-task + create-message +
// publish-events sequence. The steps run one after another against the
// tasks and messages stores, not inside one transaction.
package delegation

import (
	"context"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/ylcn91/agentctl/internal/account"
	"github.com/ylcn91/agentctl/internal/eventbus"
	"github.com/ylcn91/agentctl/internal/herr"
	"github.com/ylcn91/agentctl/internal/store"
)

// DefaultMaxDepth bounds how many hops a delegation chain may have
// before further delegation is refused (spec §3 "Delegation chain").
const DefaultMaxDepth = 5

// Handoff is the payload of a handoff_task request (spec §3 "Handoff").
// An empty TaskID means this handoff creates a new task on ToAgent; a
// non-empty TaskID re-delegates an existing task along its chain.
type Handoff struct {
	FromAgent          string            `json:"from_agent" validate:"required"`
	ToAgent            string            `json:"to_agent" validate:"required,nefield=FromAgent"`
	TaskID             string            `json:"task_id,omitempty"`
	Goal               string            `json:"goal" validate:"required"`
	AcceptanceCriteria []string          `json:"acceptance_criteria" validate:"required,min=1"`
	RunCommands        []string          `json:"run_commands" validate:"required,min=1"`
	BlockedBy          []string          `json:"blocked_by" validate:"required,min=1"`
	Criticality        string            `json:"criticality,omitempty" validate:"omitempty,oneof=low medium high critical"`
	Reversibility      string            `json:"reversibility,omitempty" validate:"omitempty,oneof=reversible irreversible"`
	Verifiability      string            `json:"verifiability,omitempty" validate:"omitempty,oneof=verified unverified"`
	Context            map[string]string `json:"context,omitempty"`
	Priority           store.Priority    `json:"priority,omitempty"`
}

// Manager enforces delegation-chain depth and cycle constraints and
// performs the handoff.
type Manager struct {
	accounts *account.Registry
	tasks    *store.TaskStore
	messages *store.MessageStore
	bus      *eventbus.Bus
	validate *validator.Validate
	maxDepth int

	mu        sync.Mutex
	overrides map[string]int // taskID -> reauthorized per-handoff maxDepth
}

// New constructs a Manager with DefaultMaxDepth.
func New(accounts *account.Registry, tasks *store.TaskStore, messages *store.MessageStore, bus *eventbus.Bus) *Manager {
	return &Manager{
		accounts: accounts, tasks: tasks, messages: messages, bus: bus,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		maxDepth:  DefaultMaxDepth,
		overrides: make(map[string]int),
	}
}

// maxDepthFor reports the effective depth limit for taskID: an
// explicit Reauthorize override if one was recorded, otherwise the
// Manager's default.
func (m *Manager) maxDepthFor(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.overrides[taskID]; ok {
		return d
	}
	return m.maxDepth
}

// Reauthorize bumps taskID's per-handoff depth limit after an explicit
// approval (spec §4.6 "reauthorize_delegation bumps the per-handoff
// maxDepth after an explicit approval"). Refuses to lower the limit —
// reauthorization only ever grants more room to delegate, never less.
func (m *Manager) Reauthorize(ctx context.Context, taskID string, newMaxDepth int) (int, error) {
	if _, ok, err := m.tasks.GetTask(ctx, taskID); err != nil {
		return 0, herr.AsError(err)
	} else if !ok {
		return 0, herr.NotFound("task %s not found", taskID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.overrides[taskID]
	if !ok {
		current = m.maxDepth
	}
	if newMaxDepth <= current {
		return 0, herr.Validation("reauthorized max depth (%d) must exceed the current limit (%d) for task %s", newMaxDepth, current, taskID)
	}
	m.overrides[taskID] = newMaxDepth
	return newMaxDepth, nil
}

// Delegate validates h, checks depth/cycle constraints against the
// chain (the existing task's chain when h.TaskID is set, otherwise a
// fresh chain), then creates or extends the task, appends the chain
// edge, sends a handoff message, and publishes TASK_CREATED (new task
// only) and TASK_ASSIGNED. These steps are separate store calls with no
// shared transaction: if one fails, the steps before it stay applied.
func (m *Manager) Delegate(ctx context.Context, h Handoff) (store.Task, error) {
	if err := m.validate.Struct(h); err != nil {
		return store.Task{}, herr.Validation("invalid handoff: %v", err)
	}
	if !m.accounts.ValidName(h.FromAgent) {
		return store.Task{}, herr.Auth("unknown account %q", h.FromAgent)
	}
	if !m.accounts.ValidName(h.ToAgent) {
		return store.Task{}, herr.Auth("unknown account %q", h.ToAgent)
	}

	isNewTask := h.TaskID == ""

	var chain []string
	if !isNewTask {
		var err error
		chain, err = m.tasks.DelegationChain(ctx, h.TaskID)
		if err != nil {
			return store.Task{}, herr.AsError(err)
		}
	}
	if err := checkCycle(chain, h.ToAgent); err != nil {
		return store.Task{}, err
	}
	maxDepth := m.maxDepthFor(h.TaskID)
	if len(chain) >= maxDepth {
		return store.Task{}, herr.Validation("delegation depth limit (%d) reached for task %s", maxDepth, h.TaskID)
	}

	var task store.Task
	if isNewTask {
		priority := h.Priority
		if priority == "" {
			priority = store.PriorityP2
		}
		created, err := m.tasks.CreateTaskWithRisk(ctx, h.Goal, h.ToAgent, priority, nil, "", h.Criticality, h.Reversibility, h.Verifiability)
		if err != nil {
			return store.Task{}, herr.AsError(err)
		}
		task = created
		h.TaskID = task.ID
		m.bus.Publish(eventbus.TopicTaskCreated, task.ID, map[string]any{
			"task_id": task.ID, "title": task.Title, "assignee": task.Assignee,
		})
	} else {
		existing, ok, err := m.tasks.GetTask(ctx, h.TaskID)
		if err != nil {
			return store.Task{}, herr.AsError(err)
		}
		if !ok {
			return store.Task{}, herr.NotFound("task %s not found", h.TaskID)
		}
		task = existing
	}

	if err := m.tasks.AppendDelegationEdge(ctx, task.ID, h.ToAgent); err != nil {
		return store.Task{}, herr.AsError(err)
	}
	if task.Status == store.StatusTodo {
		updated, err := m.tasks.UpdateStatus(ctx, task.ID, store.StatusInProgress, "handoff_created")
		if err != nil {
			return store.Task{}, herr.Validation("%v", err)
		}
		task = updated
	}

	msg, err := m.messages.Send(ctx, h.FromAgent, h.ToAgent, "handoff", h.Goal)
	if err != nil {
		return store.Task{}, herr.AsError(err)
	}

	m.bus.Publish(eventbus.TopicTaskAssigned, task.ID, map[string]any{
		"task_id": task.ID, "delegator": h.FromAgent, "delegatee": h.ToAgent,
		"reason": "handoff_created", "message_id": msg.ID,
	})
	return task, nil
}

// checkCycle reports an error if toAgent already appears in chain,
// which would make the delegation loop back to an agent already
// holding this task.
func checkCycle(chain []string, toAgent string) error {
	for _, agent := range chain {
		if agent == toAgent {
			return herr.Validation("delegation cycle: %s already in this task's chain", toAgent)
		}
	}
	return nil
}
