package daemon

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ylcn91/agentctl/internal/capability"
	"github.com/ylcn91/agentctl/internal/config"
	"github.com/ylcn91/agentctl/internal/delegation"
	"github.com/ylcn91/agentctl/internal/eventbus"
	"github.com/ylcn91/agentctl/internal/herr"
	"github.com/ylcn91/agentctl/internal/router"
	"github.com/ylcn91/agentctl/internal/sla"
	"github.com/ylcn91/agentctl/internal/store"
)

// buildRouter registers exactly spec §6's closed 25-entry message-type
// set, closing over d's managers rather than threading them through
// capability (only store/bus/account state crosses that boundary, per
// spec §9's capability-struct design note).
func buildRouter(d *Daemon) *router.Router {
	r := router.New(d.logger)

	r.Register("auth", func(ctx context.Context, cap *capability.Capability, connID string, payload json.RawMessage) (any, error) {
		var req struct {
			Account string `json:"account"`
			Token   string `json:"token"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, herr.Validation("malformed auth payload: %v", err)
		}
		if !cap.Accounts.Authenticate(req.Account, req.Token) {
			return nil, herr.Auth("invalid credentials for %q", req.Account)
		}
		d.authenticate(connID, req.Account)
		return map[string]any{"account": req.Account}, nil
	})

	r.Register("ping", func(ctx context.Context, cap *capability.Capability, connID string, payload json.RawMessage) (any, error) {
		return map[string]any{"pong": true}, nil
	})

	r.Register("config_reload", func(ctx context.Context, cap *capability.Capability, connID string, payload json.RawMessage) (any, error) {
		rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		newCfg, err := config.Load(d.cfgPath)
		if err != nil {
			return nil, herr.Internal("reload config: %v", err)
		}
		if rctx.Err() != nil {
			return nil, herr.Timeout("config reload exceeded its deadline")
		}
		d.mu.Lock()
		d.cfg = newCfg
		d.mu.Unlock()
		return map[string]any{"reloaded": true, "hub_dir": newCfg.HubDir}, nil
	})

	r.Register("send_message", func(ctx context.Context, cap *capability.Capability, connID string, payload json.RawMessage) (any, error) {
		var req struct {
			From, To, Type, Content string
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, herr.Validation("malformed send_message payload: %v", err)
		}
		return cap.Stores.Messages.Send(ctx, req.From, req.To, req.Type, req.Content)
	})

	r.Register("read_messages", func(ctx context.Context, cap *capability.Capability, connID string, payload json.RawMessage) (any, error) {
		var req struct {
			To string `json:"to"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, herr.Validation("malformed read_messages payload: %v", err)
		}
		return cap.Stores.Messages.Inbox(ctx, req.To)
	})

	r.Register("count_unread", func(ctx context.Context, cap *capability.Capability, connID string, payload json.RawMessage) (any, error) {
		var req struct {
			To string `json:"to"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, herr.Validation("malformed count_unread payload: %v", err)
		}
		n, err := cap.Stores.Messages.CountUnread(ctx, req.To)
		if err != nil {
			return nil, herr.AsError(err)
		}
		return map[string]any{"to": req.To, "count": n}, nil
	})

	r.Register("archive_messages", func(ctx context.Context, cap *capability.Capability, connID string, payload json.RawMessage) (any, error) {
		var req struct {
			To            string `json:"to"`
			OlderThanDays int    `json:"older_than_days"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, herr.Validation("malformed archive_messages payload: %v", err)
		}
		n, err := cap.Stores.Messages.Archive(ctx, req.To, req.OlderThanDays)
		if err != nil {
			return nil, herr.AsError(err)
		}
		return map[string]any{"archived": n}, nil
	})

	r.Register("list_accounts", func(ctx context.Context, cap *capability.Capability, connID string, payload json.RawMessage) (any, error) {
		return cap.Accounts.List(), nil
	})

	r.RegisterValidated("handoff_task",
		func() any { return &delegation.Handoff{} },
		func(ctx context.Context, cap *capability.Capability, connID string, payload json.RawMessage) (any, error) {
			var h delegation.Handoff
			if err := json.Unmarshal(payload, &h); err != nil {
				return nil, herr.Validation("malformed handoff_task payload: %v", err)
			}
			task, err := d.delegationMgr.Delegate(ctx, h)
			if err != nil {
				return nil, err
			}
			return map[string]any{"task": task}, nil
		})

	r.Register("handoff_accept", func(ctx context.Context, cap *capability.Capability, connID string, payload json.RawMessage) (any, error) {
		var req struct {
			TaskID        string `json:"task_id"`
			Justification string `json:"justification"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, herr.Validation("malformed handoff_accept payload: %v", err)
		}
		task, outcome, err := d.tasksMgr.Accept(ctx, req.TaskID, req.Justification)
		if err != nil {
			return nil, err
		}
		return map[string]any{"task": task, "outcome": outcome}, nil
	})

	r.Register("reauthorize_delegation", func(ctx context.Context, cap *capability.Capability, connID string, payload json.RawMessage) (any, error) {
		var req struct {
			TaskID   string `json:"task_id"`
			MaxDepth int    `json:"max_depth"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, herr.Validation("malformed reauthorize_delegation payload: %v", err)
		}
		newDepth, err := d.delegationMgr.Reauthorize(ctx, req.TaskID, req.MaxDepth)
		if err != nil {
			return nil, err
		}
		return map[string]any{"task_id": req.TaskID, "max_depth": newDepth}, nil
	})

	r.Register("update_task_status", func(ctx context.Context, cap *capability.Capability, connID string, payload json.RawMessage) (any, error) {
		var req struct {
			TaskID        string           `json:"task_id"`
			Status        store.TaskStatus `json:"status"`
			Reason        string           `json:"reason"`
			Justification string           `json:"justification"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, herr.Validation("malformed update_task_status payload: %v", err)
		}
		current, ok, err := cap.Stores.Tasks.GetTask(ctx, req.TaskID)
		if err != nil {
			return nil, herr.AsError(err)
		}
		if !ok {
			return nil, herr.NotFound("task %s not found", req.TaskID)
		}

		switch {
		case current.Status == store.StatusTodo && req.Status == store.StatusInProgress:
			return d.tasksMgr.Start(ctx, req.TaskID)
		case current.Status == store.StatusInProgress && req.Status == store.StatusReadyForReview:
			return d.tasksMgr.SubmitForReview(ctx, req.TaskID)
		case current.Status == store.StatusReadyForReview && req.Status == store.StatusInProgress:
			return d.tasksMgr.RequestChanges(ctx, req.TaskID, req.Reason)
		case current.Status == store.StatusReadyForReview && req.Status == store.StatusAccepted:
			task, outcome, err := d.tasksMgr.Accept(ctx, req.TaskID, req.Justification)
			if err != nil {
				return nil, err
			}
			return map[string]any{"task": task, "outcome": outcome}, nil
		case current.Status == store.StatusReadyForReview && req.Status == store.StatusRejected:
			return d.tasksMgr.Reject(ctx, req.TaskID, req.Reason)
		default:
			return nil, herr.Validation("illegal transition %s -> %s for task %s", current.Status, req.Status, req.TaskID)
		}
	})

	r.Register("report_progress", func(ctx context.Context, cap *capability.Capability, connID string, payload json.RawMessage) (any, error) {
		var req struct {
			TaskID   string `json:"task_id"`
			Percent  int    `json:"percent"`
			Summary  string `json:"summary"`
			Blockers string `json:"blockers"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, herr.Validation("malformed report_progress payload: %v", err)
		}
		rep, err := d.progressTrack.Append(ctx, req.TaskID, req.Percent, req.Summary, req.Blockers, nil)
		if err != nil {
			return nil, herr.AsError(err)
		}
		cap.Bus.Publish(eventbus.TopicProgressUpdate, req.TaskID, rep)
		return rep, nil
	})

	r.Register("suggest_assignee", func(ctx context.Context, cap *capability.Capability, connID string, payload json.RawMessage) (any, error) {
		inProgress, err := cap.Stores.Tasks.ListByStatus(ctx, store.StatusInProgress)
		if err != nil {
			return nil, herr.AsError(err)
		}
		load := make(map[string]int, len(inProgress))
		for _, t := range inProgress {
			if t.Assignee != "" {
				load[t.Assignee]++
			}
		}

		var best string
		bestLoad := -1
		for _, a := range cap.Accounts.List() {
			if d.slaEngine.GetTrust(a.Name).Status == sla.TrustQuarantined {
				continue
			}
			n := load[a.Name]
			if bestLoad == -1 || n < bestLoad {
				best, bestLoad = a.Name, n
			}
		}
		if best == "" {
			return nil, herr.NotFound("no eligible assignee available")
		}
		return map[string]any{"assignee": best, "current_load": bestLoad}, nil
	})

	r.Register("adaptive_sla_check", func(ctx context.Context, cap *capability.Capability, connID string, payload json.RawMessage) (any, error) {
		var req struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, herr.Validation("malformed adaptive_sla_check payload: %v", err)
		}
		task, ok, err := cap.Stores.Tasks.GetTask(ctx, req.TaskID)
		if err != nil {
			return nil, herr.AsError(err)
		}
		if !ok {
			return nil, herr.NotFound("task %s not found", req.TaskID)
		}
		action, err := d.slaEngine.Evaluate(ctx, task)
		if err != nil {
			return nil, herr.AsError(err)
		}
		return map[string]any{"task_id": req.TaskID, "action": action}, nil
	})

	r.Register("get_trust", func(ctx context.Context, cap *capability.Capability, connID string, payload json.RawMessage) (any, error) {
		var req struct {
			Agent string `json:"agent"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, herr.Validation("malformed get_trust payload: %v", err)
		}
		return d.slaEngine.GetTrust(req.Agent), nil
	})

	r.Register("reinstate_agent", func(ctx context.Context, cap *capability.Capability, connID string, payload json.RawMessage) (any, error) {
		var req struct {
			Agent string `json:"agent"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, herr.Validation("malformed reinstate_agent payload: %v", err)
		}
		d.slaEngine.Reinstate(req.Agent)
		return d.slaEngine.GetTrust(req.Agent), nil
	})

	r.Register("check_circuit_breaker", func(ctx context.Context, cap *capability.Capability, connID string, payload json.RawMessage) (any, error) {
		var req struct {
			Target string `json:"target"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, herr.Validation("malformed check_circuit_breaker payload: %v", err)
		}
		failures, open, openedAt := d.autolaunchEng.CircuitState(req.Target)
		return map[string]any{"target": req.Target, "failures": failures, "open": open, "opened_at": openedAt}, nil
	})

	r.Register("prepare_worktree_for_handoff", func(ctx context.Context, cap *capability.Capability, connID string, payload json.RawMessage) (any, error) {
		if !cap.Features.Workspace {
			return nil, herr.Validation("workspace feature is disabled")
		}
		var req struct {
			SessionID string `json:"session_id"`
			Branch    string `json:"branch"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, herr.Validation("malformed prepare_worktree_for_handoff payload: %v", err)
		}
		return d.workspaceMgr.PrepareWorktreeForHandoff(ctx, req.SessionID, req.Branch)
	})

	r.Register("get_workspace_status", func(ctx context.Context, cap *capability.Capability, connID string, payload json.RawMessage) (any, error) {
		if !cap.Features.Workspace {
			return nil, herr.Validation("workspace feature is disabled")
		}
		var req struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, herr.Validation("malformed get_workspace_status payload: %v", err)
		}
		return d.workspaceMgr.GetWorkspaceStatus(ctx, req.SessionID)
	})

	r.Register("cleanup_workspace", func(ctx context.Context, cap *capability.Capability, connID string, payload json.RawMessage) (any, error) {
		if !cap.Features.Workspace {
			return nil, herr.Validation("workspace feature is disabled")
		}
		var req struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, herr.Validation("malformed cleanup_workspace payload: %v", err)
		}
		if err := d.workspaceMgr.CleanupWorkspace(ctx, req.SessionID); err != nil {
			return nil, herr.AsError(err)
		}
		return map[string]any{"session_id": req.SessionID, "cleaned": true}, nil
	})

	r.Register("council_analyze", func(ctx context.Context, cap *capability.Capability, connID string, payload json.RawMessage) (any, error) {
		if !cap.Features.Council {
			return nil, herr.Validation("council feature is disabled")
		}
		var req struct {
			TaskID  string   `json:"task_id"`
			Members []string `json:"members"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, herr.Validation("malformed council_analyze payload: %v", err)
		}
		return d.councilCoord.Analyze(ctx, req.TaskID, req.Members)
	})

	r.Register("council_discussion", func(ctx context.Context, cap *capability.Capability, connID string, payload json.RawMessage) (any, error) {
		if !cap.Features.Council {
			return nil, herr.Validation("council feature is disabled")
		}
		var req struct {
			SessionID string `json:"session_id"`
			Member    string `json:"member"`
			Content   string `json:"content"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, herr.Validation("malformed council_discussion payload: %v", err)
		}
		return d.councilCoord.Discuss(ctx, req.SessionID, req.Member, req.Content)
	})

	r.Register("council_verify", func(ctx context.Context, cap *capability.Capability, connID string, payload json.RawMessage) (any, error) {
		if !cap.Features.Council {
			return nil, herr.Validation("council feature is disabled")
		}
		var req struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, herr.Validation("malformed council_verify payload: %v", err)
		}
		return d.councilCoord.Verify(ctx, req.SessionID)
	})

	r.Register("council_history", func(ctx context.Context, cap *capability.Capability, connID string, payload json.RawMessage) (any, error) {
		var req struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, herr.Validation("malformed council_history payload: %v", err)
		}
		return d.councilCoord.History(ctx, req.SessionID)
	})

	return r
}
