package daemon

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/ylcn91/agentctl/internal/account"
	"github.com/ylcn91/agentctl/internal/config"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	cfg := &config.Config{HubDir: t.TempDir()}
	cfg.Socket = cfg.HubDir + "/hub.sock"
	cfg.SLA.StaleAfter = 0
	cfg.SLA.TickInterval = 0
	applyTestDefaults(cfg)

	accounts := account.NewRegistry([]account.Account{
		{Name: "alice", Token: "alice-token"},
		{Name: "bob", Token: "bob-token"},
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	d, err := New(cfg, "", accounts, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// applyTestDefaults mirrors config.applyDefaults' zero-value fixups that
// matter for constructing a Daemon without going through config.Load.
func applyTestDefaults(cfg *config.Config) {
	if cfg.SLA.TickInterval == 0 {
		cfg.SLA.TickInterval = 1
	}
}

func TestNewWiresEveryHandler(t *testing.T) {
	d := newTestDaemon(t)
	for _, msgType := range []string{
		"auth", "ping", "config_reload",
		"send_message", "read_messages", "count_unread", "archive_messages",
		"list_accounts",
		"handoff_task", "handoff_accept", "reauthorize_delegation",
		"update_task_status", "report_progress", "suggest_assignee",
		"adaptive_sla_check", "get_trust", "reinstate_agent", "check_circuit_breaker",
		"prepare_worktree_for_handoff", "get_workspace_status", "cleanup_workspace",
		"council_analyze", "council_discussion", "council_verify", "council_history",
	} {
		if !d.router.Registered(msgType) {
			t.Errorf("expected %q to be registered", msgType)
		}
	}
}

func TestAuthGatesFramesUntilFirstAuth(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	if d.isAuthenticated("conn-1") {
		t.Fatal("a never-seen connection must not report authenticated")
	}

	d.mu.Lock()
	d.conns["conn-1"] = &connState{}
	d.mu.Unlock()

	authPayload, _ := json.Marshal(map[string]string{"account": "alice", "token": "alice-token"})
	if _, err := d.router.Dispatch(ctx, d.cap, "conn-1", "auth", authPayload); err != nil {
		t.Fatalf("auth dispatch: %v", err)
	}
	d.authenticate("conn-1", "alice")
	if !d.isAuthenticated("conn-1") {
		t.Fatal("expected conn-1 to be authenticated after a successful auth frame")
	}
}

func TestAuthRejectsBadToken(t *testing.T) {
	d := newTestDaemon(t)
	payload, _ := json.Marshal(map[string]string{"account": "alice", "token": "wrong"})
	if _, err := d.router.Dispatch(context.Background(), d.cap, "conn-1", "auth", payload); err == nil {
		t.Fatal("expected auth to fail with an incorrect token")
	}
}

func TestHandoffTaskCreatesNewTask(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	handoffPayload, _ := json.Marshal(map[string]any{
		"from_agent":          "alice",
		"to_agent":            "bob",
		"goal":                "write the docs",
		"acceptance_criteria": []string{"docs published"},
		"run_commands":        []string{"make docs"},
		"blocked_by":          []string{"nothing"},
	})
	reply, err := d.router.Dispatch(ctx, d.cap, "conn-1", "handoff_task", handoffPayload)
	if err != nil {
		t.Fatalf("handoff_task: %v", err)
	}
	if reply == nil {
		t.Fatal("expected a non-nil handoff_task reply")
	}
}

func TestCouncilAnalyzeRejectedWhenFeatureDisabled(t *testing.T) {
	d := newTestDaemon(t)
	payload, _ := json.Marshal(map[string]any{"task_id": "t1", "members": []string{"alice", "bob"}})
	if _, err := d.router.Dispatch(context.Background(), d.cap, "conn-1", "council_analyze", payload); err == nil {
		t.Fatal("expected council_analyze to fail when the council feature is disabled")
	}
}

func TestSendMessageThenReadMessagesRoundTrips(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	sendPayload, _ := json.Marshal(map[string]string{"from": "alice", "to": "bob", "type": "note", "content": "hi"})
	if _, err := d.router.Dispatch(ctx, d.cap, "conn-1", "send_message", sendPayload); err != nil {
		t.Fatalf("send_message: %v", err)
	}

	readPayload, _ := json.Marshal(map[string]string{"to": "bob"})
	reply, err := d.router.Dispatch(ctx, d.cap, "conn-1", "read_messages", readPayload)
	if err != nil {
		t.Fatalf("read_messages: %v", err)
	}
	if reply == nil {
		t.Fatal("expected a non-nil read_messages reply")
	}
}
