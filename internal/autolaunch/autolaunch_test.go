package autolaunch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ylcn91/agentctl/internal/account"
	"github.com/ylcn91/agentctl/internal/store"
)

func testAccounts() *account.Registry {
	return account.NewRegistry([]account.Account{{Name: "alice"}, {Name: "bob"}})
}

func fullPolicy() Policy {
	return Policy{
		Enabled:            true,
		BlockSelfHandoff:   true,
		BreakerThreshold:   3,
		CooldownWindow:     time.Minute,
		DedupWindow:        0,
		MaxSpawnsPerMinute: 2,
	}
}

func TestCanLaunchDeniesWhenDisabled(t *testing.T) {
	e := New(Policy{Enabled: false}, testAccounts(), nil)
	if d := e.CanLaunch("bob", "alice"); d.Allowed {
		t.Error("expected denial while auto-launch is disabled")
	}
}

// TestRateLimitBoundary is spec §8 scenario 1.
func TestRateLimitBoundary(t *testing.T) {
	e := New(fullPolicy(), testAccounts(), nil)

	d := e.CanLaunch("bob", "alice")
	if !d.Allowed {
		t.Fatalf("canLaunch(bob,alice) #1 = %+v, want allowed", d)
	}
	e.RecordSpawn("alice")

	d = e.CanLaunch("bob", "alice")
	if !d.Allowed {
		t.Fatalf("canLaunch(bob,alice) #2 = %+v, want allowed", d)
	}
	e.RecordSpawn("alice")

	d = e.CanLaunch("bob", "alice")
	if d.Allowed {
		t.Fatal("canLaunch(bob,alice) #3 = allowed, want denied (rate limit)")
	}
	if !strings.Contains(d.Reason, "rate limit") || !strings.Contains(d.Reason, "2/2") {
		t.Errorf("reason = %q, want it to contain %q and %q", d.Reason, "rate limit", "2/2")
	}

	e.ExpireRateLimitForTest("alice")
	if d := e.CanLaunch("bob", "alice"); !d.Allowed {
		t.Errorf("canLaunch(bob,alice) after expiry = %+v, want allowed", d)
	}
}

// TestCircuitBreakerOrdering is spec §8 scenario 2.
func TestCircuitBreakerOrdering(t *testing.T) {
	e := New(fullPolicy(), testAccounts(), nil)

	e.RecordFailure("alice")
	e.RecordFailure("alice")
	e.RecordFailure("alice")

	d := e.CanLaunch("bob", "alice")
	if d.Allowed || !strings.Contains(d.Reason, "circuit breaker") {
		t.Fatalf("canLaunch after 3 failures = %+v, want denied with circuit breaker reason", d)
	}

	e.RecordSpawn("alice")
	e.RecordFailure("alice")
	e.RecordFailure("alice")

	d = e.CanLaunch("bob", "alice")
	if !d.Allowed {
		t.Errorf("canLaunch after spawn clears failures = %+v, want allowed", d)
	}
}

// TestSelfHandoffPrecedence is spec §8 scenario 3.
func TestSelfHandoffPrecedence(t *testing.T) {
	e := New(fullPolicy(), testAccounts(), nil)

	e.RecordFailure("alice")
	e.RecordFailure("alice")
	e.RecordFailure("alice")

	d := e.CanLaunch("alice", "alice")
	if d.Allowed {
		t.Fatal("canLaunch(alice,alice) = allowed, want denied")
	}
	if !strings.Contains(d.Reason, "self-handoff") {
		t.Errorf("reason = %q, want it to mention self-handoff, not circuit breaker", d.Reason)
	}
}

func TestLaunchSucceedsAndRecordsSpawn(t *testing.T) {
	called := false
	e := New(fullPolicy(), testAccounts(), func(ctx context.Context, task store.Task, target string) error {
		called = true
		return nil
	})

	decision, err := e.Launch(context.Background(), "bob", store.Task{ID: "t1"}, "alice")
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("decision = %+v, want allowed", decision)
	}
	if !called {
		t.Error("expected launcher to be invoked")
	}
}

func TestLaunchRecordsFailureAndOpensBreaker(t *testing.T) {
	e := New(fullPolicy(), testAccounts(), func(ctx context.Context, task store.Task, target string) error {
		return errors.New("launch failed")
	})

	for i := 0; i < 3; i++ {
		if _, err := e.Launch(context.Background(), "bob", store.Task{ID: "t1"}, "alice"); err == nil {
			t.Fatalf("iteration %d: expected launch error", i)
		}
	}

	if d := e.CanLaunch("bob", "alice"); d.Allowed {
		t.Error("expected breaker to be open after repeated failures")
	}
}
