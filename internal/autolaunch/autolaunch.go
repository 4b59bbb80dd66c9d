// Package autolaunch implements the auto-launcher policy engine (spec
// §4.7): given a task needing an agent, decide whether to launch one
// automatically. Grounded on the teacher's hand-rolled FailoverBrain
// circuit breaker in failover.go: per-target failure counters with a
// cooldown-gated open state, generalized from "is this backend alive"
// to "should we spawn this agent again right now." sony/gobreaker
// (the example pack's breaker library) doesn't fit here — its
// Execute-wrapped API couples a check to the call it guards, while
// spec's canLaunch/recordSpawn/recordFailure are three independently
// invoked steps (a caller may canLaunch many times before ever
// recording an outcome). See DESIGN.md; no package in this module
// imports gobreaker.
package autolaunch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ylcn91/agentctl/internal/account"
	"github.com/ylcn91/agentctl/internal/herr"
	"github.com/ylcn91/agentctl/internal/store"
)

// Launcher actually spawns an agent process for a task, supplied by
// the caller (spec leaves process spawning to the supervisor
// subsystem).
type Launcher func(ctx context.Context, task store.Task, target string) error

// Decision is the outcome of a canLaunch evaluation.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// Policy holds the auto-launcher's tunables (spec §4.7/§4.8 glossary
// "circuit breaker", "dedup window").
type Policy struct {
	Enabled            bool
	BlockSelfHandoff   bool
	BreakerThreshold   uint32
	CooldownWindow     time.Duration // how long a breaker stays open once tripped
	DedupWindow        time.Duration // minimum interval between spawns of the same target
	MaxSpawnsPerMinute int
}

// circuitState is one target's failure bookkeeping (spec §4.7 step 2).
type circuitState struct {
	failures uint32
	openedAt time.Time
}

// Engine evaluates spec §4.7's 5-step canLaunch order:
//  1. self-handoff block
//  2. circuit breaker open + cooldown
//  3. dedup window
//  4. rolling 60s rate limit
//  5. allow
type Engine struct {
	policy   Policy
	accounts *account.Registry
	launch   Launcher

	mu           sync.Mutex
	breakers     map[string]*circuitState
	lastSpawn    map[string]time.Time
	recentSpawns map[string][]time.Time // target -> spawn timestamps within the last 60s
}

// New constructs an Engine. launch may be nil if the daemon only
// needs CanLaunch's policy decision (e.g. for check_circuit_breaker)
// without ever actually spawning anything.
func New(policy Policy, accounts *account.Registry, launch Launcher) *Engine {
	return &Engine{
		policy:       policy,
		accounts:     accounts,
		launch:       launch,
		breakers:     make(map[string]*circuitState),
		lastSpawn:    make(map[string]time.Time),
		recentSpawns: make(map[string][]time.Time),
	}
}

// Launch runs CanLaunch(from, target) and, if allowed, invokes the
// launcher, recording a spawn on success or a failure otherwise.
func (e *Engine) Launch(ctx context.Context, from string, task store.Task, target string) (Decision, error) {
	decision := e.CanLaunch(from, target)
	if !decision.Allowed {
		return decision, nil
	}
	if e.launch == nil {
		return decision, herr.Internal("autolaunch: no launcher configured")
	}
	if err := e.launch(ctx, task, target); err != nil {
		e.RecordFailure(target)
		return decision, herr.Overloaded("launch failed for %s: %v", target, err)
	}
	e.RecordSpawn(target)
	return decision, nil
}

// CanLaunch runs spec §4.7's 5-step decision order, first failure wins.
func (e *Engine) CanLaunch(from, target string) Decision {
	return e.canLaunchAt(from, target, time.Now())
}

func (e *Engine) canLaunchAt(from, target string, now time.Time) Decision {
	if !e.policy.Enabled {
		return deny("auto-launch is disabled")
	}

	// 1. self-handoff
	if e.policy.BlockSelfHandoff && from == target {
		return deny("self-handoff: %s cannot launch itself", target)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// 2. circuit breaker
	if b, ok := e.breakers[target]; ok && b.failures >= e.policy.BreakerThreshold {
		elapsed := now.Sub(b.openedAt)
		if elapsed < e.policy.CooldownWindow {
			return deny("circuit breaker open for %s (%.0fs of %.0fs)", target, elapsed.Seconds(), e.policy.CooldownWindow.Seconds())
		}
		// past cooldown: clear and proceed
		delete(e.breakers, target)
	}

	// 3. dedup window
	if last, seen := e.lastSpawn[target]; seen {
		since := now.Sub(last)
		if since < e.policy.DedupWindow {
			return deny("dedup: %s was launched %.0fs ago, within the %.0fs dedup window", target, since.Seconds(), e.policy.DedupWindow.Seconds())
		}
	}

	// 4. rolling 60s rate limit
	spawns := expireOlderThan(e.recentSpawns[target], now, time.Minute)
	e.recentSpawns[target] = spawns
	if e.policy.MaxSpawnsPerMinute > 0 && len(spawns) >= e.policy.MaxSpawnsPerMinute {
		return deny("rate limit: %d/%d spawns in last minute", len(spawns), e.policy.MaxSpawnsPerMinute)
	}

	return allow()
}

// RecordSpawn appends to recentSpawns, updates lastSpawn, and clears
// the circuit breaker for target (spec §4.7 "success resets the
// failure count").
func (e *Engine) RecordSpawn(target string) {
	e.recordSpawnAt(target, time.Now())
}

func (e *Engine) recordSpawnAt(target string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recentSpawns[target] = append(expireOlderThan(e.recentSpawns[target], now, time.Minute), now)
	e.lastSpawn[target] = now
	delete(e.breakers, target)
}

// RecordFailure increments target's failure counter; crossing the
// threshold opens the circuit as of now.
func (e *Engine) RecordFailure(target string) {
	e.recordFailureAt(target, time.Now())
}

func (e *Engine) recordFailureAt(target string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[target]
	if !ok {
		b = &circuitState{}
		e.breakers[target] = b
	}
	b.failures++
	if b.failures >= e.policy.BreakerThreshold {
		b.openedAt = now
	}
}

// CircuitState reports a target's current failure count and whether
// its breaker is open, for the check_circuit_breaker message type.
func (e *Engine) CircuitState(target string) (failures uint32, open bool, openedAt time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[target]
	if !ok {
		return 0, false, time.Time{}
	}
	return b.failures, b.failures >= e.policy.BreakerThreshold, b.openedAt
}

// ExpireRateLimitForTest drops target's rate-limit window and its
// last-spawn time (so the dedup window no longer applies either),
// exposed for the rate-limit-boundary test scenario (spec §8 scenario
// 1 "After expireRateLimitForTest(), canLaunch(A,T3)=allowed").
func (e *Engine) ExpireRateLimitForTest(target string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.recentSpawns, target)
	delete(e.lastSpawn, target)
}

func expireOlderThan(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	out := ts[:0:0]
	for _, t := range ts {
		if now.Sub(t) < window {
			out = append(out, t)
		}
	}
	return out
}
