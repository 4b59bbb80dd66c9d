// Package supervisor implements the out-of-process child-process
// supervisor (spec §4.11): spawn an agent process and restart it with
// exponential backoff when it exits. It runs no separate health probe;
// a process that stays up but stops responding is not restarted.
// Grounded on tools/verify/sigkill_chaos's spawn/kill harness and
// cmd/goclaw/main.go's signal.NotifyContext shutdown idiom.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/ylcn91/agentctl/internal/obs"
)

// Spec describes one supervised child process.
type Spec struct {
	Name    string
	Command string
	Args    []string
}

// restartState tracks a single child's backoff bookkeeping.
type restartState struct {
	cmd      *exec.Cmd
	restarts int
	lastExit time.Time
}

// Supervisor owns zero or more supervised child processes.
type Supervisor struct {
	logger       *slog.Logger
	maxBackoff   time.Duration
	shutdownGrace time.Duration
	metrics      *obs.Metrics

	mu       sync.Mutex
	children map[string]*restartState
}

// New constructs a Supervisor.
func New(logger *slog.Logger) *Supervisor {
	return &Supervisor{
		logger:        logger,
		maxBackoff:    30 * time.Second,
		shutdownGrace: 5 * time.Second,
		children:      make(map[string]*restartState),
	}
}

// SetMetrics attaches the daemon's otel instruments so subsequent
// restarts are recorded. nil disables recording.
func (s *Supervisor) SetMetrics(m *obs.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// Start spawns spec's process and restarts it on unexpected exit,
// applying exponential backoff between restarts, until ctx is
// cancelled.
func (s *Supervisor) Start(ctx context.Context, spec Spec) {
	s.mu.Lock()
	s.children[spec.Name] = &restartState{}
	s.mu.Unlock()

	go s.supervise(ctx, spec)
}

func (s *Supervisor) supervise(ctx context.Context, spec Spec) {
	for {
		if ctx.Err() != nil {
			return
		}
		cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
		s.mu.Lock()
		state := s.children[spec.Name]
		state.cmd = cmd
		s.mu.Unlock()

		if err := cmd.Start(); err != nil {
			s.logger.Error("supervised process failed to start", "name", spec.Name, "error", err)
			if !s.backoff(ctx, spec.Name) {
				return
			}
			continue
		}
		s.logger.Info("supervised process started", "name", spec.Name, "pid", cmd.Process.Pid)

		err := cmd.Wait()
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("supervised process exited", "name", spec.Name, "error", err)
		if !s.backoff(ctx, spec.Name) {
			return
		}
	}
}

// backoff sleeps for an exponentially increasing delay (capped at
// maxBackoff) before the next restart attempt, returning false if ctx
// was cancelled during the wait.
func (s *Supervisor) backoff(ctx context.Context, name string) bool {
	s.mu.Lock()
	state := s.children[name]
	state.restarts++
	state.lastExit = time.Now()
	attempt := state.restarts
	metrics := s.metrics
	s.mu.Unlock()

	if metrics != nil {
		metrics.SupervisorRestarts.Add(ctx, 1)
	}

	delay := time.Duration(1<<uint(min(attempt, 5))) * time.Second
	if delay > s.maxBackoff {
		delay = s.maxBackoff
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// Stop sends SIGTERM to a named child, waiting shutdownGrace before
// escalating to SIGKILL (spec §4.11 "SIGTERM then SIGKILL").
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	state, ok := s.children[name]
	s.mu.Unlock()
	if !ok || state.cmd == nil || state.cmd.Process == nil {
		return fmt.Errorf("no running process named %s", name)
	}

	proc := state.cmd.Process
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sigterm %s: %w", name, err)
	}

	done := make(chan struct{})
	go func() {
		_, _ = state.cmd.Process.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(s.shutdownGrace):
		s.logger.Warn("process did not exit after SIGTERM, sending SIGKILL", "name", name)
		return proc.Kill()
	}
}
