// Package workspace fills in the prepare_worktree_for_handoff /
// get_workspace_status / cleanup_workspace message types (supplemental
// — spec §6 names these but leaves their implementation to the
// daemon): a per-session git worktree plus an optional Docker sandbox
// container for running a Handoff's run_commands. Grounded on
// internal/tools/docker.go's container create/exec/ContainerKill
// SIGKILL sequence.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/ylcn91/agentctl/internal/herr"
)

// Status is the lifecycle state of a prepared workspace.
type Status string

const (
	StatusPreparing Status = "preparing"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusCleaned   Status = "cleaned"
	StatusFailed    Status = "failed"
)

// Workspace is one session's isolated worktree, optionally backed by a
// Docker sandbox container.
type Workspace struct {
	SessionID   string
	Dir         string
	Status      Status
	ContainerID string
}

// Manager creates and tears down workspaces.
type Manager struct {
	reposRoot string // parent directory containing the repo to worktree from
	worktreeRoot string // where per-session worktrees are created
	docker    *client.Client // nil if Docker sandboxing is disabled
	image     string
}

// NewManager constructs a Manager. docker may be nil to disable
// container sandboxing (spec's workspace feature flag, see
// capability.Features.Workspace).
func NewManager(reposRoot, worktreeRoot string, docker *client.Client, image string) *Manager {
	return &Manager{reposRoot: reposRoot, worktreeRoot: worktreeRoot, docker: docker, image: image}
}

// PrepareWorktreeForHandoff creates a new git worktree for sessionID
// off branch, so a handed-off agent gets an isolated working copy
// instead of racing the original session's checkout.
func (m *Manager) PrepareWorktreeForHandoff(ctx context.Context, sessionID, branch string) (*Workspace, error) {
	dir := filepath.Join(m.worktreeRoot, sessionID)
	ws := &Workspace{SessionID: sessionID, Dir: dir, Status: StatusPreparing}

	if err := os.MkdirAll(m.worktreeRoot, 0o755); err != nil {
		return nil, herr.Internal("create worktree root: %v", err)
	}
	cmd := exec.CommandContext(ctx, "git", "-C", m.reposRoot, "worktree", "add", "-b", branch+"-"+sessionID, dir, branch)
	if out, err := cmd.CombinedOutput(); err != nil {
		ws.Status = StatusFailed
		return ws, herr.ToolError("git worktree add failed: %v: %s", err, out)
	}

	ws.Status = StatusReady
	return ws, nil
}

// GetWorkspaceStatus reports whether sessionID's worktree exists on
// disk (ready) or not (cleaned). Container state is not reported.
func (m *Manager) GetWorkspaceStatus(ctx context.Context, sessionID string) (Workspace, error) {
	dir := filepath.Join(m.worktreeRoot, sessionID)
	ws := Workspace{SessionID: sessionID, Dir: dir}
	if _, err := os.Stat(dir); err != nil {
		ws.Status = StatusCleaned
		return ws, nil
	}
	ws.Status = StatusReady
	return ws, nil
}

// RunSandboxed runs cmd inside a fresh container mounting the
// session's worktree, waits for it to exit, removes it, and returns the
// container's ID. The command's output is not collected. No-ops with an
// error if Docker sandboxing wasn't configured.
func (m *Manager) RunSandboxed(ctx context.Context, sessionID string, cmd []string) (string, error) {
	if m.docker == nil {
		return "", herr.Validation("workspace sandboxing is disabled")
	}
	dir := filepath.Join(m.worktreeRoot, sessionID)

	resp, err := m.docker.ContainerCreate(ctx, &container.Config{
		Image:      m.image,
		Cmd:        cmd,
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Binds: []string{fmt.Sprintf("%s:/workspace", dir)},
	}, nil, nil, "")
	if err != nil {
		return "", herr.Internal("create sandbox container: %v", err)
	}

	if err := m.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", herr.Internal("start sandbox container: %v", err)
	}

	statusCh, errCh := m.docker.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return "", herr.Internal("wait for sandbox container: %v", err)
		}
	case <-statusCh:
	}

	defer func() { _ = m.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}) }()
	return resp.ID, nil
}

// CleanupWorkspace, when Docker is configured, force-kills the container
// named "agentctl-<sessionID>" (RunSandboxed's containers get a
// Docker-assigned name and are already removed once they exit), then
// removes the session's worktree, grounded on internal/tools/docker.go's
// ContainerKill(SIGKILL) teardown.
func (m *Manager) CleanupWorkspace(ctx context.Context, sessionID string) error {
	if m.docker != nil {
		_ = m.docker.ContainerKill(ctx, "agentctl-"+sessionID, "SIGKILL")
	}
	dir := filepath.Join(m.worktreeRoot, sessionID)
	cmd := exec.CommandContext(ctx, "git", "-C", m.reposRoot, "worktree", "remove", "--force", dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return herr.ToolError("git worktree remove failed: %v: %s", err, out)
	}
	return nil
}
