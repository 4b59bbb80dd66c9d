// Package config loads the daemon's typed configuration from YAML and
// env var overrides, and watches the file for hot reload. Grounded on
// internal/config/config.go and internal/config/watcher.go.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's top-level configuration snapshot (spec §6
// "filesystem layout" + env var overrides).
type Config struct {
	HubDir     string           `yaml:"hub_dir"`
	Socket     string           `yaml:"socket"`
	Accounts   []AccountConfig  `yaml:"accounts"`
	SLA        SLAConfig        `yaml:"sla"`
	AutoLaunch AutoLaunchConfig `yaml:"auto_launch"`
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Features   FeaturesConfig   `yaml:"features"`
}

type AccountConfig struct {
	Name     string `yaml:"name"`
	Label    string `yaml:"label"`
	Color    string `yaml:"color"`
	ConfigDir string `yaml:"config_dir"`
	Provider string `yaml:"provider"`
}

type SLAConfig struct {
	StaleAfter                      time.Duration `yaml:"stale_after"`
	BehindThreshold                 float64       `yaml:"behind_threshold"`
	TickInterval                    time.Duration `yaml:"tick_interval"`
	PingAfterMinutes                int           `yaml:"ping_after_minutes"`
	SuggestReassignAfterMinutes     int           `yaml:"suggest_reassign_after_minutes"`
	MaxReassignments                int           `yaml:"max_reassignments"`
	CooldownMinutes                 int           `yaml:"cooldown_minutes"`
	UnresponsiveThresholdMinutes    int           `yaml:"unresponsive_threshold_minutes"`
	ConsecutiveRejectionsForPenalty int           `yaml:"consecutive_rejections_for_penalty"`
}

type AutoLaunchConfig struct {
	Enabled            bool          `yaml:"enabled"`
	BlockSelfHandoff   bool          `yaml:"block_self_handoff"`
	CooldownWindow     time.Duration `yaml:"cooldown_window"`
	BreakerThreshold   uint32        `yaml:"breaker_threshold"`
	DedupWindow        time.Duration `yaml:"dedup_window"`
	MaxSpawnsPerMinute int           `yaml:"max_spawns_per_minute"`
}

type WorkspaceConfig struct {
	ReposRoot    string `yaml:"repos_root"`
	WorktreeRoot string `yaml:"worktree_root"`
	Image        string `yaml:"image"`
}

type FeaturesConfig struct {
	AutoLaunch bool `yaml:"auto_launch"`
	Council    bool `yaml:"council"`
	Workspace  bool `yaml:"workspace"`
}

// defaultHubDirName is used when neither env var nor config names a dir.
const defaultHubDirName = ".agentctl"

// Load reads a YAML config file, applies env var overrides, and fills
// in defaults for anything left unset. Matches the precedence order
// the teacher's config.go uses: hardcoded default < file < env.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

// applyEnvOverrides honors spec §6's documented env vars: AGENTCTL_DIR
// takes precedence, falling back to the teacher's legacy CLAUDE_HUB_DIR
// name for compatibility with existing deployments.
func applyEnvOverrides(cfg *Config) {
	if dir := os.Getenv("AGENTCTL_DIR"); dir != "" {
		cfg.HubDir = dir
	} else if dir := os.Getenv("CLAUDE_HUB_DIR"); dir != "" {
		cfg.HubDir = dir
	}
	if sock := os.Getenv("AGENTCTL_SOCKET"); sock != "" {
		cfg.Socket = sock
	}
}

func applyDefaults(cfg *Config) {
	if cfg.HubDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.HubDir = filepath.Join(home, defaultHubDirName)
	}
	if cfg.Socket == "" {
		cfg.Socket = filepath.Join(cfg.HubDir, "hub.sock")
	}
	if cfg.SLA.StaleAfter == 0 {
		cfg.SLA.StaleAfter = 15 * time.Minute
	}
	if cfg.SLA.TickInterval == 0 {
		cfg.SLA.TickInterval = 30 * time.Second
	}
	if cfg.SLA.BehindThreshold == 0 {
		cfg.SLA.BehindThreshold = 0.5
	}
	if cfg.SLA.PingAfterMinutes == 0 {
		cfg.SLA.PingAfterMinutes = 30
	}
	if cfg.SLA.SuggestReassignAfterMinutes == 0 {
		cfg.SLA.SuggestReassignAfterMinutes = 60
	}
	if cfg.SLA.MaxReassignments == 0 {
		cfg.SLA.MaxReassignments = 3
	}
	if cfg.SLA.CooldownMinutes == 0 {
		cfg.SLA.CooldownMinutes = 10
	}
	if cfg.SLA.UnresponsiveThresholdMinutes == 0 {
		cfg.SLA.UnresponsiveThresholdMinutes = 10
	}
	if cfg.SLA.ConsecutiveRejectionsForPenalty == 0 {
		cfg.SLA.ConsecutiveRejectionsForPenalty = 2
	}
	if cfg.AutoLaunch.CooldownWindow == 0 {
		cfg.AutoLaunch.CooldownWindow = 2 * time.Minute
	}
	if cfg.AutoLaunch.BreakerThreshold == 0 {
		cfg.AutoLaunch.BreakerThreshold = 5
	}
	if cfg.AutoLaunch.DedupWindow == 0 {
		cfg.AutoLaunch.DedupWindow = 10 * time.Second
	}
	if cfg.AutoLaunch.MaxSpawnsPerMinute == 0 {
		cfg.AutoLaunch.MaxSpawnsPerMinute = 3
	}
	if cfg.Workspace.WorktreeRoot == "" {
		cfg.Workspace.WorktreeRoot = filepath.Join(cfg.HubDir, "worktrees")
	}
	if cfg.Workspace.Image == "" {
		cfg.Workspace.Image = "agentctl/sandbox:latest"
	}
}

// Paths are the fixed filenames spec §6 mandates under HubDir.
func (c *Config) SessionsDB() string  { return filepath.Join(c.HubDir, "sessions.db") }
func (c *Config) TasksDB() string     { return filepath.Join(c.HubDir, "tasks.db") }
func (c *Config) WorkflowsDB() string { return filepath.Join(c.HubDir, "workflows.db") }
func (c *Config) RetrosDB() string    { return filepath.Join(c.HubDir, "retros.db") }
func (c *Config) CouncilDB() string   { return filepath.Join(c.HubDir, "council.db") }
