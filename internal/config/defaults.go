package config

import (
	"path/filepath"
	"time"
)

// DefaultConfig returns the built-in configuration: one claude provider and
// the standard agent roles.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        filepath.Join(".convoy", "convoy.db"),
			BusyTimeout: 5 * time.Second,
		},
		Tasks: TaskConfig{
			DefaultMaxAttempts: 3,
			DefaultPriority:    100,
		},
		Worker: WorkerConfig{
			PollInterval:      2 * time.Second,
			MaxPollInterval:   30 * time.Second,
			HeartbeatInterval: 15 * time.Second,
			Agent:             "coder",
		},
		Convergence: ConvergenceConfig{Window: 5},
		Maintenance: MaintenanceConfig{Schedule: "@every 1m"},
		Workspace: WorkspaceConfig{
			BaseBranch: "main",
			Dir:        filepath.Join(".convoy", "worktrees"),
			Strategy:   "ort",
		},
		Providers: map[string]ProviderConfig{
			"claude": {
				Command: "claude",
				Type:    "claude",
			},
		},
		Agents: map[string]AgentConfig{
			"planner": {
				Provider:     "claude",
				SystemPrompt: "You break outcomes into small, dependency-ordered tasks.",
			},
			"coder": {
				Provider:     "claude",
				SystemPrompt: "You implement features and write production code.",
			},
			"reviewer": {
				Provider:     "claude",
				SystemPrompt: "You review code for correctness, style, and best practices.",
			},
			"tester": {
				Provider:     "claude",
				SystemPrompt: "You write comprehensive tests and validate functionality.",
			},
		},
	}
}
