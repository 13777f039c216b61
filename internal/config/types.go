package config

import "time"

// ProviderConfig defines a transport layer (CLI command, args, base settings).
// Providers are separate from agents -- multiple agents can share one provider.
type ProviderConfig struct {
	Command string   `mapstructure:"command" json:"command"`     // CLI binary name (e.g., "claude")
	Args    []string `mapstructure:"args" json:"args,omitempty"` // Default args appended to every invocation
	Type    string   `mapstructure:"type" json:"type"`           // Backend type matching backend.Config.Type: "claude" or "command"
}

// AgentConfig defines a role that uses a specific provider and model.
type AgentConfig struct {
	Provider     string   `mapstructure:"provider" json:"provider"`                     // Key into Providers map
	Model        string   `mapstructure:"model" json:"model,omitempty"`                 // Model override
	SystemPrompt string   `mapstructure:"system_prompt" json:"system_prompt,omitempty"` // Role-specific system prompt
	Tools        []string `mapstructure:"tools" json:"tools,omitempty"`                 // Allowed tools for this role
}

// DatabaseConfig locates the shared store.
type DatabaseConfig struct {
	Path        string        `mapstructure:"path" json:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout" json:"busy_timeout"`
}

type LogConfig struct {
	Development bool `mapstructure:"development" json:"development"`
}

// TaskConfig holds defaults applied to tasks created without explicit values.
type TaskConfig struct {
	DefaultMaxAttempts int `mapstructure:"default_max_attempts" json:"default_max_attempts"`
	DefaultPriority    int `mapstructure:"default_priority" json:"default_priority"`
}

// WorkerConfig tunes the worker runner.
type WorkerConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval" json:"poll_interval"`
	MaxPollInterval   time.Duration `mapstructure:"max_poll_interval" json:"max_poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" json:"heartbeat_interval"`
	Agent             string        `mapstructure:"agent" json:"agent"` // Role for tasks without one
}

type ConvergenceConfig struct {
	Window int `mapstructure:"window" json:"window"`
}

// MaintenanceConfig schedules periodic reconcile runs (cron spec).
type MaintenanceConfig struct {
	Schedule string `mapstructure:"schedule" json:"schedule"`
}

// WorkspaceConfig controls per-task git worktree isolation.
type WorkspaceConfig struct {
	Isolate    bool   `mapstructure:"isolate" json:"isolate"`
	BaseBranch string `mapstructure:"base_branch" json:"base_branch"`
	Dir        string `mapstructure:"dir" json:"dir"`           // Relative to the repository root
	Strategy   string `mapstructure:"strategy" json:"strategy"` // ort, ours or theirs
}

// Config is the top-level configuration.
type Config struct {
	Database    DatabaseConfig            `mapstructure:"database" json:"database"`
	Log         LogConfig                 `mapstructure:"log" json:"log"`
	Tasks       TaskConfig                `mapstructure:"tasks" json:"tasks"`
	Worker      WorkerConfig              `mapstructure:"worker" json:"worker"`
	Convergence ConvergenceConfig         `mapstructure:"convergence" json:"convergence"`
	Maintenance MaintenanceConfig         `mapstructure:"maintenance" json:"maintenance"`
	Workspace   WorkspaceConfig           `mapstructure:"workspace" json:"workspace"`
	Providers   map[string]ProviderConfig `mapstructure:"providers" json:"providers"`
	Agents      map[string]AgentConfig    `mapstructure:"agents" json:"agents"`
}
