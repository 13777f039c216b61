package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: CONVOY_DATABASE_PATH sets database.path.
const EnvPrefix = "CONVOY"

var configNames = []string{"config.yaml", "config.yml", "config.json"}

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): environment, project config,
// global config, defaults. Missing files are not errors; malformed files are.
// Keys are case-insensitive, so agent and provider names come back lowercased.
func Load(globalPath, projectPath string) (*Config, error) {
	v := newViper()

	if err := mergeConfigFile(v, globalPath); err != nil {
		return nil, fmt.Errorf("loading global config: %w", err)
	}
	if err := mergeConfigFile(v, projectPath); err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.convoy/config.{yaml,yml,json}
// Project: .convoy/config.{yaml,yml,json} (relative to cwd)
func LoadDefault() (*Config, error) {
	global, project, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	return Load(global, project)
}

// DefaultPaths returns the global and project config files. An existing file
// wins; otherwise the config.yaml a save would create is returned.
func DefaultPaths() (global, project string, err error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return configPath(filepath.Join(homeDir, ".convoy")), configPath(".convoy"), nil
}

func configPath(dir string) string {
	if path := findConfig(dir); path != "" {
		return path
	}
	return filepath.Join(dir, configNames[0])
}

// findConfig returns the first config file present in dir, or "".
func findConfig(dir string) string {
	for _, name := range configNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// setDefaults registers every default under its flattened key so files and
// environment variables override individual fields rather than whole sections.
func setDefaults(v *viper.Viper, d *Config) {
	for key, value := range flatten(d) {
		v.SetDefault(key, value)
	}
}

// mergeConfigFile merges the file at path into v.
// Missing files are silently skipped. Malformed files return an error.
func mergeConfigFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// flatten maps cfg onto dotted viper keys. Durations are written as strings so
// saved files stay readable.
func flatten(cfg *Config) map[string]any {
	out := map[string]any{
		"database.path":              cfg.Database.Path,
		"database.busy_timeout":      cfg.Database.BusyTimeout.String(),
		"log.development":            cfg.Log.Development,
		"tasks.default_max_attempts": cfg.Tasks.DefaultMaxAttempts,
		"tasks.default_priority":     cfg.Tasks.DefaultPriority,
		"worker.poll_interval":       cfg.Worker.PollInterval.String(),
		"worker.max_poll_interval":   cfg.Worker.MaxPollInterval.String(),
		"worker.heartbeat_interval":  cfg.Worker.HeartbeatInterval.String(),
		"worker.agent":               cfg.Worker.Agent,
		"convergence.window":         cfg.Convergence.Window,
		"maintenance.schedule":       cfg.Maintenance.Schedule,
		"workspace.isolate":          cfg.Workspace.Isolate,
		"workspace.base_branch":      cfg.Workspace.BaseBranch,
		"workspace.dir":              cfg.Workspace.Dir,
		"workspace.strategy":         cfg.Workspace.Strategy,
	}
	for name, p := range cfg.Providers {
		prefix := "providers." + name + "."
		out[prefix+"command"] = p.Command
		out[prefix+"type"] = p.Type
		if len(p.Args) > 0 {
			out[prefix+"args"] = p.Args
		}
	}
	for name, a := range cfg.Agents {
		prefix := "agents." + name + "."
		out[prefix+"provider"] = a.Provider
		out[prefix+"model"] = a.Model
		out[prefix+"system_prompt"] = a.SystemPrompt
		if len(a.Tools) > 0 {
			out[prefix+"tools"] = a.Tools
		}
	}
	return out
}

// ResolveAgent returns the agent config for role and the provider it runs on.
func (c *Config) ResolveAgent(role string) (AgentConfig, ProviderConfig, error) {
	agent, ok := c.Agents[strings.ToLower(role)]
	if !ok {
		return AgentConfig{}, ProviderConfig{}, fmt.Errorf("unknown agent role %q", role)
	}
	provider, ok := c.Providers[strings.ToLower(agent.Provider)]
	if !ok {
		return AgentConfig{}, ProviderConfig{}, fmt.Errorf("agent %q references unknown provider %q", role, agent.Provider)
	}
	return agent, provider, nil
}
