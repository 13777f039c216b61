package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Backend is one coding-agent session. A worker creates one per task attempt.
type Backend interface {
	// Send hands msg to the agent and waits for its answer.
	Send(ctx context.Context, msg Message) (Response, error)

	// Close releases the session. Calling it twice is harmless.
	Close() error

	// SessionID identifies the agent conversation, for resuming it later.
	SessionID() string
}

var constructors = map[string]func(Config, *ProcessManager) (Backend, error){
	"claude": func(cfg Config, pm *ProcessManager) (Backend, error) {
		a, err := NewClaudeAdapter(cfg, pm)
		if err != nil {
			return nil, err
		}
		return a, nil
	},
	"command": func(cfg Config, pm *ProcessManager) (Backend, error) {
		a, err := NewCommandAdapter(cfg, pm)
		if err != nil {
			return nil, err
		}
		return a, nil
	},
}

// Types lists the backend types New accepts.
func Types() []string {
	types := make([]string, 0, len(constructors))
	for t := range constructors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// New builds the backend for cfg.Type. Subprocesses are tracked by pm when
// it is non-nil.
func New(cfg Config, pm *ProcessManager) (Backend, error) {
	construct, ok := constructors[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown backend type: %s (want one of %s)", cfg.Type, strings.Join(Types(), ", "))
	}
	return construct(cfg, pm)
}
