package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// CommandAdapter runs an arbitrary agent CLI once per message. The prompt is
// written to stdin and the session details are exported as CONVOY_* env vars.
// Output may be plain text, a JSON object, or newline-delimited JSON objects
// carrying a "content" field.
type CommandAdapter struct {
	command      string
	args         []string
	sessionID    string
	workDir      string
	model        string
	systemPrompt string
	started      bool
	procMgr      *ProcessManager
}

type commandOutput struct {
	Content string  `json:"content"`
	Cost    float64 `json:"cost"`
}

// NewCommandAdapter creates an adapter for cfg.Command.
func NewCommandAdapter(cfg Config, procMgr *ProcessManager) (*CommandAdapter, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("command backend requires a command")
	}
	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &CommandAdapter{
		command:      cfg.Command,
		args:         cfg.Args,
		sessionID:    sessionID,
		workDir:      cfg.WorkDir,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		procMgr:      procMgr,
	}, nil
}

// Send runs the command with msg on stdin.
func (c *CommandAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	cmd := newCommand(ctx, c.command, c.args...)
	cmd.Dir = c.workDir
	cmd.Stdin = strings.NewReader(msg.Content)
	cmd.Env = append(os.Environ(), c.env()...)

	stdout, stderr, err := executeCommand(ctx, cmd, c.procMgr)
	if err != nil {
		return Response{
			Error:     fmt.Sprintf("%s command failed: %v", c.command, err),
			SessionID: c.sessionID,
		}, err
	}

	resp, ok := parseCommandOutput(stdout)
	if !ok {
		resp = Response{Content: string(stdout)}
		if len(stderr) > 0 {
			resp.Content = string(stdout) + "\n[stderr]: " + string(stderr)
		}
	}
	resp.SessionID = c.sessionID

	c.started = true
	return resp, nil
}

func (c *CommandAdapter) env() []string {
	resume := "0"
	if c.started {
		resume = "1"
	}
	env := []string{
		"CONVOY_SESSION_ID=" + c.sessionID,
		"CONVOY_RESUME=" + resume,
	}
	if c.model != "" {
		env = append(env, "CONVOY_MODEL="+c.model)
	}
	if c.systemPrompt != "" {
		env = append(env, "CONVOY_SYSTEM_PROMPT="+c.systemPrompt)
	}
	return env
}

// Close is a no-op; every Send is its own subprocess.
func (c *CommandAdapter) Close() error {
	return nil
}

// SessionID returns the session identifier exported to the command.
func (c *CommandAdapter) SessionID() string {
	return c.sessionID
}

// parseCommandOutput reports false when data is not JSON and should be used verbatim.
func parseCommandOutput(data []byte) (Response, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Response{}, false
	}

	var single commandOutput
	if err := json.Unmarshal(trimmed, &single); err == nil {
		return Response{Content: single.Content, Cost: single.Cost}, true
	}

	var (
		contents []string
		cost     float64
		parsed   bool
	)
	for _, line := range strings.Split(string(trimmed), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var out commandOutput
		if err := json.Unmarshal([]byte(line), &out); err != nil {
			continue
		}
		parsed = true
		cost += out.Cost
		if out.Content != "" {
			contents = append(contents, out.Content)
		}
	}
	if !parsed {
		return Response{}, false
	}
	return Response{Content: strings.Join(contents, "\n"), Cost: cost}, true
}
