package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// ClaudeAdapter implements the Backend interface for Claude Code CLI.
type ClaudeAdapter struct {
	command      string
	extraArgs    []string
	sessionID    string
	workDir      string
	model        string
	systemPrompt string
	tools        []string
	started      bool
	procMgr      *ProcessManager
}

// claudeResponse is the JSON printed by `claude -p --output-format json`.
// Result is either the final text or an object with a content array.
type claudeResponse struct {
	SessionID    string          `json:"session_id"`
	IsError      bool            `json:"is_error"`
	Result       json.RawMessage `json:"result"`
	TotalCostUSD float64         `json:"total_cost_usd"`
}

type claudeContent struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// NewClaudeAdapter creates a new Claude Code backend adapter.
// If cfg.SessionID is empty, a new UUID will be generated.
// The ProcessManager is optional - if nil, subprocesses won't be tracked.
func NewClaudeAdapter(cfg Config, procMgr *ProcessManager) (*ClaudeAdapter, error) {
	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
	}

	command := cfg.command()
	if command == "" {
		command = "claude"
	}

	return &ClaudeAdapter{
		command:      command,
		extraArgs:    cfg.Args,
		sessionID:    sessionID,
		workDir:      workDir,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		tools:        cfg.Tools,
		procMgr:      procMgr,
	}, nil
}

// Send sends a message to Claude Code CLI and returns the response.
// The first call uses --session-id, subsequent calls use --resume.
func (a *ClaudeAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	args := a.buildArgs(msg, a.started)

	cmd := newCommand(ctx, a.command, args...)
	cmd.Dir = a.workDir

	stdout, stderr, err := executeCommand(ctx, cmd, a.procMgr)
	if err != nil {
		return Response{
			Error: fmt.Sprintf("claude command failed: %v", err),
		}, err
	}

	resp, err := parseClaudeResponse(stdout)
	if err != nil {
		return Response{
			Error: fmt.Sprintf("failed to parse claude response: %v (stderr: %s)", err, string(stderr)),
		}, err
	}

	a.started = true
	return resp, nil
}

// Close is a no-op for Claude Code (subprocess-per-invocation model).
func (a *ClaudeAdapter) Close() error {
	return nil
}

// SessionID returns the current session identifier.
func (a *ClaudeAdapter) SessionID() string {
	return a.sessionID
}

// buildArgs constructs the command-line arguments for the claude CLI.
// isResume determines whether to use --session-id (false) or --resume (true).
func (a *ClaudeAdapter) buildArgs(msg Message, isResume bool) []string {
	args := []string{"-p", msg.Content, "--output-format", "json"}

	if isResume {
		args = append(args, "--resume", a.sessionID)
	} else {
		args = append(args, "--session-id", a.sessionID)
	}

	if a.model != "" {
		args = append(args, "--model", a.model)
	}
	if a.systemPrompt != "" {
		args = append(args, "--system-prompt", a.systemPrompt)
	}
	if len(a.tools) > 0 {
		args = append(args, "--allowedTools", strings.Join(a.tools, ","))
	}

	return append(args, a.extraArgs...)
}

// parseClaudeResponse parses the JSON output from Claude Code CLI.
func parseClaudeResponse(data []byte) (Response, error) {
	var cr claudeResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return Response{}, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	content, err := claudeResultText(cr.Result)
	if err != nil {
		return Response{}, err
	}

	resp := Response{
		Content:   content,
		SessionID: cr.SessionID,
		Cost:      cr.TotalCostUSD,
	}
	if cr.IsError {
		resp.Error = content
		return resp, errors.New("claude reported an error: " + content)
	}
	return resp, nil
}

func claudeResultText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var structured claudeContent
	if err := json.Unmarshal(raw, &structured); err != nil {
		return "", fmt.Errorf("unexpected result shape: %w", err)
	}
	var b strings.Builder
	for _, item := range structured.Content {
		if item.Type == "text" {
			b.WriteString(item.Text)
		}
	}
	return b.String(), nil
}
