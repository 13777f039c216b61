package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/convoy/internal/backend"
	"github.com/aristath/convoy/internal/config"
	"github.com/aristath/convoy/internal/orchestrator"
	"github.com/aristath/convoy/internal/persistence"
	"github.com/aristath/convoy/internal/scheduler"
)

// cli runs convoy commands against one database and project config.
type cli struct {
	t       *testing.T
	dir     string
	db      string
	project string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", filepath.Join(dir, "home"))
	return &cli{
		t:       t,
		dir:     dir,
		db:      filepath.Join(dir, "convoy.db"),
		project: filepath.Join(dir, "config.yaml"),
	}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	a := &app{}
	defer a.close()

	root := newRootCmd(a)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--db", c.db, "--config", c.project}, args...))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	out, err := c.run(args...)
	require.NoError(c.t, err, "convoy %s\n%s", strings.Join(args, " "), out)
	return out
}

func (c *cli) writeConfig(content string) {
	c.t.Helper()
	require.NoError(c.t, os.WriteFile(c.project, []byte(content), 0644))
}

func (c *cli) createOutcome() string {
	c.t.Helper()
	return strings.TrimSpace(c.mustRun("outcome", "create", "ship", "--intent", "ship the feature"))
}

func TestOutcomeAndTaskCommands(t *testing.T) {
	c := newCLI(t)
	outcomeID := c.createOutcome()
	require.NotEmpty(t, outcomeID)

	c.mustRun("task", "add", outcomeID, "--id", "design", "--title", "design api", "--priority", "1")
	c.mustRun("task", "add", outcomeID, "--id", "build", "--title", "build api", "--priority", "1", "--depends-on", "design")
	c.mustRun("task", "add", outcomeID, "--id", "docs", "--title", "write docs", "--priority", "5")

	out := c.mustRun("--json", "task", "claimable", outcomeID)
	var claimable []scheduler.Task
	require.NoError(t, json.Unmarshal([]byte(out), &claimable))
	require.Len(t, claimable, 2)
	assert.Equal(t, "design", claimable[0].ID)
	assert.Equal(t, "docs", claimable[1].ID)

	out = c.mustRun("task", "order", outcomeID)
	assert.Less(t, strings.Index(out, "design"), strings.Index(out, "build"))

	out = c.mustRun("task", "show", "build")
	assert.Contains(t, out, "blocked by:")
	assert.Contains(t, out, "design api")

	out = c.mustRun("outcome", "status", outcomeID)
	assert.Contains(t, out, "3 total, 2 claimable, 1 blocked")
	assert.Contains(t, out, "no cycles recorded")

	out = c.mustRun("outcome", "list")
	assert.Contains(t, out, outcomeID)
}

func TestTaskAddRejectsBadDependencies(t *testing.T) {
	c := newCLI(t)
	outcomeID := c.createOutcome()

	_, err := c.run("task", "add", outcomeID, "--id", "a", "--title", "a", "--depends-on", "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task rejected")

	_, err = c.run("task", "add", outcomeID, "--title", "b", "--capability", "magic")
	assert.ErrorContains(t, err, "unknown capability type")

	_, err = c.run("task", "add", outcomeID)
	assert.Error(t, err, "title is required")
}

func TestTaskDependReportsCycles(t *testing.T) {
	c := newCLI(t)
	outcomeID := c.createOutcome()
	c.mustRun("task", "add", outcomeID, "--id", "a", "--title", "a")
	c.mustRun("task", "add", outcomeID, "--id", "b", "--title", "b", "--depends-on", "a")
	c.mustRun("task", "add", outcomeID, "--id", "c", "--title", "c")

	out := c.mustRun("task", "depend", "a", "--on", "b,c")
	assert.Contains(t, out, "added: c")
	assert.Contains(t, out, "rejected b: cycle")
}

func TestReviewConvergence(t *testing.T) {
	c := newCLI(t)
	outcomeID := c.createOutcome()

	verification := filepath.Join(c.dir, "verify.json")
	require.NoError(t, os.WriteFile(verification, []byte(`{"passed":true,"checks":[{"name":"tests","passed":true}]}`), 0644))

	out := c.mustRun("review", "record", outcomeID, "--issues", "3", "--tasks-added", "2")
	assert.Contains(t, out, "recorded cycle 1")
	c.mustRun("review", "record", outcomeID, "--issues", "0")
	out = c.mustRun("review", "record", outcomeID, "--issues", "0", "--verification", verification)
	assert.Contains(t, out, "recorded cycle 3")
	assert.Contains(t, out, "converged")

	out = c.mustRun("--json", "outcome", "converge", outcomeID)
	var status scheduler.ConvergenceStatus
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.True(t, status.HasConverged)
	assert.Equal(t, 2, status.ConsecutiveZeroIssues)
	assert.Equal(t, 3, status.LatestCycle)

	out = c.mustRun("review", "list", outcomeID)
	assert.Contains(t, out, "verification passed=true")

	_, err := c.run("review", "record", outcomeID, "--issues", "-1")
	assert.Error(t, err)
}

func TestReconcileRepairsDeadWorker(t *testing.T) {
	c := newCLI(t)
	outcomeID := c.createOutcome()
	c.mustRun("task", "add", outcomeID, "--id", "a", "--title", "a")

	// Simulate a worker that crashed mid-task.
	ctx := context.Background()
	store, err := persistence.NewSQLiteStore(ctx, c.db, persistence.Options{})
	require.NoError(t, err)
	e := orchestrator.NewEngine(store)
	_, err = e.Reconcile(ctx)
	require.NoError(t, err)
	w, err := e.RegisterWorker(ctx, outcomeID, "doomed")
	require.NoError(t, err)
	_, err = e.ActivateWorker(ctx, w.ID, 1<<30)
	require.NoError(t, err)
	_, ok, err := e.Claim(ctx, outcomeID, w.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Close())

	out := c.mustRun("--json", "reconcile")
	var report orchestrator.ReconcileReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 1, report.WorkersOrphaned)
	assert.Equal(t, 1, report.TasksReset)

	out = c.mustRun("reconcile")
	assert.Contains(t, out, "workers orphaned:     0")
	assert.Contains(t, out, "tasks reset:          0")
}

func TestWorkerRunsTasksToCompletion(t *testing.T) {
	c := newCLI(t)

	script := filepath.Join(c.dir, "agent.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nprompt=$(cat)\necho \"handled: $prompt\"\n"), 0755))
	c.writeConfig(fmt.Sprintf(`
providers:
  script:
    type: command
    command: %s
agents:
  coder:
    provider: script
worker:
  poll_interval: 10ms
  max_poll_interval: 50ms
maintenance:
  schedule: "@every 1h"
`, script))

	outcomeID := c.createOutcome()
	c.mustRun("task", "add", outcomeID, "--id", "one", "--title", "first", "--prompt", "do one")
	c.mustRun("task", "add", outcomeID, "--id", "two", "--title", "second", "--prompt", "do two", "--depends-on", "one")

	c.mustRun("worker", "--outcome", outcomeID, "--slots", "2", "--exit-when-drained", "--workdir", c.dir)

	out := c.mustRun("--json", "task", "list", outcomeID)
	var tasks []scheduler.Task
	require.NoError(t, json.Unmarshal([]byte(out), &tasks))
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, scheduler.TaskCompleted, task.Status, task.ID)
		assert.Contains(t, task.Result, "handled: do "+task.ID)
	}
	out = c.mustRun("task", "history", "one")
	assert.Contains(t, out, "[attempt 1] user")
	assert.Contains(t, out, "do one")
	assert.Contains(t, out, "[attempt 1] assistant")
	assert.Contains(t, out, "handled: do one")
}

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
	return strings.TrimSpace(string(out))
}

func TestWorkerIsolatesTasksInWorktrees(t *testing.T) {
	c := newCLI(t)
	repo := filepath.Join(c.dir, "repo")
	require.NoError(t, os.MkdirAll(repo, 0755))
	git(t, repo, "init")
	git(t, repo, "config", "user.name", "Test User")
	git(t, repo, "config", "user.email", "test@example.com")
	git(t, repo, "checkout", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("# repo\n"), 0644))
	git(t, repo, "add", ".")
	git(t, repo, "commit", "-m", "initial")

	// The agent writes one file named after its prompt into its working directory.
	script := filepath.Join(c.dir, "agent.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nprompt=$(cat)\nname=$(echo \"$prompt\" | tr ' ' '-')\necho \"$prompt\" > \"$name.txt\"\necho done\n"), 0755))
	c.writeConfig(fmt.Sprintf(`
providers:
  script:
    type: command
    command: %s
agents:
  coder:
    provider: script
worker:
  poll_interval: 10ms
  max_poll_interval: 50ms
workspace:
  isolate: true
`, script))

	outcomeID := c.createOutcome()
	c.mustRun("task", "add", outcomeID, "--id", "one", "--title", "first", "--prompt", "do one")
	c.mustRun("task", "add", outcomeID, "--id", "two", "--title", "second", "--prompt", "do two", "--depends-on", "one")

	c.mustRun("worker", "--outcome", outcomeID, "--exit-when-drained", "--workdir", repo)

	for _, name := range []string{"do-one.txt", "do-two.txt"} {
		data, err := os.ReadFile(filepath.Join(repo, name))
		require.NoError(t, err, "%s merged into main", name)
		assert.NotEmpty(t, data)
	}
	assert.Equal(t, "main", git(t, repo, "rev-parse", "--abbrev-ref", "HEAD"))
	assert.NotContains(t, git(t, repo, "branch"), "convoy/")
	assert.Contains(t, git(t, repo, "log", "--oneline"), "convoy: merge one")
}

func TestWorkerRequiresOutcome(t *testing.T) {
	c := newCLI(t)
	_, err := c.run("worker")
	assert.Error(t, err)

	_, err = c.run("worker", "--outcome", "missing")
	assert.Error(t, err)

	outcomeID := c.createOutcome()
	_, err = c.run("worker", "--outcome", outcomeID, "--worker", "w1", "--slots", "2")
	assert.ErrorContains(t, err, "single slot")
}

func TestBackendFactory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Providers["script"] = config.ProviderConfig{Type: "command", Command: "/bin/true"}
	cfg.Agents["tester"] = config.AgentConfig{Provider: "script"}
	cfg.Agents["ghost"] = config.AgentConfig{Provider: "nowhere"}

	factory := backendFactory(cfg, backend.NewProcessManager(), t.TempDir())

	b, err := factory("tester", "")
	require.NoError(t, err)
	assert.IsType(t, &backend.CommandAdapter{}, b)
	assert.NotEmpty(t, b.SessionID())

	b, err = factory("coder", "")
	require.NoError(t, err)
	assert.IsType(t, &backend.ClaudeAdapter{}, b)

	_, err = factory("ghost", "")
	assert.ErrorContains(t, err, "unknown provider")
	_, err = factory("nobody", "")
	assert.ErrorContains(t, err, "unknown agent role")
}
