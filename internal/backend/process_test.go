package backend

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteCommand_BasicExecution(t *testing.T) {
	ctx := context.Background()
	stdout, stderr, err := executeCommand(ctx, newCommand(ctx, "echo", "hello"), nil)

	require.NoError(t, err)
	assert.Contains(t, string(stdout), "hello")
	assert.Empty(t, stderr)
}

// Output well past the 64KB pipe buffer must not deadlock.
func TestExecuteCommand_LargeOutput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	script := `i=0; while [ $i -lt 20000 ]; do echo "line $i padding padding"; i=$((i+1)); done; echo done >&2`
	start := time.Now()
	stdout, stderr, err := executeCommand(ctx, newCommand(ctx, "sh", "-c", script), nil)

	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	assert.Len(t, lines, 20000)
	assert.Contains(t, string(stderr), "done")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecuteCommand_StderrCapture(t *testing.T) {
	ctx := context.Background()
	stdout, stderr, err := executeCommand(ctx, newCommand(ctx, "sh", "-c", "echo error >&2; echo ok"), nil)

	require.NoError(t, err)
	assert.Contains(t, string(stdout), "ok")
	assert.Contains(t, string(stderr), "error")
}

func TestExecuteCommand_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := executeCommand(ctx, newCommand(ctx, "sh", "-c", "sleep 30"), nil)

	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecuteCommand_NonZeroExitCode(t *testing.T) {
	ctx := context.Background()
	stdout, _, err := executeCommand(ctx, newCommand(ctx, "sh", "-c", "echo test-output; exit 1"), nil)

	require.Error(t, err)
	assert.Contains(t, string(stdout), "test-output", "stdout is kept on failure")

	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 1, exitErr.ExitCode())
}

func TestExecuteCommand_TracksWhileRunning(t *testing.T) {
	pm := NewProcessManager()
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, _, err := executeCommand(ctx, newCommand(ctx, "sh", "-c", "sleep 0.5"), pm)
		done <- err
	}()

	assert.Eventually(t, func() bool { return pm.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, <-done)
	assert.Equal(t, 0, pm.Count())
}

func TestProcessManager_TrackAndKillAll(t *testing.T) {
	pm := NewProcessManager()
	cmd := newCommand(context.Background(), "sh", "-c", "sleep 300")
	require.NoError(t, cmd.Start())

	pm.Track(cmd)
	assert.Equal(t, 1, pm.Count())

	require.NoError(t, pm.KillAll())

	err := cmd.Wait()
	require.Error(t, err)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		status, ok := exitErr.Sys().(syscall.WaitStatus)
		require.True(t, ok)
		assert.True(t, status.Signaled())
	}

	pm.Untrack(cmd)
	assert.Equal(t, 0, pm.Count())
}

func TestProcessManager_KillsProcessTree(t *testing.T) {
	pm := NewProcessManager()
	cmd := newCommand(context.Background(), "sh", "-c", "sleep 30 & sleep 30; wait")
	require.NoError(t, cmd.Start())

	parentPID := cmd.Process.Pid
	pm.Track(cmd)
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, pm.KillAll())
	_ = cmd.Wait()
	pm.Untrack(cmd)

	// pgrep exits 1 when nothing matches.
	output, err := exec.Command("pgrep", "-g", fmt.Sprintf("%d", parentPID)).CombinedOutput()
	if err == nil {
		assert.Empty(t, strings.TrimSpace(string(output)), "process group still alive")
	}
}

func TestProcessManager_ShutdownTerminatesGracefully(t *testing.T) {
	pm := NewProcessManager()
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, _, err := executeCommand(ctx, newCommand(ctx, "sh", "-c", "sleep 30"), pm)
		done <- err
	}()
	require.Eventually(t, func() bool { return pm.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, pm.Shutdown(3*time.Second))
	assert.Less(t, time.Since(start), 3*time.Second, "SIGTERM was enough")
	assert.Error(t, <-done)
	assert.Equal(t, 0, pm.Count())
}

func TestProcessManager_ShutdownKillsStubbornAgents(t *testing.T) {
	pm := NewProcessManager()
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, _, err := executeCommand(ctx, newCommand(ctx, "sh", "-c", "trap '' TERM; while :; do sleep 0.1; done"), pm)
		done <- err
	}()
	require.Eventually(t, func() bool { return pm.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond) // let the trap install

	require.NoError(t, pm.Shutdown(200*time.Millisecond))
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent survived shutdown")
	}
}

func TestProcessManager_ShutdownWithNothingTracked(t *testing.T) {
	assert.NoError(t, NewProcessManager().Shutdown(time.Second))
}
