package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// stopGrace is how long a cancelled agent has between SIGTERM and SIGKILL.
const stopGrace = 5 * time.Second

// newCommand builds an agent command in its own process group. Cancelling
// ctx sends SIGTERM to the whole group; Wait kills the child if it is still
// running after stopGrace.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return signalGroup(cmd, unix.SIGTERM)
	}
	cmd.WaitDelay = stopGrace
	return cmd
}

// executeCommand runs cmd to completion and returns what it wrote. exec
// drains both pipes concurrently, so output past the pipe buffer cannot
// deadlock the child. A non-nil pm tracks the process while it runs.
func executeCommand(ctx context.Context, cmd *exec.Cmd, pm *ProcessManager) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			// Stragglers left in the group after a cancelled run.
			_ = signalGroup(cmd, unix.SIGKILL)
		}
		if stderr.Len() > 0 {
			return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("command failed: %w (stderr: %s)", err, bytes.TrimSpace(stderr.Bytes()))
		}
		return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("command failed: %w", err)
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

// signalGroup sends sig to the process group led by cmd.
func signalGroup(cmd *exec.Cmd, sig unix.Signal) error {
	if cmd.Process == nil {
		return errors.New("process not started")
	}
	// Negative pid addresses the whole group.
	if err := unix.Kill(-cmd.Process.Pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to signal process group %d: %w", cmd.Process.Pid, err)
	}
	return nil
}

// ProcessManager tracks the agent subprocesses a worker has running so that
// stopping the worker takes their process groups down with it.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates an empty ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{procs: make(map[int]*exec.Cmd)}
}

// Track registers a started subprocess.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack forgets a subprocess once Wait has returned.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// Count returns the number of tracked subprocesses.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}

func (pm *ProcessManager) signalAll(sig unix.Signal) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for _, cmd := range pm.procs {
		if err := signalGroup(cmd, sig); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// KillAll sends SIGKILL to every tracked process group.
func (pm *ProcessManager) KillAll() error {
	return pm.signalAll(unix.SIGKILL)
}

// Shutdown asks every tracked agent to stop with SIGTERM and kills whatever
// is still tracked after grace. Workers call it once their context ends, as
// a backstop for agents started outside a cancellable context.
func (pm *ProcessManager) Shutdown(grace time.Duration) error {
	if pm.Count() == 0 {
		return nil
	}
	termErr := pm.signalAll(unix.SIGTERM)

	deadline := time.Now().Add(grace)
	for pm.Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if pm.Count() == 0 {
		return termErr
	}
	return errors.Join(termErr, pm.KillAll())
}
