package worktree

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Prepare creates the worktree a task attempt runs in and returns its path.
func (m *Manager) Prepare(ctx context.Context, taskID string) (string, error) {
	m.repoMu.Lock()
	info, err := m.Create(ctx, taskID)
	m.repoMu.Unlock()
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.active[taskID] = info
	m.mu.Unlock()
	return info.Path, nil
}

// Release ends a task attempt. On success the agent's changes are committed
// and merged into the base branch; a failed merge fails the attempt. The
// worktree and branch are removed either way so a retry starts from the
// current base branch.
func (m *Manager) Release(ctx context.Context, taskID string, success bool) error {
	m.mu.Lock()
	info, ok := m.active[taskID]
	delete(m.active, taskID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no worktree prepared for task %s", taskID)
	}

	var mergeErr error
	if success {
		mergeErr = m.land(ctx, info)
	}

	cleanup := m.Cleanup
	if !success || mergeErr != nil {
		cleanup = m.ForceCleanup
	}
	m.repoMu.Lock()
	err := cleanup(ctx, info)
	m.repoMu.Unlock()
	if err != nil {
		m.logger.Warn("worktree cleanup failed", zap.String("task_id", taskID), zap.Error(err))
	}
	return mergeErr
}

func (m *Manager) land(ctx context.Context, info *Info) error {
	if _, err := m.Commit(ctx, info, "convoy: "+info.TaskID); err != nil {
		return fmt.Errorf("commit task changes: %w", err)
	}
	result, err := m.Merge(ctx, info)
	if err != nil {
		if errors.Is(err, ErrMergeConflict) {
			m.logger.Warn("task branch conflicts with base",
				zap.String("task_id", info.TaskID),
				zap.Strings("files", result.ConflictFiles))
		}
		return err
	}
	return nil
}
