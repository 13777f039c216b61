package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/aristath/convoy/internal/scheduler"
)

// BeginDecomposition takes the expansion lock on a task. While the lock is
// held, or once expansion has completed, further attempts fail with
// scheduler.ErrDecompositionLocked.
func (e *Engine) BeginDecomposition(ctx context.Context, taskID string) error {
	ok, err := e.store.BeginDecomposition(ctx, taskID, e.now())
	if err != nil {
		return err
	}
	if ok {
		e.logger.Debug("decomposition started", zap.String("task_id", taskID))
		return nil
	}

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return fmt.Errorf("task %s decomposition is %s: %w", taskID, task.DecompositionStatus, scheduler.ErrDecompositionLocked)
}

// CompleteDecomposition inserts the subtasks of a locked task and releases the
// lock in one transaction. Subtasks join the parent's outcome, may depend on
// each other and on existing tasks, and are validated like CreateTasks.
func (e *Engine) CompleteDecomposition(ctx context.Context, taskID string, subtasks []*scheduler.Task) ([]*scheduler.Task, error) {
	parent, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if parent.DecompositionStatus != scheduler.DecompositionInProgress {
		return nil, fmt.Errorf("task %s is not being decomposed (status %q)", taskID, parent.DecompositionStatus)
	}

	prepared := make([]*scheduler.Task, len(subtasks))
	for i, sub := range subtasks {
		p := e.prepareTask(sub)
		p.OutcomeID = parent.OutcomeID
		p.DecomposedFromTaskID = taskID
		if p.AgentRole == "" {
			p.AgentRole = parent.AgentRole
		}
		prepared[i] = p
	}
	if err := e.validateBatch(ctx, prepared); err != nil {
		return nil, err
	}

	ok, err := e.store.CompleteDecomposition(ctx, taskID, prepared, e.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("task %s: decomposition lock lost: %w", taskID, scheduler.ErrDecompositionLocked)
	}

	e.logger.Info("task decomposed",
		zap.String("task_id", taskID),
		zap.Int("subtasks", len(prepared)))
	e.syncTouchedOutcomes(ctx, prepared)
	return prepared, nil
}

// FailDecomposition releases the lock so expansion can be retried.
func (e *Engine) FailDecomposition(ctx context.Context, taskID string) error {
	ok, err := e.store.FailDecomposition(ctx, taskID, e.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %s is not being decomposed", taskID)
	}
	e.logger.Info("decomposition failed", zap.String("task_id", taskID))
	return nil
}
