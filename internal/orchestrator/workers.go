package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/convoy/internal/scheduler"
)

// RegisterWorker creates an idle worker bound to outcomeID.
func (e *Engine) RegisterWorker(ctx context.Context, outcomeID, name string) (*scheduler.Worker, error) {
	if _, err := e.store.GetOutcome(ctx, outcomeID); err != nil {
		return nil, err
	}
	now := e.now()
	worker := &scheduler.Worker{
		ID:        uuid.NewString(),
		OutcomeID: outcomeID,
		Name:      name,
		Status:    scheduler.WorkerIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateWorker(ctx, worker); err != nil {
		return nil, err
	}
	e.logger.Debug("worker registered", zap.String("worker_id", worker.ID), zap.String("outcome_id", outcomeID))
	return worker, nil
}

// GetWorker returns a worker by id.
func (e *Engine) GetWorker(ctx context.Context, workerID string) (*scheduler.Worker, error) {
	return e.store.GetWorker(ctx, workerID)
}

// ListActiveWorkers returns the running workers of an outcome, or of every
// outcome when outcomeID is empty.
func (e *Engine) ListActiveWorkers(ctx context.Context, outcomeID string) ([]*scheduler.Worker, error) {
	return e.store.ListWorkers(ctx, outcomeID, scheduler.WorkerRunning)
}

// ListWorkers returns all workers of an outcome regardless of status.
func (e *Engine) ListWorkers(ctx context.Context, outcomeID string) ([]*scheduler.Worker, error) {
	return e.store.ListWorkers(ctx, outcomeID)
}

// UpdateWorker applies update while keeping the pid invariant: a running
// worker must carry a pid, and leaving running clears it unless update sets
// one explicitly.
func (e *Engine) UpdateWorker(ctx context.Context, workerID string, update scheduler.WorkerUpdate) (*scheduler.Worker, error) {
	current, err := e.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}

	if update.Status != nil {
		next := *update.Status
		if !next.Valid() {
			return nil, fmt.Errorf("invalid worker status %q", next)
		}
		if current.Status.Terminal() && next != current.Status {
			return nil, fmt.Errorf("worker %s is %s: %w", workerID, current.Status, scheduler.ErrWorkerInactive)
		}
		if next != scheduler.WorkerRunning && update.Pid == nil {
			zero := 0
			update.Pid = &zero
		}
	}

	status := current.Status
	if update.Status != nil {
		status = *update.Status
	}
	pid := current.Pid
	if update.Pid != nil {
		pid = *update.Pid
	}
	if status == scheduler.WorkerRunning && pid <= 0 {
		return nil, fmt.Errorf("worker %s: %w", workerID, ErrMissingPid)
	}

	if err := e.store.UpdateWorker(ctx, workerID, update, e.now()); err != nil {
		return nil, err
	}
	return e.store.GetWorker(ctx, workerID)
}

// ActivateWorker marks a worker running under pid.
func (e *Engine) ActivateWorker(ctx context.Context, workerID string, pid int) (*scheduler.Worker, error) {
	running := scheduler.WorkerRunning
	now := e.now()
	return e.UpdateWorker(ctx, workerID, scheduler.WorkerUpdate{Status: &running, Pid: &pid, Heartbeat: &now})
}

// Heartbeat records liveness and optional progress text.
func (e *Engine) Heartbeat(ctx context.Context, workerID, progress string) error {
	now := e.now()
	update := scheduler.WorkerUpdate{Heartbeat: &now}
	if progress != "" {
		update.Progress = &progress
	}
	return e.store.UpdateWorker(ctx, workerID, update, now)
}

// AddCost increments a worker's cost counter. Negative amounts are rejected.
func (e *Engine) AddCost(ctx context.Context, workerID string, amount float64) error {
	return e.store.AddWorkerCost(ctx, workerID, amount, e.now())
}

// StopWorker moves a worker out of running (to paused, completed or failed),
// clears its pid and takes back every task it still owns, the same repair
// Reconcile applies to an orphan: pending again, or failed when the
// interrupted attempt was the last one.
func (e *Engine) StopWorker(ctx context.Context, workerID string, status scheduler.WorkerStatus) error {
	if status == scheduler.WorkerRunning || !status.Valid() {
		return fmt.Errorf("cannot stop worker into status %q", status)
	}
	worker, err := e.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}

	zero := 0
	if err := e.store.UpdateWorker(ctx, workerID, scheduler.WorkerUpdate{Status: &status, Pid: &zero}, e.now()); err != nil {
		return err
	}

	owned, err := e.store.ListTasksByStatus(ctx, scheduler.TaskClaimed, scheduler.TaskRunning)
	if err != nil {
		return err
	}
	for _, task := range owned {
		if task.ClaimedBy != workerID {
			continue
		}
		next, ok, err := e.takeBackTask(ctx, task, 0, fmt.Sprintf("claiming worker is %s", status))
		if err != nil {
			return err
		}
		if ok {
			e.logger.Info("task released by stopping worker",
				zap.String("task_id", task.ID),
				zap.String("worker_id", workerID),
				zap.String("status", string(next)))
			e.afterStatusChange(ctx, task)
		}
	}
	e.logger.Debug("worker stopped",
		zap.String("worker_id", workerID),
		zap.String("outcome_id", worker.OutcomeID),
		zap.String("status", string(status)))
	return nil
}
