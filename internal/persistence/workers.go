package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/convoy/internal/scheduler"
)

const workerColumns = `id, outcome_id, name, status, pid, last_heartbeat, current_task_id,
	cost, iteration, progress, started_at, created_at, updated_at`

// CreateWorker inserts a new worker, idle unless a status is given.
func (s *SQLiteStore) CreateWorker(ctx context.Context, worker *scheduler.Worker) error {
	if worker.Status == "" {
		worker.Status = scheduler.WorkerIdle
	}
	if !worker.Status.Valid() {
		return fmt.Errorf("invalid worker status %q", worker.Status)
	}
	now := time.Now().UTC()
	if worker.CreatedAt.IsZero() {
		worker.CreatedAt = now
	}
	if worker.UpdatedAt.IsZero() {
		worker.UpdatedAt = worker.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (`+workerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, worker.ID, worker.OutcomeID, worker.Name, worker.Status, toNullInt(worker.Pid),
		toNullUnix(worker.LastHeartbeat), toNullString(worker.CurrentTaskID),
		worker.Cost, worker.Iteration, worker.Progress, toNullUnix(worker.StartedAt),
		toUnix(worker.CreatedAt), toUnix(worker.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert worker %s: %w", worker.ID, err)
	}
	return nil
}

// GetWorker retrieves a worker by id.
func (s *SQLiteStore) GetWorker(ctx context.Context, workerID string) (*scheduler.Worker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, workerID)
	worker, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %s: %w", workerID, scheduler.ErrWorkerNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query worker %s: %w", workerID, err)
	}
	return worker, nil
}

// ListWorkers returns workers of one outcome (all outcomes when outcomeID is
// empty), optionally filtered by status.
func (s *SQLiteStore) ListWorkers(ctx context.Context, outcomeID string, statuses ...scheduler.WorkerStatus) ([]*scheduler.Worker, error) {
	var (
		conds []string
		args  []any
	)
	if outcomeID != "" {
		conds = append(conds, `outcome_id = ?`)
		args = append(args, outcomeID)
	}
	if len(statuses) > 0 {
		conds = append(conds, `status IN (`+placeholders(len(statuses))+`)`)
		for _, st := range statuses {
			args = append(args, st)
		}
	}

	query := `SELECT ` + workerColumns + ` FROM workers`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workers: %w", err)
	}
	defer rows.Close()

	workers := []*scheduler.Worker{}
	for rows.Next() {
		worker, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, worker)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workers: %w", err)
	}
	return workers, nil
}

// UpdateWorker applies the non-nil fields of update.
func (s *SQLiteStore) UpdateWorker(ctx context.Context, workerID string, update scheduler.WorkerUpdate, at time.Time) error {
	sets := []string{`updated_at = ?`}
	args := []any{toUnix(at)}

	if update.Status != nil {
		if !update.Status.Valid() {
			return fmt.Errorf("invalid worker status %q", *update.Status)
		}
		sets = append(sets, `status = ?`)
		args = append(args, *update.Status)
		if *update.Status == scheduler.WorkerRunning {
			sets = append(sets, `started_at = COALESCE(started_at, ?)`)
			args = append(args, toUnix(at))
		}
	}
	if update.Pid != nil {
		sets = append(sets, `pid = ?`)
		args = append(args, toNullInt(*update.Pid))
	}
	if update.Heartbeat != nil {
		sets = append(sets, `last_heartbeat = ?`)
		args = append(args, toUnix(*update.Heartbeat))
	}
	if update.CurrentTaskID != nil {
		sets = append(sets, `current_task_id = ?`)
		args = append(args, toNullString(*update.CurrentTaskID))
	}
	if update.Iteration != nil {
		// Counters only move forward.
		sets = append(sets, `iteration = MAX(iteration, ?)`)
		args = append(args, *update.Iteration)
	}
	if update.Progress != nil {
		sets = append(sets, `progress = ?`)
		args = append(args, *update.Progress)
	}
	args = append(args, workerID)

	ok, err := applied(s.db.ExecContext(ctx,
		`UPDATE workers SET `+strings.Join(sets, `, `)+` WHERE id = ?`, args...))
	if err != nil {
		return fmt.Errorf("failed to update worker %s: %w", workerID, err)
	}
	if !ok {
		return fmt.Errorf("worker %s: %w", workerID, scheduler.ErrWorkerNotFound)
	}
	return nil
}

// AddWorkerCost increments the cost counter.
func (s *SQLiteStore) AddWorkerCost(ctx context.Context, workerID string, amount float64, at time.Time) error {
	if amount < 0 {
		return fmt.Errorf("worker %s: %w", workerID, scheduler.ErrNegativeCost)
	}
	ok, err := applied(s.db.ExecContext(ctx,
		`UPDATE workers SET cost = cost + ?, updated_at = ? WHERE id = ?`,
		amount, toUnix(at), workerID))
	if err != nil {
		return fmt.Errorf("failed to add cost to worker %s: %w", workerID, err)
	}
	if !ok {
		return fmt.Errorf("worker %s: %w", workerID, scheduler.ErrWorkerNotFound)
	}
	return nil
}

// MarkWorkerOrphaned pauses a running worker whose process is gone and clears
// its pid. It applies only if the worker is still running under pid (0 meaning
// no pid recorded), so a worker that re-registered meanwhile is left alone.
func (s *SQLiteStore) MarkWorkerOrphaned(ctx context.Context, workerID string, pid int, at time.Time) (bool, error) {
	ok, err := applied(s.db.ExecContext(ctx, `
		UPDATE workers SET status = 'paused', pid = NULL, updated_at = ?
		WHERE id = ? AND status = 'running' AND COALESCE(pid, 0) = ?
	`, toUnix(at), workerID, pid))
	if err != nil {
		return false, fmt.Errorf("failed to mark worker %s orphaned: %w", workerID, err)
	}
	return ok, nil
}

// ClearStalePid removes a pid left behind on a worker that is not running.
func (s *SQLiteStore) ClearStalePid(ctx context.Context, workerID string, at time.Time) (bool, error) {
	ok, err := applied(s.db.ExecContext(ctx, `
		UPDATE workers SET pid = NULL, updated_at = ?
		WHERE id = ? AND pid IS NOT NULL AND status <> 'running'
	`, toUnix(at), workerID))
	if err != nil {
		return false, fmt.Errorf("failed to clear stale pid of worker %s: %w", workerID, err)
	}
	return ok, nil
}

func scanWorker(row rowScanner) (*scheduler.Worker, error) {
	var (
		w                    scheduler.Worker
		pid                  sql.NullInt64
		heartbeat, startedAt sql.NullInt64
		currentTask          sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(&w.ID, &w.OutcomeID, &w.Name, &w.Status, &pid, &heartbeat, &currentTask,
		&w.Cost, &w.Iteration, &w.Progress, &startedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	w.Pid = int(pid.Int64)
	w.LastHeartbeat = fromNullUnix(heartbeat)
	w.CurrentTaskID = currentTask.String
	w.StartedAt = fromNullUnix(startedAt)
	w.CreatedAt = fromUnix(createdAt)
	w.UpdatedAt = fromUnix(updatedAt)
	return &w, nil
}
