package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/convoy/internal/scheduler"
)

const taskColumns = `t.id, t.outcome_id, t.title, t.description, t.prompt, t.agent_role,
	t.status, t.priority, t.score, t.attempts, t.max_attempts, t.claimed_by, t.claimed_at,
	t.phase, t.capability_type, t.decomposition_status, t.decomposed_from_task_id,
	t.result, t.last_error, t.completed_at, t.created_at, t.updated_at`

// CreateTasks inserts tasks and their dependency lists in one transaction.
// Dependency references are validated by the caller; the store only persists them.
func (s *SQLiteStore) CreateTasks(ctx context.Context, tasks ...*scheduler.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertTasks(ctx, tx, tasks)
	})
}

func insertTasks(ctx context.Context, q queryer, tasks []*scheduler.Task) error {
	now := time.Now().UTC()
	seen := make(map[string]bool)

	for _, task := range tasks {
		if !seen[task.OutcomeID] {
			var exists int
			err := q.QueryRowContext(ctx, `SELECT 1 FROM outcomes WHERE id = ?`, task.OutcomeID).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %s: outcome %s: %w", task.ID, task.OutcomeID, scheduler.ErrOutcomeNotFound)
			}
			if err != nil {
				return fmt.Errorf("failed to check outcome %s: %w", task.OutcomeID, err)
			}
			seen[task.OutcomeID] = true
		}

		if task.Status == "" {
			task.Status = scheduler.TaskPending
		}
		if task.Phase == "" {
			task.Phase = scheduler.PhaseExecution
		}
		if task.CreatedAt.IsZero() {
			task.CreatedAt = now
		}
		if task.UpdatedAt.IsZero() {
			task.UpdatedAt = task.CreatedAt
		}

		_, err := q.ExecContext(ctx, `
			INSERT INTO tasks (id, outcome_id, title, description, prompt, agent_role,
				status, priority, score, attempts, max_attempts, claimed_by, claimed_at,
				phase, capability_type, decomposition_status, decomposed_from_task_id,
				result, last_error, completed_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, task.ID, task.OutcomeID, task.Title, task.Description, task.Prompt, task.AgentRole,
			task.Status, task.Priority, task.Score, task.Attempts, task.MaxAttempts,
			toNullString(task.ClaimedBy), toNullUnix(task.ClaimedAt),
			task.Phase, task.CapabilityType, toNullString(string(task.DecompositionStatus)),
			toNullString(task.DecomposedFromTaskID), task.Result, task.LastError,
			toNullUnix(task.CompletedAt), toUnix(task.CreatedAt), toUnix(task.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
		}

		if err := insertDependencies(ctx, q, task.ID, task.DependsOn); err != nil {
			return err
		}
	}
	return nil
}

func insertDependencies(ctx context.Context, q queryer, taskID string, deps scheduler.DependencyList) error {
	for pos, depID := range deps {
		_, err := q.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id, position)
			VALUES (?, ?, ?)
		`, taskID, depID, pos)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", taskID, depID, err)
		}
	}
	return nil
}

// GetTask retrieves a task by id with its dependency list.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	tasks, err := queryTasks(ctx, s.db, `t.id = ?`, taskID)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("task %s: %w", taskID, scheduler.ErrTaskNotFound)
	}
	return tasks[0], nil
}

// ListTasksByOutcome returns every task of an outcome in creation order.
func (s *SQLiteStore) ListTasksByOutcome(ctx context.Context, outcomeID string) ([]*scheduler.Task, error) {
	return queryTasks(ctx, s.db, `t.outcome_id = ?`, outcomeID)
}

// ListTasksByStatus returns tasks across all outcomes with any of the given statuses.
func (s *SQLiteStore) ListTasksByStatus(ctx context.Context, statuses ...scheduler.TaskStatus) ([]*scheduler.Task, error) {
	if len(statuses) == 0 {
		return []*scheduler.Task{}, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	return queryTasks(ctx, s.db, `t.status IN (`+placeholders(len(statuses))+`)`, args...)
}

// queryTasks loads the matching tasks, then their dependency lists. The task
// rows are fully read before the second query so a single-connection pool
// never holds two open cursors.
func queryTasks(ctx context.Context, q queryer, where string, args ...any) ([]*scheduler.Task, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks t WHERE `+where+` ORDER BY t.created_at ASC, t.id ASC`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	tasks := []*scheduler.Task{}
	byID := make(map[string]*scheduler.Task)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
		byID[task.ID] = task
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	rows.Close()

	if len(tasks) == 0 {
		return tasks, nil
	}

	depRows, err := q.QueryContext(ctx, `
		SELECT d.task_id, d.depends_on_id
		FROM task_dependencies d
		JOIN tasks t ON t.id = d.task_id
		WHERE `+where+`
		ORDER BY d.task_id, d.position
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer depRows.Close()

	for depRows.Next() {
		var taskID, depID string
		if err := depRows.Scan(&taskID, &depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		if task, ok := byID[taskID]; ok {
			task.DependsOn = append(task.DependsOn, depID)
		}
	}
	if err := depRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return tasks, nil
}

func scanTask(row rowScanner) (*scheduler.Task, error) {
	var (
		t                                  scheduler.Task
		claimedBy, decomposition, fromTask sql.NullString
		claimedAt, completedAt             sql.NullInt64
		createdAt, updatedAt               int64
	)
	err := row.Scan(&t.ID, &t.OutcomeID, &t.Title, &t.Description, &t.Prompt, &t.AgentRole,
		&t.Status, &t.Priority, &t.Score, &t.Attempts, &t.MaxAttempts, &claimedBy, &claimedAt,
		&t.Phase, &t.CapabilityType, &decomposition, &fromTask,
		&t.Result, &t.LastError, &completedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.ClaimedBy = claimedBy.String
	t.ClaimedAt = fromNullUnix(claimedAt)
	t.DecompositionStatus = scheduler.DecompositionStatus(decomposition.String)
	t.DecomposedFromTaskID = fromTask.String
	t.CompletedAt = fromNullUnix(completedAt)
	t.CreatedAt = fromUnix(createdAt)
	t.UpdatedAt = fromUnix(updatedAt)
	t.DependsOn = scheduler.DependencyList{}
	return &t, nil
}

// DeleteTask removes a task. Dependency lists of other tasks that name it are
// left in place and resolve as dangling.
func (s *SQLiteStore) DeleteTask(ctx context.Context, taskID string) error {
	ok, err := applied(s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID))
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", taskID, err)
	}
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, scheduler.ErrTaskNotFound)
	}
	return nil
}

// SetDependencies replaces a task's dependency list.
func (s *SQLiteStore) SetDependencies(ctx context.Context, taskID string, deps scheduler.DependencyList) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := applied(tx.ExecContext(ctx,
			`UPDATE tasks SET updated_at = ? WHERE id = ?`, toUnix(time.Now()), taskID))
		if err != nil {
			return fmt.Errorf("failed to touch task %s: %w", taskID, err)
		}
		if !ok {
			return fmt.Errorf("task %s: %w", taskID, scheduler.ErrTaskNotFound)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, taskID); err != nil {
			return fmt.Errorf("failed to delete old dependencies: %w", err)
		}
		return insertDependencies(ctx, tx, taskID, deps)
	})
}

// UpdateTaskPriority changes the claim ordering of a task.
func (s *SQLiteStore) UpdateTaskPriority(ctx context.Context, taskID string, priority int, score float64) error {
	ok, err := applied(s.db.ExecContext(ctx,
		`UPDATE tasks SET priority = ?, score = ?, updated_at = ? WHERE id = ?`,
		priority, score, toUnix(time.Now()), taskID))
	if err != nil {
		return fmt.Errorf("failed to update priority of %s: %w", taskID, err)
	}
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, scheduler.ErrTaskNotFound)
	}
	return nil
}

// ClaimTask moves a task from pending to claimed in a single conditional
// update. It applies only while the task is still pending, every existing
// dependency is completed, and the worker is bound to the task's outcome and
// not terminal. A false result is a lost race, not an error.
func (s *SQLiteStore) ClaimTask(ctx context.Context, taskID, workerID string, at time.Time) (bool, error) {
	var claimed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := applied(tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'claimed', claimed_by = ?, claimed_at = ?, updated_at = ?
			WHERE id = ?
			  AND status = 'pending'
			  AND EXISTS (
				SELECT 1 FROM workers w
				WHERE w.id = ?
				  AND w.outcome_id = tasks.outcome_id
				  AND w.status = 'running'
			  )
			  AND NOT EXISTS (
				SELECT 1 FROM task_dependencies d
				JOIN tasks dep ON dep.id = d.depends_on_id
				WHERE d.task_id = tasks.id AND dep.status <> 'completed'
			  )
		`, workerID, toUnix(at), toUnix(at), taskID, workerID))
		if err != nil {
			return fmt.Errorf("failed to claim task %s: %w", taskID, err)
		}
		if !ok {
			return nil
		}
		claimed = true
		if _, err := tx.ExecContext(ctx,
			`UPDATE workers SET current_task_id = ?, updated_at = ? WHERE id = ?`,
			taskID, toUnix(at), workerID); err != nil {
			return fmt.Errorf("failed to point worker %s at task %s: %w", workerID, taskID, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// StartTask moves a claimed task to running and counts the attempt. A task
// whose attempts already reached max_attempts never starts again.
func (s *SQLiteStore) StartTask(ctx context.Context, taskID, workerID string, at time.Time) (bool, error) {
	ok, err := applied(s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'running', attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = 'claimed' AND claimed_by = ?
		  AND attempts < max_attempts
	`, toUnix(at), taskID, workerID))
	if err != nil {
		return false, fmt.Errorf("failed to start task %s: %w", taskID, err)
	}
	return ok, nil
}

// CompleteTask finishes a running task successfully and releases ownership.
func (s *SQLiteStore) CompleteTask(ctx context.Context, taskID, workerID, result string, at time.Time) (bool, error) {
	var done bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := applied(tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'completed', claimed_by = NULL, claimed_at = NULL,
				result = ?, last_error = '', completed_at = ?, updated_at = ?
			WHERE id = ? AND status = 'running' AND claimed_by = ?
		`, result, toUnix(at), toUnix(at), taskID, workerID))
		if err != nil {
			return fmt.Errorf("failed to complete task %s: %w", taskID, err)
		}
		if !ok {
			return nil
		}
		done = true
		return clearCurrentTask(ctx, tx, workerID, taskID, at)
	})
	if err != nil {
		return false, err
	}
	return done, nil
}

// FailTaskAttempt ends a running attempt unsuccessfully. The task returns to
// pending while attempts remain and becomes failed once attempts reach
// max_attempts. The resulting status is returned.
func (s *SQLiteStore) FailTaskAttempt(ctx context.Context, taskID, workerID, errMsg string, at time.Time) (scheduler.TaskStatus, bool, error) {
	var status scheduler.TaskStatus
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			UPDATE tasks
			SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
				claimed_by = NULL, claimed_at = NULL, last_error = ?, updated_at = ?
			WHERE id = ? AND status = 'running' AND claimed_by = ?
			RETURNING status
		`, errMsg, toUnix(at), taskID, workerID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to record failed attempt of %s: %w", taskID, err)
		}
		return clearCurrentTask(ctx, tx, workerID, taskID, at)
	})
	if err != nil {
		return "", false, err
	}
	return status, status != "", nil
}

// ReleaseTask hands a claimed but not yet started task back to the pool.
func (s *SQLiteStore) ReleaseTask(ctx context.Context, taskID, workerID string, at time.Time) (bool, error) {
	var released bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := applied(tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'pending', claimed_by = NULL, claimed_at = NULL, updated_at = ?
			WHERE id = ? AND status = 'claimed' AND claimed_by = ?
		`, toUnix(at), taskID, workerID))
		if err != nil {
			return fmt.Errorf("failed to release task %s: %w", taskID, err)
		}
		if !ok {
			return nil
		}
		released = true
		return clearCurrentTask(ctx, tx, workerID, taskID, at)
	})
	if err != nil {
		return false, err
	}
	return released, nil
}

// ResetTask manually returns a failed task to pending with a fresh retry budget.
func (s *SQLiteStore) ResetTask(ctx context.Context, taskID string, at time.Time) (bool, error) {
	ok, err := applied(s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'pending', attempts = 0, last_error = '', updated_at = ?
		WHERE id = ? AND status = 'failed'
	`, toUnix(at), taskID))
	if err != nil {
		return false, fmt.Errorf("failed to reset task %s: %w", taskID, err)
	}
	return ok, nil
}

// ResetOrphanedTask takes an owned task away from claimedBy. The interrupted
// attempt stays counted: the task returns to pending while attempts remain
// and a running task fails with reason once they are spent. deadPid is the pid the caller
// judged dead (0 for none); the reset is refused when the owner is running
// under any other pid, so a worker that came back since stays untouched.
func (s *SQLiteStore) ResetOrphanedTask(ctx context.Context, taskID, claimedBy string, deadPid int, reason string, at time.Time) (scheduler.TaskStatus, bool, error) {
	var status scheduler.TaskStatus
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			UPDATE tasks
			SET status = CASE WHEN status = 'running' AND attempts >= max_attempts
					THEN 'failed' ELSE 'pending' END,
				last_error = CASE WHEN status = 'running' AND attempts >= max_attempts
					THEN ? ELSE last_error END,
				claimed_by = NULL, claimed_at = NULL, updated_at = ?
			WHERE id = ? AND status IN ('claimed', 'running') AND claimed_by = ?
			  AND NOT EXISTS (
				SELECT 1 FROM workers w
				WHERE w.id = tasks.claimed_by
				  AND w.status = 'running'
				  AND COALESCE(w.pid, 0) NOT IN (0, ?)
			  )
			RETURNING status
		`, reason, toUnix(at), taskID, claimedBy, deadPid).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to reset orphaned task %s: %w", taskID, err)
		}
		return clearCurrentTask(ctx, tx, claimedBy, taskID, at)
	})
	if err != nil {
		return "", false, err
	}
	return status, status != "", nil
}

func clearCurrentTask(ctx context.Context, q queryer, workerID, taskID string, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE workers SET current_task_id = NULL, updated_at = ?
		WHERE id = ? AND current_task_id = ?
	`, toUnix(at), workerID, taskID)
	if err != nil {
		return fmt.Errorf("failed to clear current task of worker %s: %w", workerID, err)
	}
	return nil
}

// BeginDecomposition takes the expansion lock on a task. It fails (false) while
// another expansion is in progress or after one has completed.
func (s *SQLiteStore) BeginDecomposition(ctx context.Context, taskID string, at time.Time) (bool, error) {
	ok, err := applied(s.db.ExecContext(ctx, `
		UPDATE tasks SET decomposition_status = 'in_progress', updated_at = ?
		WHERE id = ? AND (decomposition_status IS NULL OR decomposition_status = 'failed')
	`, toUnix(at), taskID))
	if err != nil {
		return false, fmt.Errorf("failed to begin decomposition of %s: %w", taskID, err)
	}
	return ok, nil
}

// CompleteDecomposition releases the lock and inserts the subtasks atomically.
func (s *SQLiteStore) CompleteDecomposition(ctx context.Context, taskID string, subtasks []*scheduler.Task, at time.Time) (bool, error) {
	var done bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := applied(tx.ExecContext(ctx, `
			UPDATE tasks SET decomposition_status = 'completed', updated_at = ?
			WHERE id = ? AND decomposition_status = 'in_progress'
		`, toUnix(at), taskID))
		if err != nil {
			return fmt.Errorf("failed to complete decomposition of %s: %w", taskID, err)
		}
		if !ok {
			return nil
		}
		for _, sub := range subtasks {
			sub.DecomposedFromTaskID = taskID
		}
		if err := insertTasks(ctx, tx, subtasks); err != nil {
			return err
		}
		done = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return done, nil
}

// FailDecomposition releases the lock so a later expansion may retry.
func (s *SQLiteStore) FailDecomposition(ctx context.Context, taskID string, at time.Time) (bool, error) {
	ok, err := applied(s.db.ExecContext(ctx, `
		UPDATE tasks SET decomposition_status = 'failed', updated_at = ?
		WHERE id = ? AND decomposition_status = 'in_progress'
	`, toUnix(at), taskID))
	if err != nil {
		return false, fmt.Errorf("failed to fail decomposition of %s: %w", taskID, err)
	}
	return ok, nil
}

// DependencyMutator computes a task's new dependency list from a snapshot of
// its outcome taken under the write lock.
type DependencyMutator func(task *scheduler.Task, outcomeTasks []*scheduler.Task) (scheduler.DependencyList, error)

// MutateDependencies reads the task's outcome, lets fn decide the new
// dependency list and writes it, all inside one IMMEDIATE transaction. Two
// concurrent edits are therefore checked against each other's result, which
// keeps a pair of individually valid edges from jointly closing a cycle.
// A non-nil error from fn aborts without writing.
func (s *SQLiteStore) MutateDependencies(ctx context.Context, taskID string, fn DependencyMutator) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var outcomeID string
		err := tx.QueryRowContext(ctx, `SELECT outcome_id FROM tasks WHERE id = ?`, taskID).Scan(&outcomeID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", taskID, scheduler.ErrTaskNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to query task %s: %w", taskID, err)
		}

		tasks, err := queryTasks(ctx, tx, `t.outcome_id = ?`, outcomeID)
		if err != nil {
			return err
		}
		var task *scheduler.Task
		for _, t := range tasks {
			if t.ID == taskID {
				task = t
			}
		}
		if task == nil {
			return fmt.Errorf("task %s: %w", taskID, scheduler.ErrTaskNotFound)
		}

		deps, err := fn(task, tasks)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, taskID); err != nil {
			return fmt.Errorf("failed to delete old dependencies: %w", err)
		}
		if err := insertDependencies(ctx, tx, taskID, deps); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE tasks SET updated_at = ? WHERE id = ?`, toUnix(time.Now()), taskID)
		if err != nil {
			return fmt.Errorf("failed to touch task %s: %w", taskID, err)
		}
		return nil
	})
}
