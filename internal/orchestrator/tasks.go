package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/convoy/internal/events"
	"github.com/aristath/convoy/internal/scheduler"
)

// FinishResult reports how an attempt ended.
type FinishResult struct {
	Success bool
	Output  string // Stored as the task result on success
	Err     error  // Stored as last_error on failure
}

// DependencyReport describes the outcome of AddDependencies.
type DependencyReport struct {
	Added    []string
	Rejected []scheduler.CycleRejection
}

// CreateTask validates and inserts a single task. See CreateTasks.
func (e *Engine) CreateTask(ctx context.Context, task *scheduler.Task) (*scheduler.Task, error) {
	created, err := e.CreateTasks(ctx, task)
	if err != nil {
		return nil, err
	}
	return created[0], nil
}

// CreateTasks inserts a batch of pending tasks into their outcomes. Members
// may depend on each other. Every dependency problem of every task is
// collected first; if any exist nothing is written and a
// *scheduler.ValidationError is returned per offending task (joined).
func (e *Engine) CreateTasks(ctx context.Context, tasks ...*scheduler.Task) ([]*scheduler.Task, error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	prepared := make([]*scheduler.Task, len(tasks))
	for i, t := range tasks {
		prepared[i] = e.prepareTask(t)
	}

	if err := e.validateBatch(ctx, prepared); err != nil {
		return nil, err
	}
	if err := e.store.CreateTasks(ctx, prepared...); err != nil {
		return nil, err
	}

	for _, t := range prepared {
		e.logger.Debug("task created",
			zap.String("task_id", t.ID),
			zap.String("outcome_id", t.OutcomeID),
			zap.String("phase", string(t.Phase)))
	}
	e.syncTouchedOutcomes(ctx, prepared)
	return prepared, nil
}

func (e *Engine) prepareTask(in *scheduler.Task) *scheduler.Task {
	t := in.Clone()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = e.defaultMaxAttempts
	}
	if t.Priority == 0 {
		t.Priority = e.defaultPriority
	}
	if t.Phase == "" {
		t.Phase = scheduler.PhaseExecution
	}
	t.Status = scheduler.TaskPending
	t.Attempts = 0
	t.ClaimedBy = ""
	t.ClaimedAt = nil
	t.CompletedAt = nil
	t.DecompositionStatus = scheduler.DecompositionNone
	now := e.now()
	t.CreatedAt = now
	t.UpdatedAt = now
	return t
}

// validateBatch checks references against the stored outcome plus the batch,
// then adds batch edges one at a time so a cycle among new tasks is reported
// against the edge that closes it.
func (e *Engine) validateBatch(ctx context.Context, batch []*scheduler.Task) error {
	known := make(map[string]*scheduler.Task)
	loaded := make(map[string]bool)
	for _, t := range batch {
		if loaded[t.OutcomeID] {
			continue
		}
		loaded[t.OutcomeID] = true
		if _, err := e.store.GetOutcome(ctx, t.OutcomeID); err != nil {
			return err
		}
		existing, err := e.store.ListTasksByOutcome(ctx, t.OutcomeID)
		if err != nil {
			return err
		}
		for _, x := range existing {
			known[x.ID] = x
		}
	}
	for _, t := range batch {
		if _, dup := known[t.ID]; dup {
			return fmt.Errorf("task %s already exists", t.ID)
		}
		known[t.ID] = t
	}
	lookup := func(id string) (*scheduler.Task, bool) {
		if t, ok := known[id]; ok {
			return t, true
		}
		t, err := e.store.GetTask(ctx, id)
		if err != nil {
			return nil, false
		}
		return t, true
	}

	var errs []error
	for _, t := range batch {
		problems := scheduler.ValidateDependencies(t.OutcomeID, t.ID, t.DependsOn.Strings(), lookup)
		if err := scheduler.NewValidationError(t.ID, problems); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	// Working copies start with no batch edges; each edge is checked against
	// the graph built from the edges accepted so far.
	working := make(map[string][]*scheduler.Task)
	pending := make(map[string]*scheduler.Task, len(batch))
	for _, t := range known {
		if _, isNew := findTask(batch, t.ID); isNew {
			cp := t.Clone()
			cp.DependsOn = scheduler.DependencyList{}
			pending[t.ID] = cp
			working[t.OutcomeID] = append(working[t.OutcomeID], cp)
			continue
		}
		working[t.OutcomeID] = append(working[t.OutcomeID], t)
	}
	for _, t := range batch {
		var problems []string
		for _, depID := range t.DependsOn {
			g := scheduler.NewGraph(working[t.OutcomeID])
			if rejected := g.DetectCycles(t.ID, []string{depID}); len(rejected) > 0 {
				problems = append(problems, rejected[0].String())
				continue
			}
			cp := pending[t.ID]
			cp.DependsOn = cp.DependsOn.Append(depID)
		}
		if err := scheduler.NewValidationError(t.ID, problems); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func findTask(tasks []*scheduler.Task, id string) (*scheduler.Task, bool) {
	for _, t := range tasks {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// GetTask returns a task by id.
func (e *Engine) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	return e.store.GetTask(ctx, taskID)
}

// ListTasks returns every task of an outcome.
func (e *Engine) ListTasks(ctx context.Context, outcomeID string) ([]*scheduler.Task, error) {
	return e.store.ListTasksByOutcome(ctx, outcomeID)
}

// ListClaimable returns the outcome's pending tasks that are neither blocked
// nor capability-gated, in claim order. Computed fresh on every call.
func (e *Engine) ListClaimable(ctx context.Context, outcomeID string) ([]*scheduler.Task, error) {
	_, g, readiness, err := e.outcomeSnapshot(ctx, outcomeID)
	if err != nil {
		return nil, err
	}
	claimable := g.Claimable(readiness)
	if claimable == nil {
		claimable = []*scheduler.Task{}
	}
	return claimable, nil
}

// Claim gives workerID the most urgent claimable task of outcomeID.
// (nil, false, nil) means no work is available right now, including when
// another worker won the race for the selected task; the caller re-polls.
func (e *Engine) Claim(ctx context.Context, outcomeID, workerID string) (*scheduler.Task, bool, error) {
	if err := e.checkReady(); err != nil {
		return nil, false, err
	}
	if err := e.checkClaimant(ctx, outcomeID, workerID); err != nil {
		return nil, false, err
	}

	_, g, readiness, err := e.outcomeSnapshot(ctx, outcomeID)
	if err != nil {
		return nil, false, err
	}
	claimable := g.Claimable(readiness)
	if len(claimable) == 0 {
		return nil, false, nil
	}
	return e.claim(ctx, claimable[0], workerID)
}

// ClaimTask is the targeted form of Claim for one task id.
func (e *Engine) ClaimTask(ctx context.Context, taskID, workerID string) (*scheduler.Task, bool, error) {
	if err := e.checkReady(); err != nil {
		return nil, false, err
	}
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	if err := e.checkClaimant(ctx, task.OutcomeID, workerID); err != nil {
		return nil, false, err
	}

	_, g, readiness, err := e.outcomeSnapshot(ctx, task.OutcomeID)
	if err != nil {
		return nil, false, err
	}
	current, ok := g.Get(taskID)
	if !ok || current.Status != scheduler.TaskPending {
		return nil, false, nil
	}
	if scheduler.IsGated(current, readiness) || g.IsBlocked(taskID) {
		return nil, false, nil
	}
	return e.claim(ctx, current, workerID)
}

func (e *Engine) checkClaimant(ctx context.Context, outcomeID, workerID string) error {
	worker, err := e.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if worker.Status != scheduler.WorkerRunning {
		return fmt.Errorf("worker %s is %s: %w", workerID, worker.Status, scheduler.ErrWorkerInactive)
	}
	if worker.OutcomeID != outcomeID {
		return fmt.Errorf("worker %s belongs to outcome %s, not %s: %w", workerID, worker.OutcomeID, outcomeID, ErrOutcomeMismatch)
	}
	return nil
}

func (e *Engine) claim(ctx context.Context, candidate *scheduler.Task, workerID string) (*scheduler.Task, bool, error) {
	at := e.now()
	ok, err := e.store.ClaimTask(ctx, candidate.ID, workerID, at)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		e.logger.Debug("claim lost",
			zap.String("task_id", candidate.ID),
			zap.String("worker_id", workerID))
		return nil, false, nil
	}

	task, err := e.store.GetTask(ctx, candidate.ID)
	if err != nil {
		return nil, false, err
	}
	e.logger.Debug("task claimed",
		zap.String("task_id", task.ID),
		zap.String("outcome_id", task.OutcomeID),
		zap.String("worker_id", workerID))
	e.bus.Emit(events.TaskClaimedEvent{ID: task.ID, Outcome: task.OutcomeID, WorkerID: workerID, Timestamp: at})
	e.afterStatusChange(ctx, task)
	return task, true, nil
}

// Start begins an attempt on a task workerID has claimed.
func (e *Engine) Start(ctx context.Context, taskID, workerID string) (*scheduler.Task, error) {
	at := e.now()
	ok, err := e.store.StartTask(ctx, taskID, workerID, at)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, e.transitionError(ctx, taskID, workerID, scheduler.TaskRunning)
	}

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("task started",
		zap.String("task_id", task.ID),
		zap.String("worker_id", workerID),
		zap.Int("attempt", task.Attempts))
	e.bus.Emit(events.TaskStartedEvent{
		ID:        task.ID,
		Outcome:   task.OutcomeID,
		WorkerID:  workerID,
		Title:     task.Title,
		AgentRole: task.AgentRole,
		Attempt:   task.Attempts,
		Timestamp: at,
	})
	e.afterStatusChange(ctx, task)
	return task, nil
}

// Finish ends the running attempt of workerID on a task. A failed attempt
// returns the task to pending while attempts remain and fails it terminally
// once attempts reach max_attempts.
func (e *Engine) Finish(ctx context.Context, taskID, workerID string, res FinishResult) (*scheduler.Task, error) {
	at := e.now()

	if res.Success {
		var took time.Duration
		if prior, err := e.store.GetTask(ctx, taskID); err == nil && prior.ClaimedAt != nil {
			took = at.Sub(*prior.ClaimedAt)
		}
		ok, err := e.store.CompleteTask(ctx, taskID, workerID, res.Output, at)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, e.transitionError(ctx, taskID, workerID, scheduler.TaskCompleted)
		}
		task, err := e.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		e.logger.Debug("task completed", zap.String("task_id", taskID), zap.String("worker_id", workerID))
		e.bus.Emit(events.TaskCompletedEvent{
			ID: taskID, Outcome: task.OutcomeID, WorkerID: workerID,
			Result: res.Output, Duration: took, Timestamp: at,
		})
		e.afterStatusChange(ctx, task)
		return task, nil
	}

	msg := "attempt failed"
	if res.Err != nil {
		msg = res.Err.Error()
	}
	status, ok, err := e.store.FailTaskAttempt(ctx, taskID, workerID, msg, at)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, e.transitionError(ctx, taskID, workerID, scheduler.TaskFailed)
	}
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if status == scheduler.TaskFailed {
		e.logger.Warn("task exhausted retry budget",
			zap.String("task_id", taskID),
			zap.String("outcome_id", task.OutcomeID),
			zap.Int("attempts", task.Attempts),
			zap.String("last_error", msg))
		e.bus.Emit(events.TaskFailedEvent{
			ID: taskID, Outcome: task.OutcomeID, WorkerID: workerID,
			Attempts: task.Attempts, Err: msg, Timestamp: at,
		})
	} else {
		e.logger.Info("task attempt failed, will retry",
			zap.String("task_id", taskID),
			zap.Int("attempts", task.Attempts),
			zap.Int("max_attempts", task.MaxAttempts),
			zap.String("error", msg))
		e.bus.Emit(events.TaskRetriedEvent{
			ID: taskID, Outcome: task.OutcomeID, WorkerID: workerID,
			Attempts: task.Attempts, MaxAttempts: task.MaxAttempts, Err: msg, Timestamp: at,
		})
	}
	e.afterStatusChange(ctx, task)
	return task, nil
}

// Release hands a claimed, not yet started task back to the pool.
func (e *Engine) Release(ctx context.Context, taskID, workerID string) (*scheduler.Task, error) {
	ok, err := e.store.ReleaseTask(ctx, taskID, workerID, e.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, e.transitionError(ctx, taskID, workerID, scheduler.TaskPending)
	}
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	e.afterStatusChange(ctx, task)
	return task, nil
}

// ResetTask manually returns a failed task to pending with a fresh budget.
func (e *Engine) ResetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	ok, err := e.store.ResetTask(ctx, taskID, e.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, e.transitionError(ctx, taskID, "", scheduler.TaskPending)
	}
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	e.logger.Info("task reset", zap.String("task_id", taskID))
	e.afterStatusChange(ctx, task)
	return task, nil
}

// TransitionStatus moves a task along one edge of the state machine,
// dispatching to the matching operation. workerID is the acting worker for
// edges that require ownership; note is the result or error text.
func (e *Engine) TransitionStatus(ctx context.Context, taskID string, to scheduler.TaskStatus, workerID, note string) (*scheduler.Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := scheduler.CheckTransition(task.Status, to); err != nil {
		return nil, fmt.Errorf("task %s: %w", taskID, err)
	}

	switch {
	case to == scheduler.TaskClaimed:
		claimed, ok, err := e.ClaimTask(ctx, taskID, workerID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("task %s is not claimable", taskID)
		}
		return claimed, nil
	case to == scheduler.TaskRunning:
		return e.Start(ctx, taskID, workerID)
	case to == scheduler.TaskCompleted:
		return e.Finish(ctx, taskID, workerID, FinishResult{Success: true, Output: note})
	case task.Status == scheduler.TaskRunning:
		// running -> pending and running -> failed are both a failed attempt;
		// the retry budget decides which one happens.
		var cause error
		if note != "" {
			cause = errors.New(note)
		}
		return e.Finish(ctx, taskID, workerID, FinishResult{Err: cause})
	case task.Status == scheduler.TaskClaimed:
		return e.Release(ctx, taskID, workerID)
	default:
		return e.ResetTask(ctx, taskID)
	}
}

func (e *Engine) transitionError(ctx context.Context, taskID, workerID string, to scheduler.TaskStatus) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if workerID != "" && task.Status.Owned() && task.ClaimedBy != workerID {
		return fmt.Errorf("task %s is owned by %s, not %s: %w", taskID, task.ClaimedBy, workerID, scheduler.ErrInvalidTransition)
	}
	if err := scheduler.CheckTransition(task.Status, to); err != nil {
		return fmt.Errorf("task %s: %w", taskID, err)
	}
	return fmt.Errorf("task %s: %w: %s -> %s rejected by store", taskID, scheduler.ErrInvalidTransition, task.Status, to)
}

// DeleteTask removes a task. Dependency lists naming it keep a dangling id,
// which no longer blocks.
func (e *Engine) DeleteTask(ctx context.Context, taskID string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := e.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	e.afterStatusChange(ctx, task)
	return nil
}

// ValidateDependencies reports every problem with ids as dependencies of a
// task in outcomeID. taskID may be empty for a task not yet created.
func (e *Engine) ValidateDependencies(ctx context.Context, outcomeID, taskID string, ids []string) ([]string, error) {
	tasks, err := e.store.ListTasksByOutcome(ctx, outcomeID)
	if err != nil {
		return nil, err
	}
	g := scheduler.NewGraph(tasks)
	lookup := func(id string) (*scheduler.Task, bool) {
		if t, ok := g.Get(id); ok {
			return t, true
		}
		t, err := e.store.GetTask(ctx, id)
		if err != nil {
			return nil, false
		}
		return t, true
	}
	problems := scheduler.ValidateDependencies(outcomeID, taskID, ids, lookup)
	if problems == nil {
		problems = []string{}
	}
	return problems, nil
}

// DetectCycles reports which candidate dependencies of taskID would close a
// cycle, each evaluated on its own against the current graph.
func (e *Engine) DetectCycles(ctx context.Context, taskID string, candidates []string) ([]scheduler.CycleRejection, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	_, g, _, err := e.outcomeSnapshot(ctx, task.OutcomeID)
	if err != nil {
		return nil, err
	}
	return g.DetectCycles(taskID, candidates), nil
}

// AddDependencies appends ids to a task's dependency list. Invalid references
// reject the whole batch with a *scheduler.ValidationError; cyclic edges are
// skipped individually and reported while the remaining edges are applied.
// Validation and the write happen under one store transaction.
func (e *Engine) AddDependencies(ctx context.Context, taskID string, ids []string) (DependencyReport, error) {
	var report DependencyReport

	// Resolve ids up front: the store must not be queried again while the
	// mutation transaction holds the write lock.
	resolved := make(map[string]*scheduler.Task, len(ids))
	for _, id := range ids {
		if t, err := e.store.GetTask(ctx, id); err == nil {
			resolved[id] = t
		}
	}

	err := e.store.MutateDependencies(ctx, taskID, func(task *scheduler.Task, outcomeTasks []*scheduler.Task) (scheduler.DependencyList, error) {
		report = DependencyReport{}
		g := scheduler.NewGraph(outcomeTasks)

		// Ids already present are accepted silently.
		fresh := make([]string, 0, len(ids))
		for _, id := range ids {
			if !task.DependsOn.Contains(id) {
				fresh = append(fresh, id)
			}
		}
		lookup := func(id string) (*scheduler.Task, bool) {
			if t, ok := g.Get(id); ok {
				return t, true
			}
			t, ok := resolved[id]
			return t, ok
		}
		if err := scheduler.NewValidationError(taskID,
			scheduler.ValidateDependencies(task.OutcomeID, taskID, fresh, lookup)); err != nil {
			return nil, err
		}

		deps := task.DependsOn.Clone()
		for _, id := range fresh {
			// Re-check against the edges accepted so far in this batch.
			cp := task.Clone()
			cp.DependsOn = deps
			snapshot := replaceTask(outcomeTasks, cp)
			if rejected := scheduler.NewGraph(snapshot).DetectCycles(taskID, []string{id}); len(rejected) > 0 {
				report.Rejected = append(report.Rejected, rejected...)
				continue
			}
			deps = deps.Append(id)
			report.Added = append(report.Added, id)
		}
		return deps, nil
	})
	if err != nil {
		return DependencyReport{}, err
	}

	for _, r := range report.Rejected {
		e.logger.Info("dependency rejected", zap.String("task_id", taskID), zap.String("reason", r.String()))
	}
	return report, nil
}

func replaceTask(tasks []*scheduler.Task, replacement *scheduler.Task) []*scheduler.Task {
	out := make([]*scheduler.Task, len(tasks))
	for i, t := range tasks {
		if t.ID == replacement.ID {
			out[i] = replacement
			continue
		}
		out[i] = t
	}
	return out
}

// BlockingTasks returns the incomplete dependencies of a task.
func (e *Engine) BlockingTasks(ctx context.Context, taskID string) ([]*scheduler.Task, error) {
	g, err := e.graphFor(ctx, taskID)
	if err != nil {
		return nil, err
	}
	blocking := g.BlockingTasks(taskID)
	if blocking == nil {
		blocking = []*scheduler.Task{}
	}
	return blocking, nil
}

// DependencyChain returns every transitive dependency of a task, nearest first.
func (e *Engine) DependencyChain(ctx context.Context, taskID string) ([]string, error) {
	g, err := e.graphFor(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return nonNil(g.DependencyChain(taskID)), nil
}

// Dependents returns every task that transitively waits on taskID.
func (e *Engine) Dependents(ctx context.Context, taskID string) ([]string, error) {
	g, err := e.graphFor(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return nonNil(g.Dependents(taskID)), nil
}

// Unblocks returns the tasks that become claimable-by-dependency once taskID completes.
func (e *Engine) Unblocks(ctx context.Context, taskID string) ([]string, error) {
	g, err := e.graphFor(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return nonNil(g.Unblocks(taskID)), nil
}

// ExecutionOrder returns a topological order of the outcome's tasks.
func (e *Engine) ExecutionOrder(ctx context.Context, outcomeID string) ([]string, error) {
	_, g, _, err := e.outcomeSnapshot(ctx, outcomeID)
	if err != nil {
		return nil, err
	}
	return g.ExecutionOrder()
}

func (e *Engine) graphFor(ctx context.Context, taskID string) (*scheduler.Graph, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	_, g, _, err := e.outcomeSnapshot(ctx, task.OutcomeID)
	return g, err
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// afterStatusChange keeps the cached capability readiness in line with a
// capability task that just moved, and publishes outcome progress.
func (e *Engine) afterStatusChange(ctx context.Context, task *scheduler.Task) {
	if task.IsCapability() {
		if _, err := e.SyncCapabilityStatus(ctx, task.OutcomeID); err != nil {
			e.logger.Error("capability sync failed",
				zap.String("outcome_id", task.OutcomeID), zap.Error(err))
		}
	}
	if e.bus != nil {
		e.publishProgress(ctx, task.OutcomeID)
	}
}

func (e *Engine) syncTouchedOutcomes(ctx context.Context, tasks []*scheduler.Task) {
	seen := make(map[string]bool)
	for _, t := range tasks {
		if seen[t.OutcomeID] {
			continue
		}
		seen[t.OutcomeID] = true
		e.afterStatusChange(ctx, t)
	}
}

func (e *Engine) publishProgress(ctx context.Context, outcomeID string) {
	tasks, err := e.store.ListTasksByOutcome(ctx, outcomeID)
	if err != nil {
		e.logger.Debug("progress snapshot failed", zap.String("outcome_id", outcomeID), zap.Error(err))
		return
	}
	counts := countTasks(tasks)
	e.bus.Emit(events.OutcomeProgressEvent{
		Outcome:   outcomeID,
		Total:     len(tasks),
		Pending:   counts[scheduler.TaskPending],
		Claimed:   counts[scheduler.TaskClaimed],
		Running:   counts[scheduler.TaskRunning],
		Completed: counts[scheduler.TaskCompleted],
		Failed:    counts[scheduler.TaskFailed],
		Timestamp: e.now(),
	})
}

func countTasks(tasks []*scheduler.Task) map[scheduler.TaskStatus]int {
	counts := make(map[scheduler.TaskStatus]int)
	for _, t := range tasks {
		counts[t.Status]++
	}
	return counts
}
