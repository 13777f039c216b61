package persistence

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/convoy/internal/scheduler"
)

// testStore creates an isolated in-memory store and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func seedOutcome(t *testing.T, store *SQLiteStore, id string) {
	t.Helper()
	require.NoError(t, store.CreateOutcome(context.Background(), &scheduler.Outcome{
		ID: id, Name: id, Status: scheduler.OutcomeActive,
	}))
}

func seedWorker(t *testing.T, store *SQLiteStore, id, outcomeID string) {
	t.Helper()
	require.NoError(t, store.CreateWorker(context.Background(), &scheduler.Worker{
		ID: id, OutcomeID: outcomeID, Name: id,
	}))
}

func seedRunningWorker(t *testing.T, store *SQLiteStore, id, outcomeID string, pid int) {
	t.Helper()
	require.NoError(t, store.CreateWorker(context.Background(), &scheduler.Worker{
		ID: id, OutcomeID: outcomeID, Name: id, Status: scheduler.WorkerRunning, Pid: pid,
	}))
}

func newTask(id, outcomeID string, deps ...string) *scheduler.Task {
	return &scheduler.Task{
		ID:          id,
		OutcomeID:   outcomeID,
		Title:       id,
		Priority:    100,
		MaxAttempts: 3,
		DependsOn:   scheduler.NewDependencyList(deps...),
	}
}

func TestCreateAndGetTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	seedOutcome(t, store, "o1")

	task := newTask("t1", "o1", "dep-b", "dep-a")
	task.Prompt = "Write code"
	task.AgentRole = "coder"
	task.Phase = scheduler.PhaseCapability
	task.CapabilityType = scheduler.CapabilitySkill
	task.Score = 1.5
	require.NoError(t, store.CreateTasks(ctx, task))

	got, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "o1", got.OutcomeID)
	assert.Equal(t, "Write code", got.Prompt)
	assert.Equal(t, "coder", got.AgentRole)
	assert.Equal(t, scheduler.TaskPending, got.Status)
	assert.Equal(t, scheduler.PhaseCapability, got.Phase)
	assert.Equal(t, scheduler.CapabilitySkill, got.CapabilityType)
	assert.Equal(t, 1.5, got.Score)
	assert.Equal(t, 3, got.MaxAttempts)
	// Dependency order is preserved, and dangling ids are stored as-is.
	assert.Equal(t, []string{"dep-b", "dep-a"}, got.DependsOn.Strings())
	assert.Empty(t, got.ClaimedBy)
	assert.Nil(t, got.ClaimedAt)
	assert.Equal(t, task.CreatedAt.UnixNano(), got.CreatedAt.UnixNano())
}

func TestGetTaskNotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, scheduler.ErrTaskNotFound)
}

func TestCreateTaskRequiresOutcome(t *testing.T) {
	store := testStore(t)

	err := store.CreateTasks(context.Background(), newTask("t1", "nope"))
	assert.ErrorIs(t, err, scheduler.ErrOutcomeNotFound)
}

func TestCreateTasksIsAtomic(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	seedOutcome(t, store, "o1")

	err := store.CreateTasks(ctx, newTask("t1", "o1"), newTask("t1", "o1"))
	require.Error(t, err)

	tasks, err := store.ListTasksByOutcome(ctx, "o1")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestListTasks(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	seedOutcome(t, store, "o1")
	seedOutcome(t, store, "o2")

	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		task := newTask(id, "o1")
		task.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		if id == "c" {
			task.DependsOn = scheduler.NewDependencyList("a", "b")
		}
		require.NoError(t, store.CreateTasks(ctx, task))
	}
	require.NoError(t, store.CreateTasks(ctx, newTask("x", "o2")))

	tasks, err := store.ListTasksByOutcome(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "a", tasks[0].ID)
	assert.Equal(t, []string{"a", "b"}, tasks[2].DependsOn.Strings())
	assert.Empty(t, tasks[0].DependsOn)

	pending, err := store.ListTasksByStatus(ctx, scheduler.TaskPending)
	require.NoError(t, err)
	assert.Len(t, pending, 4)

	none, err := store.ListTasksByStatus(ctx, scheduler.TaskRunning)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSetDependenciesAndDelete(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	seedOutcome(t, store, "o1")
	require.NoError(t, store.CreateTasks(ctx, newTask("a", "o1"), newTask("b", "o1", "a")))

	require.NoError(t, store.SetDependencies(ctx, "b", scheduler.NewDependencyList()))
	b, err := store.GetTask(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, b.DependsOn)

	require.NoError(t, store.SetDependencies(ctx, "b", scheduler.NewDependencyList("a")))
	require.NoError(t, store.DeleteTask(ctx, "a"))

	// The edge to the deleted task survives as a dangling id.
	b, err = store.GetTask(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, b.DependsOn.Strings())

	assert.ErrorIs(t, store.DeleteTask(ctx, "a"), scheduler.ErrTaskNotFound)
	assert.ErrorIs(t, store.SetDependencies(ctx, "a", nil), scheduler.ErrTaskNotFound)
}

func TestTaskLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()
	seedOutcome(t, store, "o1")
	seedRunningWorker(t, store, "w1", "o1", 10)
	require.NoError(t, store.CreateTasks(ctx, newTask("t1", "o1")))

	ok, err := store.StartTask(ctx, "t1", "w1", now)
	require.NoError(t, err)
	assert.False(t, ok, "pending task cannot start")

	ok, err = store.ClaimTask(ctx, "t1", "w1", now)
	require.NoError(t, err)
	require.True(t, ok)

	task, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskClaimed, task.Status)
	assert.Equal(t, "w1", task.ClaimedBy)
	require.NotNil(t, task.ClaimedAt)

	worker, err := store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "t1", worker.CurrentTaskID)

	ok, err = store.StartTask(ctx, "t1", "other", now)
	require.NoError(t, err)
	assert.False(t, ok, "only the claimant can start")

	ok, err = store.StartTask(ctx, "t1", "w1", now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.CompleteTask(ctx, "t1", "w1", "done", now)
	require.NoError(t, err)
	require.True(t, ok)

	task, err = store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskCompleted, task.Status)
	assert.Equal(t, 1, task.Attempts)
	assert.Equal(t, "done", task.Result)
	assert.Empty(t, task.ClaimedBy)
	assert.Nil(t, task.ClaimedAt)
	assert.NotNil(t, task.CompletedAt)

	worker, err = store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Empty(t, worker.CurrentTaskID)
}

func TestClaimRespectsDependenciesAndWorker(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()
	seedOutcome(t, store, "o1")
	seedOutcome(t, store, "o2")
	seedRunningWorker(t, store, "w1", "o1", 10)
	seedRunningWorker(t, store, "w2", "o2", 20)
	seedWorker(t, store, "idle", "o1")
	require.NoError(t, store.CreateTasks(ctx,
		newTask("a", "o1"),
		newTask("b", "o1", "a"),
		newTask("c", "o1", "gone"),
	))

	ok, err := store.ClaimTask(ctx, "b", "w1", now)
	require.NoError(t, err)
	assert.False(t, ok, "blocked by a")

	ok, err = store.ClaimTask(ctx, "c", "w1", now)
	require.NoError(t, err)
	assert.True(t, ok, "dangling dependency does not block")

	ok, err = store.ClaimTask(ctx, "a", "w2", now)
	require.NoError(t, err)
	assert.False(t, ok, "worker of another outcome")

	ok, err = store.ClaimTask(ctx, "a", "idle", now)
	require.NoError(t, err)
	assert.False(t, ok, "worker that never started running")

	paused := scheduler.WorkerPaused
	require.NoError(t, store.UpdateWorker(ctx, "w2", scheduler.WorkerUpdate{Status: &paused}, now))
	require.NoError(t, store.CreateTasks(ctx, newTask("d", "o2")))
	ok, err = store.ClaimTask(ctx, "d", "w2", now)
	require.NoError(t, err)
	assert.False(t, ok, "paused worker")

	failed := scheduler.WorkerFailed
	require.NoError(t, store.UpdateWorker(ctx, "w1", scheduler.WorkerUpdate{Status: &failed}, now))
	ok, err = store.ClaimTask(ctx, "a", "w1", now)
	require.NoError(t, err)
	assert.False(t, ok, "terminal worker")

	ok, err = store.ClaimTask(ctx, "a", "ghost", now)
	require.NoError(t, err)
	assert.False(t, ok, "unknown worker")
}

func TestFailTaskAttemptRetryCap(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()
	seedOutcome(t, store, "o1")
	seedRunningWorker(t, store, "w1", "o1", 10)
	task := newTask("t1", "o1")
	task.MaxAttempts = 2
	require.NoError(t, store.CreateTasks(ctx, task))

	run := func() (scheduler.TaskStatus, bool) {
		ok, err := store.ClaimTask(ctx, "t1", "w1", now)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = store.StartTask(ctx, "t1", "w1", now)
		require.NoError(t, err)
		require.True(t, ok)
		status, ok, err := store.FailTaskAttempt(ctx, "t1", "w1", "boom", now)
		require.NoError(t, err)
		return status, ok
	}

	status, ok := run()
	require.True(t, ok)
	assert.Equal(t, scheduler.TaskPending, status)

	status, ok = run()
	require.True(t, ok)
	assert.Equal(t, scheduler.TaskFailed, status)

	got, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "boom", got.LastError)
	assert.Empty(t, got.ClaimedBy)

	ok, err = store.ClaimTask(ctx, "t1", "w1", now)
	require.NoError(t, err)
	assert.False(t, ok, "failed tasks are never claimable")

	_, ok, err = store.FailTaskAttempt(ctx, "t1", "w1", "again", now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.ResetTask(ctx, "t1", now)
	require.NoError(t, err)
	require.True(t, ok)
	got, err = store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskPending, got.Status)
	assert.Zero(t, got.Attempts)
}

func TestReleaseAndResetOrphaned(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()
	seedOutcome(t, store, "o1")
	seedRunningWorker(t, store, "w1", "o1", 10)
	require.NoError(t, store.CreateTasks(ctx, newTask("t1", "o1")))

	ok, err := store.ClaimTask(ctx, "t1", "w1", now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.ReleaseTask(ctx, "t1", "w1", now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.ClaimTask(ctx, "t1", "w1", now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.StartTask(ctx, "t1", "w1", now)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = store.ResetOrphanedTask(ctx, "t1", "someone-else", 10, "gone", now)
	require.NoError(t, err)
	assert.False(t, ok, "ownership changed")

	status, ok, err := store.ResetOrphanedTask(ctx, "t1", "w1", 10, "gone", now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, scheduler.TaskPending, status)

	got, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskPending, got.Status)
	assert.Empty(t, got.ClaimedBy)
	assert.Nil(t, got.ClaimedAt)
	assert.Equal(t, 1, got.Attempts)
	assert.Empty(t, got.LastError, "attempts remain, so nothing failed")

	_, ok, err = store.ResetOrphanedTask(ctx, "t1", "w1", 10, "gone", now)
	require.NoError(t, err)
	assert.False(t, ok, "second reset is a no-op")
}

func TestResetOrphanedTaskFailsSpentTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()
	seedOutcome(t, store, "o1")
	seedRunningWorker(t, store, "w1", "o1", 10)
	task := newTask("t1", "o1")
	task.MaxAttempts = 1
	require.NoError(t, store.CreateTasks(ctx, task))

	ok, err := store.ClaimTask(ctx, "t1", "w1", now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.StartTask(ctx, "t1", "w1", now)
	require.NoError(t, err)
	require.True(t, ok)

	status, ok, err := store.ResetOrphanedTask(ctx, "t1", "w1", 10, "interrupted: process is gone", now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, scheduler.TaskFailed, status)

	got, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "interrupted: process is gone", got.LastError)
	assert.Empty(t, got.ClaimedBy)

	worker, err := store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Empty(t, worker.CurrentTaskID)
}

func TestResetOrphanedTaskSparesLiveOwner(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()
	seedOutcome(t, store, "o1")
	seedRunningWorker(t, store, "w1", "o1", 10)
	require.NoError(t, store.CreateTasks(ctx, newTask("t1", "o1")))

	ok, err := store.ClaimTask(ctx, "t1", "w1", now)
	require.NoError(t, err)
	require.True(t, ok)

	// The caller judged pid 9 dead, but the owner now runs as pid 10.
	_, ok, err = store.ResetOrphanedTask(ctx, "t1", "w1", 9, "gone", now)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = store.ResetOrphanedTask(ctx, "t1", "w1", 0, "gone", now)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskClaimed, got.Status)
	assert.Equal(t, "w1", got.ClaimedBy)

	status, ok, err := store.ResetOrphanedTask(ctx, "t1", "w1", 10, "gone", now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, scheduler.TaskPending, status)
}

func TestStartTaskRespectsRetryCap(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()
	seedOutcome(t, store, "o1")
	seedRunningWorker(t, store, "w1", "o1", 10)
	task := newTask("t1", "o1")
	task.MaxAttempts = 1
	task.Attempts = 1
	require.NoError(t, store.CreateTasks(ctx, task))

	ok, err := store.ClaimTask(ctx, "t1", "w1", now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.StartTask(ctx, "t1", "w1", now)
	require.NoError(t, err)
	assert.False(t, ok, "no attempts left")

	got, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskClaimed, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestDecompositionLock(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()
	seedOutcome(t, store, "o1")
	require.NoError(t, store.CreateTasks(ctx, newTask("big", "o1")))

	ok, err := store.BeginDecomposition(ctx, "big", now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.BeginDecomposition(ctx, "big", now)
	require.NoError(t, err)
	assert.False(t, ok, "lock already held")

	ok, err = store.FailDecomposition(ctx, "big", now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.BeginDecomposition(ctx, "big", now)
	require.NoError(t, err)
	require.True(t, ok, "failed expansion may be retried")

	ok, err = store.CompleteDecomposition(ctx, "big", []*scheduler.Task{
		newTask("part-1", "o1"),
		newTask("part-2", "o1", "part-1"),
	}, now)
	require.NoError(t, err)
	require.True(t, ok)

	parent, err := store.GetTask(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, scheduler.DecompositionCompleted, parent.DecompositionStatus)

	part, err := store.GetTask(ctx, "part-2")
	require.NoError(t, err)
	assert.Equal(t, "big", part.DecomposedFromTaskID)
	assert.Equal(t, []string{"part-1"}, part.DependsOn.Strings())

	ok, err = store.BeginDecomposition(ctx, "big", now)
	require.NoError(t, err)
	assert.False(t, ok, "completed expansion is final")
}

func TestWorkers(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()
	seedOutcome(t, store, "o1")
	seedWorker(t, store, "w1", "o1")
	seedWorker(t, store, "w2", "o1")

	_, err := store.GetWorker(ctx, "missing")
	assert.ErrorIs(t, err, scheduler.ErrWorkerNotFound)

	running := scheduler.WorkerRunning
	pid := 4242
	progress := "halfway"
	iteration := 3
	require.NoError(t, store.UpdateWorker(ctx, "w1", scheduler.WorkerUpdate{
		Status: &running, Pid: &pid, Heartbeat: &now, Progress: &progress, Iteration: &iteration,
	}, now))

	w, err := store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, scheduler.WorkerRunning, w.Status)
	assert.Equal(t, 4242, w.Pid)
	assert.Equal(t, "halfway", w.Progress)
	assert.Equal(t, 3, w.Iteration)
	require.NotNil(t, w.LastHeartbeat)
	require.NotNil(t, w.StartedAt)

	lower := 1
	require.NoError(t, store.UpdateWorker(ctx, "w1", scheduler.WorkerUpdate{Iteration: &lower}, now))
	w, err = store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 3, w.Iteration, "iteration never decreases")

	require.NoError(t, store.AddWorkerCost(ctx, "w1", 0.25, now))
	require.NoError(t, store.AddWorkerCost(ctx, "w1", 0.5, now))
	assert.ErrorIs(t, store.AddWorkerCost(ctx, "w1", -1, now), scheduler.ErrNegativeCost)
	w, err = store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.InDelta(t, 0.75, w.Cost, 1e-9)

	active, err := store.ListWorkers(ctx, "o1", scheduler.WorkerRunning)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "w1", active[0].ID)

	all, err := store.ListWorkers(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	assert.ErrorIs(t, store.UpdateWorker(ctx, "missing", scheduler.WorkerUpdate{}, now), scheduler.ErrWorkerNotFound)
}

func TestMarkWorkerOrphanedAndClearStalePid(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()
	seedOutcome(t, store, "o1")
	seedWorker(t, store, "w1", "o1")

	running := scheduler.WorkerRunning
	pid := 1234
	require.NoError(t, store.UpdateWorker(ctx, "w1", scheduler.WorkerUpdate{Status: &running, Pid: &pid}, now))

	ok, err := store.MarkWorkerOrphaned(ctx, "w1", 9999, now)
	require.NoError(t, err)
	assert.False(t, ok, "pid changed since the probe")

	ok, err = store.MarkWorkerOrphaned(ctx, "w1", 1234, now)
	require.NoError(t, err)
	require.True(t, ok)

	w, err := store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, scheduler.WorkerPaused, w.Status)
	assert.Zero(t, w.Pid)

	// A paused worker that still carries a pid gets it cleared once.
	require.NoError(t, store.UpdateWorker(ctx, "w1", scheduler.WorkerUpdate{Pid: &pid}, now))
	ok, err = store.ClearStalePid(ctx, "w1", now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.ClearStalePid(ctx, "w1", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOutcomes(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	seedOutcome(t, store, "root")
	require.NoError(t, store.CreateOutcome(ctx, &scheduler.Outcome{
		ID: "child", ParentID: "root", Name: "child", Status: scheduler.OutcomeDormant,
	}))

	_, err := store.GetOutcome(ctx, "missing")
	assert.ErrorIs(t, err, scheduler.ErrOutcomeNotFound)

	children, err := store.ListChildOutcomes(ctx, "root")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "root", children[0].ParentID)

	active, err := store.ListOutcomes(ctx, scheduler.OutcomeActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "root", active[0].ID)

	require.NoError(t, store.UpdateOutcomeStatus(ctx, "child", scheduler.OutcomeAchieved))
	assert.ErrorIs(t, store.UpdateOutcomeStatus(ctx, "missing", scheduler.OutcomeAchieved), scheduler.ErrOutcomeNotFound)

	ok, err := store.SetCapabilityReady(ctx, "root", scheduler.CapabilityInProgress)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetCapabilityReady(ctx, "root", scheduler.CapabilityInProgress)
	require.NoError(t, err)
	assert.False(t, ok, "unchanged value is not rewritten")

	root, err := store.GetOutcome(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, scheduler.CapabilityInProgress, root.CapabilityReady)
}

func TestReviewCycles(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	seedOutcome(t, store, "o1")

	for i, issues := range []int{5, 3, 0} {
		cycle := &scheduler.ReviewCycle{OutcomeID: "o1", IssuesFound: issues, TasksAdded: issues}
		if i == 2 {
			cycle.Verification = &scheduler.Verification{
				Passed: true,
				Checks: []scheduler.VerificationCheck{{Name: "tests", Passed: true}},
			}
		}
		require.NoError(t, store.AppendReviewCycle(ctx, cycle))
		assert.Equal(t, i+1, cycle.CycleNumber)
		assert.NotEmpty(t, cycle.ID)
	}

	recent, err := store.RecentReviewCycles(ctx, "o1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, 3, recent[0].CycleNumber)
	assert.Equal(t, 0, recent[0].IssuesFound)
	require.NotNil(t, recent[0].Verification)
	assert.True(t, recent[0].Verification.Passed)
	assert.Equal(t, "tests", recent[0].Verification.Checks[0].Name)
	assert.Nil(t, recent[1].Verification)

	all, err := store.RecentReviewCycles(ctx, "o1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	err = store.AppendReviewCycle(ctx, &scheduler.ReviewCycle{OutcomeID: "missing"})
	assert.ErrorIs(t, err, scheduler.ErrOutcomeNotFound)
}

func TestSessionsAndHistory(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	seedOutcome(t, store, "o1")
	require.NoError(t, store.CreateTasks(ctx, newTask("t1", "o1")))

	_, _, err := store.GetSession(ctx, "t1")
	require.Error(t, err)

	require.NoError(t, store.SaveSession(ctx, "t1", "s1", "claude", "w1"))
	require.NoError(t, store.SaveSession(ctx, "t1", "s2", "claude", "w1"))
	sessionID, backendType, err := store.GetSession(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "s2", sessionID)
	assert.Equal(t, "claude", backendType)

	history, err := store.GetHistory(ctx, "t1")
	require.NoError(t, err)
	assert.NotNil(t, history)
	assert.Empty(t, history)

	require.NoError(t, store.SaveMessage(ctx, "t1", 1, "user", "do it"))
	require.NoError(t, store.SaveMessage(ctx, "t1", 1, "assistant", "done"))
	history, err = store.GetHistory(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "done", history[1].Content)
	assert.Equal(t, 1, history[1].Attempt)
}

func TestMemoryStoresAreIsolated(t *testing.T) {
	a := testStore(t)
	b := testStore(t)
	seedOutcome(t, a, "o1")

	_, err := b.GetOutcome(context.Background(), "o1")
	assert.ErrorIs(t, err, scheduler.ErrOutcomeNotFound)
}

func TestFileStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "convoy.db")

	store, err := NewSQLiteStore(ctx, path, Options{})
	require.NoError(t, err)
	seedOutcome(t, store, "o1")
	require.NoError(t, store.Close())

	// Migrations already applied are skipped on reopen.
	store, err = NewSQLiteStore(ctx, path, Options{})
	require.NoError(t, err)
	defer store.Close()
	_, err = store.GetOutcome(ctx, "o1")
	require.NoError(t, err)
}

// Separate connection pools stand in for separate worker processes.
func TestConcurrentClaimHasSingleWinner(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "convoy.db")

	const contenders = 8
	stores := make([]*SQLiteStore, contenders)
	for i := range stores {
		store, err := NewSQLiteStore(ctx, path, Options{BusyTimeout: 10 * time.Second})
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		stores[i] = store
	}

	seedOutcome(t, stores[0], "o1")
	for i := 0; i < contenders; i++ {
		seedRunningWorker(t, stores[0], fmt.Sprintf("w%d", i), "o1", 100+i)
	}
	require.NoError(t, stores[0].CreateTasks(ctx, newTask("t1", "o1")))

	var (
		wins  atomic.Int32
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make(chan error, contenders)
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			ok, err := stores[i].ClaimTask(ctx, "t1", fmt.Sprintf("w%d", i), time.Now())
			if err != nil {
				errs <- err
				return
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), wins.Load())

	task, err := stores[0].GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskClaimed, task.Status)
	assert.NotEmpty(t, task.ClaimedBy)
}

func TestMutateDependencies(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	seedOutcome(t, store, "o1")
	require.NoError(t, store.CreateTasks(ctx, newTask("a", "o1"), newTask("b", "o1")))

	err := store.MutateDependencies(ctx, "b", func(task *scheduler.Task, all []*scheduler.Task) (scheduler.DependencyList, error) {
		assert.Equal(t, "b", task.ID)
		assert.Len(t, all, 2)
		return task.DependsOn.Append("a"), nil
	})
	require.NoError(t, err)

	b, err := store.GetTask(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, b.DependsOn.Strings())

	rejected := fmt.Errorf("rejected")
	err = store.MutateDependencies(ctx, "b", func(task *scheduler.Task, _ []*scheduler.Task) (scheduler.DependencyList, error) {
		return nil, rejected
	})
	assert.ErrorIs(t, err, rejected)

	b, err = store.GetTask(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, b.DependsOn.Strings(), "aborted mutation writes nothing")

	err = store.MutateDependencies(ctx, "missing", func(*scheduler.Task, []*scheduler.Task) (scheduler.DependencyList, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, scheduler.ErrTaskNotFound)
}
