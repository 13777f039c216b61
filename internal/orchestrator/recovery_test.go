package orchestrator

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/convoy/internal/events"
	"github.com/aristath/convoy/internal/persistence"
	"github.com/aristath/convoy/internal/scheduler"
)

// A worker process dies holding one running and one claimed task. The next
// process to open the store must hand both back before anyone claims.
func TestReconcileRecoversCrashedWorker(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	prober := newFakeProber(1234, 5678)

	before := NewEngine(store, WithProber(prober))
	_, err := before.Reconcile(ctx)
	require.NoError(t, err)

	o := createOutcome(t, before)
	crashed := runningWorker(t, before, o.ID, 1234)
	survivor := runningWorker(t, before, o.ID, 5678)
	addTask(t, before, o.ID, "running", 1)
	addTask(t, before, o.ID, "claimed", 2)
	addTask(t, before, o.ID, "healthy", 3)

	claimAndStart(t, before, o.ID, crashed.ID)
	_, ok, err := before.Claim(ctx, o.ID, crashed.ID)
	require.NoError(t, err)
	require.True(t, ok)
	claimAndStart(t, before, o.ID, survivor.ID)

	prober.kill(1234)

	bus := events.NewEventBus()
	defer bus.Close()
	sub := bus.SubscribeAll(64)

	after := NewEngine(store, WithProber(prober), WithEventBus(bus))
	_, _, err = after.Claim(ctx, o.ID, survivor.ID)
	require.ErrorIs(t, err, ErrNotReconciled)

	report, err := after.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.WorkersOrphaned)
	assert.Equal(t, 2, report.TasksReset)
	assert.Equal(t, 0, report.PidsCleared)

	w, err := after.GetWorker(ctx, crashed.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.WorkerPaused, w.Status)
	assert.False(t, w.HasPid())

	running, err := after.GetTask(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskPending, running.Status)
	assert.Empty(t, running.ClaimedBy)
	assert.Nil(t, running.ClaimedAt)
	assert.Equal(t, 1, running.Attempts, "the interrupted attempt stays counted")

	claimed, err := after.GetTask(ctx, "claimed")
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskPending, claimed.Status)
	assert.Equal(t, 0, claimed.Attempts)

	healthy, err := after.GetTask(ctx, "healthy")
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskRunning, healthy.Status, "a live worker keeps its task")
	assert.Equal(t, survivor.ID, healthy.ClaimedBy)

	var orphaned, reset int
	for len(sub) > 0 {
		switch (<-sub).(type) {
		case events.WorkerOrphanedEvent:
			orphaned++
		case events.TaskResetEvent:
			reset++
		}
	}
	assert.Equal(t, 1, orphaned)
	assert.Equal(t, 2, reset)

	again, err := after.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Writes(), "a second pass over repaired state changes nothing")

	task, ok, err := after.Claim(ctx, o.ID, survivor.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "running", task.ID)
}

func TestReconcileRepairsInconsistentRows(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	e := NewEngine(store, WithProber(newFakeProber(42)))
	o := createOutcome(t, e)
	now := time.Now()

	// Running with no pid at all.
	pidless, err := e.RegisterWorker(ctx, o.ID, "pidless")
	require.NoError(t, err)
	running := scheduler.WorkerRunning
	require.NoError(t, store.UpdateWorker(ctx, pidless.ID, scheduler.WorkerUpdate{Status: &running}, now))

	// Paused but still carrying a live-looking pid.
	stale, err := e.RegisterWorker(ctx, o.ID, "stale")
	require.NoError(t, err)
	paused, pid := scheduler.WorkerPaused, 42
	require.NoError(t, store.UpdateWorker(ctx, stale.ID, scheduler.WorkerUpdate{Status: &paused, Pid: &pid}, now))

	// Completed worker still owning a claim.
	finished, err := e.RegisterWorker(ctx, o.ID, "finished")
	require.NoError(t, err)
	require.NoError(t, store.UpdateWorker(ctx, finished.ID, scheduler.WorkerUpdate{Status: &running}, now))
	addTask(t, e, o.ID, "held", 1)
	ok, err := store.ClaimTask(ctx, "held", finished.ID, now)
	require.NoError(t, err)
	require.True(t, ok)
	completed := scheduler.WorkerCompleted
	require.NoError(t, store.UpdateWorker(ctx, finished.ID, scheduler.WorkerUpdate{Status: &completed}, now))

	// Cached readiness that disagrees with the tasks.
	_, err = store.SetCapabilityReady(ctx, o.ID, scheduler.CapabilityInProgress)
	require.NoError(t, err)

	report, err := e.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.WorkersOrphaned)
	assert.Equal(t, 1, report.TasksReset)
	assert.Equal(t, 1, report.PidsCleared)
	assert.Equal(t, 1, report.CapabilityCorrected)

	w, err := e.GetWorker(ctx, pidless.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.WorkerPaused, w.Status)
	w, err = e.GetWorker(ctx, stale.ID)
	require.NoError(t, err)
	assert.False(t, w.HasPid())
	held, err := e.GetTask(ctx, "held")
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskPending, held.Status)
	outcome, err := e.GetOutcome(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.CapabilityComplete, outcome.CapabilityReady)

	again, err := e.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Writes())
}

func TestReconcileFailsTaskOnLastAttempt(t *testing.T) {
	ctx := context.Background()
	prober := newFakeProber(100, 200)
	e := newTestEngine(t, prober)
	o := createOutcome(t, e)
	_, err := e.CreateTask(ctx, &scheduler.Task{ID: "once", OutcomeID: o.ID, Title: "once", MaxAttempts: 1})
	require.NoError(t, err)

	crashed := runningWorker(t, e, o.ID, 100)
	claimAndStart(t, e, o.ID, crashed.ID)
	prober.kill(100)

	report, err := e.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TasksReset)

	task, err := e.GetTask(ctx, "once")
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskFailed, task.Status)
	assert.Equal(t, 1, task.Attempts)
	assert.Contains(t, task.LastError, "interrupted")

	other := runningWorker(t, e, o.ID, 200)
	_, ok, err := e.Claim(ctx, o.ID, other.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

// racingStore runs race once, in the middle of Reconcile's scan of owned
// tasks, to interleave a concurrent worker with recovery.
type racingStore struct {
	persistence.Store
	once sync.Once
	race func()
}

func (s *racingStore) ListTasksByStatus(ctx context.Context, statuses ...scheduler.TaskStatus) ([]*scheduler.Task, error) {
	s.once.Do(s.race)
	return s.Store.ListTasksByStatus(ctx, statuses...)
}

// A worker that registers and claims after Reconcile has looked at the
// worker table still keeps its task.
func TestReconcileSparesWorkerStartedMidRun(t *testing.T) {
	ctx := context.Background()
	inner := newTestStore(t)
	prober := ProberFunc(func(pid int) bool { return pid == 77 })

	peer := NewEngine(inner, WithProber(prober))
	_, err := peer.Reconcile(ctx)
	require.NoError(t, err)
	o := createOutcome(t, peer)
	addTask(t, peer, o.ID, "hot", 1)

	var late *scheduler.Worker
	store := &racingStore{Store: inner}
	store.race = func() {
		late = runningWorker(t, peer, o.ID, 77)
		claimAndStart(t, peer, o.ID, late.ID)
	}

	e := NewEngine(store, WithProber(prober))
	report, err := e.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.TasksReset)
	require.NotNil(t, late)

	task, err := e.GetTask(ctx, "hot")
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskRunning, task.Status)
	assert.Equal(t, late.ID, task.ClaimedBy)

	w, err := e.GetWorker(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.WorkerRunning, w.Status)
	assert.Equal(t, "hot", w.CurrentTaskID)
}

func TestReconcileFailureKeepsClaimsClosed(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.NewMemoryStore(ctx)
	require.NoError(t, err)
	e := NewEngine(store, WithProber(newFakeProber()))
	require.NoError(t, store.Close())

	_, err = e.Reconcile(ctx)
	require.Error(t, err)
	assert.False(t, e.Ready())
}

func TestSignalProber(t *testing.T) {
	var p SignalProber
	assert.True(t, p.Alive(os.Getpid()))
	assert.False(t, p.Alive(0))
	assert.False(t, p.Alive(-5))
}

func TestMaintenanceRunOnce(t *testing.T) {
	ctx := context.Background()
	prober := newFakeProber(77)
	e := newTestEngine(t, prober)
	o := createOutcome(t, e)
	w := runningWorker(t, e, o.ID, 77)
	addTask(t, e, o.ID, "a", 1)
	claimAndStart(t, e, o.ID, w.ID)

	m, err := NewMaintenance(e, "@every 1h", nil)
	require.NoError(t, err)

	report, err := m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Writes())

	prober.kill(77)
	report, err = m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.WorkersOrphaned)
	assert.Equal(t, 1, report.TasksReset)
	assert.Equal(t, 2, m.Runs())

	_, err = NewMaintenance(e, "every now and then", nil)
	assert.Error(t, err)
}

func TestMaintenanceSchedule(t *testing.T) {
	e := newTestEngine(t, newFakeProber())
	m, err := NewMaintenance(e, "@every 1s", nil)
	require.NoError(t, err)

	m.Start(context.Background())
	assert.Eventually(t, func() bool { return m.Runs() >= 1 }, 5*time.Second, 50*time.Millisecond)
	m.Stop()

	runs := m.Runs()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, runs, m.Runs(), "no passes after Stop")
}
