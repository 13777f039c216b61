package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/aristath/convoy/internal/events"
	"github.com/aristath/convoy/internal/scheduler"
)

// ProcessProber reports whether a process id refers to a live process.
type ProcessProber interface {
	Alive(pid int) bool
}

// ProberFunc adapts a function to ProcessProber.
type ProberFunc func(pid int) bool

func (f ProberFunc) Alive(pid int) bool { return f(pid) }

// SignalProber probes with signal 0, which checks for existence without
// delivering anything. A process we may not signal counts as gone, and so
// does a zombie.
type SignalProber struct{}

func (SignalProber) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := unix.Kill(pid, 0); err != nil {
		return false
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	statuses, err := proc.Status()
	if err != nil {
		// Existence was already confirmed by the signal probe.
		return true
	}
	for _, s := range statuses {
		if s == process.Zombie {
			return false
		}
	}
	return true
}

// ReconcileReport counts the corrections made by one Reconcile run.
type ReconcileReport struct {
	WorkersOrphaned     int
	TasksReset          int
	PidsCleared         int
	CapabilityCorrected int
	Duration            time.Duration
}

// Writes is the total number of corrections.
func (r ReconcileReport) Writes() int {
	return r.WorkersOrphaned + r.TasksReset + r.PidsCleared + r.CapabilityCorrected
}

// Reconcile repairs stored state against the process table:
//
//  1. running workers whose pid is missing or not alive are paused, pid cleared
//  2. claimed/running tasks are taken back when their claiming worker is
//     unknown, terminal, or has no live pid; an interrupted attempt stays
//     counted, so a task that spent its last attempt fails
//  3. workers that are not running but still carry a pid have it cleared
//  4. capability readiness of every active outcome is recomputed and corrected
//
// Every correction is a small conditional write, so a failure part way leaves
// the remaining state as it was and a later run picks up where this one
// stopped. A second run over unchanged state performs no writes. Claims are
// accepted once a run completes without error.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileReport, error) {
	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()

	start := time.Now()
	log := e.logger.Named("recovery")
	var (
		report ReconcileReport
		errs   []error
	)

	// Step 1: orphaned workers.
	running, err := e.store.ListWorkers(ctx, "", scheduler.WorkerRunning)
	if err != nil {
		return report, fmt.Errorf("list running workers: %w", err)
	}
	for _, w := range running {
		if w.HasPid() && e.prober.Alive(w.Pid) {
			continue
		}
		ok, err := e.store.MarkWorkerOrphaned(ctx, w.ID, w.Pid, e.now())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		report.WorkersOrphaned++
		log.Warn("worker orphaned",
			zap.String("worker_id", w.ID),
			zap.String("outcome_id", w.OutcomeID),
			zap.Int("pid", w.Pid))
		e.bus.Emit(events.WorkerOrphanedEvent{WorkerID: w.ID, Outcome: w.OutcomeID, Pid: w.Pid, Timestamp: e.now()})
	}

	// Step 2: owned tasks. Each owner is read again right before its task is
	// judged, so a worker that registered or restarted after step 1 is seen
	// as it is now.
	owned, err := e.store.ListTasksByStatus(ctx, scheduler.TaskClaimed, scheduler.TaskRunning)
	if err != nil {
		return report, errors.Join(append(errs, fmt.Errorf("list owned tasks: %w", err))...)
	}
	touched := make(map[string]*scheduler.Task)
	for _, task := range owned {
		owner, err := e.store.GetWorker(ctx, task.ClaimedBy)
		switch {
		case errors.Is(err, scheduler.ErrWorkerNotFound):
			owner = nil
		case err != nil:
			errs = append(errs, err)
			continue
		}
		reason := e.orphanReason(owner)
		if reason == "" {
			continue
		}
		deadPid := 0
		if owner != nil {
			deadPid = owner.Pid
		}
		status, ok, err := e.takeBackTask(ctx, task, deadPid, reason)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		report.TasksReset++
		touched[task.OutcomeID] = task
		log.Warn("orphaned task taken back",
			zap.String("task_id", task.ID),
			zap.String("outcome_id", task.OutcomeID),
			zap.String("claimed_by", task.ClaimedBy),
			zap.String("previous_status", string(task.Status)),
			zap.String("status", string(status)),
			zap.String("reason", reason))
	}

	// Step 3: stale pids.
	workers, err := e.store.ListWorkers(ctx, "")
	if err != nil {
		return report, errors.Join(append(errs, fmt.Errorf("list workers: %w", err))...)
	}
	for _, w := range workers {
		if !w.HasPid() || w.Status == scheduler.WorkerRunning {
			continue
		}
		ok, err := e.store.ClearStalePid(ctx, w.ID, e.now())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			report.PidsCleared++
			log.Warn("stale pid cleared",
				zap.String("worker_id", w.ID),
				zap.String("status", string(w.Status)),
				zap.Int("pid", w.Pid))
		}
	}

	// Step 4: capability readiness.
	corrected, err := e.SyncAllCapabilityStatus(ctx)
	report.CapabilityCorrected = corrected
	if err != nil {
		errs = append(errs, err)
	}

	if e.bus != nil {
		for outcomeID := range touched {
			e.publishProgress(ctx, outcomeID)
		}
	}

	report.Duration = time.Since(start)
	if err := errors.Join(errs...); err != nil {
		log.Error("reconcile incomplete", zap.Error(err), zap.Int("writes", report.Writes()))
		return report, err
	}

	if !e.reconciled.Swap(true) || report.Writes() > 0 {
		log.Info("reconcile complete",
			zap.Int("workers_orphaned", report.WorkersOrphaned),
			zap.Int("tasks_reset", report.TasksReset),
			zap.Int("pids_cleared", report.PidsCleared),
			zap.Int("capability_corrected", report.CapabilityCorrected),
			zap.Duration("took", report.Duration))
	}
	return report, nil
}

// orphanReason explains why a task owned by w must be reset, or returns ""
// when w is a live owner.
func (e *Engine) orphanReason(w *scheduler.Worker) string {
	switch {
	case w == nil:
		return "claiming worker does not exist"
	case w.Status != scheduler.WorkerRunning:
		return fmt.Sprintf("claiming worker is %s", w.Status)
	case !w.HasPid():
		return "claiming worker has no process"
	case !e.prober.Alive(w.Pid):
		return "claiming worker process is gone"
	}
	return ""
}

// takeBackTask removes task from its owner after the owner stopped or died.
// The task goes back to pending, or fails when the interrupted attempt was
// its last. Nothing is written when the owner has since been seen running
// under a pid other than deadPid.
func (e *Engine) takeBackTask(ctx context.Context, task *scheduler.Task, deadPid int, reason string) (scheduler.TaskStatus, bool, error) {
	at := e.now()
	status, ok, err := e.store.ResetOrphanedTask(ctx, task.ID, task.ClaimedBy, deadPid, "interrupted: "+reason, at)
	if err != nil || !ok {
		return status, ok, err
	}

	if status == scheduler.TaskFailed {
		attempts := task.Attempts
		if fresh, err := e.store.GetTask(ctx, task.ID); err == nil {
			attempts = fresh.Attempts
		}
		e.logger.Warn("interrupted task exhausted retry budget",
			zap.String("task_id", task.ID),
			zap.String("outcome_id", task.OutcomeID),
			zap.String("worker_id", task.ClaimedBy),
			zap.Int("attempts", attempts),
			zap.String("reason", reason))
		e.bus.Emit(events.TaskFailedEvent{
			ID: task.ID, Outcome: task.OutcomeID, WorkerID: task.ClaimedBy,
			Attempts: attempts, Err: "interrupted: " + reason, Timestamp: at,
		})
		return status, true, nil
	}

	e.bus.Emit(events.TaskResetEvent{
		ID:            task.ID,
		Outcome:       task.OutcomeID,
		PreviousOwner: task.ClaimedBy,
		Reason:        reason,
		Timestamp:     at,
	})
	return status, true, nil
}
