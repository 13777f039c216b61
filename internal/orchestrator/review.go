package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/aristath/convoy/internal/events"
	"github.com/aristath/convoy/internal/scheduler"
)

// OutcomeSummary is a point-in-time view of an outcome for dashboards and the CLI.
type OutcomeSummary struct {
	Outcome     *scheduler.Outcome
	Tasks       map[scheduler.TaskStatus]int
	TotalTasks  int
	Claimable   int
	Blocked     int
	Capability  scheduler.CapabilityCounts
	Readiness   scheduler.CapabilityReadiness // computed, not the cached column
	Workers     int
	Running     int
	TotalCost   float64
	Convergence scheduler.ConvergenceStatus
}

// RecordReviewCycle appends a review pass to an outcome and returns the
// cycle with its assigned number together with the convergence status
// including it. Crossing into HasConverged is logged and published.
func (e *Engine) RecordReviewCycle(ctx context.Context, outcomeID string, issuesFound, tasksAdded int, verification *scheduler.Verification) (*scheduler.ReviewCycle, scheduler.ConvergenceStatus, error) {
	if issuesFound < 0 || tasksAdded < 0 {
		return nil, scheduler.ConvergenceStatus{}, fmt.Errorf("review counts must not be negative (issues %d, tasks %d)", issuesFound, tasksAdded)
	}

	before, err := e.ConvergenceStatus(ctx, outcomeID)
	if err != nil {
		return nil, scheduler.ConvergenceStatus{}, err
	}

	cycle := &scheduler.ReviewCycle{
		OutcomeID:    outcomeID,
		IssuesFound:  issuesFound,
		TasksAdded:   tasksAdded,
		Verification: verification,
		CreatedAt:    e.now(),
	}
	if err := e.store.AppendReviewCycle(ctx, cycle); err != nil {
		return nil, scheduler.ConvergenceStatus{}, err
	}

	after, err := e.ConvergenceStatus(ctx, outcomeID)
	if err != nil {
		return cycle, scheduler.ConvergenceStatus{}, err
	}

	e.logger.Debug("review cycle recorded",
		zap.String("outcome_id", outcomeID),
		zap.Int("cycle", cycle.CycleNumber),
		zap.Int("issues_found", issuesFound),
		zap.String("trend", string(after.Trend)))

	if after.HasConverged && !before.HasConverged {
		e.logger.Info("outcome converged",
			zap.String("outcome_id", outcomeID),
			zap.Int("cycle", cycle.CycleNumber),
			zap.Int("consecutive_zero_issues", after.ConsecutiveZeroIssues))
		e.bus.Emit(events.OutcomeConvergedEvent{
			Outcome:               outcomeID,
			CycleNumber:           cycle.CycleNumber,
			ConsecutiveZeroIssues: after.ConsecutiveZeroIssues,
			Timestamp:             e.now(),
		})
	}
	return cycle, after, nil
}

// ConvergenceStatus evaluates the most recent review cycles of an outcome,
// read fresh from the store.
func (e *Engine) ConvergenceStatus(ctx context.Context, outcomeID string) (scheduler.ConvergenceStatus, error) {
	if _, err := e.store.GetOutcome(ctx, outcomeID); err != nil {
		return scheduler.ConvergenceStatus{}, err
	}
	cycles, err := e.store.RecentReviewCycles(ctx, outcomeID, e.convergenceWindow)
	if err != nil {
		return scheduler.ConvergenceStatus{}, err
	}
	return scheduler.EvaluateConvergenceWindow(cycles, e.convergenceWindow), nil
}

// HasConverged reports the strict completion signal for an outcome.
func (e *Engine) HasConverged(ctx context.Context, outcomeID string) (bool, error) {
	status, err := e.ConvergenceStatus(ctx, outcomeID)
	if err != nil {
		return false, err
	}
	return status.HasConverged, nil
}

// ReviewCycles returns up to limit recent cycles, newest first.
func (e *Engine) ReviewCycles(ctx context.Context, outcomeID string, limit int) ([]scheduler.ReviewCycle, error) {
	return e.store.RecentReviewCycles(ctx, outcomeID, limit)
}

// OutcomeSummary aggregates task, worker and convergence state. Convergence
// uses the same evaluation as ConvergenceStatus.
func (e *Engine) OutcomeSummary(ctx context.Context, outcomeID string) (*OutcomeSummary, error) {
	outcome, err := e.store.GetOutcome(ctx, outcomeID)
	if err != nil {
		return nil, err
	}
	tasks, g, readiness, err := e.outcomeSnapshot(ctx, outcomeID)
	if err != nil {
		return nil, err
	}
	workers, err := e.store.ListWorkers(ctx, outcomeID)
	if err != nil {
		return nil, err
	}
	convergence, err := e.ConvergenceStatus(ctx, outcomeID)
	if err != nil {
		return nil, err
	}

	summary := &OutcomeSummary{
		Outcome:     outcome,
		Tasks:       countTasks(tasks),
		TotalTasks:  len(tasks),
		Claimable:   len(g.Claimable(readiness)),
		Blocked:     len(g.Blocked()),
		Capability:  scheduler.CountCapabilityTasks(tasks),
		Readiness:   readiness,
		Workers:     len(workers),
		Convergence: convergence,
	}
	for _, w := range workers {
		if w.Status == scheduler.WorkerRunning {
			summary.Running++
		}
		summary.TotalCost += w.Cost
	}
	return summary, nil
}
