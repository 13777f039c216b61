package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/convoy/internal/events"
	"github.com/aristath/convoy/internal/scheduler"
)

// CreateOutcome creates an active outcome, optionally under a parent.
func (e *Engine) CreateOutcome(ctx context.Context, name, intent, parentID string) (*scheduler.Outcome, error) {
	if parentID != "" {
		if _, err := e.store.GetOutcome(ctx, parentID); err != nil {
			return nil, err
		}
	}
	now := e.now()
	outcome := &scheduler.Outcome{
		ID:        uuid.NewString(),
		ParentID:  parentID,
		Name:      name,
		Intent:    intent,
		Status:    scheduler.OutcomeActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	// An outcome with no capability tasks is trivially ready.
	outcome.CapabilityReady = scheduler.ComputeCapabilityReadiness(nil)
	if err := e.store.CreateOutcome(ctx, outcome); err != nil {
		return nil, err
	}
	e.logger.Info("outcome created", zap.String("outcome_id", outcome.ID), zap.String("name", name))
	return outcome, nil
}

// GetOutcome returns an outcome by id.
func (e *Engine) GetOutcome(ctx context.Context, outcomeID string) (*scheduler.Outcome, error) {
	return e.store.GetOutcome(ctx, outcomeID)
}

// ListOutcomes returns outcomes, optionally filtered by status.
func (e *Engine) ListOutcomes(ctx context.Context, statuses ...scheduler.OutcomeStatus) ([]*scheduler.Outcome, error) {
	return e.store.ListOutcomes(ctx, statuses...)
}

// SetOutcomeStatus changes an outcome's status. Task completion never does this.
func (e *Engine) SetOutcomeStatus(ctx context.Context, outcomeID string, status scheduler.OutcomeStatus) error {
	if err := e.store.UpdateOutcomeStatus(ctx, outcomeID, status); err != nil {
		return err
	}
	e.logger.Info("outcome status changed", zap.String("outcome_id", outcomeID), zap.String("status", string(status)))
	return nil
}

// OutcomeDescendants returns every outcome below outcomeID, breadth first.
func (e *Engine) OutcomeDescendants(ctx context.Context, outcomeID string) ([]*scheduler.Outcome, error) {
	if _, err := e.store.GetOutcome(ctx, outcomeID); err != nil {
		return nil, err
	}

	visited := map[string]bool{outcomeID: true}
	queue := []string{outcomeID}
	descendants := []*scheduler.Outcome{}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		children, err := e.store.ListChildOutcomes(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if visited[child.ID] {
				continue
			}
			visited[child.ID] = true
			descendants = append(descendants, child)
			queue = append(queue, child.ID)
		}
	}
	return descendants, nil
}

// OutcomeDepth returns how many ancestors an outcome has; a root is depth 0.
func (e *Engine) OutcomeDepth(ctx context.Context, outcomeID string) (int, error) {
	outcome, err := e.store.GetOutcome(ctx, outcomeID)
	if err != nil {
		return 0, err
	}

	depth := 0
	visited := map[string]bool{outcome.ID: true}
	for outcome.ParentID != "" {
		if visited[outcome.ParentID] {
			return 0, fmt.Errorf("outcome %s: parent chain loops at %s", outcomeID, outcome.ParentID)
		}
		visited[outcome.ParentID] = true
		outcome, err = e.store.GetOutcome(ctx, outcome.ParentID)
		if err != nil {
			return 0, err
		}
		depth++
	}
	return depth, nil
}

// ComputeCapabilityStatus derives readiness from the outcome's capability
// tasks. The stored value is not consulted.
func (e *Engine) ComputeCapabilityStatus(ctx context.Context, outcomeID string) (scheduler.CapabilityReadiness, error) {
	if _, err := e.store.GetOutcome(ctx, outcomeID); err != nil {
		return 0, err
	}
	_, _, readiness, err := e.outcomeSnapshot(ctx, outcomeID)
	return readiness, err
}

// SyncCapabilityStatus corrects the stored readiness of an outcome when it
// drifted from the computed value. It reports whether a write happened; every
// correction is logged and published.
func (e *Engine) SyncCapabilityStatus(ctx context.Context, outcomeID string) (bool, error) {
	outcome, err := e.store.GetOutcome(ctx, outcomeID)
	if err != nil {
		return false, err
	}
	_, _, computed, err := e.outcomeSnapshot(ctx, outcomeID)
	if err != nil {
		return false, err
	}
	if computed == outcome.CapabilityReady {
		return false, nil
	}

	changed, err := e.store.SetCapabilityReady(ctx, outcomeID, computed)
	if err != nil {
		return false, err
	}
	if changed {
		e.logger.Warn("capability readiness drift corrected",
			zap.String("outcome_id", outcomeID),
			zap.Stringer("stored", outcome.CapabilityReady),
			zap.Stringer("computed", computed))
		e.bus.Emit(events.CapabilityDriftEvent{
			Outcome:   outcomeID,
			Stored:    outcome.CapabilityReady,
			Computed:  computed,
			Timestamp: e.now(),
		})
	}
	return changed, nil
}

// SyncAllCapabilityStatus runs SyncCapabilityStatus for every active outcome
// and returns how many were corrected. It keeps going past individual errors.
func (e *Engine) SyncAllCapabilityStatus(ctx context.Context) (int, error) {
	outcomes, err := e.store.ListOutcomes(ctx, scheduler.OutcomeActive)
	if err != nil {
		return 0, err
	}

	corrected := 0
	var errs []error
	for _, o := range outcomes {
		changed, err := e.SyncCapabilityStatus(ctx, o.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("outcome %s: %w", o.ID, err))
			continue
		}
		if changed {
			corrected++
		}
	}
	return corrected, errors.Join(errs...)
}
