package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/convoy/internal/scheduler"
)

const outcomeColumns = `id, parent_id, name, intent, status, capability_ready, created_at, updated_at`

// CreateOutcome inserts a new outcome. Timestamps are filled in when zero.
func (s *SQLiteStore) CreateOutcome(ctx context.Context, outcome *scheduler.Outcome) error {
	if !outcome.Status.Valid() {
		return fmt.Errorf("invalid outcome status %q", outcome.Status)
	}
	now := time.Now().UTC()
	if outcome.CreatedAt.IsZero() {
		outcome.CreatedAt = now
	}
	if outcome.UpdatedAt.IsZero() {
		outcome.UpdatedAt = outcome.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outcomes (`+outcomeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, outcome.ID, toNullString(outcome.ParentID), outcome.Name, outcome.Intent, outcome.Status,
		int(outcome.CapabilityReady), toUnix(outcome.CreatedAt), toUnix(outcome.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert outcome %s: %w", outcome.ID, err)
	}
	return nil
}

// GetOutcome retrieves an outcome by id.
func (s *SQLiteStore) GetOutcome(ctx context.Context, outcomeID string) (*scheduler.Outcome, error) {
	return getOutcome(ctx, s.db, outcomeID)
}

func getOutcome(ctx context.Context, q queryer, outcomeID string) (*scheduler.Outcome, error) {
	row := q.QueryRowContext(ctx, `SELECT `+outcomeColumns+` FROM outcomes WHERE id = ?`, outcomeID)
	outcome, err := scanOutcome(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("outcome %s: %w", outcomeID, scheduler.ErrOutcomeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query outcome %s: %w", outcomeID, err)
	}
	return outcome, nil
}

// ListOutcomes returns outcomes in creation order, optionally filtered by status.
func (s *SQLiteStore) ListOutcomes(ctx context.Context, statuses ...scheduler.OutcomeStatus) ([]*scheduler.Outcome, error) {
	query := `SELECT ` + outcomeColumns + ` FROM outcomes`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at ASC, id ASC`
	return s.queryOutcomes(ctx, query, args...)
}

// ListChildOutcomes returns the direct children of an outcome.
func (s *SQLiteStore) ListChildOutcomes(ctx context.Context, parentID string) ([]*scheduler.Outcome, error) {
	return s.queryOutcomes(ctx,
		`SELECT `+outcomeColumns+` FROM outcomes WHERE parent_id = ? ORDER BY created_at ASC, id ASC`,
		parentID)
}

func (s *SQLiteStore) queryOutcomes(ctx context.Context, query string, args ...any) ([]*scheduler.Outcome, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := []*scheduler.Outcome{}
	for rows.Next() {
		outcome, err := scanOutcome(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		outcomes = append(outcomes, outcome)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcomes: %w", err)
	}
	return outcomes, nil
}

// UpdateOutcomeStatus sets the outcome status explicitly.
func (s *SQLiteStore) UpdateOutcomeStatus(ctx context.Context, outcomeID string, status scheduler.OutcomeStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid outcome status %q", status)
	}
	ok, err := applied(s.db.ExecContext(ctx,
		`UPDATE outcomes SET status = ?, updated_at = ? WHERE id = ?`,
		status, toUnix(time.Now()), outcomeID))
	if err != nil {
		return fmt.Errorf("failed to update outcome %s: %w", outcomeID, err)
	}
	if !ok {
		return fmt.Errorf("outcome %s: %w", outcomeID, scheduler.ErrOutcomeNotFound)
	}
	return nil
}

// SetCapabilityReady writes the cached readiness only when it differs from the
// stored value, so a second sync over unchanged state performs no write.
func (s *SQLiteStore) SetCapabilityReady(ctx context.Context, outcomeID string, readiness scheduler.CapabilityReadiness) (bool, error) {
	ok, err := applied(s.db.ExecContext(ctx, `
		UPDATE outcomes SET capability_ready = ?, updated_at = ?
		WHERE id = ? AND capability_ready <> ?
	`, int(readiness), toUnix(time.Now()), outcomeID, int(readiness)))
	if err != nil {
		return false, fmt.Errorf("failed to set capability readiness of %s: %w", outcomeID, err)
	}
	return ok, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutcome(row rowScanner) (*scheduler.Outcome, error) {
	var (
		o                    scheduler.Outcome
		parentID             sql.NullString
		ready                int
		createdAt, updatedAt int64
	)
	if err := row.Scan(&o.ID, &parentID, &o.Name, &o.Intent, &o.Status, &ready, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	o.ParentID = parentID.String
	o.CapabilityReady = scheduler.CapabilityReadiness(ready)
	o.CreatedAt = fromUnix(createdAt)
	o.UpdatedAt = fromUnix(updatedAt)
	return &o, nil
}
