package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/convoy/internal/scheduler"
)

// AppendReviewCycle records a review pass. The cycle number is assigned inside
// the transaction as one more than the outcome's highest, and written back to
// cycle along with the generated id.
func (s *SQLiteStore) AppendReviewCycle(ctx context.Context, cycle *scheduler.ReviewCycle) error {
	var verification sql.NullString
	if cycle.Verification != nil {
		data, err := json.Marshal(cycle.Verification)
		if err != nil {
			return fmt.Errorf("failed to encode verification: %w", err)
		}
		verification = sql.NullString{String: string(data), Valid: true}
	}
	if cycle.ID == "" {
		cycle.ID = uuid.NewString()
	}
	if cycle.CreatedAt.IsZero() {
		cycle.CreatedAt = time.Now().UTC()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getOutcome(ctx, tx, cycle.OutcomeID); err != nil {
			return err
		}

		var next int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(cycle_number), 0) + 1 FROM review_cycles WHERE outcome_id = ?`,
			cycle.OutcomeID).Scan(&next); err != nil {
			return fmt.Errorf("failed to number review cycle: %w", err)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO review_cycles (id, outcome_id, cycle_number, issues_found, tasks_added, verification, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, cycle.ID, cycle.OutcomeID, next, cycle.IssuesFound, cycle.TasksAdded, verification, toUnix(cycle.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert review cycle: %w", err)
		}
		cycle.CycleNumber = next
		return nil
	})
}

// RecentReviewCycles returns up to limit cycles of an outcome, newest first.
// A non-positive limit returns every cycle.
func (s *SQLiteStore) RecentReviewCycles(ctx context.Context, outcomeID string, limit int) ([]scheduler.ReviewCycle, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, outcome_id, cycle_number, issues_found, tasks_added, verification, created_at
		FROM review_cycles
		WHERE outcome_id = ?
		ORDER BY cycle_number DESC
		LIMIT ?
	`, outcomeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query review cycles: %w", err)
	}
	defer rows.Close()

	cycles := []scheduler.ReviewCycle{}
	for rows.Next() {
		var (
			c            scheduler.ReviewCycle
			verification sql.NullString
			createdAt    int64
		)
		if err := rows.Scan(&c.ID, &c.OutcomeID, &c.CycleNumber, &c.IssuesFound, &c.TasksAdded, &verification, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan review cycle: %w", err)
		}
		if verification.Valid {
			var v scheduler.Verification
			if err := json.Unmarshal([]byte(verification.String), &v); err != nil {
				return nil, fmt.Errorf("failed to decode verification of cycle %d: %w", c.CycleNumber, err)
			}
			c.Verification = &v
		}
		c.CreatedAt = fromUnix(createdAt)
		cycles = append(cycles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating review cycles: %w", err)
	}
	return cycles, nil
}
