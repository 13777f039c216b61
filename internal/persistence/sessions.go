package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveSession stores the agent session a task ran under.
// Upserts so a retried attempt can resume or replace the session.
func (s *SQLiteStore) SaveSession(ctx context.Context, taskID, sessionID, backendType, workerID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (task_id, session_id, backend_type, worker_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			session_id = excluded.session_id,
			backend_type = excluded.backend_type,
			worker_id = excluded.worker_id
	`, taskID, sessionID, backendType, workerID, toUnix(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession retrieves session information for a task.
// Returns a wrapped sql.ErrNoRows if no session exists for the task.
func (s *SQLiteStore) GetSession(ctx context.Context, taskID string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var sessionID, backendType string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, backend_type
		FROM sessions
		WHERE task_id = ?
	`, taskID).Scan(&sessionID, &backendType)

	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("no session found for task %q: %w", taskID, err)
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to query session: %w", err)
	}

	return sessionID, backendType, nil
}

// SaveMessage appends one message to a task's transcript.
func (s *SQLiteStore) SaveMessage(ctx context.Context, taskID string, attempt int, role, content string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_history (task_id, attempt, role, content, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, taskID, attempt, role, content, toUnix(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// GetHistory retrieves a task's transcript in chronological order.
// Returns empty slice (not nil) if no history exists.
func (s *SQLiteStore) GetHistory(ctx context.Context, taskID string) ([]ConversationTurn, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// id breaks ties between messages written in the same instant
	rows, err := s.db.QueryContext(ctx, `
		SELECT attempt, role, content, timestamp
		FROM conversation_history
		WHERE task_id = ?
		ORDER BY timestamp ASC, id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	history := []ConversationTurn{}
	for rows.Next() {
		var (
			turn ConversationTurn
			ts   int64
		)
		if err := rows.Scan(&turn.Attempt, &turn.Role, &turn.Content, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		turn.Timestamp = fromUnix(ts)
		history = append(history, turn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}

	return history, nil
}
