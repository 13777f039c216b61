package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/convoy/internal/scheduler"
)

// ConversationTurn represents a single message in a task's agent transcript.
type ConversationTurn struct {
	Attempt   int
	Role      string // "user" or "assistant"
	Content   string
	Timestamp time.Time
}

// Store defines the durable state shared by every worker process.
// Conditional updates report whether they applied; a false result with a nil
// error means the precondition no longer held (for example a lost claim race).
type Store interface {
	// Outcomes
	CreateOutcome(ctx context.Context, outcome *scheduler.Outcome) error
	GetOutcome(ctx context.Context, outcomeID string) (*scheduler.Outcome, error)
	ListOutcomes(ctx context.Context, statuses ...scheduler.OutcomeStatus) ([]*scheduler.Outcome, error)
	ListChildOutcomes(ctx context.Context, parentID string) ([]*scheduler.Outcome, error)
	UpdateOutcomeStatus(ctx context.Context, outcomeID string, status scheduler.OutcomeStatus) error
	SetCapabilityReady(ctx context.Context, outcomeID string, readiness scheduler.CapabilityReadiness) (bool, error)

	// Tasks
	CreateTasks(ctx context.Context, tasks ...*scheduler.Task) error
	GetTask(ctx context.Context, taskID string) (*scheduler.Task, error)
	ListTasksByOutcome(ctx context.Context, outcomeID string) ([]*scheduler.Task, error)
	ListTasksByStatus(ctx context.Context, statuses ...scheduler.TaskStatus) ([]*scheduler.Task, error)
	DeleteTask(ctx context.Context, taskID string) error
	SetDependencies(ctx context.Context, taskID string, deps scheduler.DependencyList) error
	MutateDependencies(ctx context.Context, taskID string, fn DependencyMutator) error
	UpdateTaskPriority(ctx context.Context, taskID string, priority int, score float64) error

	// Task state machine (compare-and-set)
	ClaimTask(ctx context.Context, taskID, workerID string, at time.Time) (bool, error)
	StartTask(ctx context.Context, taskID, workerID string, at time.Time) (bool, error)
	CompleteTask(ctx context.Context, taskID, workerID, result string, at time.Time) (bool, error)
	FailTaskAttempt(ctx context.Context, taskID, workerID, errMsg string, at time.Time) (scheduler.TaskStatus, bool, error)
	ReleaseTask(ctx context.Context, taskID, workerID string, at time.Time) (bool, error)
	ResetTask(ctx context.Context, taskID string, at time.Time) (bool, error)
	ResetOrphanedTask(ctx context.Context, taskID, claimedBy string, deadPid int, reason string, at time.Time) (scheduler.TaskStatus, bool, error)

	// Decomposition lock
	BeginDecomposition(ctx context.Context, taskID string, at time.Time) (bool, error)
	CompleteDecomposition(ctx context.Context, taskID string, subtasks []*scheduler.Task, at time.Time) (bool, error)
	FailDecomposition(ctx context.Context, taskID string, at time.Time) (bool, error)

	// Workers
	CreateWorker(ctx context.Context, worker *scheduler.Worker) error
	GetWorker(ctx context.Context, workerID string) (*scheduler.Worker, error)
	ListWorkers(ctx context.Context, outcomeID string, statuses ...scheduler.WorkerStatus) ([]*scheduler.Worker, error)
	UpdateWorker(ctx context.Context, workerID string, update scheduler.WorkerUpdate, at time.Time) error
	AddWorkerCost(ctx context.Context, workerID string, amount float64, at time.Time) error
	MarkWorkerOrphaned(ctx context.Context, workerID string, pid int, at time.Time) (bool, error)
	ClearStalePid(ctx context.Context, workerID string, at time.Time) (bool, error)

	// Review cycles
	AppendReviewCycle(ctx context.Context, cycle *scheduler.ReviewCycle) error
	RecentReviewCycles(ctx context.Context, outcomeID string, limit int) ([]scheduler.ReviewCycle, error)

	// Agent sessions and transcripts
	SaveSession(ctx context.Context, taskID, sessionID, backendType, workerID string) error
	GetSession(ctx context.Context, taskID string) (sessionID string, backendType string, err error)
	SaveMessage(ctx context.Context, taskID string, attempt int, role, content string) error
	GetHistory(ctx context.Context, taskID string) ([]ConversationTurn, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// Options tune a file-backed store.
type Options struct {
	BusyTimeout  time.Duration // How long a writer waits on a locked database (default 5s)
	MaxOpenConns int           // Connection pool size (default 4)
}

// NewSQLiteStore opens a SQLite-backed store at the given path.
// Creates parent directories if needed. Every pooled connection gets WAL mode,
// foreign keys and a busy timeout, and transactions begin IMMEDIATE so
// concurrent writers queue on the lock instead of failing on upgrade.
func NewSQLiteStore(ctx context.Context, dbPath string, opts Options) (*SQLiteStore, error) {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 4
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_txlock=immediate",
		dbPath, opts.BusyTimeout.Milliseconds(),
	)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)

	return open(ctx, db)
}

// NewMemoryStore creates an isolated in-memory store, mainly for tests.
// Each call gets its own named database; one connection avoids shared-cache
// table locks between pooled connections.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf(
		"file:convoy-%s?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate",
		uuid.NewString(),
	)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	db.SetMaxOpenConns(1)

	return open(ctx, db)
}

func open(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn in a transaction, committing only if fn returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// applied reports whether an exec changed at least one row.
func applied(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// Timestamps are stored as UTC unix nanoseconds.

func toUnix(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func toNullUnix(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toUnix(*t), Valid: true}
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullUnix(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnix(n.Int64)
	return &t
}

func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func toNullInt(n int) sql.NullInt64 {
	if n <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ", "...)
		}
		b = append(b, '?')
	}
	return string(b)
}
