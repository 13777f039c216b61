package scheduler

import "time"

// WorkerStatus represents the lifecycle state of a worker process.
type WorkerStatus string

const (
	WorkerIdle      WorkerStatus = "idle"
	WorkerRunning   WorkerStatus = "running"
	WorkerPaused    WorkerStatus = "paused"
	WorkerCompleted WorkerStatus = "completed"
	WorkerFailed    WorkerStatus = "failed"
)

// Valid reports whether s is a known worker status.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerIdle, WorkerRunning, WorkerPaused, WorkerCompleted, WorkerFailed:
		return true
	}
	return false
}

// Terminal reports whether the worker will never run again.
func (s WorkerStatus) Terminal() bool {
	return s == WorkerCompleted || s == WorkerFailed
}

// Worker is a coding-agent process bound to one outcome.
type Worker struct {
	ID        string
	OutcomeID string
	Name      string
	Status    WorkerStatus

	// Pid is non-zero only while Status is WorkerRunning.
	Pid           int
	LastHeartbeat *time.Time

	CurrentTaskID string

	// Counters never decrease while the worker is active.
	Cost      float64
	Iteration int
	Progress  string

	StartedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasPid reports whether a process id is recorded.
func (w *Worker) HasPid() bool {
	return w.Pid > 0
}

// WorkerUpdate carries optional changes to a worker. Nil fields are untouched.
type WorkerUpdate struct {
	Status        *WorkerStatus
	Pid           *int // 0 clears the pid
	Heartbeat     *time.Time
	CurrentTaskID *string
	Iteration     *int
	Progress      *string
}
