package scheduler

import (
	"fmt"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"   // Waiting to be claimed
	TaskClaimed   TaskStatus = "claimed"   // Owned by a worker, not yet executing
	TaskRunning   TaskStatus = "running"   // Currently executing
	TaskCompleted TaskStatus = "completed" // Finished successfully
	TaskFailed    TaskStatus = "failed"    // Retry budget exhausted
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskClaimed, TaskRunning, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// Terminal reports whether no further automatic transition leaves s.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Owned reports whether a task in status s must carry a claiming worker.
func (s TaskStatus) Owned() bool {
	return s == TaskClaimed || s == TaskRunning
}

// Phase separates preparatory capability work from execution work.
type Phase string

const (
	PhaseCapability Phase = "capability"
	PhaseExecution  Phase = "execution"
)

// CapabilityType classifies capability-phase tasks.
type CapabilityType string

const (
	CapabilityNone   CapabilityType = ""
	CapabilitySkill  CapabilityType = "skill"
	CapabilityTool   CapabilityType = "tool"
	CapabilityConfig CapabilityType = "config"
)

// DecompositionStatus tracks expansion of a task into subtasks.
// DecompositionInProgress acts as a lock against duplicate expansion.
type DecompositionStatus string

const (
	DecompositionNone       DecompositionStatus = ""
	DecompositionInProgress DecompositionStatus = "in_progress"
	DecompositionCompleted  DecompositionStatus = "completed"
	DecompositionFailed     DecompositionStatus = "failed"
)

// Task represents a unit of work owned by exactly one outcome.
type Task struct {
	ID          string
	OutcomeID   string // Owner, immutable
	Title       string
	Description string
	Prompt      string // Instruction handed to the agent
	AgentRole   string // Key into config agents; empty means worker default

	Status      TaskStatus
	Priority    int     // Lower is more urgent
	Score       float64 // Dynamic reprioritization, higher first
	Attempts    int
	MaxAttempts int

	ClaimedBy string     // Worker id, empty when unowned
	ClaimedAt *time.Time // Nil when unowned

	DependsOn DependencyList

	Phase          Phase
	CapabilityType CapabilityType

	DecompositionStatus  DecompositionStatus
	DecomposedFromTaskID string

	Result      string
	LastError   string
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsCapability reports whether the task belongs to the capability phase.
func (t *Task) IsCapability() bool {
	return t.Phase == PhaseCapability
}

// AttemptsRemaining returns how many more runs the retry budget allows.
func (t *Task) AttemptsRemaining() int {
	if n := t.MaxAttempts - t.Attempts; n > 0 {
		return n
	}
	return 0
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.DependsOn = t.DependsOn.Clone()
	if t.ClaimedAt != nil {
		at := *t.ClaimedAt
		cp.ClaimedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}

// transitions lists the legal edges of the task state machine.
var transitions = map[TaskStatus][]TaskStatus{
	TaskPending: {TaskClaimed},
	TaskClaimed: {TaskRunning, TaskPending},
	TaskRunning: {TaskCompleted, TaskPending, TaskFailed},
	TaskFailed:  {TaskPending}, // manual reset only
}

// CanTransition reports whether from -> to is an edge of the task state machine.
func CanTransition(from, to TaskStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition when from -> to is not allowed.
func CheckTransition(from, to TaskStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
