package scheduler

import "time"

// OutcomeStatus is set by explicit calls, never derived from task completion.
type OutcomeStatus string

const (
	OutcomeActive   OutcomeStatus = "active"
	OutcomeDormant  OutcomeStatus = "dormant"
	OutcomeAchieved OutcomeStatus = "achieved"
	OutcomeArchived OutcomeStatus = "archived"
)

// Valid reports whether s is a known outcome status.
func (s OutcomeStatus) Valid() bool {
	switch s {
	case OutcomeActive, OutcomeDormant, OutcomeAchieved, OutcomeArchived:
		return true
	}
	return false
}

// CapabilityReadiness aggregates the capability phase of an outcome.
type CapabilityReadiness int

const (
	CapabilityNotStarted CapabilityReadiness = 0
	CapabilityInProgress CapabilityReadiness = 1
	CapabilityComplete   CapabilityReadiness = 2
)

func (r CapabilityReadiness) String() string {
	switch r {
	case CapabilityNotStarted:
		return "not_started"
	case CapabilityInProgress:
		return "in_progress"
	case CapabilityComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Outcome is the goal container that owns tasks, workers and review cycles.
type Outcome struct {
	ID       string
	ParentID string // Empty for a root outcome
	Name     string
	Intent   string
	Status   OutcomeStatus

	// CapabilityReady is a cached copy of ComputeCapabilityReadiness and is
	// corrected whenever it drifts from the task population.
	CapabilityReady CapabilityReadiness

	CreatedAt time.Time
	UpdatedAt time.Time
}
