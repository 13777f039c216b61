package events

import (
	"time"

	"github.com/aristath/convoy/internal/scheduler"
)

// Event is the base interface for all scheduler events.
type Event interface {
	Topic() string
	EventType() string
	OutcomeID() string
}

// Topic constants
const (
	TopicTask    = "task"
	TopicWorker  = "worker"
	TopicOutcome = "outcome"
)

// Event type constants
const (
	EventTypeTaskClaimed      = "task.claimed"
	EventTypeTaskStarted      = "task.started"
	EventTypeTaskOutput       = "task.output"
	EventTypeTaskCompleted    = "task.completed"
	EventTypeTaskRetried      = "task.retried"
	EventTypeTaskFailed       = "task.failed"
	EventTypeTaskReset        = "task.reset"
	EventTypeWorkerOrphaned   = "worker.orphaned"
	EventTypeCapabilityDrift  = "outcome.capability_drift"
	EventTypeOutcomeConverged = "outcome.converged"
	EventTypeOutcomeProgress  = "outcome.progress"
)

// TaskClaimedEvent is published when a worker wins the claim on a task.
type TaskClaimedEvent struct {
	ID        string
	Outcome   string
	WorkerID  string
	Timestamp time.Time
}

func (e TaskClaimedEvent) Topic() string     { return TopicTask }
func (e TaskClaimedEvent) EventType() string { return EventTypeTaskClaimed }
func (e TaskClaimedEvent) OutcomeID() string { return e.Outcome }

// TaskStartedEvent is published when a claimed task begins an attempt.
type TaskStartedEvent struct {
	ID        string
	Outcome   string
	WorkerID  string
	Title     string
	AgentRole string
	Attempt   int
	Timestamp time.Time
}

func (e TaskStartedEvent) Topic() string     { return TopicTask }
func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) OutcomeID() string { return e.Outcome }

// TaskOutputEvent carries agent output produced during an attempt.
type TaskOutputEvent struct {
	ID        string
	Outcome   string
	Line      string
	Timestamp time.Time
}

func (e TaskOutputEvent) Topic() string     { return TopicTask }
func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) OutcomeID() string { return e.Outcome }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string
	Outcome   string
	WorkerID  string
	Result    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) Topic() string     { return TopicTask }
func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) OutcomeID() string { return e.Outcome }

// TaskRetriedEvent is published when a failed attempt returns the task to pending.
type TaskRetriedEvent struct {
	ID          string
	Outcome     string
	WorkerID    string
	Attempts    int
	MaxAttempts int
	Err         string
	Timestamp   time.Time
}

func (e TaskRetriedEvent) Topic() string     { return TopicTask }
func (e TaskRetriedEvent) EventType() string { return EventTypeTaskRetried }
func (e TaskRetriedEvent) OutcomeID() string { return e.Outcome }

// TaskFailedEvent is published when a task exhausts its retry budget.
// Collaborators use it to trigger escalation.
type TaskFailedEvent struct {
	ID        string
	Outcome   string
	WorkerID  string
	Attempts  int
	Err       string
	Timestamp time.Time
}

func (e TaskFailedEvent) Topic() string     { return TopicTask }
func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) OutcomeID() string { return e.Outcome }

// TaskResetEvent is published when recovery returns an orphaned task to pending.
type TaskResetEvent struct {
	ID            string
	Outcome       string
	PreviousOwner string
	Reason        string
	Timestamp     time.Time
}

func (e TaskResetEvent) Topic() string     { return TopicTask }
func (e TaskResetEvent) EventType() string { return EventTypeTaskReset }
func (e TaskResetEvent) OutcomeID() string { return e.Outcome }

// WorkerOrphanedEvent is published when a running worker's process is gone.
type WorkerOrphanedEvent struct {
	WorkerID  string
	Outcome   string
	Pid       int
	Timestamp time.Time
}

func (e WorkerOrphanedEvent) Topic() string     { return TopicWorker }
func (e WorkerOrphanedEvent) EventType() string { return EventTypeWorkerOrphaned }
func (e WorkerOrphanedEvent) OutcomeID() string { return e.Outcome }

// CapabilityDriftEvent is published when the stored readiness disagreed with
// the task population and was corrected.
type CapabilityDriftEvent struct {
	Outcome   string
	Stored    scheduler.CapabilityReadiness
	Computed  scheduler.CapabilityReadiness
	Timestamp time.Time
}

func (e CapabilityDriftEvent) Topic() string     { return TopicOutcome }
func (e CapabilityDriftEvent) EventType() string { return EventTypeCapabilityDrift }
func (e CapabilityDriftEvent) OutcomeID() string { return e.Outcome }

// OutcomeConvergedEvent is published when a recorded review cycle makes an
// outcome satisfy HasConverged.
type OutcomeConvergedEvent struct {
	Outcome               string
	CycleNumber           int
	ConsecutiveZeroIssues int
	Timestamp             time.Time
}

func (e OutcomeConvergedEvent) Topic() string     { return TopicOutcome }
func (e OutcomeConvergedEvent) EventType() string { return EventTypeOutcomeConverged }
func (e OutcomeConvergedEvent) OutcomeID() string { return e.Outcome }

// OutcomeProgressEvent is published when task counts of an outcome change.
type OutcomeProgressEvent struct {
	Outcome   string
	Total     int
	Pending   int
	Claimed   int
	Running   int
	Completed int
	Failed    int
	Timestamp time.Time
}

func (e OutcomeProgressEvent) Topic() string     { return TopicOutcome }
func (e OutcomeProgressEvent) EventType() string { return EventTypeOutcomeProgress }
func (e OutcomeProgressEvent) OutcomeID() string { return e.Outcome }
