package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTaskNotFound is returned when a task id does not resolve.
	ErrTaskNotFound = errors.New("task not found")

	// ErrWorkerNotFound is returned when a worker id does not resolve.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrOutcomeNotFound is returned when an outcome id does not resolve.
	ErrOutcomeNotFound = errors.New("outcome not found")

	// ErrInvalidTransition is returned for edges outside the task state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrWorkerInactive is returned when a worker that is not running tries to
	// claim work.
	ErrWorkerInactive = errors.New("worker is not active")

	// ErrDecompositionLocked is returned when a task is already being expanded.
	ErrDecompositionLocked = errors.New("task decomposition already in progress")

	// ErrNegativeCost is returned when a cost increment would decrease the counter.
	ErrNegativeCost = errors.New("cost increment must not be negative")

	// ErrInvalidDependencies wraps every ValidationError.
	ErrInvalidDependencies = errors.New("invalid dependencies")
)

// ValidationError reports every problem found in a dependency batch at once.
type ValidationError struct {
	TaskID   string
	Problems []string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	subject := "dependencies"
	if e.TaskID != "" {
		subject = fmt.Sprintf("dependencies of task %s", e.TaskID)
	}
	return fmt.Sprintf("invalid %s: %s", subject, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidDependencies }

// NewValidationError returns nil when problems is empty.
func NewValidationError(taskID string, problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{TaskID: taskID, Problems: append([]string(nil), problems...)}
}
