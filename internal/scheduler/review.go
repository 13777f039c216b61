package scheduler

import "time"

// VerificationCheck is one named check run during a review pass.
type VerificationCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Verification is the optional payload attached to a review cycle.
type Verification struct {
	Passed bool                `json:"passed"`
	Checks []VerificationCheck `json:"checks,omitempty"`
	Notes  string              `json:"notes,omitempty"`
}

// ReviewCycle is an append-only record of one review pass over an outcome.
type ReviewCycle struct {
	ID           string
	OutcomeID    string
	CycleNumber  int // Strictly increasing per outcome
	IssuesFound  int
	TasksAdded   int
	Verification *Verification
	CreatedAt    time.Time
}
