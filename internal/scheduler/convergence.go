package scheduler

import "sort"

// DefaultConvergenceWindow is how many recent review cycles are evaluated.
const DefaultConvergenceWindow = 5

// Trend classifies the direction of issues found across the newest two cycles.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendWorsening Trend = "worsening"
	TrendUnknown   Trend = "unknown"
)

// ConvergenceStatus is derived from the most recent review cycles of an outcome.
type ConvergenceStatus struct {
	ConsecutiveZeroIssues int
	Trend                 Trend
	IsConverging          bool
	HasConverged          bool
	LatestIssues          int // -1 when no cycle has been recorded
	LatestCycle           int // 0 when no cycle has been recorded
	CyclesEvaluated       int
}

// EvaluateConvergence evaluates review cycles, newest first. Input order is
// normalised by cycle number; only the first DefaultConvergenceWindow are used.
//
// IsConverging holds when at least two leading cycles found zero issues, or the
// trend is improving and the newest cycle found at most two issues. With no
// cycles the trend is unknown and nothing is converging.
func EvaluateConvergence(cycles []ReviewCycle) ConvergenceStatus {
	return EvaluateConvergenceWindow(cycles, DefaultConvergenceWindow)
}

// EvaluateConvergenceWindow is EvaluateConvergence with an explicit window size.
func EvaluateConvergenceWindow(cycles []ReviewCycle, window int) ConvergenceStatus {
	if window <= 0 {
		window = DefaultConvergenceWindow
	}

	recent := append([]ReviewCycle(nil), cycles...)
	sort.SliceStable(recent, func(i, j int) bool {
		return recent[i].CycleNumber > recent[j].CycleNumber
	})
	if len(recent) > window {
		recent = recent[:window]
	}

	status := ConvergenceStatus{
		Trend:           TrendUnknown,
		LatestIssues:    -1,
		CyclesEvaluated: len(recent),
	}
	if len(recent) == 0 {
		return status
	}

	status.LatestIssues = recent[0].IssuesFound
	status.LatestCycle = recent[0].CycleNumber

	for _, cycle := range recent {
		if cycle.IssuesFound != 0 {
			break
		}
		status.ConsecutiveZeroIssues++
	}

	if len(recent) >= 2 {
		newest, previous := recent[0].IssuesFound, recent[1].IssuesFound
		switch {
		case newest < previous:
			status.Trend = TrendImproving
		case newest > previous:
			status.Trend = TrendWorsening
		default:
			status.Trend = TrendStable
		}
	}

	status.IsConverging = status.ConsecutiveZeroIssues >= 2 ||
		(status.Trend == TrendImproving && status.LatestIssues <= 2)
	status.HasConverged = status.ConsecutiveZeroIssues >= 2

	return status
}
