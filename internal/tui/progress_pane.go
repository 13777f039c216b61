package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/convoy/internal/events"
	"github.com/aristath/convoy/internal/scheduler"
)

// ProgressPaneModel shows task counts, capability readiness and convergence
// for the watched outcome.
type ProgressPaneModel struct {
	outcomeName string
	status      scheduler.OutcomeStatus
	total       int
	pending     int
	claimed     int
	running     int
	completed   int
	failed      int
	claimable   int
	blocked     int
	readiness   scheduler.CapabilityReadiness
	capability  scheduler.CapabilityCounts
	convergence scheduler.ConvergenceStatus
	cost        float64
	err         error
	width       int
	height      int
	focused     bool
}

// NewProgressPaneModel creates an empty progress pane.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{convergence: scheduler.ConvergenceStatus{Trend: scheduler.TrendUnknown, LatestIssues: -1}}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case snapshotMsg:
		m.err = msg.err
		if msg.err != nil || msg.snap.Summary == nil {
			break
		}
		s := msg.snap.Summary
		if s.Outcome != nil {
			m.outcomeName = s.Outcome.Name
			m.status = s.Outcome.Status
		}
		m.total = s.TotalTasks
		m.pending = s.Tasks[scheduler.TaskPending]
		m.claimed = s.Tasks[scheduler.TaskClaimed]
		m.running = s.Tasks[scheduler.TaskRunning]
		m.completed = s.Tasks[scheduler.TaskCompleted]
		m.failed = s.Tasks[scheduler.TaskFailed]
		m.claimable = s.Claimable
		m.blocked = s.Blocked
		m.readiness = s.Readiness
		m.capability = s.Capability
		m.convergence = s.Convergence
		m.cost = s.TotalCost

	case events.OutcomeProgressEvent:
		m.total = msg.Total
		m.pending = msg.Pending
		m.claimed = msg.Claimed
		m.running = msg.Running
		m.completed = msg.Completed
		m.failed = msg.Failed
	}
	return m, nil
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Outcome " + m.outcomeName)
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(StyleError.Render("refresh failed: " + m.err.Error()))
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Status:     %s   capability %s (%d/%d)\n", m.status, m.readiness, m.capability.Completed, m.capability.Total)
	fmt.Fprintf(&b, "Tasks:      %d total, %d claimable, %d blocked\n", m.total, m.claimable, m.blocked)
	fmt.Fprintf(&b, "            %s done  %s running  %s claimed  %s failed  %s pending\n",
		StyleStatusComplete.Render(fmt.Sprint(m.completed)),
		StyleStatusRunning.Render(fmt.Sprint(m.running)),
		StyleStatusClaimed.Render(fmt.Sprint(m.claimed)),
		StyleStatusFailed.Render(fmt.Sprint(m.failed)),
		StyleStatusPending.Render(fmt.Sprint(m.pending)))
	fmt.Fprintf(&b, "Review:     %s\n", convergenceLine(m.convergence))
	fmt.Fprintf(&b, "Cost:       $%.2f\n", m.cost)

	if m.total > 0 {
		barWidth := min(m.width-16, 40)
		if barWidth > 0 {
			completedWidth := (m.completed * barWidth) / m.total
			failedWidth := (m.failed * barWidth) / m.total
			activeWidth := ((m.running + m.claimed) * barWidth) / m.total
			pendingWidth := barWidth - completedWidth - failedWidth - activeWidth

			bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
			bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
			bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, activeWidth)))
			bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))
			fmt.Fprintf(&b, "\n[%s]  %d/%d\n", bar, m.completed, m.total)
		}
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func convergenceLine(c scheduler.ConvergenceStatus) string {
	if c.CyclesEvaluated == 0 {
		return StyleStatusPending.Render("no review cycles yet")
	}
	line := fmt.Sprintf("cycle %d, %d issues, trend %s, %d clean in a row", c.LatestCycle, c.LatestIssues, c.Trend, c.ConsecutiveZeroIssues)
	switch {
	case c.HasConverged:
		return StyleStatusComplete.Render(line + " (converged)")
	case c.IsConverging:
		return StyleStatusRunning.Render(line + " (converging)")
	}
	return line
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
