package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/convoy/internal/scheduler"
)

// QueuePaneModel shows the claim queue and the outcome's workers.
type QueuePaneModel struct {
	claimable []*scheduler.Task
	workers   []*scheduler.Worker
	viewport  viewport.Model
	width     int
	height    int
	focused   bool
	now       func() time.Time
}

// NewQueuePaneModel creates an empty queue pane.
func NewQueuePaneModel() QueuePaneModel {
	return QueuePaneModel{viewport: viewport.New(0, 0), now: time.Now}
}

// Update handles messages for the queue pane.
func (m QueuePaneModel) Update(msg tea.Msg) (QueuePaneModel, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.focused {
			m.viewport, cmd = m.viewport.Update(msg)
		}
	case snapshotMsg:
		if msg.err == nil {
			m.claimable = msg.snap.Claimable
			m.workers = msg.snap.Workers
			m.viewport.SetContent(m.renderContent())
		}
	}
	return m, cmd
}

func (m QueuePaneModel) renderContent() string {
	var b strings.Builder

	b.WriteString(StyleTitle.Render(fmt.Sprintf("Claim queue (%d)", len(m.claimable))))
	b.WriteString("\n")
	if len(m.claimable) == 0 {
		b.WriteString(StyleStatusPending.Render("  nothing claimable"))
		b.WriteString("\n")
	}
	for i, t := range m.claimable {
		role := t.AgentRole
		if role == "" {
			role = "-"
		}
		fmt.Fprintf(&b, "  %2d. %s %s  p%d  %s\n", i+1, StatusIcon(t.Status), truncate(t.Title, 40), t.Priority, role)
	}

	b.WriteString("\n")
	b.WriteString(StyleTitle.Render(fmt.Sprintf("Workers (%d)", len(m.workers))))
	b.WriteString("\n")
	if len(m.workers) == 0 {
		b.WriteString(StyleStatusPending.Render("  no workers registered"))
		b.WriteString("\n")
	}
	for _, w := range m.workers {
		line := fmt.Sprintf("  %-16s %s", truncate(w.Name, 16), workerStatusStyle(w.Status).Render(string(w.Status)))
		if w.HasPid() {
			line += fmt.Sprintf("  pid %d", w.Pid)
		}
		if w.CurrentTaskID != "" {
			line += "  on " + w.CurrentTaskID
		}
		if w.LastHeartbeat != nil {
			line += fmt.Sprintf("  beat %s ago", m.now().Sub(*w.LastHeartbeat).Round(time.Second))
		}
		if w.Cost > 0 {
			line += fmt.Sprintf("  $%.2f", w.Cost)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// View renders the queue pane.
func (m QueuePaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}
	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(m.viewport.View())
}

// SetSize updates the pane dimensions.
func (m *QueuePaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(w-4, 10)
	m.viewport.Height = max(h-2, 3)
}

// SetFocused updates the focus state.
func (m *QueuePaneModel) SetFocused(focused bool) {
	m.focused = focused
}
