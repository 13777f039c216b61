package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/convoy/internal/events"
	"github.com/aristath/convoy/internal/scheduler"
)

// AgentState tracks the live attempt history of one task.
type AgentState struct {
	TaskID    string
	Title     string
	AgentRole string
	WorkerID  string
	Status    scheduler.TaskStatus
	Attempt   int
	Output    []string
	StartTime time.Time
	Duration  time.Duration
}

// AgentPaneModel lists tasks seen on the event bus and shows the selected
// task's agent output in a scrollable viewport.
type AgentPaneModel struct {
	agents      map[string]*AgentState // taskID -> state
	agentOrder  []string               // insertion order for display
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	live        bool // false when no event bus is attached
	updateTag   int  // for debouncing
}

// NewAgentPaneModel creates an agent pane. live reports whether events will
// arrive; a board attached only to the store has no agent output to show.
func NewAgentPaneModel(live bool) AgentPaneModel {
	return AgentPaneModel{
		agents:   make(map[string]*AgentState),
		viewport: viewport.New(0, 0),
		live:     live,
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles messages for the agent pane.
func (m AgentPaneModel) Update(msg tea.Msg) (AgentPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.agentOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskStartedEvent:
		agent := m.track(msg.ID)
		agent.Title = msg.Title
		agent.AgentRole = msg.AgentRole
		agent.WorkerID = msg.WorkerID
		agent.Status = scheduler.TaskRunning
		agent.Attempt = msg.Attempt
		agent.StartTime = msg.Timestamp
		agent.Output = append(agent.Output, fmt.Sprintf("[attempt %d on %s]", msg.Attempt, msg.WorkerID))
		m.refreshIfSelected(msg.ID)

	case events.TaskOutputEvent:
		if agent, ok := m.agents[msg.ID]; ok {
			agent.Output = append(agent.Output, strings.Split(msg.Line, "\n")...)
			if m.selectedTaskID() == msg.ID {
				m.updateTag++
				tag := m.updateTag
				return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
					return tickMsg{tag: tag}
				})
			}
		}

	case events.TaskCompletedEvent:
		if agent, ok := m.agents[msg.ID]; ok {
			agent.Status = scheduler.TaskCompleted
			agent.Duration = msg.Duration
			agent.Output = append(agent.Output, fmt.Sprintf("[completed in %v]", msg.Duration.Round(time.Millisecond)))
			m.refreshIfSelected(msg.ID)
		}

	case events.TaskRetriedEvent:
		if agent, ok := m.agents[msg.ID]; ok {
			agent.Status = scheduler.TaskPending
			agent.Output = append(agent.Output, fmt.Sprintf("[attempt %d/%d failed: %s]", msg.Attempts, msg.MaxAttempts, msg.Err))
			m.refreshIfSelected(msg.ID)
		}

	case events.TaskFailedEvent:
		if agent, ok := m.agents[msg.ID]; ok {
			agent.Status = scheduler.TaskFailed
			agent.Duration = msg.Timestamp.Sub(agent.StartTime)
			agent.Output = append(agent.Output, fmt.Sprintf("[failed after %d attempts: %s]", msg.Attempts, msg.Err))
			m.refreshIfSelected(msg.ID)
		}

	case events.TaskResetEvent:
		if agent, ok := m.agents[msg.ID]; ok {
			agent.Status = scheduler.TaskPending
			agent.Output = append(agent.Output, fmt.Sprintf("[reset: %s]", msg.Reason))
			m.refreshIfSelected(msg.ID)
		}

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

func (m *AgentPaneModel) track(taskID string) *AgentState {
	if agent, ok := m.agents[taskID]; ok {
		return agent
	}
	agent := &AgentState{TaskID: taskID, Title: taskID}
	m.agents[taskID] = agent
	m.agentOrder = append(m.agentOrder, taskID)
	if len(m.agentOrder) == 1 {
		m.selectedIdx = 0
	}
	return agent
}

func (m *AgentPaneModel) refreshIfSelected(taskID string) {
	if m.selectedTaskID() == taskID {
		m.updateViewportContent()
	}
}

// View renders the agent pane.
func (m AgentPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 25
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderAgentList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m AgentPaneModel) renderAgentList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Agents")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	switch {
	case !m.live:
		b.WriteString(StyleStatusPending.Render("No live output.\nRun the board with\nworker --board."))
	case len(m.agentOrder) == 0:
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	default:
		for i, taskID := range m.agentOrder {
			agent := m.agents[taskID]
			line := fmt.Sprintf("%s %s", StatusIcon(agent.Status), truncate(agent.Title, width-2))
			if i == m.selectedIdx {
				line = StyleSelected.Render(line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status scheduler.TaskStatus) string {
	switch status {
	case scheduler.TaskRunning:
		return StyleStatusRunning.Render("●")
	case scheduler.TaskClaimed:
		return StyleStatusClaimed.Render("◐")
	case scheduler.TaskCompleted:
		return StyleStatusComplete.Render("✓")
	case scheduler.TaskFailed:
		return StyleStatusFailed.Render("✗")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m AgentPaneModel) selectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.agentOrder) {
		return m.agentOrder[m.selectedIdx]
	}
	return ""
}

func (m *AgentPaneModel) updateViewportContent() {
	agent, ok := m.agents[m.selectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	m.viewport.SetContent(strings.Join(agent.Output, "\n"))
	m.viewport.GotoBottom()
}

func (m *AgentPaneModel) resizeViewport() {
	viewportWidth := m.width - 25 - 4
	viewportHeight := m.height - 4

	if viewportWidth < 10 {
		viewportWidth = 10
	}
	if viewportHeight < 5 {
		viewportHeight = 5
	}
	m.viewport.Width = viewportWidth
	m.viewport.Height = viewportHeight
}

// SetSize updates the pane dimensions.
func (m *AgentPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *AgentPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

// truncate shortens s to width runes, marking the cut with an ellipsis.
func truncate(s string, width int) string {
	r := []rune(s)
	if width <= 3 || len(r) <= width {
		return s
	}
	return string(r[:width-3]) + "..."
}
