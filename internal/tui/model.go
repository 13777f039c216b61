package tui

import (
	"context"
	"errors"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/convoy/internal/config"
	"github.com/aristath/convoy/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneAgents PaneID = iota
	PaneQueue
	PaneProgress
)

const paneCount = 3

// Options configures the board.
type Options struct {
	Source    Source
	OutcomeID string

	// Bus is optional. When set (the board runs inside a worker process)
	// agent output streams into the agents pane.
	Bus *events.EventBus

	Config          *config.Config
	GlobalPath      string
	ProjectPath     string
	RefreshInterval time.Duration // default 1s
}

// Model is the root Bubble Tea model for the board.
type Model struct {
	agentPane    AgentPaneModel
	queuePane    QueuePaneModel
	progressPane ProgressPaneModel
	settingsPane SettingsPaneModel
	focusedPane  PaneID
	showSettings bool

	source    Source
	outcomeID string
	refresh   time.Duration
	eventSub  <-chan events.Event

	width    int
	height   int
	quitting bool
}

// New creates a board for one outcome.
func New(opts Options) Model {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = time.Second
	}
	m := Model{
		agentPane:    NewAgentPaneModel(opts.Bus != nil),
		queuePane:    NewQueuePaneModel(),
		progressPane: NewProgressPaneModel(),
		focusedPane:  PaneAgents,
		source:       opts.Source,
		outcomeID:    opts.OutcomeID,
		refresh:      opts.RefreshInterval,
	}
	if opts.Config != nil {
		m.settingsPane = NewSettingsPaneModel(opts.Config, opts.GlobalPath, opts.ProjectPath)
	}
	if opts.Bus != nil {
		m.eventSub = opts.Bus.SubscribeAll(256)
	}
	m.updateFocusStates()
	return m
}

// Init fetches the first snapshot and starts listening for events.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.fetch()}
	if m.eventSub != nil {
		cmds = append(cmds, waitForEvent(m.eventSub))
	}
	return tea.Batch(cmds...)
}

func (m Model) fetch() tea.Cmd {
	if m.source == nil {
		return nil
	}
	return fetchSnapshot(m.source, m.outcomeID, 5*time.Second)
}

// waitForEvent returns a command that waits for the next event from the bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			if !m.settingsPane.IsVisible() {
				m.showSettings = false
			}
			return m, cmd
		}

		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeySettings:
			if m.settingsPane.form == nil {
				break
			}
			m.showSettings = true
			m.settingsPane.SetVisible(true)
			m.settingsPane.SetSize(m.width, m.height)
			cmds = append(cmds, m.settingsPane.Init())

		case KeyRefresh:
			cmds = append(cmds, m.fetch())

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneAgents
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneQueue
			m.updateFocusStates()

		case KeyPane3:
			m.focusedPane = PaneProgress
			m.updateFocusStates()

		default:
			var cmd tea.Cmd
			switch m.focusedPane {
			case PaneAgents:
				m.agentPane, cmd = m.agentPane.Update(msg)
			case PaneQueue:
				m.queuePane, cmd = m.queuePane.Update(msg)
			}
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		m.settingsPane.SetSize(msg.Width, msg.Height)

	case snapshotMsg:
		m.queuePane, _ = m.queuePane.Update(msg)
		m.progressPane, _ = m.progressPane.Update(msg)
		cmds = append(cmds, schedulePoll(m.refresh))

	case pollMsg:
		cmds = append(cmds, m.fetch())

	case events.TaskStartedEvent, events.TaskOutputEvent, events.TaskCompletedEvent,
		events.TaskRetriedEvent, events.TaskFailedEvent, events.TaskResetEvent:
		var cmd tea.Cmd
		m.agentPane, cmd = m.agentPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.OutcomeProgressEvent:
		if msg.Outcome == m.outcomeID {
			m.progressPane, _ = m.progressPane.Update(msg)
		}
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.Event:
		// Not displayed; keep draining the subscription.
		cmds = append(cmds, waitForEvent(m.eventSub))

	case tickMsg:
		var cmd tea.Cmd
		m.agentPane, cmd = m.agentPane.Update(msg)
		cmds = append(cmds, cmd)

	default:
		// huh drives field and group navigation through its own messages.
		if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			if !m.settingsPane.IsVisible() {
				m.showSettings = false
			}
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

// View renders the board.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if m.showSettings {
		return m.settingsPane.View()
	}

	rightPane := lipgloss.JoinVertical(lipgloss.Left, m.queuePane.View(), m.progressPane.View())
	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, m.agentPane.View(), rightPane)
	return lipgloss.JoinVertical(lipgloss.Left, mainContent, HelpView())
}

// computeLayout gives the agents pane the left 40% and splits the right
// side between the queue (top) and progress (bottom).
func (m *Model) computeLayout() {
	leftWidth := (m.width * 40) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // help bar
	queueHeight := (availableHeight * 60) / 100

	m.agentPane.SetSize(leftWidth, availableHeight)
	m.queuePane.SetSize(rightWidth, queueHeight)
	m.progressPane.SetSize(rightWidth, availableHeight-queueHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.agentPane.SetFocused(m.focusedPane == PaneAgents)
	m.queuePane.SetFocused(m.focusedPane == PaneQueue)
	m.progressPane.SetFocused(m.focusedPane == PaneProgress)
}

// Run starts the board and blocks until the user quits or ctx ends.
func Run(ctx context.Context, opts Options) error {
	_, err := tea.NewProgram(New(opts), tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if err != nil && ctx.Err() != nil && errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}
