package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/convoy/internal/scheduler"
)

// Border styles
var (
	StyleFocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62"))

	StyleUnfocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("240"))
)

// Status styles
var (
	StyleStatusRunning = lipgloss.NewStyle().
				Foreground(lipgloss.Color("yellow")).
				Bold(true)

	StyleStatusClaimed = lipgloss.NewStyle().
				Foreground(lipgloss.Color("39"))

	StyleStatusComplete = lipgloss.NewStyle().
				Foreground(lipgloss.Color("green")).
				Bold(true)

	StyleStatusFailed = lipgloss.NewStyle().
				Foreground(lipgloss.Color("red")).
				Bold(true)

	StyleStatusPending = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))
)

// UI element styles
var (
	StyleTitle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	StyleHelp = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	StyleError = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	StyleSelected = lipgloss.NewStyle().
			Background(lipgloss.Color("62")).
			Foreground(lipgloss.Color("0"))
)

// taskStatusStyle picks the style used for a task status.
func taskStatusStyle(s scheduler.TaskStatus) lipgloss.Style {
	switch s {
	case scheduler.TaskRunning:
		return StyleStatusRunning
	case scheduler.TaskClaimed:
		return StyleStatusClaimed
	case scheduler.TaskCompleted:
		return StyleStatusComplete
	case scheduler.TaskFailed:
		return StyleStatusFailed
	default:
		return StyleStatusPending
	}
}

func workerStatusStyle(s scheduler.WorkerStatus) lipgloss.Style {
	switch s {
	case scheduler.WorkerRunning:
		return StyleStatusRunning
	case scheduler.WorkerCompleted:
		return StyleStatusComplete
	case scheduler.WorkerFailed:
		return StyleStatusFailed
	default:
		return StyleStatusPending
	}
}
