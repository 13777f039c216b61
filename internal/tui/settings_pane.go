package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/robfig/cron/v3"

	"github.com/aristath/convoy/internal/config"
)

// SettingsPaneModel manages the settings form overlay.
type SettingsPaneModel struct {
	form        *huh.Form
	config      *config.Config
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	err         error

	// Shared across model copies so huh's bindings stay valid.
	fields *settingsFields
}

// settingsFields holds the form field bindings.
type settingsFields struct {
	saveTarget       string
	defaultAgent     string
	coderProvider    string
	coderModel       string
	reviewerProvider string
	reviewerModel    string
	claudeCommand    string
	schedule         string
}

// NewSettingsPaneModel creates a settings pane editing cfg.
func NewSettingsPaneModel(cfg *config.Config, globalPath, projectPath string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
		fields:      &settingsFields{},
	}
	m.loadFields()
	m.buildForm()
	return m
}

func (m *SettingsPaneModel) loadFields() {
	m.fields.saveTarget = "project"
	m.fields.defaultAgent = m.config.Worker.Agent
	m.fields.coderProvider = m.config.Agents["coder"].Provider
	m.fields.coderModel = m.config.Agents["coder"].Model
	m.fields.reviewerProvider = m.config.Agents["reviewer"].Provider
	m.fields.reviewerModel = m.config.Agents["reviewer"].Model
	m.fields.claudeCommand = m.config.Providers["claude"].Command
	m.fields.schedule = m.config.Maintenance.Schedule
}

func (m *SettingsPaneModel) buildForm() {
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption(fmt.Sprintf("Project (%s)", m.projectPath), "project"),
					huh.NewOption(fmt.Sprintf("Global (%s)", m.globalPath), "global"),
				).
				Value(&m.fields.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewInput().
				Key("defaultAgent").
				Title("Default Agent Role").
				Value(&m.fields.defaultAgent).
				Validate(m.knownAgent).
				Placeholder("coder"),

			huh.NewInput().
				Key("coderProvider").
				Title("Coder Provider").
				Value(&m.fields.coderProvider).
				Validate(m.knownProvider).
				Placeholder("claude"),

			huh.NewInput().
				Key("coderModel").
				Title("Coder Model").
				Value(&m.fields.coderModel),

			huh.NewInput().
				Key("reviewerProvider").
				Title("Reviewer Provider").
				Value(&m.fields.reviewerProvider).
				Validate(m.knownProvider).
				Placeholder("claude"),

			huh.NewInput().
				Key("reviewerModel").
				Title("Reviewer Model").
				Value(&m.fields.reviewerModel),
		).Title("Agents"),

		huh.NewGroup(
			huh.NewInput().
				Key("claudeCommand").
				Title("Claude Command").
				Value(&m.fields.claudeCommand).
				Placeholder("claude"),

			huh.NewInput().
				Key("schedule").
				Title("Maintenance Schedule").
				Value(&m.fields.schedule).
				Validate(validSchedule).
				Placeholder("@every 1m"),
		).Title("Runtime"),
	)
}

func (m *SettingsPaneModel) knownProvider(name string) error {
	if _, ok := m.config.Providers[name]; !ok {
		return fmt.Errorf("unknown provider %q", name)
	}
	return nil
}

func (m *SettingsPaneModel) knownAgent(name string) error {
	if _, ok := m.config.Agents[name]; !ok {
		return fmt.Errorf("unknown agent %q", name)
	}
	return nil
}

func validSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}
	return nil
}

// Init initializes the settings pane.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if key, ok := msg.(tea.KeyMsg); ok && key.String() == KeyEsc {
		m.visible = false
		m.saved = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.applyFormToConfig()

		target := m.projectPath
		if m.fields.saveTarget == "global" {
			target = m.globalPath
		}
		if err := config.Save(m.config, target); err != nil {
			m.err = err
			m.saved = false
		} else {
			m.saved = true
			m.err = nil
			m.visible = false
		}
	}

	return m, cmd
}

// applyFormToConfig copies form field values back to the config.
func (m *SettingsPaneModel) applyFormToConfig() {
	m.config.Worker.Agent = m.fields.defaultAgent
	m.config.Maintenance.Schedule = m.fields.schedule

	if coder, ok := m.config.Agents["coder"]; ok {
		coder.Provider = m.fields.coderProvider
		coder.Model = m.fields.coderModel
		m.config.Agents["coder"] = coder
	}
	if reviewer, ok := m.config.Agents["reviewer"]; ok {
		reviewer.Provider = m.fields.reviewerProvider
		reviewer.Model = m.fields.reviewerModel
		m.config.Agents["reviewer"] = reviewer
	}
	if claude, ok := m.config.Providers["claude"]; ok {
		claude.Command = m.fields.claudeCommand
		m.config.Providers["claude"] = claude
	}
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	content := m.form.View()
	if m.err != nil {
		content = StyleError.Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4)

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("⚙ Settings")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// SetVisible shows or hides the settings pane, rebuilding the form from the
// current config when shown.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil
	if v {
		m.loadFields()
		m.buildForm()
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}

// Saved reports whether the last form submission was written to disk.
func (m SettingsPaneModel) Saved() bool {
	return m.saved
}
