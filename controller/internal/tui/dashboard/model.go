// Package dashboard is the live view behind "remotectl-controller watch".
package dashboard

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/amurg-ai/remotectl/controller/internal/ipc"
	"github.com/amurg-ai/remotectl/controller/internal/tui"
)

// Panel identifies the focused panel.
type Panel int

const (
	PanelActions Panel = iota
	PanelLogs
)

var (
	keyQuit   = key.NewBinding(key.WithKeys("ctrl+c", "q"))
	keySwitch = key.NewBinding(key.WithKeys("tab"))
	keyHelp   = key.NewBinding(key.WithKeys("?"))
)

// Model is the root dashboard model.
type Model struct {
	header  headerModel
	actions actionsModel
	logs    logsModel
	help    helpModel

	active Panel
	width  int
	height int
}

// NewModel creates a dashboard seeded with a first status snapshot.
func NewModel(status ipc.StatusResult, actions []ipc.ActionInfo) Model {
	return Model{
		header:  headerModel{status: status},
		actions: actionsModel{items: actions},
		logs:    newLogs(),
	}
}

// EventMsg carries one controller event.
type EventMsg struct {
	Type string
	Data []byte
}

// StatusUpdateMsg carries a fresh status snapshot.
type StatusUpdateMsg struct {
	Status ipc.StatusResult
}

// ActionsUpdateMsg carries the current in-flight actions.
type ActionsUpdateMsg struct {
	Actions []ipc.ActionInfo
}

// DisconnectedMsg means the controller went away.
type DisconnectedMsg struct{}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.logs.setSize(msg.Width-4, m.logsHeight())
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keyQuit):
			return m, tea.Quit
		case key.Matches(msg, keySwitch):
			if m.active == PanelActions {
				m.active = PanelLogs
			} else {
				m.active = PanelActions
			}
			return m, nil
		case key.Matches(msg, keyHelp):
			m.help.visible = !m.help.visible
			return m, nil
		}

	case StatusUpdateMsg:
		m.header.status = msg.Status
		return m, nil

	case ActionsUpdateMsg:
		m.actions.update(msg.Actions)
		m.logs.setSize(m.width-4, m.logsHeight())
		return m, nil

	case EventMsg:
		m.logs.addEvent(msg)
		return m, nil

	case DisconnectedMsg:
		m.header.status.State = "controller stopped"
		m.header.status.Connected = false
		return m, nil
	}

	var cmd tea.Cmd
	switch m.active {
	case PanelActions:
		m.actions, cmd = m.actions.Update(msg)
	case PanelLogs:
		m.logs, cmd = m.logs.Update(msg)
	}
	return m, cmd
}

func (m Model) View() string {
	if m.help.visible {
		return m.help.View()
	}

	panel := func(title, body string, focused bool) string {
		border := tui.ColorMuted
		if focused {
			border = tui.ColorPrimary
		}
		return lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(border).
			Width(max(m.width-2, 20)).
			Render(tui.Subtitle.Render(" "+title) + "\n" + body)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.header.View(m.width),
		panel("In-flight actions", m.actions.View(), m.active == PanelActions),
		panel("Events", m.logs.View(), m.active == PanelLogs),
		m.help.bar(),
	)
}

func (m Model) logsHeight() int {
	used := 6 + m.actions.height() + 4
	return max(m.height-used, 5)
}
