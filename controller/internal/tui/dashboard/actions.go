package dashboard

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/amurg-ai/remotectl/controller/internal/ipc"
	"github.com/amurg-ai/remotectl/controller/internal/tui"
)

type actionsModel struct {
	items  []ipc.ActionInfo
	cursor int
}

func (a *actionsModel) update(items []ipc.ActionInfo) {
	a.items = items
	if a.cursor >= len(a.items) {
		a.cursor = max(0, len(a.items)-1)
	}
}

func (a actionsModel) Update(msg tea.Msg) (actionsModel, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.String() {
		case "j", "down":
			if a.cursor < len(a.items)-1 {
				a.cursor++
			}
		case "k", "up":
			if a.cursor > 0 {
				a.cursor--
			}
		case "G":
			a.cursor = max(0, len(a.items)-1)
		case "g":
			a.cursor = 0
		}
	}
	return a, nil
}

func (a actionsModel) View() string {
	if len(a.items) == 0 {
		return tui.Dimmed.Render("  Idle")
	}

	head := lipgloss.NewStyle().Foreground(tui.ColorSubtle).Bold(true)
	var b strings.Builder
	fmt.Fprintf(&b, "  %-10s %-26s %s\n", head.Render("REQUEST"), head.Render("TYPE"), head.Render("AGE"))
	for i, act := range a.items {
		cursor := "  "
		style := lipgloss.NewStyle()
		if i == a.cursor {
			cursor = tui.Selected.Render("> ")
			style = style.Bold(true)
		}
		id := act.RequestID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Fprintf(&b, "%s%-10s %-26s %s\n", cursor,
			style.Render(id), style.Render(act.Type), style.Render(formatAge(act.StartedAt)))
	}
	return b.String()
}

func (a actionsModel) height() int {
	return min(len(a.items)+2, 12)
}
