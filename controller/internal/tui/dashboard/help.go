package dashboard

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/amurg-ai/remotectl/controller/internal/tui"
)

type helpModel struct {
	visible bool
}

func (h helpModel) bar() string {
	return tui.Help.Render("  q quit  Tab switch  j/k navigate  G bottom  ? help")
}

func (h helpModel) View() string {
	binds := []struct{ key, desc string }{
		{"q / Ctrl+C", "Quit the dashboard (the controller keeps running)"},
		{"Tab", "Switch between actions and events"},
		{"j / Down", "Move down"},
		{"k / Up", "Move up"},
		{"G", "Jump to bottom and follow"},
		{"g", "Jump to top"},
		{"?", "Toggle this help"},
	}

	keyStyle := lipgloss.NewStyle().Foreground(tui.ColorAccent).Bold(true).Width(14)
	descStyle := lipgloss.NewStyle().Foreground(tui.ColorText)

	var b strings.Builder
	b.WriteString(tui.Title.Render("Keyboard shortcuts") + "\n\n")
	for _, bind := range binds {
		b.WriteString("  " + keyStyle.Render(bind.key) + descStyle.Render(bind.desc) + "\n")
	}
	b.WriteString("\n" + tui.Help.Render("  Press ? to close"))
	return lipgloss.NewStyle().Padding(1, 2).Render(b.String())
}
