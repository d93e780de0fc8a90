package dashboard

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/amurg-ai/remotectl/controller/internal/ipc"
	"github.com/amurg-ai/remotectl/controller/internal/tui"
)

type headerModel struct {
	status ipc.StatusResult
}

func (h headerModel) View(width int) string {
	st := h.status
	left := tui.Title.Render("remotectl controller")
	right := fmt.Sprintf("%s  %s %s", st.HubURL, tui.StatusDot(st.State), tui.StatusText(st.State))

	info := fmt.Sprintf("  PID: %d   Actions: %d/%d running, %d done, %d failed   Processes: %d   Uptime: %s",
		st.PID, st.InFlight, st.MaxConcurrent, st.ActionsTotal, st.ActionsFailed, st.TrackedProcesses, uptime(st))
	if st.ProjectID != "" {
		info += "\n  Project: " + st.ProjectID
	}
	if st.InteractiveSession != "" {
		info += "\n  Interactive session: " + st.InteractiveSession
	}

	pad := max(width-lipgloss.Width(left)-lipgloss.Width(right)-6, 1)
	firstRow := lipgloss.JoinHorizontal(lipgloss.Top, left, lipgloss.NewStyle().Width(pad).Render(""), right)

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorPrimary).
		Width(max(width-2, 20)).
		Padding(0, 1).
		Render(firstRow + "\n" + tui.Description.Render(info))
}

func uptime(st ipc.StatusResult) string {
	if st.StartedAt.IsZero() {
		return st.Uptime
	}
	return formatAge(st.StartedAt)
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
