package dashboard

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/amurg-ai/remotectl/controller/internal/eventbus"
	"github.com/amurg-ai/remotectl/controller/internal/tui"
)

const maxLogLines = 1000

type logsModel struct {
	viewport   viewport.Model
	lines      []string
	autoScroll bool
}

func newLogs() logsModel {
	return logsModel{viewport: viewport.New(80, 10), autoScroll: true}
}

func (l *logsModel) setSize(width, height int) {
	l.viewport.Width = width
	l.viewport.Height = height
}

func (l *logsModel) addEvent(msg EventMsg) {
	l.lines = append(l.lines, formatEvent(time.Now(), msg))
	if len(l.lines) > maxLogLines {
		l.lines = l.lines[len(l.lines)-maxLogLines:]
	}
	l.viewport.SetContent(strings.Join(l.lines, "\n"))
	if l.autoScroll {
		l.viewport.GotoBottom()
	}
}

func formatEvent(now time.Time, msg EventMsg) string {
	ts := now.Format("15:04:05")

	var entry map[string]any
	if err := json.Unmarshal(msg.Data, &entry); err != nil {
		return fmt.Sprintf("  %s %s  %s", ts, tui.Dimmed.Render(msg.Type), string(msg.Data))
	}

	var level, text string
	skip := map[string]bool{"time": true}
	switch msg.Type {
	case eventbus.LogEntry:
		level, _ = entry["level"].(string)
		text, _ = entry["msg"].(string)
		skip["level"], skip["msg"] = true, true
	case eventbus.ControllerState:
		level = "STATE"
		text, _ = entry["state"].(string)
		skip["state"] = true
	case eventbus.ActionStarted, eventbus.ActionFinished:
		level = "ACT"
		typ, _ := entry["type"].(string)
		verb := "started"
		if msg.Type == eventbus.ActionFinished {
			verb = "finished"
		}
		text = typ + " " + verb
		skip["type"], skip["finished"] = true, true
	default:
		level = msg.Type
	}

	keys := make([]string, 0, len(entry))
	for k := range entry {
		if !skip[k] {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	attrs := make([]string, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, fmt.Sprintf("%s=%v", k, entry[k]))
	}

	line := fmt.Sprintf("  %s %s  %s", ts, tui.LogLevelStyle(level).Render(fmt.Sprintf("%-5s", level)), text)
	if len(attrs) > 0 {
		line += "  " + tui.Dimmed.Render(strings.Join(attrs, " "))
	}
	return line
}

func (l logsModel) Update(msg tea.Msg) (logsModel, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.String() {
		case "G":
			l.autoScroll = true
			l.viewport.GotoBottom()
			return l, nil
		case "g":
			l.autoScroll = false
			l.viewport.GotoTop()
			return l, nil
		case "j", "down", "k", "up":
			l.autoScroll = false
		}
	}
	var cmd tea.Cmd
	l.viewport, cmd = l.viewport.Update(msg)
	return l, cmd
}

func (l logsModel) View() string {
	return l.viewport.View()
}
