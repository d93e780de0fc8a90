package dashboard

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"

	"github.com/amurg-ai/remotectl/controller/internal/eventbus"
	"github.com/amurg-ai/remotectl/controller/internal/ipc"
)

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(Model)
}

func TestModelRendersStatusAndActions(t *testing.T) {
	m := NewModel(ipc.StatusResult{
		PID:           7,
		HubURL:        "wss://hub/ws/controller",
		State:         "connected",
		ProjectID:     "proj-1",
		MaxConcurrent: 8,
	}, nil)
	m = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})

	view := m.View()
	assert.Contains(t, view, "wss://hub/ws/controller")
	assert.Contains(t, view, "connected")
	assert.Contains(t, view, "proj-1")
	assert.Contains(t, view, "Idle")

	m = update(t, m, ActionsUpdateMsg{Actions: []ipc.ActionInfo{
		{RequestID: "0123456789abcdef", Type: "run_command", StartedAt: time.Now()},
	}})
	view = m.View()
	assert.Contains(t, view, "01234567")
	assert.NotContains(t, view, "0123456789abcdef")
	assert.Contains(t, view, "run_command")
}

func TestModelKeys(t *testing.T) {
	m := NewModel(ipc.StatusResult{}, nil)
	assert.Equal(t, PanelActions, m.active)

	m = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, PanelLogs, m.active)

	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("?")})
	assert.Contains(t, m.View(), "Keyboard shortcuts")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	assert.NotNil(t, cmd)
}

func TestDisconnectedMarksStopped(t *testing.T) {
	m := NewModel(ipc.StatusResult{State: "connected", Connected: true}, nil)
	m = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 30})
	m = update(t, m, DisconnectedMsg{})
	assert.False(t, m.header.status.Connected)
	assert.Contains(t, m.View(), "controller stopped")
}

func TestFormatEvent(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	line := formatEvent(now, EventMsg{Type: eventbus.LogEntry, Data: []byte(`{"level":"INFO","msg":"connected to hub","url":"ws://x"}`)})
	assert.Contains(t, line, "03:04:05")
	assert.Contains(t, line, "connected to hub")
	assert.Contains(t, line, "url=ws://x")

	line = formatEvent(now, EventMsg{Type: eventbus.ActionFinished, Data: []byte(`{"type":"click","finished":true,"request_id":"r1"}`)})
	assert.Contains(t, line, "click finished")
	assert.Contains(t, line, "request_id=r1")

	line = formatEvent(now, EventMsg{Type: "custom", Data: []byte(`not json`)})
	assert.Contains(t, line, "not json")
}
