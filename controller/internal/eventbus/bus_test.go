package eventbus

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e := <-sub.C:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event")
		return Event{}
	}
}

func TestFilteredSubscription(t *testing.T) {
	b := New()
	defer b.Close()

	all := b.Subscribe(0)
	actions := b.Subscribe(0, ActionStarted, ActionFinished)

	b.PublishType(ControllerState, map[string]string{"state": "connected"})
	b.PublishType(ActionStarted, map[string]string{"type": "click"})

	assert.Equal(t, ControllerState, receive(t, all).Type)
	assert.Equal(t, ActionStarted, receive(t, all).Type)

	e := receive(t, actions)
	assert.Equal(t, ActionStarted, e.Type)
	assert.False(t, e.Timestamp.IsZero())
	assert.JSONEq(t, `{"type":"click"}`, string(e.Data))
	assert.Empty(t, actions.C)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)

	b.PublishType(LogEntry, nil)
	b.PublishType(LogEntry, nil)
	b.PublishType(LogEntry, nil)

	assert.Len(t, sub.C, 1)
	b.Close()
}

func TestCloseEndsSubscriptions(t *testing.T) {
	b := New()
	sub := b.Subscribe(0)
	sub.Close()
	sub.Close()
	_, ok := <-sub.C
	assert.False(t, ok)

	other := b.Subscribe(0)
	b.Close()
	_, ok = <-other.C
	assert.False(t, ok)

	late := b.Subscribe(0)
	_, ok = <-late.C
	assert.False(t, ok)
	b.PublishType(LogEntry, nil)
}

func TestSlogHandlerPublishesRecords(t *testing.T) {
	b := New()
	defer b.Close()
	sub := b.Subscribe(0, LogEntry)

	var buf bytes.Buffer
	logger := slog.New(NewSlogHandler(slog.NewJSONHandler(&buf, nil), b)).With("component", "test")
	logger.Info("hello", "n", 3)

	e := receive(t, sub)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(e.Data, &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "test", entry["component"])
	assert.EqualValues(t, 3, entry["n"])
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	logger.Debug("filtered")
	assert.Empty(t, sub.C)
}

func TestSlogHandlerFlattensGroups(t *testing.T) {
	b := New()
	defer b.Close()
	sub := b.Subscribe(0, LogEntry)

	logger := slog.New(NewSlogHandler(slog.NewJSONHandler(io.Discard, nil), b)).
		With("component", "client").
		WithGroup("req").
		With("id", "r1")
	logger.Warn("failed", "error", errors.New("boom"), slog.Group("cmd", "exit", 2))

	e := receive(t, sub)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(e.Data, &entry))
	assert.Equal(t, "client", entry["component"])
	assert.Equal(t, "r1", entry["req.id"])
	assert.Equal(t, "boom", entry["req.error"])
	assert.EqualValues(t, 2, entry["req.cmd.exit"])
	assert.Equal(t, "WARN", entry["level"])
}
