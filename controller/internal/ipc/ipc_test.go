package ipc

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amurg-ai/remotectl/controller/internal/eventbus"
)

type fakeProvider struct{}

func (fakeProvider) Status() StatusResult {
	return StatusResult{PID: 42, State: "connected", Connected: true, HubURL: "ws://hub/ws/controller", InFlight: 1}
}

func (fakeProvider) Actions() []ActionInfo {
	return []ActionInfo{{RequestID: "r1", Type: "click"}}
}

func startServer(t *testing.T) (*Server, *eventbus.Bus, string) {
	t.Helper()
	// Unix socket paths are length limited; keep it short.
	dir, err := os.MkdirTemp("", "rc")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	path := filepath.Join(dir, "s.sock")

	bus := eventbus.New()
	srv := NewServer(path, fakeProvider{}, bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		_ = srv.Close()
		bus.Close()
	})
	return srv, bus, path
}

func TestStatusAndActions(t *testing.T) {
	_, _, path := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	c, err := Dial(ctx, path)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, st.PID)
	assert.True(t, st.Connected)

	actions, err := c.Actions(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "click", actions[0].Type)

	err = c.Call(ctx, "reboot", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown method: reboot")
}

func TestSubscribeStreamsEvents(t *testing.T) {
	_, bus, path := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, path)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	require.NoError(t, c.Subscribe(ctx, eventbus.ControllerState))

	bus.PublishType(eventbus.LogEntry, map[string]string{"msg": "skipped"})
	bus.PublishType(eventbus.ControllerState, map[string]string{"state": "connected"})

	select {
	case e := <-c.Events():
		assert.Equal(t, eventbus.ControllerState, e.Type)
		assert.JSONEq(t, `{"state":"connected"}`, string(e.Data))
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}

func TestCloseDisconnectsClients(t *testing.T) {
	srv, _, path := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, path)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	require.NoError(t, c.Subscribe(ctx))

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())

	select {
	case _, ok := <-c.Events():
		assert.False(t, ok)
	case <-ctx.Done():
		t.Fatal("event stream not closed")
	}
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
