package cmd

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amurg-ai/remotectl/controller/internal/config"
	"github.com/amurg-ai/remotectl/controller/internal/daemon"
	"github.com/amurg-ai/remotectl/controller/internal/eventbus"
	"github.com/amurg-ai/remotectl/controller/internal/ipc"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true
	root := NewRootCmd("test")
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func shortDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "rc")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "remotectl-controller test\n", out)
}

func TestStatusStopped(t *testing.T) {
	dir := shortDir(t)

	out, err := execute(t, "", "status", "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "stopped (no PID file)")

	// A PID nobody owns.
	require.NoError(t, os.WriteFile(daemon.NewPaths(dir).PID(), []byte("999999999\n"), 0o600))
	out, err = execute(t, "", "status", "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "stale PID 999999999")
}

type staticProvider struct{}

func (staticProvider) Status() ipc.StatusResult {
	return ipc.StatusResult{
		PID:           42,
		Version:       "1.0.0",
		HubURL:        "wss://hub/ws/controller",
		State:         "connected",
		Connected:     true,
		ProjectID:     "proj-9",
		Uptime:        "1m0s",
		InFlight:      1,
		MaxConcurrent: 8,
		ActionsTotal:  12,
		ActionsFailed: 2,
	}
}

func (staticProvider) Actions() []ipc.ActionInfo {
	return []ipc.ActionInfo{{RequestID: "req-7", Type: "run_command", StartedAt: time.Now()}}
}

func TestStatusFromSocket(t *testing.T) {
	dir := shortDir(t)
	paths := daemon.NewPaths(dir)
	require.NoError(t, os.MkdirAll(dir, 0o700))

	srv := ipc.NewServer(paths.Socket(), staticProvider{}, eventbus.New(), slog.New(slog.DiscardHandler))
	require.NoError(t, srv.Start())
	defer srv.Close()

	out, err := execute(t, "", "status", "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "running (PID 42, version 1.0.0)")
	assert.Contains(t, out, "wss://hub/ws/controller (connected)")
	assert.Contains(t, out, "proj-9")
	assert.Contains(t, out, "1/8 running, 12 done, 2 failed")
	assert.Contains(t, out, "req-7")
}

func TestStopWithoutController(t *testing.T) {
	dir := shortDir(t)
	paths := daemon.NewPaths(dir)

	out, err := execute(t, "", "stop", "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "no PID file")

	require.NoError(t, os.WriteFile(paths.PID(), []byte("999999999\n"), 0o600))
	out, err = execute(t, "", "stop", "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "stale PID 999999999 removed")
	_, err = os.Stat(paths.PID())
	assert.True(t, os.IsNotExist(err))
}

func TestLogsTail(t *testing.T) {
	dir := shortDir(t)
	var lines []string
	for i := range 10 {
		lines = append(lines, strings.Repeat("x", i+1))
	}
	require.NoError(t, os.WriteFile(daemon.NewPaths(dir).Log(), []byte(strings.Join(lines, "\n")+"\n"), 0o600))

	out, err := execute(t, "", "logs", "-n", "3", "--data-dir", dir)
	require.NoError(t, err)
	assert.Equal(t, "xxxxxxxx\nxxxxxxxxx\nxxxxxxxxxx\n", out)

	_, err = execute(t, "", "logs", "--data-dir", shortDir(t))
	assert.ErrorContains(t, err, "no log file found")
}

func TestInitWritesConfig(t *testing.T) {
	t.Setenv(config.EnvAPIKey, "")
	path := filepath.Join(t.TempDir(), "controller.json")
	input := strings.Join([]string{"ws://localhost:8080/ws/controller", "key-1", "", "", "", ""}, "\n") + "\n"

	out, err := execute(t, input, "init", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Config written to "+path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "key-1", cfg.Hub.APIKey)
}

func TestRunRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "controller.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"hub":{"url":"http://nope"}}`), 0o600))

	_, err := execute(t, "", "run", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validate config")
}

func TestLoggerTeesToBus(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(4, eventbus.LogEntry)
	defer sub.Close()

	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "text"}, &buf, bus)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown")

	select {
	case e := <-sub.C:
		assert.Contains(t, string(e.Data), "shown")
	case <-time.After(time.Second):
		t.Fatal("log entry not published")
	}
}

func TestResolvePathsPrefersFlag(t *testing.T) {
	root := NewRootCmd("test")
	require.NoError(t, root.PersistentFlags().Set("data-dir", "/tmp/x"))
	assert.Equal(t, "/tmp/x", resolvePaths(root, nil).Dir)
}

func TestInitRefusesToOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "controller.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))

	_, err := execute(t, "", "init", "-o", path)
	assert.ErrorContains(t, err, "already exists")
}
