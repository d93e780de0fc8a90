package wizard

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amurg-ai/remotectl/controller/internal/config"
	"github.com/amurg-ai/remotectl/pkg/cli"
)

func run(t *testing.T, input []string, outputPath string, systemd bool) (*bytes.Buffer, error) {
	t.Helper()
	t.Setenv(config.EnvAPIKey, "")
	out := &bytes.Buffer{}
	w := New(&cli.Prompter{In: strings.NewReader(strings.Join(input, "\n") + "\n"), Out: out})
	return out, w.Run(outputPath, systemd)
}

func TestWizard(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "controller.json")
	out, err := run(t, []string{
		"wss://hub.test/ws/controller",
		"rk_secret",
		"/srv/work",
		"4",
		"",  // launch a browser
		"y", // visible
	}, outputPath, false)
	require.NoError(t, err)

	cfg, err := config.Load(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "wss://hub.test/ws/controller", cfg.Hub.URL)
	assert.Equal(t, "rk_secret", cfg.Hub.APIKey)
	assert.Equal(t, "/srv/work", cfg.Controller.WorkDir)
	assert.Equal(t, 4, cfg.Controller.MaxConcurrentActions)
	assert.True(t, cfg.Browser.Visible)
	assert.Empty(t, cfg.Browser.ControlURL)

	info, err := os.Stat(outputPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assert.Contains(t, out.String(), "remotectl-controller run "+outputPath)
}

func TestWizardAttachesToBrowser(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "controller.json")
	_, err := run(t, []string{
		"", // default hub URL
		"key",
		"",
		"",
		"ws://127.0.0.1:9222/devtools/browser/abc",
	}, outputPath, false)
	require.NoError(t, err)

	cfg, err := config.Load(outputPath)
	require.NoError(t, err)
	assert.Equal(t, defaultHubURL, cfg.Hub.URL)
	assert.Equal(t, 8, cfg.Controller.MaxConcurrentActions)
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", cfg.Browser.ControlURL)
	assert.False(t, cfg.Browser.Visible)
}

func TestWizardRequiresAPIKey(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "controller.json")
	out, err := run(t, []string{"wss://hub.test/ws/controller", "", "", ""}, outputPath, false)
	require.Error(t, err)
	assert.Contains(t, out.String(), "The API key is required")
	_, statErr := os.Stat(outputPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestWizardWritesSystemdUnit(t *testing.T) {
	dir := t.TempDir()
	outputPath := filepath.Join(dir, "controller.json")
	unitPath := filepath.Join(dir, "remotectl-controller.service")
	_, err := run(t, []string{
		"wss://hub.test/ws/controller",
		"key",
		"",
		"",
		"",
		"n",
		unitPath,
	}, outputPath, true)
	require.NoError(t, err)

	unit, err := os.ReadFile(unitPath)
	require.NoError(t, err)
	assert.Contains(t, string(unit), "run "+outputPath)
	assert.Contains(t, string(unit), "Restart=on-failure")
}
