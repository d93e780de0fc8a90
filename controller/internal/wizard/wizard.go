// Package wizard provides the interactive setup for a controller.
package wizard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/amurg-ai/remotectl/controller/internal/config"
	"github.com/amurg-ai/remotectl/pkg/cli"
)

// DefaultOutput is the config path used when none is given.
const DefaultOutput = "./controller-config.json"

const defaultHubURL = "wss://hub.example.com/ws/controller"

// Wizard drives the controller config setup.
type Wizard struct {
	p *cli.Prompter
}

// New creates a Wizard using the given Prompter.
func New(p *cli.Prompter) *Wizard {
	return &Wizard{p: p}
}

func (w *Wizard) println(a ...any) {
	_, _ = fmt.Fprintln(w.p.Out, a...)
}

// Run asks for the hub connection and local limits, then writes the config
// file and, when systemd is set, a unit file that runs it.
func (w *Wizard) Run(outputPath string, systemd bool) error {
	w.println()
	w.println("  remotectl controller setup")
	w.println(strings.Repeat("─", 38))
	w.println()

	w.println("Hub")
	hubURL := w.p.AskURL("  Hub controller endpoint", defaultHubURL, "ws", "wss")
	apiKey, err := w.askAPIKey()
	if err != nil {
		return err
	}
	cfg := config.Default(hubURL, apiKey)
	w.println()

	w.println("Machine")
	cwd, _ := os.Getwd()
	cfg.Controller.WorkDir = w.p.Ask("  Default working directory for commands", cwd)
	cfg.Controller.MaxConcurrentActions = w.p.AskInt("  Max concurrent actions", cfg.Controller.MaxConcurrentActions)
	w.println()

	w.println("Browser")
	cfg.Browser.ControlURL = w.p.Ask("  DevTools URL of a running browser (blank to launch one)", "")
	if cfg.Browser.ControlURL == "" {
		cfg.Browser.Visible = w.p.Confirm("  Show the browser window?", false)
	}
	w.println()

	if outputPath == "" {
		outputPath = w.p.Ask("Config file output path", DefaultOutput)
	}
	if err := config.Save(outputPath, cfg); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w.p.Out, "\n  Config written to %s (it contains the API key; keep it private)\n", outputPath)

	if systemd {
		if err := w.writeSystemdUnit(outputPath); err != nil {
			return err
		}
	}

	w.println()
	w.println("  Next steps:")
	_, _ = fmt.Fprintf(w.p.Out, "    remotectl-controller run %s\n", outputPath)
	_, _ = fmt.Fprintf(w.p.Out, "    remotectl-controller watch -c %s\n\n", outputPath)
	return nil
}

func (w *Wizard) askAPIKey() (string, error) {
	for range 3 {
		if key := w.p.AskSecret("  Project API key"); key != "" {
			return key, nil
		}
		w.println("  The API key is required. Create one with \"remotectl-hub project create\".")
	}
	return "", errors.New("no API key given")
}

func (w *Wizard) writeSystemdUnit(configPath string) error {
	unitPath := w.p.Ask("  Systemd unit file path", "/etc/systemd/system/remotectl-controller.service")

	absConfig, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		exe = "/usr/local/bin/remotectl-controller"
	}

	unit := fmt.Sprintf(`[Unit]
Description=remotectl controller
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s run %s
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`, exe, absConfig)

	if err := os.WriteFile(unitPath, []byte(unit), 0o644); err != nil {
		return fmt.Errorf("write systemd unit: %w", err)
	}
	_, _ = fmt.Fprintf(w.p.Out, "  Systemd unit written to %s\n", unitPath)
	w.println("  Enable with: sudo systemctl enable --now remotectl-controller")
	return nil
}
