// Package desktop drives an X11 desktop through xdotool and ImageMagick.
package desktop

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/amurg-ai/remotectl/controller/internal/executor"
	"github.com/amurg-ai/remotectl/pkg/protocol"
)

// Runner executes a program and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs programs with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

var buttons = map[string]string{"left": "1", "middle": "2", "right": "3"}

// keyNames maps common key names to X keysyms.
var keyNames = map[string]string{
	"enter":     "Return",
	"return":    "Return",
	"esc":       "Escape",
	"escape":    "Escape",
	"tab":       "Tab",
	"backspace": "BackSpace",
	"delete":    "Delete",
	"space":     "space",
	"up":        "Up",
	"down":      "Down",
	"left":      "Left",
	"right":     "Right",
	"home":      "Home",
	"end":       "End",
	"pageup":    "Prior",
	"pagedown":  "Next",
	"ctrl":      "ctrl",
	"control":   "ctrl",
	"alt":       "alt",
	"shift":     "shift",
	"cmd":       "super",
	"command":   "super",
	"win":       "super",
	"super":     "super",
}

// Desktop implements executor.Desktop.
type Desktop struct {
	run Runner
}

// New creates a Desktop that shells out with run; nil means ExecRunner.
func New(run Runner) *Desktop {
	if run == nil {
		run = ExecRunner
	}
	return &Desktop{run: run}
}

func (d *Desktop) xdotool(ctx context.Context, args ...string) error {
	_, err := d.run(ctx, "xdotool", args...)
	return err
}

func button(name string) string {
	if b, ok := buttons[name]; ok {
		return b
	}
	return buttons[protocol.DefaultButton]
}

func itoa(n int) string { return strconv.Itoa(n) }

func (d *Desktop) Click(ctx context.Context, req protocol.Click) error {
	return d.xdotool(ctx, "mousemove", itoa(req.X), itoa(req.Y),
		"click", "--repeat", itoa(max(req.Clicks, 1)), button(req.Button))
}

func (d *Desktop) Hover(ctx context.Context, req protocol.Hover) error {
	if err := d.xdotool(ctx, "mousemove", itoa(req.X), itoa(req.Y)); err != nil {
		return err
	}
	return sleep(ctx, protocol.Seconds(req.Duration))
}

func (d *Desktop) Drag(ctx context.Context, req protocol.Drag) error {
	b := button(req.Button)
	if err := d.xdotool(ctx, "mousemove", itoa(req.StartX), itoa(req.StartY), "mousedown", b); err != nil {
		return err
	}
	if err := sleep(ctx, protocol.Seconds(req.Duration)); err != nil {
		_ = d.xdotool(context.Background(), "mouseup", b)
		return err
	}
	return d.xdotool(ctx, "mousemove", itoa(req.EndX), itoa(req.EndY), "mouseup", b)
}

func (d *Desktop) TypeText(ctx context.Context, req protocol.TypeText) error {
	delay := protocol.Seconds(req.Interval).Milliseconds()
	return d.xdotool(ctx, "type", "--delay", strconv.FormatInt(delay, 10), "--", req.Text)
}

func (d *Desktop) KeyPress(ctx context.Context, req protocol.KeyPress) error {
	return d.xdotool(ctx, "key", "--", Chord(req.Key, req.Modifiers))
}

// Chord builds an xdotool key chord such as "ctrl+shift+Return".
func Chord(key string, modifiers []string) string {
	parts := make([]string, 0, len(modifiers)+1)
	for _, m := range modifiers {
		parts = append(parts, keysym(m))
	}
	return strings.Join(append(parts, keysym(key)), "+")
}

func keysym(name string) string {
	if k, ok := keyNames[strings.ToLower(name)]; ok {
		return k
	}
	return name
}

func (d *Desktop) Screenshot(ctx context.Context, format string) (executor.Image, error) {
	switch format {
	case "", "png":
		format = "png"
	case "jpg", "jpeg":
		format = "jpeg"
	default:
		return executor.Image{}, fmt.Errorf("unsupported screenshot format %q", format)
	}

	data, err := d.run(ctx, "import", "-silent", "-window", "root", format+":-")
	if err != nil {
		return executor.Image{}, err
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return executor.Image{}, fmt.Errorf("decode capture: %w", err)
	}
	return executor.Image{Data: data, Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}

func (d *Desktop) ScreenSize(ctx context.Context) (int, int, error) {
	out, err := d.run(ctx, "xdotool", "getdisplaygeometry")
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(string(out))
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected display geometry %q", out)
	}
	w, err1 := strconv.Atoi(fields[0])
	h, err2 := strconv.Atoi(fields[1])
	if err1 != nil || err2 != nil {
		return 0, 0, fmt.Errorf("unexpected display geometry %q", out)
	}
	return w, h, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
