// Package executor defines the machine-side actions the controller performs.
// Implementations live in the desktop, browser and shell subpackages.
package executor

import (
	"context"

	"github.com/amurg-ai/remotectl/pkg/protocol"
)

// Desktop drives the local mouse, keyboard and screen.
type Desktop interface {
	Click(ctx context.Context, req protocol.Click) error
	Hover(ctx context.Context, req protocol.Hover) error
	Drag(ctx context.Context, req protocol.Drag) error
	TypeText(ctx context.Context, req protocol.TypeText) error
	KeyPress(ctx context.Context, req protocol.KeyPress) error
	Screenshot(ctx context.Context, format string) (Image, error)
	ScreenSize(ctx context.Context) (width, height int, err error)
}

// Image is an encoded capture.
type Image struct {
	Data   []byte
	Format string
	Width  int
	Height int
}

// PageInfo describes the browser's current page.
type PageInfo struct {
	URL     string
	Title   string
	Content string
}

// Browser drives one automated browser page.
type Browser interface {
	Navigate(ctx context.Context, url string) (PageInfo, error)
	Click(ctx context.Context, selector string) error
	Hover(ctx context.Context, selector string) error
	Type(ctx context.Context, req protocol.BrowserType) error
	Elements(ctx context.Context, selector string, limit int) ([]protocol.BrowserElement, error)
	PageContent(ctx context.Context, maxLength int) (PageInfo, error)
	CurrentURL(ctx context.Context) (PageInfo, error)
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	Download(ctx context.Context, req protocol.BrowserDownload) (path string, err error)
	Close() error
}

// Line is one line of command output.
type Line struct {
	Stream string // "stdout" or "stderr"
	Text   string
}

// CommandResult is the outcome of a finished command.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Shell runs non-interactive commands. onLine, when non-nil, receives every
// output line as it is produced, in order per stream.
type Shell interface {
	Run(ctx context.Context, req protocol.RunCommand, onLine func(Line)) (CommandResult, error)
}
