package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amurg-ai/remotectl/controller/internal/executor"
	"github.com/amurg-ai/remotectl/controller/internal/interactive"
	"github.com/amurg-ai/remotectl/pkg/protocol"
)

// handlerFor maps every hub → controller type to its handler. inline
// handlers run on the read loop; the rest run in their own goroutine.
// A nil handler means the type is not accepted from the hub.
func (c *Client) handlerFor(t protocol.Type) (h handler, inline bool) {
	switch t {
	case protocol.TypePing:
		return c.handlePing, true
	case protocol.TypeHandshakeAck:
		return c.handleLateAck, true
	case protocol.TypeClick:
		return c.handleClick, false
	case protocol.TypeHover:
		return c.handleHover, false
	case protocol.TypeDrag:
		return c.handleDrag, false
	case protocol.TypeTypeText:
		return c.handleTypeText, false
	case protocol.TypeKeyPress:
		return c.handleKeyPress, false
	case protocol.TypeScreenshotRequest:
		return c.handleScreenshot, false
	case protocol.TypeRunCommand:
		return c.handleRunCommand, false
	case protocol.TypeBrowserNavigate:
		return c.handleBrowserNavigate, false
	case protocol.TypeBrowserClick:
		return c.handleBrowserClick, false
	case protocol.TypeBrowserHover:
		return c.handleBrowserHover, false
	case protocol.TypeBrowserType:
		return c.handleBrowserType, false
	case protocol.TypeBrowserGetElements:
		return c.handleBrowserGetElements, false
	case protocol.TypeBrowserGetPageContent:
		return c.handleBrowserGetPageContent, false
	case protocol.TypeBrowserGetURL:
		return c.handleBrowserGetURL, false
	case protocol.TypeBrowserTakeScreenshot:
		return c.handleBrowserScreenshot, false
	case protocol.TypeBrowserDownload:
		return c.handleBrowserDownload, false
	case protocol.TypeStartInteractiveCmd:
		return c.handleStartInteractive, false
	case protocol.TypeSendInput:
		return c.handleSendInput, false
	case protocol.TypeTerminateInteractiveCmd:
		return c.handleTerminateInteractive, false
	}
	return nil, false
}

var (
	errNoDesktop  = errors.New("desktop automation is not available on this controller")
	errNoBrowser  = errors.New("browser automation is not available on this controller")
	errNoShell    = errors.New("command execution is not available on this controller")
	errNoSessions = errors.New("interactive commands are not available on this controller")
)

func since(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

func (c *Client) handlePing(_ context.Context, _ *link, _ *protocol.Message) (protocol.Type, any, error) {
	return protocol.TypePong, protocol.Empty{}, nil
}

func (c *Client) handleLateAck(_ context.Context, _ *link, msg *protocol.Message) (protocol.Type, any, error) {
	c.logger.Warn("ignoring handshake_ack on an established connection", "request_id", msg.RequestID)
	return "", nil, nil
}

// --- Desktop ---

func actionResult(start time.Time, err error, ok string) protocol.ActionResult {
	if err != nil {
		return protocol.ActionResult{Success: false, Message: err.Error(), DurationMS: since(start)}
	}
	return protocol.ActionResult{Success: true, Message: ok, DurationMS: since(start)}
}

func (c *Client) desktop(start time.Time, do func(executor.Desktop) error, ok string) (protocol.Type, any, error) {
	var err error
	if c.exec.Desktop == nil {
		err = errNoDesktop
	} else {
		err = do(c.exec.Desktop)
	}
	return protocol.TypeActionResult, actionResult(start, err, ok), nil
}

func (c *Client) handleClick(ctx context.Context, _ *link, msg *protocol.Message) (protocol.Type, any, error) {
	req, err := protocol.ClickOf(msg)
	if err != nil {
		return "", nil, err
	}
	return c.desktop(time.Now(), func(d executor.Desktop) error { return d.Click(ctx, req) },
		fmt.Sprintf("clicked %s at (%d, %d)", req.Button, req.X, req.Y))
}

func (c *Client) handleHover(ctx context.Context, _ *link, msg *protocol.Message) (protocol.Type, any, error) {
	req, err := protocol.HoverOf(msg)
	if err != nil {
		return "", nil, err
	}
	return c.desktop(time.Now(), func(d executor.Desktop) error { return d.Hover(ctx, req) },
		fmt.Sprintf("hovered at (%d, %d)", req.X, req.Y))
}

func (c *Client) handleDrag(ctx context.Context, _ *link, msg *protocol.Message) (protocol.Type, any, error) {
	req, err := protocol.DragOf(msg)
	if err != nil {
		return "", nil, err
	}
	return c.desktop(time.Now(), func(d executor.Desktop) error { return d.Drag(ctx, req) },
		fmt.Sprintf("dragged from (%d, %d) to (%d, %d)", req.StartX, req.StartY, req.EndX, req.EndY))
}

func (c *Client) handleTypeText(ctx context.Context, _ *link, msg *protocol.Message) (protocol.Type, any, error) {
	req, err := protocol.TypeTextOf(msg)
	if err != nil {
		return "", nil, err
	}
	return c.desktop(time.Now(), func(d executor.Desktop) error { return d.TypeText(ctx, req) },
		fmt.Sprintf("typed %d characters", len([]rune(req.Text))))
}

func (c *Client) handleKeyPress(ctx context.Context, _ *link, msg *protocol.Message) (protocol.Type, any, error) {
	req, err := protocol.KeyPressOf(msg)
	if err != nil {
		return "", nil, err
	}
	chord := strings.Join(append(append([]string(nil), req.Modifiers...), req.Key), "+")
	return c.desktop(time.Now(), func(d executor.Desktop) error { return d.KeyPress(ctx, req) },
		"pressed "+chord)
}

func (c *Client) handleScreenshot(ctx context.Context, _ *link, msg *protocol.Message) (protocol.Type, any, error) {
	req, err := protocol.ScreenshotRequestOf(msg)
	if err != nil {
		return "", nil, err
	}
	start := time.Now()
	if c.exec.Desktop == nil {
		return protocol.TypeScreenshotResponse, protocol.ScreenshotResponse{
			Success: false, Message: errNoDesktop.Error(), DurationMS: since(start),
		}, nil
	}
	img, err := c.exec.Desktop.Screenshot(ctx, req.Format)
	if err != nil {
		return protocol.TypeScreenshotResponse, protocol.ScreenshotResponse{
			Success: false, Message: err.Error(), DurationMS: since(start),
		}, nil
	}
	if len(img.Data) == 0 {
		return "", nil, &ExecutionError{Code: protocol.CodeScreenshotFailed, Err: errors.New("capture returned no image data")}
	}
	return protocol.TypeScreenshotResponse, protocol.ScreenshotResponse{
		Success:     true,
		ImageBase64: base64.StdEncoding.EncodeToString(img.Data),
		Format:      img.Format,
		Width:       img.Width,
		Height:      img.Height,
		DurationMS:  since(start),
	}, nil
}

// --- Shell ---

// handleRunCommand streams output lines as command_output messages while
// the command runs. One sender goroutine drains the line channel, so lines
// of each stream keep their order and command_result is always sent last.
func (c *Client) handleRunCommand(ctx context.Context, l *link, msg *protocol.Message) (protocol.Type, any, error) {
	req, err := protocol.RunCommandOf(msg)
	if err != nil {
		return "", nil, err
	}
	start := time.Now()
	if c.exec.Shell == nil {
		return protocol.TypeCommandResult, protocol.CommandResult{
			Success: false, Message: errNoShell.Error(), ReturnCode: -1, DurationMS: since(start),
		}, nil
	}
	if req.Cwd == "" {
		req.Cwd = c.opts.WorkDir
	}

	var (
		onLine func(executor.Line)
		lines  chan executor.Line
		sent   chan struct{}
	)
	if req.Stream {
		lines = make(chan executor.Line, 256)
		sent = make(chan struct{})
		go func() {
			defer close(sent)
			var seq int64
			for ln := range lines {
				seq++
				out := protocol.CommandOutput{Stream: ln.Stream, Line: ln.Text, Seq: seq}
				if err := l.send(protocol.TypeCommandOutput, msg.RequestID, out); err != nil {
					c.logger.Debug("command output dropped", "request_id", msg.RequestID, "error", err)
				}
			}
		}()
		onLine = func(ln executor.Line) { lines <- ln }
	}

	res, runErr := c.exec.Shell.Run(ctx, req, onLine)
	if lines != nil {
		close(lines)
		<-sent
	}

	if runErr != nil {
		return protocol.TypeCommandResult, protocol.CommandResult{
			Success: false, Message: runErr.Error(), ReturnCode: -1, DurationMS: since(start),
		}, nil
	}
	out := protocol.CommandResult{
		Success:    res.ExitCode == 0 && !res.TimedOut,
		ReturnCode: res.ExitCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		DurationMS: since(start),
	}
	switch {
	case res.TimedOut:
		out.Message = fmt.Sprintf("command timed out after %gs", req.Timeout)
	case res.ExitCode != 0:
		out.Message = fmt.Sprintf("command exited with status %d", res.ExitCode)
	}
	return protocol.TypeCommandResult, out, nil
}

// --- Browser ---

func browserResult(start time.Time, err error, ok string) protocol.BrowserContentResult {
	if err != nil {
		return protocol.BrowserContentResult{Success: false, Message: err.Error(), DurationMS: since(start)}
	}
	return protocol.BrowserContentResult{Success: true, Message: ok, DurationMS: since(start)}
}

// browser runs do against the browser and completes the result it returns.
func (c *Client) browser(do func(executor.Browser) (protocol.BrowserContentResult, error)) (protocol.Type, any, error) {
	start := time.Now()
	if c.exec.Browser == nil {
		return protocol.TypeBrowserContentResult, browserResult(start, errNoBrowser, ""), nil
	}
	res, err := do(c.exec.Browser)
	if err != nil {
		return protocol.TypeBrowserContentResult, browserResult(start, err, ""), nil
	}
	res.Success = true
	res.DurationMS = since(start)
	return protocol.TypeBrowserContentResult, res, nil
}

func (c *Client) handleBrowserNavigate(ctx context.Context, _ *link, msg *protocol.Message) (protocol.Type, any, error) {
	req, err := protocol.BrowserNavigateOf(msg)
	if err != nil {
		return "", nil, err
	}
	return c.browser(func(b executor.Browser) (protocol.BrowserContentResult, error) {
		info, err := b.Navigate(ctx, req.URL)
		return protocol.BrowserContentResult{Message: "navigated to " + info.URL, URL: info.URL, Title: info.Title}, err
	})
}

func (c *Client) handleBrowserClick(ctx context.Context, _ *link, msg *protocol.Message) (protocol.Type, any, error) {
	req, err := protocol.BrowserSelectorOf(msg)
	if err != nil {
		return "", nil, err
	}
	return c.browser(func(b executor.Browser) (protocol.BrowserContentResult, error) {
		return protocol.BrowserContentResult{Message: "clicked " + req.Selector}, b.Click(ctx, req.Selector)
	})
}

func (c *Client) handleBrowserHover(ctx context.Context, _ *link, msg *protocol.Message) (protocol.Type, any, error) {
	req, err := protocol.BrowserSelectorOf(msg)
	if err != nil {
		return "", nil, err
	}
	return c.browser(func(b executor.Browser) (protocol.BrowserContentResult, error) {
		return protocol.BrowserContentResult{Message: "hovered " + req.Selector}, b.Hover(ctx, req.Selector)
	})
}

func (c *Client) handleBrowserType(ctx context.Context, _ *link, msg *protocol.Message) (protocol.Type, any, error) {
	req, err := protocol.BrowserTypeOf(msg)
	if err != nil {
		return "", nil, err
	}
	return c.browser(func(b executor.Browser) (protocol.BrowserContentResult, error) {
		return protocol.BrowserContentResult{Message: "typed into " + req.Selector}, b.Type(ctx, req)
	})
}

func (c *Client) handleBrowserGetElements(ctx context.Context, _ *link, msg *protocol.Message) (protocol.Type, any, error) {
	req, err := protocol.BrowserGetElementsOf(msg)
	if err != nil {
		return "", nil, err
	}
	return c.browser(func(b executor.Browser) (protocol.BrowserContentResult, error) {
		elems, err := b.Elements(ctx, req.Selector, req.Limit)
		if err != nil {
			return protocol.BrowserContentResult{}, err
		}
		return protocol.BrowserContentResult{
			Message:  fmt.Sprintf("found %d elements", len(elems)),
			Elements: elems,
		}, nil
	})
}

func (c *Client) handleBrowserGetPageContent(ctx context.Context, _ *link, msg *protocol.Message) (protocol.Type, any, error) {
	req, err := protocol.BrowserGetPageContentOf(msg)
	if err != nil {
		return "", nil, err
	}
	return c.browser(func(b executor.Browser) (protocol.BrowserContentResult, error) {
		info, err := b.PageContent(ctx, req.MaxLength)
		return protocol.BrowserContentResult{URL: info.URL, Title: info.Title, Content: info.Content}, err
	})
}

func (c *Client) handleBrowserGetURL(ctx context.Context, _ *link, _ *protocol.Message) (protocol.Type, any, error) {
	return c.browser(func(b executor.Browser) (protocol.BrowserContentResult, error) {
		info, err := b.CurrentURL(ctx)
		return protocol.BrowserContentResult{URL: info.URL, Title: info.Title}, err
	})
}

func (c *Client) handleBrowserScreenshot(ctx context.Context, _ *link, msg *protocol.Message) (protocol.Type, any, error) {
	req, err := protocol.BrowserTakeScreenshotOf(msg)
	if err != nil {
		return "", nil, err
	}
	return c.browser(func(b executor.Browser) (protocol.BrowserContentResult, error) {
		data, err := b.Screenshot(ctx, req.FullPage)
		if err != nil {
			return protocol.BrowserContentResult{}, err
		}
		return protocol.BrowserContentResult{ImageBase64: base64.StdEncoding.EncodeToString(data)}, nil
	})
}

func (c *Client) handleBrowserDownload(ctx context.Context, _ *link, msg *protocol.Message) (protocol.Type, any, error) {
	req, err := protocol.BrowserDownloadOf(msg)
	if err != nil {
		return "", nil, err
	}
	return c.browser(func(b executor.Browser) (protocol.BrowserContentResult, error) {
		path, err := b.Download(ctx, req)
		return protocol.BrowserContentResult{Message: "downloaded to " + path, FilePath: path}, err
	})
}

// --- Interactive ---

func interactiveResult(res interactive.Result, err error) protocol.InteractiveOutput {
	out := protocol.InteractiveOutput{
		Success:   err == nil,
		SessionID: res.SessionID,
		Output:    res.Output,
		IsRunning: res.IsRunning,
		ExitCode:  res.ExitCode,
	}
	if err != nil {
		out.Message = err.Error()
	}
	return out
}

func (c *Client) handleStartInteractive(ctx context.Context, _ *link, msg *protocol.Message) (protocol.Type, any, error) {
	req, err := protocol.StartInteractiveCmdOf(msg)
	if err != nil {
		return "", nil, err
	}
	if c.exec.Sessions == nil {
		return protocol.TypeInteractiveOutput, interactiveResult(interactive.Result{}, errNoSessions), nil
	}
	cwd := req.Cwd
	if cwd == "" {
		cwd = c.opts.WorkDir
	}
	res, err := c.exec.Sessions.Start(ctx, req.Command, interactive.Options{
		ReadTimeout:    protocol.Seconds(req.ReadTimeout),
		OverallTimeout: protocol.Seconds(req.OverallTimeout),
		Cwd:            cwd,
	})
	return protocol.TypeInteractiveOutput, interactiveResult(res, err), nil
}

func (c *Client) handleSendInput(ctx context.Context, _ *link, msg *protocol.Message) (protocol.Type, any, error) {
	req, err := protocol.SendInputOf(msg)
	if err != nil {
		return "", nil, err
	}
	if c.exec.Sessions == nil {
		return protocol.TypeInteractiveOutput, interactiveResult(interactive.Result{}, errNoSessions), nil
	}
	res, err := c.exec.Sessions.SendInput(ctx, req.SessionID, req.Text, protocol.Seconds(req.ReadTimeout))
	return protocol.TypeInteractiveOutput, interactiveResult(res, err), nil
}

func (c *Client) handleTerminateInteractive(_ context.Context, _ *link, msg *protocol.Message) (protocol.Type, any, error) {
	req, err := protocol.TerminateInteractiveCmdOf(msg)
	if err != nil {
		return "", nil, err
	}
	if c.exec.Sessions == nil {
		return protocol.TypeInteractiveOutput, interactiveResult(interactive.Result{}, errNoSessions), nil
	}
	res, err := c.exec.Sessions.Terminate(req.SessionID)
	return protocol.TypeInteractiveOutput, interactiveResult(res, err), nil
}
