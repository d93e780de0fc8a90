// Package browser drives a Chromium page through the DevTools protocol.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/amurg-ai/remotectl/controller/internal/executor"
	"github.com/amurg-ai/remotectl/pkg/protocol"
)

// Options configure how the browser is found or launched.
type Options struct {
	// ControlURL attaches to an already running browser instead of
	// launching one.
	ControlURL    string
	Bin           string
	Headless      bool
	DownloadDir   string
	ActionTimeout time.Duration
}

// Browser implements executor.Browser. The browser is launched lazily on
// the first action and reused until Close.
type Browser struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
}

// New creates a browser executor.
func New(opts Options, logger *slog.Logger) *Browser {
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = 30 * time.Second
	}
	return &Browser{opts: opts, logger: logger.With("component", "browser")}
}

// pageFor returns the shared page bound to ctx, launching the browser if
// needed. The returned cancel func must be called when the action is done.
func (b *Browser) pageFor(ctx context.Context) (*rod.Page, context.CancelFunc, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.page == nil {
		if err := b.start(); err != nil {
			return nil, nil, err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, b.opts.ActionTimeout)
	return b.page.Context(ctx), cancel, nil
}

func (b *Browser) start() error {
	controlURL := b.opts.ControlURL
	if controlURL == "" {
		l := launcher.New().Headless(b.opts.Headless)
		if b.opts.Bin != "" {
			l = l.Bin(b.opts.Bin)
		}
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("launch browser: %w", err)
		}
		b.launcher = l
		controlURL = u
	}

	br := rod.New().ControlURL(controlURL)
	if err := br.Connect(); err != nil {
		b.killLauncher()
		return fmt.Errorf("connect browser: %w", err)
	}
	page, err := br.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = br.Close()
		b.killLauncher()
		return fmt.Errorf("open page: %w", err)
	}
	b.browser, b.page = br, page
	b.logger.Info("browser session opened", "attached", b.opts.ControlURL != "")
	return nil
}

func (b *Browser) killLauncher() {
	if b.launcher != nil {
		b.launcher.Kill()
		b.launcher = nil
	}
}

func pageInfo(p *rod.Page) (executor.PageInfo, error) {
	info, err := p.Info()
	if err != nil {
		return executor.PageInfo{}, err
	}
	return executor.PageInfo{URL: info.URL, Title: info.Title}, nil
}

func (b *Browser) Navigate(ctx context.Context, url string) (executor.PageInfo, error) {
	p, cancel, err := b.pageFor(ctx)
	if err != nil {
		return executor.PageInfo{}, err
	}
	defer cancel()

	if err := p.Navigate(url); err != nil {
		return executor.PageInfo{}, fmt.Errorf("navigate: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		return executor.PageInfo{}, fmt.Errorf("wait for load: %w", err)
	}
	return pageInfo(p)
}

func (b *Browser) element(ctx context.Context, selector string) (*rod.Element, context.CancelFunc, error) {
	p, cancel, err := b.pageFor(ctx)
	if err != nil {
		return nil, nil, err
	}
	el, err := p.Element(selector)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("find %q: %w", selector, err)
	}
	return el, cancel, nil
}

func (b *Browser) Click(ctx context.Context, selector string) error {
	el, cancel, err := b.element(ctx, selector)
	if err != nil {
		return err
	}
	defer cancel()
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (b *Browser) Hover(ctx context.Context, selector string) error {
	el, cancel, err := b.element(ctx, selector)
	if err != nil {
		return err
	}
	defer cancel()
	return el.Hover()
}

func (b *Browser) Type(ctx context.Context, req protocol.BrowserType) error {
	el, cancel, err := b.element(ctx, req.Selector)
	if err != nil {
		return err
	}
	defer cancel()
	if req.Clear {
		if err := el.SelectAllText(); err != nil {
			return fmt.Errorf("clear %q: %w", req.Selector, err)
		}
	}
	return el.Input(req.Text)
}

const elementsJS = `(sel, limit) => {
	const out = [];
	for (const el of document.querySelectorAll(sel)) {
		if (out.length >= limit) break;
		const r = el.getBoundingClientRect();
		if (r.width === 0 && r.height === 0) continue;
		const tag = el.tagName.toLowerCase();
		const name = el.getAttribute('name') || '';
		let selector = tag;
		if (el.id) selector = '#' + CSS.escape(el.id);
		else if (name) selector = tag + '[name="' + name.replace(/"/g, '\\"') + '"]';
		out.push({
			selector: selector,
			tag: tag,
			text: (el.innerText || el.value || '').trim().slice(0, 200),
			href: el.getAttribute('href') || '',
			type: el.getAttribute('type') || '',
			name: name,
		});
	}
	return JSON.stringify(out);
}`

func (b *Browser) Elements(ctx context.Context, selector string, limit int) ([]protocol.BrowserElement, error) {
	p, cancel, err := b.pageFor(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	res, err := p.Eval(elementsJS, selector, limit)
	if err != nil {
		return nil, fmt.Errorf("list elements: %w", err)
	}
	var elems []protocol.BrowserElement
	if err := json.Unmarshal([]byte(res.Value.Str()), &elems); err != nil {
		return nil, fmt.Errorf("decode elements: %w", err)
	}
	return elems, nil
}

func (b *Browser) PageContent(ctx context.Context, maxLength int) (executor.PageInfo, error) {
	p, cancel, err := b.pageFor(ctx)
	if err != nil {
		return executor.PageInfo{}, err
	}
	defer cancel()

	info, err := pageInfo(p)
	if err != nil {
		return info, err
	}
	res, err := p.Eval(`() => document.body ? document.body.innerText : ''`)
	if err != nil {
		return info, fmt.Errorf("read page text: %w", err)
	}
	info.Content = Truncate(res.Value.Str(), maxLength)
	return info, nil
}

// Truncate cuts s to at most n runes; n <= 0 means no limit.
func Truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func (b *Browser) CurrentURL(ctx context.Context) (executor.PageInfo, error) {
	p, cancel, err := b.pageFor(ctx)
	if err != nil {
		return executor.PageInfo{}, err
	}
	defer cancel()
	return pageInfo(p)
}

func (b *Browser) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	p, cancel, err := b.pageFor(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return p.Screenshot(fullPage, &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng})
}

const downloadJS = `(url) => {
	const a = document.createElement('a');
	a.href = url;
	a.download = '';
	document.body.appendChild(a);
	a.click();
	a.remove();
}`

// Download saves one file into req.Dir (or the configured download
// directory) and returns its path.
func (b *Browser) Download(ctx context.Context, req protocol.BrowserDownload) (string, error) {
	dir := req.Dir
	if dir == "" {
		dir = b.opts.DownloadDir
	}
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "remotectl-downloads")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}

	p, cancel, err := b.pageFor(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()

	b.mu.Lock()
	br := b.browser
	b.mu.Unlock()
	wait := br.Context(p.GetContext()).WaitDownload(dir)

	if req.URL != "" {
		if _, err := p.Eval(downloadJS, req.URL); err != nil {
			return "", fmt.Errorf("start download: %w", err)
		}
	} else {
		el, err := p.Element(req.Selector)
		if err != nil {
			return "", fmt.Errorf("find %q: %w", req.Selector, err)
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return "", fmt.Errorf("click %q: %w", req.Selector, err)
		}
	}

	info := wait()
	if info == nil {
		return "", errors.New("download did not start")
	}
	path := filepath.Join(dir, info.GUID)
	if info.SuggestedFilename != "" {
		named := filepath.Join(dir, filepath.Base(info.SuggestedFilename))
		if _, err := os.Stat(named); errors.Is(err, os.ErrNotExist) && os.Rename(path, named) == nil {
			path = named
		}
	}
	return path, nil
}

// Close shuts the browser down. It is safe to call when nothing was opened.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var err error
	if b.browser != nil {
		if b.opts.ControlURL != "" {
			// Attached browsers outlive us; close only our page.
			err = b.page.Close()
		} else {
			err = b.browser.Close()
		}
	}
	b.killLauncher()
	b.browser, b.page = nil, nil
	return err
}
