// Package client maintains the controller's connection to the hub and runs
// the actions the hub sends over it.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amurg-ai/remotectl/controller/internal/executor"
	"github.com/amurg-ai/remotectl/controller/internal/interactive"
	"github.com/amurg-ai/remotectl/pkg/protocol"
)

// State is the connection state of the client.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateHandshaking  State = "handshaking"
	StateConnected    State = "connected"
)

// Sessions runs interactive pty commands.
type Sessions interface {
	Start(ctx context.Context, command string, opts interactive.Options) (interactive.Result, error)
	SendInput(ctx context.Context, sessionID, text string, readTimeout time.Duration) (interactive.Result, error)
	Terminate(sessionID string) (interactive.Result, error)
	Close()
}

// ProcessKiller kills every process the controller spawned.
type ProcessKiller interface {
	KillAll() []error
}

// Executors are the machine-side collaborators. A nil executor makes its
// actions fail with success=false.
type Executors struct {
	Desktop  executor.Desktop
	Browser  executor.Browser
	Shell    executor.Shell
	Sessions Sessions
	Procs    ProcessKiller
}

// ActionEvent reports the start or end of one action.
type ActionEvent struct {
	RequestID string        `json:"request_id"`
	Type      protocol.Type `json:"type"`
	Finished  bool          `json:"finished"`
	Duration  time.Duration `json:"duration,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Options configure a Client.
type Options struct {
	URL                  string
	APIKey               string
	Version              string
	SystemInfo           protocol.SystemInfo
	TLSSkipVerify        bool
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	HandshakeTimeout     time.Duration
	// IdleTimeout closes a connection that has been silent this long.
	// Zero disables it.
	IdleTimeout          time.Duration
	MaxConcurrentActions int
	MaxMessageBytes      int64
	WorkDir              string

	// Sleep waits between reconnect attempts. Tests replace it.
	Sleep       func(ctx context.Context, d time.Duration) error
	OnState     func(State)
	OnAction    func(ActionEvent)
	OnConnected func(protocol.HandshakeAck)
}

// Client connects to the hub, authenticates and serves action requests.
type Client struct {
	opts   Options
	exec   Executors
	logger *slog.Logger
	sem    chan struct{}

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	cancel  context.CancelFunc
	stopped bool

	stopOnce sync.Once
	actions  sync.WaitGroup
}

// New creates a client. Zero option values get defaults.
func New(opts Options, exec Executors, logger *slog.Logger) *Client {
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = 5 * time.Second
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 10
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.MaxConcurrentActions <= 0 {
		opts.MaxConcurrentActions = 8
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 32 << 20
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	return &Client{
		opts:   opts,
		exec:   exec,
		logger: logger.With("component", "hub-client"),
		sem:    make(chan struct{}, opts.MaxConcurrentActions),
		state:  StateDisconnected,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}

// Run connects and serves until ctx is canceled, Stop is called, the hub
// rejects our credentials, or MaxReconnectAttempts consecutive attempts
// fail. It returns nil after Stop.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.cancel = cancel
	c.mu.Unlock()

	maxAttempts := c.opts.MaxReconnectAttempts
	attempts := 0
	for attempts < maxAttempts {
		handshaken, err := c.connectOnce(ctx)
		if handshaken {
			attempts = 0
		}
		if ctx.Err() != nil {
			return c.exitErr(ctx)
		}
		if errors.Is(err, ErrAuthentication) {
			c.logger.Error("hub rejected credentials, not retrying", "error", err)
			return err
		}

		attempts++
		c.logger.Warn("hub connection failed", "error", err, "attempt", attempts, "max_attempts", maxAttempts)
		if attempts >= maxAttempts {
			break
		}
		c.logger.Info("reconnecting", "delay", c.opts.ReconnectInterval)
		if err := c.opts.Sleep(ctx, c.opts.ReconnectInterval); err != nil {
			return c.exitErr(ctx)
		}
	}

	c.logger.Error("giving up on hub", "attempts", attempts, "url", c.opts.URL)
	return ErrReconnectExhausted
}

func (c *Client) exitErr(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	return ctx.Err()
}

// connectOnce runs one connection from dial to disconnect. handshaken
// reports whether the hub accepted us before the connection ended.
func (c *Client) connectOnce(ctx context.Context) (handshaken bool, err error) {
	c.setState(StateConnecting)
	defer c.setState(StateDisconnected)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.opts.HandshakeTimeout,
	}
	if c.opts.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	conn, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial hub: %w", err)
	}
	conn.SetReadLimit(c.opts.MaxMessageBytes)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	// Unblock the reader on shutdown.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	l := &link{conn: conn}

	c.setState(StateHandshaking)
	ack, err := c.handshake(l)
	if err != nil {
		return false, err
	}
	c.setState(StateConnected)
	c.logger.Info("connected to hub", "url", c.opts.URL, "project_id", ack.ProjectID, "project", ack.ProjectName)
	if c.opts.OnConnected != nil {
		c.opts.OnConnected(*ack)
	}

	return true, c.readLoop(ctx, l)
}

func (c *Client) handshake(l *link) (*protocol.HandshakeAck, error) {
	hs := protocol.Handshake{
		APIKey:        c.opts.APIKey,
		ClientVersion: c.opts.Version,
		SystemInfo:    c.opts.SystemInfo,
	}
	if err := l.send(protocol.TypeHandshake, "", hs); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	_ = l.conn.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("await handshake_ack: %w", err)
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame during handshake", "error", err)
			continue
		}
		if msg.Type != protocol.TypeHandshakeAck {
			c.logger.Warn("unexpected message during handshake", "type", msg.Type)
			continue
		}
		ack, err := protocol.HandshakeAckOf(msg)
		if err != nil {
			return nil, fmt.Errorf("invalid handshake_ack: %w", err)
		}
		_ = l.conn.SetReadDeadline(time.Time{})

		switch ack.Status {
		case protocol.AckOK:
			return &ack, nil
		case protocol.AckAlreadyConnected:
			return nil, fmt.Errorf("%w: %s", errAlreadyConnected, ack.Message)
		default:
			return nil, &AuthError{Status: ack.Status, Message: ack.Message}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, l *link) error {
	for {
		if c.opts.IdleTimeout > 0 {
			_ = l.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
		}
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read message: %w", err)
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			var requestID string
			if pe, ok := protocol.AsProtocolError(err); ok {
				requestID = pe.RequestID
			}
			c.logger.Warn("invalid message from hub", "error", err)
			c.replyError(l, requestID, err)
			continue
		}
		c.dispatch(ctx, l, msg)
	}
}

// handler runs one request. It returns the reply type and payload, or an
// empty type when nothing should be sent.
type handler func(ctx context.Context, l *link, msg *protocol.Message) (protocol.Type, any, error)

func (c *Client) dispatch(ctx context.Context, l *link, msg *protocol.Message) {
	h, inline := c.handlerFor(msg.Type)
	if h == nil {
		c.replyError(l, msg.RequestID, &protocol.ProtocolError{
			Kind: protocol.KindUnknownType, Type: string(msg.Type), RequestID: msg.RequestID,
		})
		return
	}
	if inline {
		c.finish(l, msg, c.invoke(ctx, h, l, msg))
		return
	}
	if err := protocol.ValidateAction(msg); err != nil {
		c.replyError(l, msg.RequestID, err)
		return
	}

	c.actions.Add(1)
	go func() {
		defer c.actions.Done()
		select {
		case c.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-c.sem }()

		c.emit(ActionEvent{RequestID: msg.RequestID, Type: msg.Type})
		start := time.Now()
		out := c.invoke(ctx, h, l, msg)
		ev := ActionEvent{RequestID: msg.RequestID, Type: msg.Type, Finished: true, Duration: time.Since(start)}
		if out.err != nil {
			ev.Error = out.err.Error()
		}
		c.finish(l, msg, out)
		c.emit(ev)
	}()
}

type outcome struct {
	t       protocol.Type
	payload any
	err     error
}

// invoke runs h, turning a panic into an EXECUTION_FAILED error.
func (c *Client) invoke(ctx context.Context, h handler, l *link, msg *protocol.Message) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked", "type", msg.Type, "request_id", msg.RequestID,
				"panic", r, "stack", string(debug.Stack()))
			out = outcome{err: executionFailed("%s handler panicked: %v", msg.Type, r)}
		}
	}()
	t, payload, err := h(ctx, l, msg)
	return outcome{t: t, payload: payload, err: err}
}

func (c *Client) finish(l *link, msg *protocol.Message, out outcome) {
	if out.err != nil {
		c.logger.Warn("action failed", "type", msg.Type, "request_id", msg.RequestID, "error", out.err)
		c.replyError(l, msg.RequestID, out.err)
		return
	}
	if out.t == "" {
		return
	}
	if err := l.send(out.t, msg.RequestID, out.payload); err != nil {
		c.logger.Warn("reply dropped", "type", out.t, "request_id", msg.RequestID, "error", err)
	}
}

func (c *Client) replyError(l *link, requestID string, err error) {
	if err := l.send(protocol.TypeError, requestID, wireError(err)); err != nil {
		c.logger.Warn("error reply dropped", "request_id", requestID, "error", err)
	}
}

func (c *Client) emit(ev ActionEvent) {
	if c.opts.OnAction != nil {
		c.opts.OnAction(ev)
	}
}

// Stop shuts the client down: it ends Run, terminates the interactive
// session, closes the browser, kills tracked processes and closes the
// socket. It is safe to call more than once and before Run.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		cancel, conn := c.cancel, c.conn
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if c.exec.Sessions != nil {
			c.exec.Sessions.Close()
		}
		if c.exec.Browser != nil {
			if err := c.exec.Browser.Close(); err != nil {
				c.logger.Warn("close browser", "error", err)
			}
		}
		if c.exec.Procs != nil {
			for _, err := range c.exec.Procs.KillAll() {
				c.logger.Warn("kill process", "error", err)
			}
		}
		if conn != nil {
			_ = conn.Close()
		}
		c.logger.Info("controller client stopped")
	})
}

// Wait blocks until every in-flight action has finished.
func (c *Client) Wait() {
	c.actions.Wait()
}

// link is one hub connection. Replies go back on the connection their
// request arrived on; after a reconnect they are dropped, not replayed.
type link struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (l *link) send(t protocol.Type, requestID string, payload any) error {
	data, err := protocol.Encode(t, requestID, payload)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return l.conn.WriteMessage(websocket.TextMessage, data)
}
