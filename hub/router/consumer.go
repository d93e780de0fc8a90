package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amurg-ai/remotectl/hub/broker"
	"github.com/amurg-ai/remotectl/hub/store"
	"github.com/amurg-ai/remotectl/pkg/protocol"
)

const (
	writeWait   = 10 * time.Second
	cleanupWait = 10 * time.Second
)

// consumer serves one controller connection. It is unauthenticated until
// a handshake succeeds and stays authenticated until the socket closes.
type consumer struct {
	router *Router
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	project *store.Project
	sub     *broker.Subscription
}

func (c *consumer) serve(ctx context.Context) {
	defer func() { _ = c.conn.Close() }()
	c.conn.SetReadLimit(c.router.opts.MaxMessageBytes)

	if !c.handshake(ctx) {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.router.track(c)
	stopKeepalive := c.startKeepalive(c.router.opts.PingInterval)

	var fwd sync.WaitGroup
	fwd.Add(1)
	go func() {
		defer fwd.Done()
		c.forward(ctx)
	}()

	reason := c.readLoop(ctx)

	cancel()
	stopKeepalive()
	_ = c.conn.Close()
	fwd.Wait()
	c.cleanup(reason)
}

// handshake waits for the controller's handshake and answers it. It
// reports whether the connection is now authenticated.
func (c *consumer) handshake(ctx context.Context) bool {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.router.opts.HandshakeTimeout))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Warn("controller handshake read failed", "error", err)
			return false
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame before handshake", "error", err)
			continue
		}
		if msg.Type != protocol.TypeHandshake {
			c.logger.Warn("expected handshake, closing", "type", msg.Type)
			return false
		}
		return c.authenticate(ctx, msg)
	}
}

func (c *consumer) authenticate(ctx context.Context, msg *protocol.Message) bool {
	r := c.router
	hs, err := protocol.HandshakeOf(msg)
	if err != nil {
		c.ack(msg.RequestID, protocol.HandshakeAck{Status: protocol.AckError, Message: "invalid handshake: " + err.Error()})
		return false
	}
	if hs.APIKey == "" {
		c.ack(msg.RequestID, protocol.HandshakeAck{Status: protocol.AckRejected, Message: "API key required"})
		return false
	}

	project, err := r.collab.Projects.LookupAPIKey(ctx, hs.APIKey)
	if err != nil {
		c.logger.Error("project lookup failed", "error", err)
		c.ack(msg.RequestID, protocol.HandshakeAck{Status: protocol.AckError, Message: "project lookup failed"})
		return false
	}
	if project == nil {
		c.logger.Warn("controller presented an invalid API key")
		c.ack(msg.RequestID, protocol.HandshakeAck{Status: protocol.AckRejected, Message: "invalid API key"})
		return false
	}
	logger := c.logger.With("project_id", project.ID)

	// A controller that shows as online always has a group subscriber.
	sub, err := r.broker.Subscribe(ctx, broker.GroupChannel(project.ID))
	if err != nil {
		logger.Error("join controller group failed", "error", err)
		c.ack(msg.RequestID, protocol.HandshakeAck{Status: protocol.AckError, Message: "could not join controller group"})
		return false
	}

	ok, err := r.collab.Projects.MarkConnected(ctx, project.ID, hs.SystemInfo)
	if err != nil {
		sub.Close()
		logger.Error("mark controller connected failed", "error", err)
		c.ack(msg.RequestID, protocol.HandshakeAck{Status: protocol.AckError, Message: "could not register controller"})
		return false
	}
	if !ok {
		sub.Close()
		logger.Warn("controller already connected, rejecting second connection", "hostname", hs.SystemInfo.Hostname)
		r.collab.Presence.ControllerRejected(ctx, project.ID, protocol.AckAlreadyConnected)
		c.ack(msg.RequestID, protocol.HandshakeAck{
			Status:  protocol.AckAlreadyConnected,
			Message: "a controller is already connected to this project",
		})
		return false
	}

	c.project = project
	c.sub = sub
	c.logger = logger
	r.collab.Presence.ControllerConnected(ctx, project, hs.SystemInfo)

	if err := c.ack(msg.RequestID, protocol.HandshakeAck{
		Status:      protocol.AckOK,
		ProjectID:   project.ID,
		ProjectName: project.Name,
	}); err != nil {
		// The socket is gone; cleanup still runs through the read loop.
		logger.Warn("handshake ack failed", "error", err)
	}
	logger.Info("controller connected",
		"hostname", hs.SystemInfo.Hostname, "os", hs.SystemInfo.OS, "client_version", hs.ClientVersion)
	return true
}

func (c *consumer) ack(requestID string, ack protocol.HandshakeAck) error {
	return c.send(protocol.TypeHandshakeAck, requestID, ack)
}

// readLoop routes controller frames until the connection fails and
// returns the reason it stopped.
func (c *consumer) readLoop(ctx context.Context) string {
	r := c.router
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(r.opts.PongWait))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return "hub shutting down"
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "controller closed connection"
			}
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return "keepalive timeout"
			}
			return "connection lost"
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("malformed frame from controller, closing", "error", err)
			requestID := ""
			if pe, ok := protocol.AsProtocolError(err); ok {
				requestID = pe.RequestID
			}
			_ = c.send(protocol.TypeError, requestID, protocol.ErrorMessage{
				Code:    protocol.CodeInvalidMessage,
				Message: err.Error(),
			})
			return "invalid message"
		}

		switch msg.Type {
		case protocol.TypeActionResult, protocol.TypeScreenshotResponse, protocol.TypeCommandResult,
			protocol.TypeBrowserContentResult, protocol.TypeInteractiveOutput:
			r.tracker.Deliver(ctx, msg.RequestID, data)
		case protocol.TypeCommandOutput:
			r.tracker.Stream(ctx, msg.RequestID, data)
		case protocol.TypePong:
			r.collab.Presence.ControllerSeen(ctx, c.project.ID)
		case protocol.TypeError:
			e, err := protocol.ErrorOf(msg)
			if err != nil {
				c.logger.Warn("unreadable error from controller", "request_id", msg.RequestID, "error", err)
				continue
			}
			c.logger.Warn("controller reported error", "request_id", msg.RequestID, "code", e.Code, "message", e.Message)
		case protocol.TypeHandshake:
			c.logger.Warn("ignoring repeated handshake", "request_id", msg.RequestID)
		default:
			c.logger.Warn("ignoring hub-bound message type from controller", "type", msg.Type, "request_id", msg.RequestID)
		}
	}
}

// forward relays group events to the controller until ctx is done.
func (c *consumer) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = c.conn.Close()
			return
		case data, ok := <-c.sub.C:
			if !ok {
				c.logger.Warn("controller group closed, dropping connection")
				_ = c.conn.Close()
				return
			}
			c.forwardEvent(data)
		}
	}
}

func (c *consumer) forwardEvent(data []byte) {
	var ev broker.GroupEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Warn("malformed group event", "error", err)
		return
	}
	if ev.RequestID == "" || (!ev.Type.IsAction() && ev.Type != protocol.TypePing) {
		c.logger.Warn("dropping group event", "type", ev.Type, "request_id", ev.RequestID)
		return
	}
	if ev.ReplyChannel != "" {
		c.router.tracker.Register(ev.RequestID, ev.ReplyChannel)
	}

	var payload any
	if len(ev.Fields) > 0 {
		payload = ev.Fields
	}
	if err := c.send(ev.Type, ev.RequestID, payload); err != nil {
		c.logger.Warn("forward to controller failed", "type", ev.Type, "request_id", ev.RequestID, "error", err)
		return
	}
	c.logger.Debug("forwarded action", "type", ev.Type, "request_id", ev.RequestID)
}

// send encodes and writes one frame. Every write goes through here.
func (c *consumer) send(t protocol.Type, requestID string, payload any) error {
	data, err := protocol.Encode(t, requestID, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// cleanup runs once an authenticated connection is gone.
func (c *consumer) cleanup(reason string) {
	r := c.router
	c.sub.Close()
	r.untrack(c)

	ctx, cancel := context.WithTimeout(context.Background(), cleanupWait)
	defer cancel()

	if err := r.collab.Projects.MarkDisconnected(ctx, c.project.ID); err != nil {
		c.logger.Error("mark controller disconnected failed", "error", err)
	}
	r.collab.Presence.ControllerDisconnected(ctx, c.project.ID, reason)
	r.collab.Runs.AbortRuns(ctx, c.project.ID, "controller disconnected: "+reason)
	c.logger.Info("controller disconnected", "reason", reason)
}
