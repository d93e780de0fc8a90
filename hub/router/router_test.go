package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amurg-ai/remotectl/hub/auth"
	"github.com/amurg-ai/remotectl/hub/broker"
	"github.com/amurg-ai/remotectl/hub/replies"
	"github.com/amurg-ai/remotectl/hub/store"
	"github.com/amurg-ai/remotectl/pkg/protocol"
)

type harness struct {
	store  store.Store
	broker *broker.Memory
	router *Router
	server *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

// newHarnessWith lets a test wrap the store-backed collaborators.
func newHarnessWith(t *testing.T, wrap func(Collaborators, *broker.Memory) Collaborators) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	b := broker.NewMemory(logger)
	collab := (&StoreCollaborators{Store: s, Broker: b, Logger: logger}).Collaborators()
	if wrap != nil {
		collab = wrap(collab, b)
	}
	r := New(b, replies.New(b, logger), collab, logger, Options{
		HandshakeTimeout: 2 * time.Second,
		PingInterval:     time.Hour,
		PongWait:         10 * time.Second,
	})
	srv := httptest.NewServer(http.HandlerFunc(r.HandleControllerWS))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
		srv.Close()
		_ = b.Close()
		_ = s.Close()
	})
	return &harness{store: s, broker: b, router: r, server: srv}
}

// createProject stores a project and returns it with its plaintext key.
func (h *harness) createProject(t *testing.T, name string) (*store.Project, string) {
	t.Helper()
	key, prefix, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	p := &store.Project{ID: uuid.NewString(), Name: name, APIKeyHash: auth.HashAPIKey(key), APIKeyPrefix: prefix}
	require.NoError(t, h.store.CreateProject(context.Background(), p))
	return p, key
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, typ protocol.Type, requestID string, payload any) {
	t.Helper()
	data, err := protocol.Encode(typ, requestID, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

// assertClosed expects the server to have closed the socket.
func assertClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.Fatalf("socket still open: %v", err)
	}
}

func handshake(t *testing.T, conn *websocket.Conn, key string) protocol.HandshakeAck {
	t.Helper()
	writeFrame(t, conn, protocol.TypeHandshake, "", protocol.Handshake{
		APIKey:        key,
		ClientVersion: "test",
		SystemInfo:    protocol.SystemInfo{OS: "linux", Architecture: "amd64", Hostname: "box"},
	})
	msg := readFrame(t, conn)
	ack, err := protocol.HandshakeAckOf(msg)
	require.NoError(t, err)
	return ack
}

func receive(t *testing.T, sub *broker.Subscription) []byte {
	t.Helper()
	select {
	case data, ok := <-sub.C:
		require.True(t, ok)
		return data
	case <-time.After(3 * time.Second):
		t.Fatalf("nothing received on %s", sub.Channel)
		return nil
	}
}

func TestHandshakeOK(t *testing.T) {
	h := newHarness(t)
	p, key := h.createProject(t, "alpha")

	ack := handshake(t, h.dial(t), key)
	assert.Equal(t, protocol.AckOK, ack.Status)
	assert.Equal(t, p.ID, ack.ProjectID)
	assert.Equal(t, "alpha", ack.ProjectName)

	got, err := h.store.GetProject(context.Background(), p.ID)
	require.NoError(t, err)
	assert.True(t, got.ControllerConnected)
	assert.Contains(t, string(got.ControllerInfo), `"hostname":"box"`)
	assert.Equal(t, []string{p.ID}, h.router.ConnectedProjects())
}

func TestHandshakeRejectsBadKeys(t *testing.T) {
	h := newHarness(t)
	h.createProject(t, "alpha")

	for _, key := range []string{"", "rc_not-a-real-key"} {
		conn := h.dial(t)
		ack := handshake(t, conn, key)
		assert.Equal(t, protocol.AckRejected, ack.Status, "key %q", key)
		assert.NotEmpty(t, ack.Message)
		assertClosed(t, conn)
	}
	assert.Empty(t, h.router.ConnectedProjects())
}

func TestHandshakeInvalidPayload(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	writeFrame(t, conn, protocol.TypeHandshake, "", map[string]any{"api_key": "rc_x"})
	ack, err := protocol.HandshakeAckOf(readFrame(t, conn))
	require.NoError(t, err)
	assert.Equal(t, protocol.AckError, ack.Status)
	assertClosed(t, conn)
}

func TestSecondControllerAlreadyConnected(t *testing.T) {
	h := newHarness(t)
	p, key := h.createProject(t, "alpha")

	first := h.dial(t)
	require.Equal(t, protocol.AckOK, handshake(t, first, key).Status)

	second := h.dial(t)
	assert.Equal(t, protocol.AckAlreadyConnected, handshake(t, second, key).Status)
	assertClosed(t, second)

	// The first connection still receives actions.
	ev, _ := json.Marshal(broker.GroupEvent{Type: protocol.TypePing, RequestID: "ping-1"})
	require.NoError(t, h.broker.Publish(context.Background(), broker.GroupChannel(p.ID), ev))
	msg := readFrame(t, first)
	assert.Equal(t, protocol.TypePing, msg.Type)
	assert.Equal(t, "ping-1", msg.RequestID)
}

// racingProjects publishes an action the moment the controller is marked
// online, as a dispatcher on another hub process could.
type racingProjects struct {
	ProjectLookup
	broker *broker.Memory
}

func (p racingProjects) MarkConnected(ctx context.Context, projectID string, info protocol.SystemInfo) (bool, error) {
	ev, _ := json.Marshal(broker.GroupEvent{Type: protocol.TypePing, RequestID: "early"})
	if err := p.broker.Publish(ctx, broker.GroupChannel(projectID), ev); err != nil {
		return false, err
	}
	return p.ProjectLookup.MarkConnected(ctx, projectID, info)
}

func TestActionPublishedDuringHandshakeIsDelivered(t *testing.T) {
	h := newHarnessWith(t, func(c Collaborators, b *broker.Memory) Collaborators {
		c.Projects = racingProjects{ProjectLookup: c.Projects, broker: b}
		return c
	})
	_, key := h.createProject(t, "alpha")

	conn := h.dial(t)
	require.Equal(t, protocol.AckOK, handshake(t, conn, key).Status)
	msg := readFrame(t, conn)
	assert.Equal(t, protocol.TypePing, msg.Type)
	assert.Equal(t, "early", msg.RequestID)
}

func TestMalformedFrameBeforeHandshakeIsDropped(t *testing.T) {
	h := newHarness(t)
	_, key := h.createProject(t, "alpha")
	conn := h.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, protocol.AckOK, handshake(t, conn, key).Status)
}

func TestNonHandshakeFirstMessageCloses(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	writeFrame(t, conn, protocol.TypePong, "", nil)
	assertClosed(t, conn)
}

func TestMalformedFrameAfterHandshakeCloses(t *testing.T) {
	h := newHarness(t)
	p, key := h.createProject(t, "alpha")
	conn := h.dial(t)
	require.Equal(t, protocol.AckOK, handshake(t, conn, key).Status)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"action_result"}`)))
	msg := readFrame(t, conn)
	require.Equal(t, protocol.TypeError, msg.Type)
	e, err := protocol.ErrorOf(msg)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeInvalidMessage, e.Code)
	assertClosed(t, conn)

	require.Eventually(t, func() bool {
		got, err := h.store.GetProject(context.Background(), p.ID)
		return err == nil && !got.ControllerConnected
	}, 3*time.Second, 20*time.Millisecond)
}

func TestForwardActionAndRouteReply(t *testing.T) {
	h := newHarness(t)
	p, key := h.createProject(t, "alpha")
	conn := h.dial(t)
	require.Equal(t, protocol.AckOK, handshake(t, conn, key).Status)
	ctx := context.Background()

	requestID := uuid.NewString()
	replySub, err := h.broker.Subscribe(ctx, broker.ReplyChannel(requestID))
	require.NoError(t, err)
	defer replySub.Close()

	ev, _ := json.Marshal(broker.GroupEvent{
		Type:         protocol.TypeClick,
		RequestID:    requestID,
		Fields:       json.RawMessage(`{"x":100,"y":200}`),
		ReplyChannel: replySub.Channel,
	})
	require.NoError(t, h.broker.Publish(ctx, broker.GroupChannel(p.ID), ev))

	msg := readFrame(t, conn)
	require.Equal(t, protocol.TypeClick, msg.Type)
	assert.Equal(t, requestID, msg.RequestID)
	click, err := protocol.ClickOf(msg)
	require.NoError(t, err)
	assert.Equal(t, 100, click.X)
	assert.Equal(t, 200, click.Y)

	writeFrame(t, conn, protocol.TypeActionResult, requestID, protocol.ActionResult{Success: true, Message: "clicked"})
	reply, err := protocol.Decode(receive(t, replySub))
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeActionResult, reply.Type)
	result, err := protocol.ActionResultOf(reply)
	require.NoError(t, err)
	assert.True(t, result.Success)

	// A duplicate reply finds no registration.
	writeFrame(t, conn, protocol.TypeActionResult, requestID, protocol.ActionResult{Success: true})
	select {
	case data := <-replySub.C:
		t.Fatalf("duplicate reply delivered: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStreamedOutputPrecedesResult(t *testing.T) {
	h := newHarness(t)
	p, key := h.createProject(t, "alpha")
	conn := h.dial(t)
	require.Equal(t, protocol.AckOK, handshake(t, conn, key).Status)
	ctx := context.Background()

	requestID := uuid.NewString()
	replySub, err := h.broker.Subscribe(ctx, broker.ReplyChannel(requestID))
	require.NoError(t, err)
	defer replySub.Close()

	ev, _ := json.Marshal(broker.GroupEvent{
		Type:         protocol.TypeRunCommand,
		RequestID:    requestID,
		Fields:       json.RawMessage(`{"command":"printf 'a\\nb\\n'"}`),
		ReplyChannel: replySub.Channel,
	})
	require.NoError(t, h.broker.Publish(ctx, broker.GroupChannel(p.ID), ev))
	require.Equal(t, protocol.TypeRunCommand, readFrame(t, conn).Type)

	writeFrame(t, conn, protocol.TypeCommandOutput, requestID, protocol.CommandOutput{Stream: "stdout", Line: "a", Seq: 1})
	writeFrame(t, conn, protocol.TypeCommandOutput, requestID, protocol.CommandOutput{Stream: "stdout", Line: "b", Seq: 2})
	writeFrame(t, conn, protocol.TypeCommandResult, requestID, protocol.CommandResult{Success: true, ReturnCode: 0})

	var types []protocol.Type
	for i := 0; i < 3; i++ {
		msg, err := protocol.Decode(receive(t, replySub))
		require.NoError(t, err)
		types = append(types, msg.Type)
	}
	assert.Equal(t, []protocol.Type{protocol.TypeCommandOutput, protocol.TypeCommandOutput, protocol.TypeCommandResult}, types)
}

func TestDisconnectCleansUp(t *testing.T) {
	h := newHarness(t)
	p, key := h.createProject(t, "alpha")
	ctx := context.Background()

	run := &store.TestRun{ID: uuid.NewString(), ProjectID: p.ID, Name: "login flow", Status: store.RunRunning}
	require.NoError(t, h.store.CreateTestRun(ctx, run))
	statusSub, err := h.broker.Subscribe(ctx, broker.StatusChannel(p.ID))
	require.NoError(t, err)
	defer statusSub.Close()

	conn := h.dial(t)
	require.Equal(t, protocol.AckOK, handshake(t, conn, key).Status)

	var connected broker.StatusEvent
	require.NoError(t, json.Unmarshal(receive(t, statusSub), &connected))
	assert.True(t, connected.Connected)
	require.NotNil(t, connected.Info)
	assert.Equal(t, "box", connected.Info.Hostname)

	require.NoError(t, conn.Close())

	var gone broker.StatusEvent
	require.NoError(t, json.Unmarshal(receive(t, statusSub), &gone))
	assert.False(t, gone.Connected)
	assert.NotEmpty(t, gone.Reason)

	require.Eventually(t, func() bool {
		got, err := h.store.GetTestRun(ctx, run.ID)
		return err == nil && got.Status == store.RunAborted
	}, 3*time.Second, 20*time.Millisecond)

	got, err := h.store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, got.ControllerConnected)
	assert.Empty(t, h.router.ConnectedProjects())

	// The project accepts a new controller once the old one is gone.
	assert.Equal(t, protocol.AckOK, handshake(t, h.dial(t), key).Status)
}

func TestShutdownClosesControllers(t *testing.T) {
	h := newHarness(t)
	p, key := h.createProject(t, "alpha")
	conn := h.dial(t)
	require.Equal(t, protocol.AckOK, handshake(t, conn, key).Status)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.router.Shutdown(ctx))
	assertClosed(t, conn)

	got, err := h.store.GetProject(context.Background(), p.ID)
	require.NoError(t, err)
	assert.False(t, got.ControllerConnected)
}

func TestDroppedGroupEvents(t *testing.T) {
	h := newHarness(t)
	p, key := h.createProject(t, "alpha")
	conn := h.dial(t)
	require.Equal(t, protocol.AckOK, handshake(t, conn, key).Status)
	ctx := context.Background()
	channel := broker.GroupChannel(p.ID)

	require.NoError(t, h.broker.Publish(ctx, channel, []byte("garbage")))
	bad, _ := json.Marshal(broker.GroupEvent{Type: protocol.TypeHandshakeAck, RequestID: "x"})
	require.NoError(t, h.broker.Publish(ctx, channel, bad))
	noID, _ := json.Marshal(broker.GroupEvent{Type: protocol.TypeClick})
	require.NoError(t, h.broker.Publish(ctx, channel, noID))
	good, _ := json.Marshal(broker.GroupEvent{Type: protocol.TypePing, RequestID: "after"})
	require.NoError(t, h.broker.Publish(ctx, channel, good))

	msg := readFrame(t, conn)
	assert.Equal(t, protocol.TypePing, msg.Type)
	assert.Equal(t, "after", msg.RequestID)
}
