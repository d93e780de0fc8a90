package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amurg-ai/remotectl/hub/broker"
	"github.com/amurg-ai/remotectl/hub/store"
	"github.com/amurg-ai/remotectl/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProjects map[string]*store.Project

func (f fakeProjects) GetProject(_ context.Context, id string) (*store.Project, error) {
	return f[id], nil
}

// fakeController answers group events on b the way a connected controller
// would, via respond.
func fakeController(t *testing.T, b broker.Broker, projectID string, respond func(ev broker.GroupEvent) [][]byte) {
	t.Helper()
	sub, err := b.Subscribe(context.Background(), broker.GroupChannel(projectID))
	require.NoError(t, err)
	t.Cleanup(sub.Close)
	go func() {
		for data := range sub.C {
			var ev broker.GroupEvent
			if json.Unmarshal(data, &ev) != nil {
				continue
			}
			for _, frame := range respond(ev) {
				_ = b.Publish(context.Background(), ev.ReplyChannel, frame)
			}
		}
	}()
}

func frame(t *testing.T, typ protocol.Type, requestID string, payload any) []byte {
	data, err := protocol.Encode(typ, requestID, payload)
	require.NoError(t, err)
	return data
}

func newBroker(t *testing.T) *broker.Memory {
	b := broker.NewMemory(testLogger())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSendReturnsReply(t *testing.T) {
	b := newBroker(t)
	var got broker.GroupEvent
	fakeController(t, b, "p1", func(ev broker.GroupEvent) [][]byte {
		got = ev
		return [][]byte{frame(t, protocol.TypeActionResult, ev.RequestID, protocol.ActionResult{Success: true, Message: "Clicked at (100, 200)"})}
	})

	d := New(b, testLogger(), Config{})
	reply, err := d.Send(context.Background(), "p1", protocol.TypeClick, json.RawMessage(`{"x":100,"y":200}`), Options{Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeActionResult, reply.Type)
	result, err := protocol.ActionResultOf(reply.Message)
	require.NoError(t, err)
	assert.True(t, result.Success)

	assert.Equal(t, protocol.TypeClick, got.Type)
	assert.Equal(t, broker.ReplyChannel(got.RequestID), got.ReplyChannel)
	assert.JSONEq(t, `{"x":100,"y":200}`, string(got.Fields))
}

func TestSendCollectsOutput(t *testing.T) {
	b := newBroker(t)
	fakeController(t, b, "p1", func(ev broker.GroupEvent) [][]byte {
		return [][]byte{
			frame(t, protocol.TypeCommandOutput, ev.RequestID, protocol.CommandOutput{Stream: "stdout", Line: "a", Seq: 1}),
			frame(t, protocol.TypeCommandOutput, ev.RequestID, protocol.CommandOutput{Stream: "stdout", Line: "b", Seq: 2}),
			frame(t, protocol.TypeCommandResult, ev.RequestID, protocol.CommandResult{Success: true, Stdout: "a\nb\n"}),
		}
	})

	var streamed []string
	d := New(b, testLogger(), Config{})
	reply, err := d.Send(context.Background(), "p1", protocol.TypeRunCommand, json.RawMessage(`{"command":"printf 'a\\nb\\n'"}`), Options{
		Timeout:  2 * time.Second,
		OnOutput: func(line protocol.CommandOutput) { streamed = append(streamed, line.Line) },
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeCommandResult, reply.Type)
	assert.Equal(t, []string{"a", "b"}, streamed)
	require.Len(t, reply.Output, 2)
	assert.Equal(t, int64(2), reply.Output[1].Seq)
}

func TestSendTimesOut(t *testing.T) {
	b := newBroker(t)
	d := New(b, testLogger(), Config{})
	_, err := d.Send(context.Background(), "p1", protocol.TypeScreenshotRequest, nil, Options{Timeout: 50 * time.Millisecond})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSendTimeoutIsCapped(t *testing.T) {
	b := newBroker(t)
	d := New(b, testLogger(), Config{MaxTimeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := d.Send(context.Background(), "p1", protocol.TypeBrowserGetURL, nil, Options{Timeout: time.Hour})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSendFailsOnDisconnect(t *testing.T) {
	b := newBroker(t)
	fakeController(t, b, "p1", func(ev broker.GroupEvent) [][]byte {
		st, _ := json.Marshal(broker.StatusEvent{ProjectID: "p1", Connected: false, Reason: "connection lost"})
		_ = b.Publish(context.Background(), broker.StatusChannel("p1"), st)
		return nil
	})

	d := New(b, testLogger(), Config{})
	_, err := d.Send(context.Background(), "p1", protocol.TypeClick, json.RawMessage(`{"x":1,"y":2}`), Options{Timeout: 2 * time.Second})
	assert.ErrorIs(t, err, ErrControllerDisconnected)
	assert.Contains(t, err.Error(), "connection lost")
}

func TestSendPrefersReplyOverDisconnect(t *testing.T) {
	b := newBroker(t)
	fakeController(t, b, "p1", func(ev broker.GroupEvent) [][]byte {
		result := frame(t, protocol.TypeActionResult, ev.RequestID, protocol.ActionResult{Success: true})
		_ = b.Publish(context.Background(), ev.ReplyChannel, result)
		st, _ := json.Marshal(broker.StatusEvent{ProjectID: "p1", Connected: false, Reason: "connection lost"})
		_ = b.Publish(context.Background(), broker.StatusChannel("p1"), st)
		return nil
	})

	d := New(b, testLogger(), Config{})
	for i := 0; i < 20; i++ {
		reply, err := d.Send(context.Background(), "p1", protocol.TypeClick, json.RawMessage(`{"x":1,"y":2}`), Options{Timeout: 2 * time.Second})
		require.NoError(t, err)
		assert.Equal(t, protocol.TypeActionResult, reply.Type)
	}
}

func TestSendPresenceCheck(t *testing.T) {
	b := newBroker(t)
	d := New(b, testLogger(), Config{Projects: fakeProjects{
		"offline": {ID: "offline"},
	}})
	ctx := context.Background()

	_, err := d.Send(ctx, "offline", protocol.TypeClick, json.RawMessage(`{"x":1,"y":2}`), Options{})
	assert.ErrorIs(t, err, ErrControllerOffline)
	_, err = d.Send(ctx, "missing", protocol.TypeClick, json.RawMessage(`{"x":1,"y":2}`), Options{})
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestSendValidatesBeforePublishing(t *testing.T) {
	b := newBroker(t)
	group, err := b.Subscribe(context.Background(), broker.GroupChannel("p1"))
	require.NoError(t, err)
	defer group.Close()

	d := New(b, testLogger(), Config{})
	ctx := context.Background()

	_, err = d.Send(ctx, "p1", protocol.TypePing, nil, Options{})
	pe, ok := protocol.AsProtocolError(err)
	require.True(t, ok)
	assert.Equal(t, protocol.KindUnknownType, pe.Kind)

	_, err = d.Send(ctx, "p1", protocol.TypeClick, json.RawMessage(`{"x":1}`), Options{})
	pe, ok = protocol.AsProtocolError(err)
	require.True(t, ok)
	assert.Equal(t, "y", pe.Field)

	_, err = d.Send(ctx, "p1", protocol.TypeClick, json.RawMessage(`[1,2]`), Options{})
	assert.Error(t, err)

	assert.Len(t, group.C, 0)
}

func TestSendHonoursContext(t *testing.T) {
	b := newBroker(t)
	d := New(b, testLogger(), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Send(ctx, "p1", protocol.TypeBrowserGetURL, nil, Options{Timeout: time.Second})
	assert.ErrorIs(t, err, context.Canceled)
}
