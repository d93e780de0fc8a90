// Package dispatch sends actions to a project's controller and waits for
// the reply, from any hub process.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/remotectl/hub/broker"
	"github.com/amurg-ai/remotectl/hub/store"
	"github.com/amurg-ai/remotectl/pkg/protocol"
)

var (
	ErrTimeout                = errors.New("timed out waiting for controller reply")
	ErrControllerOffline      = errors.New("no controller connected")
	ErrControllerDisconnected = errors.New("controller disconnected before replying")
	ErrProjectNotFound        = errors.New("project not found")
)

// ProjectGetter is the store lookup used for the presence check.
type ProjectGetter interface {
	GetProject(ctx context.Context, id string) (*store.Project, error)
}

// Config configures a Dispatcher.
type Config struct {
	DefaultTimeout time.Duration // default 60s
	MaxTimeout     time.Duration // default 10m
	// Projects enables a presence check before publishing. Without it an
	// action for an offline project simply times out.
	Projects ProjectGetter
}

// Options tunes a single Send.
type Options struct {
	Timeout   time.Duration
	RequestID string
	// OnOutput receives command_output lines in arrival order.
	OnOutput func(protocol.CommandOutput)
}

// Reply is the controller's final answer to an action.
type Reply struct {
	*protocol.Message
	Output []protocol.CommandOutput // streamed lines, run_command only
}

// Dispatcher is the issuing side of the controller protocol.
type Dispatcher struct {
	broker   broker.Broker
	projects ProjectGetter
	logger   *slog.Logger

	defaultTimeout time.Duration
	maxTimeout     time.Duration
}

// New creates a Dispatcher publishing through b.
func New(b broker.Broker, logger *slog.Logger, cfg Config) *Dispatcher {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	if cfg.MaxTimeout == 0 {
		cfg.MaxTimeout = 10 * time.Minute
	}
	return &Dispatcher{
		broker:         b,
		projects:       cfg.Projects,
		logger:         logger.With("component", "dispatch"),
		defaultTimeout: cfg.DefaultTimeout,
		maxTimeout:     cfg.MaxTimeout,
	}
}

// Send forwards one action to the controller of projectID and waits for its
// reply. A timeout only abandons the wait; the controller still runs the
// action and its late reply is discarded by the hub.
func (d *Dispatcher) Send(ctx context.Context, projectID string, t protocol.Type, fields json.RawMessage, opts Options) (*Reply, error) {
	requestID := opts.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	if len(fields) == 0 {
		fields = json.RawMessage("{}")
	}
	if err := validate(t, requestID, fields); err != nil {
		return nil, err
	}

	if d.projects != nil {
		p, err := d.projects.GetProject(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("load project: %w", err)
		}
		if p == nil {
			return nil, ErrProjectNotFound
		}
		if !p.ControllerConnected {
			return nil, ErrControllerOffline
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	if timeout > d.maxTimeout {
		timeout = d.maxTimeout
	}

	replies, err := d.broker.Subscribe(ctx, broker.ReplyChannel(requestID))
	if err != nil {
		return nil, fmt.Errorf("subscribe reply channel: %w", err)
	}
	defer replies.Close()
	status, err := d.broker.Subscribe(ctx, broker.StatusChannel(projectID))
	if err != nil {
		return nil, fmt.Errorf("subscribe status channel: %w", err)
	}
	defer status.Close()

	ev, err := json.Marshal(broker.GroupEvent{
		Type:         t,
		RequestID:    requestID,
		Fields:       fields,
		ReplyChannel: replies.Channel,
	})
	if err != nil {
		return nil, fmt.Errorf("encode group event: %w", err)
	}
	if err := d.broker.Publish(ctx, broker.GroupChannel(projectID), ev); err != nil {
		return nil, fmt.Errorf("publish action: %w", err)
	}
	logger := d.logger.With("project_id", projectID, "type", t, "request_id", requestID)
	logger.Debug("action dispatched", "timeout", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	reply := &Reply{}
	// handle folds one reply-channel payload into reply and reports whether
	// it was the final one.
	handle := func(data []byte) bool {
		msg, err := protocol.Decode(data)
		if err != nil {
			logger.Warn("malformed reply", "error", err)
			return false
		}
		if msg.Type == protocol.TypeCommandOutput {
			line, err := protocol.CommandOutputOf(msg)
			if err != nil {
				logger.Warn("malformed command output", "error", err)
				return false
			}
			reply.Output = append(reply.Output, line)
			if opts.OnOutput != nil {
				opts.OnOutput(line)
			}
			return false
		}
		if !msg.Type.IsReply() {
			logger.Warn("unexpected message on reply channel", "got", msg.Type)
			return false
		}
		reply.Message = msg
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			logger.Warn("controller reply timed out", "timeout", timeout)
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		case data, ok := <-status.C:
			if !ok {
				return nil, broker.ErrClosed
			}
			var st broker.StatusEvent
			if err := json.Unmarshal(data, &st); err != nil {
				logger.Warn("malformed status event", "error", err)
				continue
			}
			if st.Connected {
				continue
			}
			// A reply that arrived alongside the disconnect still counts.
		drain:
			for {
				select {
				case data, ok := <-replies.C:
					if !ok {
						break drain
					}
					if handle(data) {
						return reply, nil
					}
				default:
					break drain
				}
			}
			return nil, fmt.Errorf("%w: %s", ErrControllerDisconnected, st.Reason)
		case data, ok := <-replies.C:
			if !ok {
				return nil, broker.ErrClosed
			}
			if handle(data) {
				return reply, nil
			}
		}
	}
}

func validate(t protocol.Type, requestID string, fields json.RawMessage) error {
	if !t.IsAction() {
		return &protocol.ProtocolError{Kind: protocol.KindUnknownType, Type: string(t), RequestID: requestID}
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(fields, &m); err != nil || m == nil {
		return &protocol.ProtocolError{Kind: protocol.KindInvalidJSON, Type: string(t), RequestID: requestID, Err: errors.New("fields must be a JSON object")}
	}
	for _, reserved := range []string{"type", "request_id", "timestamp"} {
		delete(m, reserved)
	}
	return protocol.ValidateAction(&protocol.Message{Type: t, RequestID: requestID, Fields: m})
}
