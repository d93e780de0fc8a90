package broker

import (
	"context"
	"log/slog"
)

// Memory is a Broker for a single hub process.
type Memory struct {
	local *fanout
}

// NewMemory creates an in-process broker.
func NewMemory(logger *slog.Logger) *Memory {
	return &Memory{local: newFanout(logger.With("component", "broker"))}
}

// Publish hands payload to every current subscriber of channel.
func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	if m.local.isClosed() {
		return ErrClosed
	}
	m.local.deliver(channel, payload)
	return nil
}

// Subscribe starts receiving payloads published on channel after it returns.
func (m *Memory) Subscribe(_ context.Context, channel string) (*Subscription, error) {
	return m.local.subscribe(channel)
}

// Close closes every subscription.
func (m *Memory) Close() error {
	m.local.close()
	return nil
}
