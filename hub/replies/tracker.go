// Package replies correlates controller replies with the callers waiting
// for them.
//
// When the hub forwards an action to a controller it registers the action's
// request_id together with the caller's reply channel. The first reply that
// carries that request_id consumes the registration and is published to the
// channel; later replies with the same id, or ids never registered, are
// dropped and logged.
package replies

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Publisher is the part of the broker the tracker needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type registration struct {
	destination string
	createdAt   time.Time
}

// Tracker maps request ids to reply destinations. One Tracker is owned by
// each hub process and shared by all of its controller connections.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]registration
	pub     Publisher
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Tracker publishing replies through pub.
func New(pub Publisher, logger *slog.Logger) *Tracker {
	return &Tracker{
		pending: make(map[string]registration),
		pub:     pub,
		logger:  logger.With("component", "replies"),
		now:     time.Now,
	}
}

// Register records where the reply to requestID must go. Registering an id
// twice replaces the earlier destination.
func (t *Tracker) Register(requestID, destination string) {
	t.mu.Lock()
	_, dup := t.pending[requestID]
	t.pending[requestID] = registration{destination: destination, createdAt: t.now()}
	t.mu.Unlock()

	if dup {
		t.logger.Warn("request id registered twice, keeping latest destination", "request_id", requestID)
	}
}

// Deliver consumes the registration for requestID and publishes payload to
// its destination. It reports false when no caller is registered, which is
// the normal outcome for a reply that arrives after its caller gave up.
func (t *Tracker) Deliver(ctx context.Context, requestID string, payload []byte) bool {
	t.mu.Lock()
	reg, ok := t.pending[requestID]
	if ok {
		delete(t.pending, requestID)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Warn("reply for unknown request dropped", "request_id", requestID)
		return false
	}
	return t.publish(ctx, requestID, reg.destination, payload)
}

// Stream publishes intermediate output for requestID without consuming the
// registration, so the final reply still finds it.
func (t *Tracker) Stream(ctx context.Context, requestID string, payload []byte) bool {
	t.mu.Lock()
	reg, ok := t.pending[requestID]
	t.mu.Unlock()

	if !ok {
		t.logger.Debug("output for unknown request dropped", "request_id", requestID)
		return false
	}
	return t.publish(ctx, requestID, reg.destination, payload)
}

func (t *Tracker) publish(ctx context.Context, requestID, destination string, payload []byte) bool {
	if err := t.pub.Publish(ctx, destination, payload); err != nil {
		t.logger.Error("publish reply failed", "request_id", requestID, "destination", destination, "error", err)
		return false
	}
	return true
}

// Pending returns the number of outstanding registrations.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Sweep drops registrations older than maxAge and returns how many it
// removed. Swept requests are never delivered.
func (t *Tracker) Sweep(maxAge time.Duration) int {
	cutoff := t.now().Add(-maxAge)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, reg := range t.pending {
		if reg.createdAt.Before(cutoff) {
			delete(t.pending, id)
			n++
		}
	}
	return n
}

// RunSweeper calls Sweep every interval until ctx is done.
func (t *Tracker) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Sweep(maxAge); n > 0 {
				t.logger.Info("swept abandoned reply registrations", "count", n)
			}
		}
	}
}
