// Package broker is the pub/sub layer the hub uses to reach controller
// connections and to route replies back to the callers that are waiting for
// them, possibly in another hub process.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker: closed")

// Broker publishes opaque payloads on named channels.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (*Subscription, error)
	Close() error
}

// GroupChannel is the broadcast group a project's controller connection joins.
func GroupChannel(projectID string) string { return "controller_" + projectID }

// ReplyChannel is the private channel a caller listens on for one request.
func ReplyChannel(requestID string) string { return replyPrefix + requestID }

const replyPrefix = "reply_"

// StatusChannel carries presence changes of a project's controller.
func StatusChannel(projectID string) string { return "status_" + projectID }

// Subscription receives payloads published on one channel until closed.
type Subscription struct {
	Channel string
	C       <-chan []byte

	ch     chan []byte
	cancel func()
	once   sync.Once
}

// Close stops delivery and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

const subscriptionBuffer = 256

// replyWait bounds how long a full reply subscriber may stall delivery.
const replyWait = 5 * time.Second

// fanout delivers payloads to the local subscribers of a channel. Group and
// status delivery is non-blocking and a full subscriber misses the payload.
// Reply channels wait up to replyWait for room.
type fanout struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
	logger *slog.Logger
}

func newFanout(logger *slog.Logger) *fanout {
	return &fanout{subs: make(map[string]map[*Subscription]struct{}), logger: logger}
}

func (f *fanout) subscribe(channel string) (*Subscription, error) {
	ch := make(chan []byte, subscriptionBuffer)
	sub := &Subscription{Channel: channel, C: ch, ch: ch}
	sub.cancel = func() { f.unsubscribe(sub) }

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	set, ok := f.subs[channel]
	if !ok {
		set = make(map[*Subscription]struct{})
		f.subs[channel] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

func (f *fanout) unsubscribe(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.subs[sub.Channel]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(f.subs, sub.Channel)
	}
	close(sub.ch)
}

func (f *fanout) has(channel string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[channel]) > 0
}

func (f *fanout) deliver(channel string, payload []byte) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	reply := strings.HasPrefix(channel, replyPrefix)
	n := 0
	for sub := range f.subs[channel] {
		select {
		case sub.ch <- payload:
			n++
			continue
		default:
		}
		if !reply {
			f.logger.Warn("subscriber buffer full, payload dropped", "channel", channel)
			continue
		}
		if sendWithin(sub.ch, payload, replyWait) {
			n++
			continue
		}
		f.logger.Error("reply subscriber stalled, payload dropped", "channel", channel, "waited", replyWait)
	}
	return n
}

func sendWithin(ch chan<- []byte, payload []byte, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case ch <- payload:
		return true
	case <-t.C:
		return false
	}
}

func (f *fanout) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for channel, set := range f.subs {
		for sub := range set {
			close(sub.ch)
		}
		delete(f.subs, channel)
	}
}

func (f *fanout) isClosed() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.closed
}
