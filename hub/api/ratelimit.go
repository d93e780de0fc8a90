package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// keyedLimiter holds one token bucket per client key.
type keyedLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	clients map[string]*limiterEntry
}

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func newRateLimiter(requestsPerSecond float64, burst int) *keyedLimiter {
	return &keyedLimiter{
		limit:   rate.Limit(requestsPerSecond),
		burst:   burst,
		now:     time.Now,
		clients: make(map[string]*limiterEntry),
	}
}

func (k *keyedLimiter) allow(key string) bool {
	now := k.now()

	k.mu.Lock()
	e, ok := k.clients[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(k.limit, k.burst)}
		k.clients[key] = e
	}
	e.seen = now
	k.mu.Unlock()

	return e.lim.AllowN(now, 1)
}

// forget drops clients idle for longer than maxAge.
func (k *keyedLimiter) forget(maxAge time.Duration) int {
	cutoff := k.now().Add(-maxAge)

	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for key, e := range k.clients {
		if e.seen.Before(cutoff) {
			delete(k.clients, key)
			n++
		}
	}
	return n
}

// StartCleanup forgets idle clients every interval until ctx ends.
func (k *keyedLimiter) StartCleanup(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				k.forget(maxAge)
			}
		}
	}()
}

// limitBy rejects requests whose key has run out of tokens. Requests with
// an empty key pass.
func limitBy(k *keyedLimiter, message string, keyOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key := keyOf(r); key != "" && !k.allow(key) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP relies on chi's RealIP having rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

func operatorKey(r *http.Request) string {
	if id := getIdentityFromContext(r.Context()); id != nil {
		return id.Subject
	}
	return ""
}
