// Package router accepts controller WebSocket connections, authenticates
// them and bridges each one to its project's broker group.
package router

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amurg-ai/remotectl/hub/broker"
	"github.com/amurg-ai/remotectl/hub/replies"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Options configures the Router.
type Options struct {
	AllowedOrigins   []string
	MaxMessageBytes  int64         // default 32MB
	HandshakeTimeout time.Duration // default 10s
	PingInterval     time.Duration // default 30s
	PongWait         time.Duration // default 60s
}

// Router owns every controller connection of this hub process.
type Router struct {
	broker   broker.Broker
	tracker  *replies.Tracker
	collab   Collaborators
	logger   *slog.Logger
	upgrader websocket.Upgrader
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[string]*consumer // project_id -> authenticated connection
}

// New creates a Router.
func New(b broker.Broker, tracker *replies.Tracker, c Collaborators, logger *slog.Logger, opts Options) *Router {
	if opts.MaxMessageBytes == 0 {
		opts.MaxMessageBytes = 32 * 1024 * 1024
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongWait == 0 {
		opts.PongWait = 60 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		broker:   b,
		tracker:  tracker,
		collab:   c,
		logger:   logger.With("component", "router"),
		upgrader: makeUpgrader(opts.AllowedOrigins),
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[string]*consumer),
	}
}

// HandleControllerWS upgrades the request and serves one controller until
// it disconnects.
func (r *Router) HandleControllerWS(w http.ResponseWriter, req *http.Request) {
	if r.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("controller websocket upgrade failed", "error", err)
		return
	}

	r.wg.Add(1)
	defer r.wg.Done()

	c := &consumer{
		router: r,
		conn:   conn,
		logger: r.logger.With("remote", req.RemoteAddr),
	}
	c.serve(r.ctx)
}

// ConnectedProjects lists the projects with a controller on this process.
func (r *Router) ConnectedProjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown closes every controller connection and waits for their cleanup
// to finish or ctx to expire.
func (r *Router) Shutdown(ctx context.Context) error {
	r.cancel()
	r.mu.Lock()
	for _, c := range r.conns {
		_ = c.conn.Close()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) track(c *consumer) {
	r.mu.Lock()
	r.conns[c.project.ID] = c
	r.mu.Unlock()
}

func (r *Router) untrack(c *consumer) {
	r.mu.Lock()
	if r.conns[c.project.ID] == c {
		delete(r.conns, c.project.ID)
	}
	r.mu.Unlock()
}
