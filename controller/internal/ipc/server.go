package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/amurg-ai/remotectl/controller/internal/eventbus"
)

// Server listens on a Unix socket and answers local clients.
type Server struct {
	path     string
	provider StateProvider
	bus      *eventbus.Bus
	logger   *slog.Logger

	listener  net.Listener
	mu        sync.Mutex
	clients   map[net.Conn]struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewServer creates an IPC server.
func NewServer(socketPath string, provider StateProvider, bus *eventbus.Bus, logger *slog.Logger) *Server {
	return &Server{
		path:     socketPath,
		provider: provider,
		bus:      bus,
		logger:   logger.With("component", "ipc-server"),
		clients:  make(map[net.Conn]struct{}),
		done:     make(chan struct{}),
	}
}

// Start listens and serves in the background. A stale socket file left by
// a crashed controller is replaced; callers hold the instance lock.
func (s *Server) Start() error {
	_ = os.Remove(s.path)

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}
	s.listener = ln

	go s.acceptLoop()
	s.logger.Info("status socket listening", "path", s.path)
	return nil
}

// Close stops the server and disconnects every client.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			err = s.listener.Close()
		}
		s.mu.Lock()
		for c := range s.clients {
			_ = c.Close()
		}
		clear(s.clients)
		s.mu.Unlock()
		_ = os.Remove(s.path)
	})
	return err
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		s.mu.Lock()
		s.clients[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = s.write(conn, errorResponse("", "invalid request"))
			continue
		}
		// subscribe takes over the connection until the client leaves.
		if !s.handle(conn, req) {
			return
		}
	}
}

func (s *Server) handle(conn net.Conn, req Request) bool {
	switch req.Method {
	case MethodStatus:
		_ = s.write(conn, result(req.ID, s.provider.Status()))
	case MethodActions:
		actions := s.provider.Actions()
		if actions == nil {
			actions = []ActionInfo{}
		}
		_ = s.write(conn, result(req.ID, ActionsResult{Actions: actions}))
	case MethodSubscribe:
		var params SubscribeParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				_ = s.write(conn, errorResponse(req.ID, "invalid subscribe params"))
				return true
			}
		}
		s.stream(conn, req.ID, params)
		return false
	default:
		_ = s.write(conn, errorResponse(req.ID, "unknown method: "+req.Method))
	}
	return true
}

func (s *Server) stream(conn net.Conn, reqID string, params SubscribeParams) {
	sub := s.bus.Subscribe(256, params.Events...)
	defer sub.Close()

	if err := s.write(conn, result(reqID, map[string]string{"status": "subscribed"})); err != nil {
		return
	}
	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			data, _ := json.Marshal(Event{Type: e.Type, Timestamp: e.Timestamp, Data: e.Data})
			if err := s.write(conn, Response{Type: TypeEvent, Data: data}); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Server) write(conn net.Conn, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		if !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("write failed", "error", err)
		}
		return err
	}
	return nil
}

func result(id string, v any) Response {
	data, _ := json.Marshal(v)
	return Response{ID: id, Type: TypeResult, Data: data}
}

func errorResponse(id, msg string) Response {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return Response{ID: id, Type: TypeError, Data: data}
}
