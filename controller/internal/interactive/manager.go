package interactive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

var (
	ErrNoSession       = errors.New("no interactive session is running")
	ErrSessionMismatch = errors.New("session_id does not match the running interactive session")
	ErrTimedOut        = errors.New("interactive session exceeded its overall timeout")
)

// Options bound one session.
type Options struct {
	ReadTimeout    time.Duration
	OverallTimeout time.Duration
	Cwd            string
}

// ProcessRegistry is told about every pty child so a supervisor can kill
// stragglers.
type ProcessRegistry interface {
	Add(pid int)
	Remove(pid int)
}

// Manager owns at most one live Session. Starting a new one terminates the
// previous one.
type Manager struct {
	procs  ProcessRegistry
	logger *slog.Logger

	mu      sync.Mutex
	current *Session
}

// NewManager creates a session manager.
func NewManager(procs ProcessRegistry, logger *slog.Logger) *Manager {
	return &Manager{procs: procs, logger: logger.With("component", "interactive")}
}

// Start runs command under /bin/sh in a pty and returns the output produced
// within opts.ReadTimeout.
func (m *Manager) Start(ctx context.Context, command string, opts Options) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = opts.Cwd
	cmd.Env = append(os.Environ(), "TERM=dumb")

	m.mu.Lock()
	if prev := m.current; prev != nil {
		m.current = nil
		m.finish(prev, StateTerminated)
		m.logger.Info("terminated previous interactive session", "session_id", prev.id)
	}

	// pty.Start makes the shell a session leader, so its pid is also its
	// process group id.
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 40, Cols: 200})
	if err != nil {
		m.mu.Unlock()
		return Result{}, fmt.Errorf("start interactive command: %w", err)
	}
	s := newSession(uuid.NewString(), cmd, ptmx, opts.OverallTimeout)
	m.procs.Add(s.PID())
	if opts.OverallTimeout > 0 {
		s.killer = time.AfterFunc(opts.OverallTimeout, func() { m.expire(s) })
	}
	m.current = s
	m.mu.Unlock()

	m.logger.Info("interactive session started", "session_id", s.id, "pid", s.PID())
	return m.collect(s, opts.ReadTimeout), nil
}

// SendInput writes text and a newline to the live session and returns the
// output produced within readTimeout. An empty sessionID means the current
// session.
func (m *Manager) SendInput(ctx context.Context, sessionID, text string, readTimeout time.Duration) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s, err := m.live(sessionID)
	if err != nil {
		return Result{}, err
	}
	if err := s.write(text); err != nil {
		return Result{}, fmt.Errorf("write input: %w", err)
	}
	return m.collect(s, readTimeout), nil
}

// Terminate stops the live session and returns its remaining output.
func (m *Manager) Terminate(sessionID string) (Result, error) {
	m.mu.Lock()
	s := m.current
	switch {
	case s == nil:
		m.mu.Unlock()
		return Result{}, ErrNoSession
	case sessionID != "" && sessionID != s.id:
		m.mu.Unlock()
		return Result{}, ErrSessionMismatch
	}
	m.current = nil
	m.finish(s, StateTerminated)
	m.mu.Unlock()

	res := s.result(s.drain())
	m.logger.Info("interactive session terminated", "session_id", s.id)
	return res, nil
}

// Current returns the live session, if any.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Close terminates the live session, if any.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.finish(m.current, StateTerminated)
		m.current = nil
	}
}

// live returns the session that may receive input, enforcing the overall
// timeout.
func (m *Manager) live(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.current
	if s == nil {
		return nil, ErrNoSession
	}
	if sessionID != "" && sessionID != s.id {
		return nil, ErrSessionMismatch
	}
	if s.State() == StateTimedOut || s.expired() {
		m.current = nil
		m.finish(s, StateTimedOut)
		return nil, ErrTimedOut
	}
	if s.State().Finished() {
		m.current = nil
		m.retire(s)
		return nil, fmt.Errorf("%w: the command exited", ErrNoSession)
	}
	return s, nil
}

func (m *Manager) collect(s *Session, readTimeout time.Duration) Result {
	res := s.read(readTimeout)
	if !res.IsRunning {
		m.mu.Lock()
		if m.current == s && s.State() == StateExited {
			m.current = nil
			m.retire(s)
		}
		m.mu.Unlock()
	}
	return res
}

func (m *Manager) expire(s *Session) {
	if s.terminate(StateTimedOut) {
		m.procs.Remove(s.PID())
		m.logger.Warn("interactive session timed out", "session_id", s.id, "after", s.overall)
	}
}

// finish is called with m.mu held.
func (m *Manager) finish(s *Session, final State) {
	if s.killer != nil {
		s.killer.Stop()
	}
	s.terminate(final)
	m.procs.Remove(s.PID())
}

// retire drops a session whose process already exited.
func (m *Manager) retire(s *Session) {
	if s.killer != nil {
		s.killer.Stop()
	}
	s.close()
	m.procs.Remove(s.PID())
}
