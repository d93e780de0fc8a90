// Package interactive runs at most one pty-backed shell command whose output
// is read in bounded slices between inputs.
package interactive

import (
	"bytes"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/amurg-ai/remotectl/controller/internal/proctrack"
)

// State is the lifecycle state of a session.
type State string

const (
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateTimedOut   State = "timed_out"
	StateExited     State = "exited"
	StateTerminated State = "terminated"
)

// Finished reports whether the session can no longer accept input.
func (s State) Finished() bool {
	return s == StateTimedOut || s == StateExited || s == StateTerminated
}

// Result is what one interaction produced.
type Result struct {
	SessionID string
	Output    string
	IsRunning bool
	ExitCode  *int
}

// Session is one pty-backed process.
type Session struct {
	id      string
	cmd     *exec.Cmd
	ptmx    *os.File
	started time.Time
	overall time.Duration
	killer  *time.Timer

	readDone  chan struct{} // pty reader hit EOF
	exited    chan struct{} // process reaped
	closeOnce sync.Once

	bufMu sync.Mutex
	buf   bytes.Buffer

	mu       sync.Mutex
	state    State
	exitCode *int
}

func newSession(id string, cmd *exec.Cmd, ptmx *os.File, overall time.Duration) *Session {
	s := &Session{
		id:       id,
		cmd:      cmd,
		ptmx:     ptmx,
		started:  time.Now(),
		overall:  overall,
		readDone: make(chan struct{}),
		exited:   make(chan struct{}),
		state:    StateStarting,
	}
	go s.readLoop()
	go s.wait()
	return s
}

// ID returns the session token.
func (s *Session) ID() string { return s.id }

// PID returns the process id of the shell.
func (s *Session) PID() int { return s.cmd.Process.Pid }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) expired() bool {
	return s.overall > 0 && time.Since(s.started) > s.overall
}

func (s *Session) readLoop() {
	defer close(s.readDone)
	chunk := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(chunk)
		if n > 0 {
			s.bufMu.Lock()
			s.buf.Write(chunk[:n])
			s.bufMu.Unlock()
		}
		if err != nil {
			// EIO once the child side closes.
			return
		}
	}
}

func (s *Session) wait() {
	_ = s.cmd.Wait()
	code := s.cmd.ProcessState.ExitCode()

	s.mu.Lock()
	s.exitCode = &code
	if !s.state.Finished() {
		s.state = StateExited
	}
	s.mu.Unlock()
	close(s.exited)

	// The reader sees EIO once every holder of the child side is gone.
	<-s.readDone
	s.close()
}

// close releases the pty master. Safe to call more than once.
func (s *Session) close() {
	s.closeOnce.Do(func() { _ = s.ptmx.Close() })
}

func (s *Session) drain() string {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	out := s.buf.String()
	s.buf.Reset()
	return out
}

// read collects output for up to timeout, returning early once the process
// has exited and its output is drained.
func (s *Session) read(timeout time.Duration) Result {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.readDone:
		select {
		case <-s.exited:
		case <-timer.C:
		}
	case <-timer.C:
	}
	return s.result(s.drain())
}

func (s *Session) result(output string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStarting {
		s.state = StateRunning
	}
	return Result{
		SessionID: s.id,
		Output:    output,
		IsRunning: !s.state.Finished(),
		ExitCode:  s.exitCode,
	}
}

func (s *Session) write(text string) error {
	_, err := io.WriteString(s.ptmx, text+"\n")
	if errors.Is(err, os.ErrClosed) {
		return ErrNoSession
	}
	return err
}

// terminate kills the process group and waits briefly for it to be reaped.
// It reports false when the session had already finished.
func (s *Session) terminate(final State) bool {
	s.mu.Lock()
	if s.state.Finished() {
		s.mu.Unlock()
		s.close()
		return false
	}
	s.state = final
	s.mu.Unlock()

	_ = proctrack.KillGroup(s.PID())
	select {
	case <-s.exited:
	case <-time.After(2 * time.Second):
	}
	s.close()
	return true
}
