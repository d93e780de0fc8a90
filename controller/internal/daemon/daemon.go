// Package daemon manages the controller's per-machine files: the instance
// lock, PID file, status socket and log file.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning means another controller holds the instance lock.
var ErrAlreadyRunning = errors.New("a controller is already running on this machine")

// DefaultDir returns ~/.remotectl.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".remotectl"
	}
	return filepath.Join(home, ".remotectl")
}

// Paths locates the controller's files under Dir.
type Paths struct {
	Dir string
}

// NewPaths returns the paths under dir, or under DefaultDir when dir is empty.
func NewPaths(dir string) Paths {
	if dir == "" {
		dir = DefaultDir()
	}
	return Paths{Dir: dir}
}

func (p Paths) PID() string    { return filepath.Join(p.Dir, "controller.pid") }
func (p Paths) Lock() string   { return filepath.Join(p.Dir, "controller.lock") }
func (p Paths) Socket() string { return filepath.Join(p.Dir, "controller.sock") }
func (p Paths) Log() string    { return filepath.Join(p.Dir, "controller.log") }

func (p Paths) ensure() error {
	if err := os.MkdirAll(p.Dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", p.Dir, err)
	}
	return nil
}

// ReadPID returns the recorded PID, or 0 when there is none.
func (p Paths) ReadPID() (int, error) {
	data, err := os.ReadFile(p.PID())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// OpenLog opens the log file for appending.
func (p Paths) OpenLog() (*os.File, error) {
	if err := p.ensure(); err != nil {
		return nil, err
	}
	return os.OpenFile(p.Log(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}

// Instance is the lock held by the running controller.
type Instance struct {
	paths Paths
	lock  *flock.Flock
}

// Acquire takes the per-machine instance lock and records our PID. It
// fails with ErrAlreadyRunning when another controller holds the lock.
func Acquire(p Paths) (*Instance, error) {
	if err := p.ensure(); err != nil {
		return nil, err
	}
	lock := flock.New(p.Lock())
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		if pid, _ := p.ReadPID(); pid > 0 {
			return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
		return nil, ErrAlreadyRunning
	}
	if err := os.WriteFile(p.PID(), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600); err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return &Instance{paths: p, lock: lock}, nil
}

// Release removes the PID file and drops the lock.
func (i *Instance) Release() error {
	if err := os.Remove(i.paths.PID()); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = i.lock.Unlock()
		return err
	}
	return i.lock.Unlock()
}

// IsRunning reports whether a process with pid exists.
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

// StopProcess sends SIGTERM, waits up to timeout, then sends SIGKILL.
func StopProcess(pid int, timeout time.Duration) error {
	if !IsRunning(pid) {
		return nil
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !IsRunning(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("send SIGKILL: %w", err)
	}
	return nil
}

// DetachAttr starts a child in its own session so it outlives the shell
// that launched it.
func DetachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
