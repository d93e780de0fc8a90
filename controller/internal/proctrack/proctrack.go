// Package proctrack records the processes the controller spawns so they can
// be killed together on shutdown.
package proctrack

import (
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Tracker is a set of process IDs. Each tracked process leads its own
// process group, so killing -pid also reaches its children.
type Tracker struct {
	mu   sync.Mutex
	pids map[int]struct{}
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{pids: make(map[int]struct{})}
}

// Add records pid.
func (t *Tracker) Add(pid int) {
	if pid <= 0 {
		return
	}
	t.mu.Lock()
	t.pids[pid] = struct{}{}
	t.mu.Unlock()
}

// Remove forgets pid.
func (t *Tracker) Remove(pid int) {
	t.mu.Lock()
	delete(t.pids, pid)
	t.mu.Unlock()
}

// Len returns the number of tracked processes.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pids)
}

// KillAll sends SIGKILL to every tracked process group. The set is emptied
// before signaling so processes added meanwhile stay tracked. Processes that
// already exited are not reported as errors.
func (t *Tracker) KillAll() []error {
	t.mu.Lock()
	pids := t.pids
	t.pids = make(map[int]struct{})
	t.mu.Unlock()

	var errs []error
	for pid := range pids {
		if err := KillGroup(pid); err != nil {
			errs = append(errs, fmt.Errorf("kill %d: %w", pid, err))
		}
	}
	return errs
}

// KillGroup kills the process group led by pid, falling back to the single
// process when it does not lead a group.
func KillGroup(pid int) error {
	err := unix.Kill(-pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, unix.SIGKILL)
	}
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// Isolate puts cmd in a new process group so KillGroup can reach its
// children.
func Isolate(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}
