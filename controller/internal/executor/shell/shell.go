// Package shell runs commands through /bin/sh, streaming their output.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/amurg-ai/remotectl/controller/internal/executor"
	"github.com/amurg-ai/remotectl/controller/internal/proctrack"
	"github.com/amurg-ai/remotectl/pkg/protocol"
)

const maxLineBytes = 1024 * 1024

// ProcessRegistry records running children for bulk cleanup.
type ProcessRegistry interface {
	Add(pid int)
	Remove(pid int)
}

// Shell implements executor.Shell.
type Shell struct {
	procs ProcessRegistry
}

// New creates a shell executor.
func New(procs ProcessRegistry) *Shell {
	return &Shell{procs: procs}
}

// Run executes req.Command. A non-zero exit is reported in the result, not as
// an error; errors mean the command could not be run at all.
func (s *Shell) Run(ctx context.Context, req protocol.RunCommand, onLine func(executor.Line)) (executor.CommandResult, error) {
	timeout := protocol.Seconds(req.Timeout)
	if timeout <= 0 {
		timeout = protocol.Seconds(protocol.DefaultCommandTimeout)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command("/bin/sh", "-c", req.Command)
	cmd.Dir = req.Cwd
	proctrack.Isolate(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return executor.CommandResult{}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return executor.CommandResult{}, err
	}
	if err := cmd.Start(); err != nil {
		return executor.CommandResult{}, fmt.Errorf("start command: %w", err)
	}
	pid := cmd.Process.Pid
	s.procs.Add(pid)
	defer s.procs.Remove(pid)

	// Kill the whole group on timeout; closing the pipes unblocks the readers.
	stopKill := context.AfterFunc(ctx, func() { _ = proctrack.KillGroup(pid) })
	defer stopKill()

	var (
		wg             sync.WaitGroup
		outBuf, errBuf strings.Builder
	)
	wg.Add(2)
	go func() { defer wg.Done(); collect(stdout, "stdout", &outBuf, onLine) }()
	go func() { defer wg.Done(); collect(stderr, "stderr", &errBuf, onLine) }()
	wg.Wait()

	waitErr := cmd.Wait()
	res := executor.CommandResult{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return res, fmt.Errorf("wait command: %w", waitErr)
	}
	return res, nil
}

func collect(r io.Reader, stream string, buf *strings.Builder, onLine func(executor.Line)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		if onLine != nil {
			onLine(executor.Line{Stream: stream, Text: line})
		}
	}
	// Keep the pipe drained so the child never blocks on a full buffer.
	_, _ = io.Copy(io.Discard, r)
}
