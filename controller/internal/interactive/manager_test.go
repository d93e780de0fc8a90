package interactive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/amurg-ai/remotectl/controller/internal/proctrack"
)

func newManager(t *testing.T) (*Manager, *proctrack.Tracker) {
	t.Helper()
	procs := proctrack.New()
	m := NewManager(procs, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(m.Close)
	return m, procs
}

func gone(pid int) bool {
	return errors.Is(unix.Kill(pid, 0), unix.ESRCH)
}

func openFDs(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skip("no /proc/self/fd on this platform")
	}
	return len(entries)
}

func TestExitedSessionsReleasePty(t *testing.T) {
	m, procs := newManager(t)
	ctx := context.Background()
	before := openFDs(t)

	for range 20 {
		res, err := m.Start(ctx, "echo hi", Options{ReadTimeout: 3 * time.Second})
		require.NoError(t, err)
		require.False(t, res.IsRunning)
	}
	m.Close()

	require.Eventually(t, func() bool {
		return openFDs(t) <= before+2
	}, 5*time.Second, 20*time.Millisecond, "pty descriptors leaked")
	assert.Zero(t, procs.Len())
}

func TestSendInputAfterExitReleasesSession(t *testing.T) {
	m, procs := newManager(t)
	ctx := context.Background()

	_, err := m.Start(ctx, "read line; echo got $line", Options{ReadTimeout: 100 * time.Millisecond})
	require.NoError(t, err)
	s := m.Current()
	require.NotNil(t, s)
	require.NoError(t, s.write("x"))
	<-s.exited

	_, err = m.SendInput(ctx, s.ID(), "more", 100*time.Millisecond)
	require.ErrorIs(t, err, ErrNoSession)
	assert.Nil(t, m.Current())
	assert.Zero(t, procs.Len())
	require.Eventually(t, func() bool {
		return errors.Is(s.write("late"), ErrNoSession)
	}, 3*time.Second, 20*time.Millisecond)
}

func TestStartCapturesOutputAndExit(t *testing.T) {
	m, procs := newManager(t)

	res, err := m.Start(context.Background(), "echo hello", Options{ReadTimeout: 3 * time.Second})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "hello")
	assert.False(t, res.IsRunning)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	assert.NotEmpty(t, res.SessionID)
	assert.Nil(t, m.Current())
	assert.Zero(t, procs.Len())
}

func TestStartReturnsAfterReadTimeout(t *testing.T) {
	m, procs := newManager(t)

	start := time.Now()
	res, err := m.Start(context.Background(), "sleep 30", Options{ReadTimeout: 150 * time.Millisecond})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, res.IsRunning)
	assert.Nil(t, res.ExitCode)
	assert.Equal(t, 1, procs.Len())
	assert.Equal(t, StateRunning, m.Current().State())
}

func TestSecondStartTerminatesFirst(t *testing.T) {
	m, procs := newManager(t)
	ctx := context.Background()

	_, err := m.Start(ctx, "sleep 30", Options{ReadTimeout: 100 * time.Millisecond})
	require.NoError(t, err)
	first := m.Current()
	require.NotNil(t, first)

	_, err = m.Start(ctx, "sleep 30", Options{ReadTimeout: 100 * time.Millisecond})
	require.NoError(t, err)
	second := m.Current()
	require.NotNil(t, second)

	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, StateTerminated, first.State())
	assert.Eventually(t, func() bool { return gone(first.PID()) }, 3*time.Second, 20*time.Millisecond)
	assert.False(t, gone(second.PID()))
	assert.Equal(t, 1, procs.Len())
}

func TestSendInput(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	res, err := m.Start(ctx, "cat", Options{ReadTimeout: 100 * time.Millisecond})
	require.NoError(t, err)

	out, err := m.SendInput(ctx, res.SessionID, "marco", time.Second)
	require.NoError(t, err)
	assert.Contains(t, out.Output, "marco")
	assert.True(t, out.IsRunning)

	out, err = m.SendInput(ctx, "", "polo", time.Second)
	require.NoError(t, err)
	assert.Contains(t, out.Output, "polo")
}

func TestSendInputErrors(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.SendInput(ctx, "", "x", 0)
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = m.Start(ctx, "cat", Options{ReadTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	_, err = m.SendInput(ctx, "not-the-session", "x", 0)
	assert.ErrorIs(t, err, ErrSessionMismatch)
}

func TestOverallTimeout(t *testing.T) {
	m, procs := newManager(t)
	ctx := context.Background()

	res, err := m.Start(ctx, "cat", Options{ReadTimeout: 50 * time.Millisecond, OverallTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	pid := m.Current().PID()

	time.Sleep(400 * time.Millisecond)
	_, err = m.SendInput(ctx, res.SessionID, "late", 0)
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.Nil(t, m.Current())
	assert.Eventually(t, func() bool { return gone(pid) }, 3*time.Second, 20*time.Millisecond)
	assert.Zero(t, procs.Len())
}

func TestTerminate(t *testing.T) {
	m, procs := newManager(t)
	ctx := context.Background()

	_, err := m.Terminate("")
	assert.ErrorIs(t, err, ErrNoSession)

	res, err := m.Start(ctx, "sleep 30", Options{ReadTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	out, err := m.Terminate(res.SessionID)
	require.NoError(t, err)
	assert.False(t, out.IsRunning)
	assert.Nil(t, m.Current())
	assert.Zero(t, procs.Len())
}
