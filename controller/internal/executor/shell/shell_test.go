package shell

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amurg-ai/remotectl/controller/internal/executor"
	"github.com/amurg-ai/remotectl/controller/internal/proctrack"
	"github.com/amurg-ai/remotectl/pkg/protocol"
)

type lines struct {
	mu  sync.Mutex
	all []executor.Line
}

func (l *lines) add(line executor.Line) {
	l.mu.Lock()
	l.all = append(l.all, line)
	l.mu.Unlock()
}

func TestRunStreamsLinesInOrder(t *testing.T) {
	procs := proctrack.New()
	var got lines

	res, err := New(procs).Run(context.Background(), protocol.RunCommand{
		Command: `printf "a\nb\n"`, Timeout: 10,
	}, got.add)
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "a\nb\n", res.Stdout)
	assert.Equal(t, []executor.Line{{Stream: "stdout", Text: "a"}, {Stream: "stdout", Text: "b"}}, got.all)
	assert.Zero(t, procs.Len())
}

func TestRunSeparatesStreams(t *testing.T) {
	var got lines
	res, err := New(proctrack.New()).Run(context.Background(), protocol.RunCommand{
		Command: "echo out; echo err >&2; exit 3", Timeout: 10,
	}, got.add)
	require.NoError(t, err)

	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Len(t, got.all, 2)
}

func TestRunUsesCwd(t *testing.T) {
	dir := t.TempDir()
	res, err := New(proctrack.New()).Run(context.Background(), protocol.RunCommand{
		Command: "pwd -P", Cwd: dir, Timeout: 10,
	}, nil)
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, dir[len(dir)-8:])
}

func TestRunTimeoutKillsGroup(t *testing.T) {
	procs := proctrack.New()
	start := time.Now()
	res, err := New(procs).Run(context.Background(), protocol.RunCommand{
		Command: "sleep 30 & sleep 30; wait", Timeout: 0.3,
	}, nil)
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.NotEqual(t, 0, res.ExitCode)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Zero(t, procs.Len())
}

func TestRunBadCwd(t *testing.T) {
	_, err := New(proctrack.New()).Run(context.Background(), protocol.RunCommand{
		Command: "true", Cwd: "/definitely/not/here", Timeout: 5,
	}, nil)
	assert.Error(t, err)
}
