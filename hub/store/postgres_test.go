package store

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping Postgres tests")
	}
	s, err := NewPostgres(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresMigration(t *testing.T) {
	s := newTestPostgresStore(t)
	require.NoError(t, s.Ping(context.Background()))
}

// TestPostgresPresenceFlow runs connect, reconnect refusal and run abortion
// against a real server, covering the $n placeholder rewrite.
func TestPostgresPresenceFlow(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	p := &Project{ID: uuid.NewString(), Name: "pg", APIKeyHash: "pg-" + uuid.NewString()}
	require.NoError(t, s.CreateProject(ctx, p))

	ok, err := s.MarkControllerConnected(ctx, p.ID, []byte(`{"os":"linux"}`))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkControllerConnected(ctx, p.ID, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	run := &TestRun{ID: uuid.NewString(), ProjectID: p.ID, Status: RunRunning}
	require.NoError(t, s.CreateTestRun(ctx, run))
	n, err := s.AbortRunningTestRuns(ctx, p.ID, "gone")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.MarkControllerDisconnected(ctx, p.ID))
	got, err := s.GetProjectByAPIKeyHash(ctx, p.APIKeyHash)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.ControllerConnected)
}
