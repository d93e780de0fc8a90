package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amurg-ai/remotectl/hub/auth"
	"github.com/amurg-ai/remotectl/hub/config"
	"github.com/amurg-ai/remotectl/hub/dispatch"
	"github.com/amurg-ai/remotectl/hub/store"
	"github.com/amurg-ai/remotectl/pkg/protocol"
)

const testSecret = "test-secret-at-least-32-chars-long"

// fakeSender records the last action and answers with reply or err.
type fakeSender struct {
	projectID string
	typ       protocol.Type
	fields    json.RawMessage
	opts      dispatch.Options

	reply *dispatch.Reply
	err   error
}

func (f *fakeSender) Send(_ context.Context, projectID string, t protocol.Type, fields json.RawMessage, opts dispatch.Options) (*dispatch.Reply, error) {
	f.projectID, f.typ, f.fields, f.opts = projectID, t, fields, opts
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

type testServer struct {
	*httptest.Server
	store  store.Store
	sender *fakeSender
	token  string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	hash, err := auth.HashPassword("admin-password")
	require.NoError(t, err)
	cfg := config.Default(testSecret)
	cfg.Auth.Admin = &config.AdminEntry{Username: "admin", PasswordHash: hash}
	cfg.RateLimit.Burst = 3
	cfg.RateLimit.RequestsPerSecond = 0.001

	svc := auth.NewService(cfg.Auth)
	sender := &fakeSender{}
	srv := NewServer(Deps{Store: s, Auth: svc, Actions: sender}, cfg, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	token, err := svc.IssueToken("admin", "admin")
	require.NoError(t, err)
	return &testServer{Server: ts, store: s, sender: sender, token: token}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, rdr)
	require.NoError(t, err)
	if ts.token != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (ts *testServer) createProject(t *testing.T, name string) projectWithKey {
	t.Helper()
	resp, data := ts.do(t, http.MethodPost, "/api/projects", map[string]string{"name": name})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var p projectWithKey
	require.NoError(t, json.Unmarshal(data, &p))
	return p
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, data := ts.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "ready")
}

func TestLogin(t *testing.T) {
	ts := newTestServer(t)
	ts.token = ""

	resp, data := ts.do(t, http.MethodPost, "/api/auth/login", map[string]string{"username": "admin", "password": "admin-password"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.Unmarshal(data, &out))
	require.NotEmpty(t, out["token"])

	ts.token = out["token"]
	resp, data = ts.do(t, http.MethodGet, "/api/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `"username":"admin"`)

	events, err := ts.store.ListAuditEvents(context.Background(), store.AuditFilter{Action: "login."})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.AuditLoginSuccess, events[0].Action)
}

func TestLoginRejectsAndRateLimits(t *testing.T) {
	ts := newTestServer(t)
	ts.token = ""

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		resp, _ := ts.do(t, http.MethodPost, "/api/auth/login", map[string]string{"username": "admin", "password": "wrong"})
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{401, 401, 401, 429}, codes)
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)
	ts.token = ""
	resp, _ := ts.do(t, http.MethodGet, "/api/projects", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ts.token = "garbage"
	resp, _ = ts.do(t, http.MethodGet, "/api/projects", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProjectLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	created := ts.createProject(t, "checkout")
	assert.Equal(t, "checkout", created.Name)
	require.NotEmpty(t, created.APIKey)
	assert.Equal(t, created.APIKey[:len(created.APIKeyPrefix)], created.APIKeyPrefix)

	byKey, err := ts.store.GetProjectByAPIKeyHash(ctx, auth.HashAPIKey(created.APIKey))
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, created.ID, byKey.ID)

	resp, data := ts.do(t, http.MethodGet, "/api/projects/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(data), "api_key\"")
	assert.NotContains(t, string(data), created.APIKey)

	resp, data = ts.do(t, http.MethodGet, "/api/projects", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []store.Project
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Len(t, list, 1)

	resp, data = ts.do(t, http.MethodPost, "/api/projects/"+created.ID+"/rotate-key", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rotated projectWithKey
	require.NoError(t, json.Unmarshal(data, &rotated))
	assert.NotEqual(t, created.APIKey, rotated.APIKey)

	old, err := ts.store.GetProjectByAPIKeyHash(ctx, auth.HashAPIKey(created.APIKey))
	require.NoError(t, err)
	assert.Nil(t, old)

	resp, _ = ts.do(t, http.MethodGet, "/api/projects/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodPost, "/api/projects", map[string]string{"name": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAction(t *testing.T) {
	ts := newTestServer(t)
	p := ts.createProject(t, "checkout")

	msg, err := protocol.Decode([]byte(`{"type":"command_result","request_id":"r1","success":true,"return_code":0,"stdout":"a\nb\n"}`))
	require.NoError(t, err)
	ts.sender.reply = &dispatch.Reply{
		Message: msg,
		Output:  []protocol.CommandOutput{{Stream: "stdout", Line: "a", Seq: 1}, {Stream: "stdout", Line: "b", Seq: 2}},
	}

	resp, data := ts.do(t, http.MethodPost, "/api/projects/"+p.ID+"/actions/run_command?timeout=30s", `{"command":"printf 'a\nb\n'"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	var out actionResponse
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, protocol.TypeCommandResult, out.Type)
	assert.Equal(t, "r1", out.RequestID)
	assert.Contains(t, string(out.Result), `"return_code":0`)
	assert.Len(t, out.Output, 2)

	assert.Equal(t, p.ID, ts.sender.projectID)
	assert.Equal(t, protocol.TypeRunCommand, ts.sender.typ)
	assert.Equal(t, 30*time.Second, ts.sender.opts.Timeout)
	assert.NotEmpty(t, ts.sender.opts.RequestID)
}

func TestActionErrors(t *testing.T) {
	ts := newTestServer(t)
	base := "/api/projects/p1/actions/"

	resp, _ := ts.do(t, http.MethodPost, base+"ping", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodPost, base+"click?timeout=soon", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	cases := []struct {
		err  error
		want int
	}{
		{&protocol.ProtocolError{Kind: protocol.KindMissingField, Field: "x"}, http.StatusBadRequest},
		{dispatch.ErrProjectNotFound, http.StatusNotFound},
		{dispatch.ErrControllerOffline, http.StatusConflict},
		{fmt.Errorf("%w: connection lost", dispatch.ErrControllerDisconnected), http.StatusBadGateway},
		{fmt.Errorf("%w after 1s", dispatch.ErrTimeout), http.StatusGatewayTimeout},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		ts.sender.err = tc.err
		resp, data := ts.do(t, http.MethodPost, base+"click", `{"x":1,"y":2}`)
		assert.Equal(t, tc.want, resp.StatusCode, "%v: %s", tc.err, data)
	}
}

func TestParseTimeout(t *testing.T) {
	d, err := parseTimeout("")
	require.NoError(t, err)
	assert.Zero(t, d)
	d, err = parseTimeout("1.5")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)
	d, err = parseTimeout("2m")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d)
	_, err = parseTimeout("-3")
	assert.Error(t, err)
}

func TestRuns(t *testing.T) {
	ts := newTestServer(t)
	p := ts.createProject(t, "checkout")

	resp, data := ts.do(t, http.MethodPost, "/api/projects/"+p.ID+"/runs", map[string]string{"name": "smoke", "status": "running"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var run store.TestRun
	require.NoError(t, json.Unmarshal(data, &run))
	assert.Equal(t, store.RunRunning, run.Status)

	resp, _ = ts.do(t, http.MethodPatch, "/api/runs/"+run.ID, map[string]string{"status": "exploded"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, data = ts.do(t, http.MethodPatch, "/api/runs/"+run.ID, map[string]string{"status": "failed", "error": "button missing"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(data, &run))
	assert.Equal(t, store.RunFailed, run.Status)
	assert.Equal(t, "button missing", run.Error)

	resp, data = ts.do(t, http.MethodGet, "/api/projects/"+p.ID+"/runs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []store.TestRun
	require.NoError(t, json.Unmarshal(data, &runs))
	assert.Len(t, runs, 1)

	resp, _ = ts.do(t, http.MethodPatch, "/api/runs/missing", map[string]string{"status": "failed"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodPost, "/api/projects/"+p.ID+"/runs", map[string]string{"name": "x", "status": "passed"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuditListing(t *testing.T) {
	ts := newTestServer(t)
	p := ts.createProject(t, "checkout")
	ts.createProject(t, "other")

	resp, data := ts.do(t, http.MethodGet, "/api/audit?project_id="+p.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []store.AuditEvent
	require.NoError(t, json.Unmarshal(data, &events))
	require.Len(t, events, 1)
	assert.Equal(t, store.AuditProjectCreated, events[0].Action)
	assert.Equal(t, "admin", events[0].Actor)
}
