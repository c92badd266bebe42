package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/auth"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/config"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/logbuf"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/metrics"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/process"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/workflow"
)

type fakeCtl struct {
	mu       sync.Mutex
	err      error
	calls    []string
	rebuild  bool
	snap     workflow.Snapshot
	mainLog  *logbuf.Buffer
	events   chan workflow.Event
	canceled bool
}

func newFakeCtl() *fakeCtl {
	f := &fakeCtl{mainLog: logbuf.New(0, 0), events: make(chan workflow.Event, 8)}
	f.snap.Stage = workflow.Idle
	return f
}

func (f *fakeCtl) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if f.err == nil && name == "start" {
		f.snap.Stage = workflow.AwaitingCredentials
	}
	return f.err
}

func (f *fakeCtl) Start() error              { return f.record("start") }
func (f *fakeCtl) Stop() error               { return f.record("stop") }
func (f *fakeCtl) RegenerateKeystore() error { return f.record("keystore") }
func (f *fakeCtl) RestartProxy(rebuild bool) error {
	f.mu.Lock()
	f.rebuild = rebuild
	f.mu.Unlock()
	return f.record("restart-proxy")
}

func (f *fakeCtl) Snapshot() workflow.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeCtl) Log(stream string) (*logbuf.Buffer, bool) {
	if stream == workflow.StreamMain {
		return f.mainLog, true
	}
	return nil, false
}

func (f *fakeCtl) Subscribe() (<-chan workflow.Event, func()) {
	return f.events, func() {
		f.mu.Lock()
		f.canceled = true
		f.mu.Unlock()
	}
}

type fakeResources map[string]metrics.Usage

func (f fakeResources) All() map[string]metrics.Usage { return f }

func setupRouter(t *testing.T, opts ...Option) (http.Handler, *fakeCtl, *config.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctl := newFakeCtl()
	store := config.NewStore("", config.Workflow{Password: "pw", Secret: "s3cret", BinaryName: "proxy"})
	return NewRouter(ctl, store, "/api", opts...).Handler(), ctl, store
}

func doReq(t *testing.T, h http.Handler, method, path string, body any, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCommands(t *testing.T) {
	h, ctl, _ := setupRouter(t)

	rec := doReq(t, h, http.MethodPost, "/api/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"ok":true,"stage":"awaiting_credentials"}`, rec.Body.String())

	for _, p := range []string{"/api/stop", "/api/keystore", "/api/restart-proxy?rebuild=true"} {
		rec = doReq(t, h, http.MethodPost, p, nil)
		assert.Equal(t, http.StatusOK, rec.Code, p)
	}
	assert.Equal(t, []string{"start", "stop", "keystore", "restart-proxy"}, ctl.calls)
	assert.True(t, ctl.rebuild)

	rec = doReq(t, h, http.MethodPost, "/api/restart-proxy?rebuild=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommandErrors(t *testing.T) {
	cases := []struct {
		err  error
		code int
		kind string
	}{
		{workflow.ErrBusy, http.StatusConflict, "busy"},
		{workflow.ErrClosed, http.StatusServiceUnavailable, "closed"},
		{&process.SpawnError{Name: "vault", Path: "vault", Err: errors.New("not found")}, http.StatusFailedDependency, "spawn"},
		{&workflow.StepError{Kind: workflow.BuildError, Err: errors.New("x")}, http.StatusInternalServerError, "build"},
		{errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		h, ctl, _ := setupRouter(t)
		ctl.err = tc.err
		rec := doReq(t, h, http.MethodPost, "/api/start", nil)
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())
		var resp errorResp
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, tc.kind, resp.Kind)
		assert.Equal(t, tc.err.Error(), resp.Error)
	}
}

func TestStatusAndLogs(t *testing.T) {
	h, ctl, _ := setupRouter(t)
	ctl.snap = workflow.Snapshot{Stage: workflow.Running, VaultRunning: true, ProxyRunning: true, SecretStored: true}
	ctl.mainLog.AppendLine("2024-01-01 00:00:00: Vault started.")

	rec := doReq(t, h, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "running", got["stage"])
	assert.Equal(t, true, got["secret_stored"])

	rec = doReq(t, h, http.MethodGet, "/api/logs/main", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"stream":"main","lines":["2024-01-01 00:00:00: Vault started."]}`, rec.Body.String())

	rec = doReq(t, h, http.MethodGet, "/api/logs/other", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSettings(t *testing.T) {
	h, _, store := setupRouter(t)

	rec := doReq(t, h, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var w config.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &w))
	assert.Equal(t, maskValue, w.Password)
	assert.Equal(t, maskValue, w.Secret)

	rec = doReq(t, h, http.MethodGet, "/api/settings?reveal=true", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &w))
	assert.Equal(t, "pw", w.Password)

	w.Password = maskValue
	w.Rebuild = true
	w.SourceDir = t.TempDir()
	rec = doReq(t, h, http.MethodPut, "/api/settings", w)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "pw", store.Get().Password)
	assert.True(t, store.Get().Rebuild)

	bad := store.Get()
	bad.SourceDir = "relative/dir"
	rec = doReq(t, h, http.MethodPut, "/api/settings", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	bad = store.Get()
	bad.BinaryName = "../proxy"
	rec = doReq(t, h, http.MethodPut, "/api/settings", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResources(t *testing.T) {
	h, _, _ := setupRouter(t, WithResources(fakeResources{"vault": {Name: "vault", PID: 7}}))
	rec := doReq(t, h, http.MethodGet, "/api/resources", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"vault"`)
}

func TestMetricsRoute(t *testing.T) {
	h, _, _ := setupRouter(t, WithMetrics(true))
	rec := doReq(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	h, _, _ = setupRouter(t)
	rec = doReq(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuth(t *testing.T) {
	hash, err := auth.HashPassword("letmein")
	require.NoError(t, err)
	svc, err := auth.New(auth.Config{Enabled: true, PasswordHash: hash, JWTSecret: "0123456789abcdef"})
	require.NoError(t, err)
	h, _, _ := setupRouter(t, WithAuth(svc))

	rec := doReq(t, h, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/login", loginReq{Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/login", loginReq{Password: "letmein"})
	require.Equal(t, http.StatusOK, rec.Code)
	var tok auth.Token
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))

	rec = doReq(t, h, http.MethodGet, "/api/status", nil, "Authorization", "Bearer "+tok.Value)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLogin_DisabledIsNotFound(t *testing.T) {
	h, _, _ := setupRouter(t)
	rec := doReq(t, h, http.MethodPost, "/api/login", loginReq{Password: "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEvents_Stream(t *testing.T) {
	h, ctl, _ := setupRouter(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	rd := bufio.NewReader(resp.Body)
	readEvent := func() string {
		for {
			line, err := rd.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, "event:") {
				return strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			}
		}
	}
	assert.Equal(t, "status", readEvent())

	ctl.events <- workflow.Event{Kind: workflow.EventStage, Stage: workflow.Running}
	assert.Equal(t, "stage", readEvent())
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	h, _, _ := setupRouter(t)
	srv := NewServer("127.0.0.1:0", h, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, srv) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
