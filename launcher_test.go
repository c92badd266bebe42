package launcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/detector"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, extra string) *Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("PROXY_LAUNCHER_SETTINGS_FILE", filepath.Join(dir, "settings.toml"))
	file := filepath.Join(dir, "launcher.toml")
	data := `
[server]
listen = "127.0.0.1:0"

[workflow]
result_dir = "` + filepath.ToSlash(dir) + `"
` + extra
	require.NoError(t, os.WriteFile(file, []byte(data), 0o644))
	cfg, err := LoadConfig(file)
	require.NoError(t, err)
	return cfg
}

func newTestLauncher(t *testing.T, cfg *Config) *Launcher {
	t.Helper()
	l, err := New(cfg, WithTable(detector.NewMemTable()), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	return l
}

func TestLauncher_StatusThroughHandler(t *testing.T) {
	l := newTestLauncher(t, testConfig(t, ""))
	t.Cleanup(l.closeAll)

	w := httptest.NewRecorder()
	l.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, "idle", snap.Stage.String())
	assert.False(t, snap.VaultRunning)
}

func TestLauncher_AuthRequired(t *testing.T) {
	hash, err := HashPassword("operator")
	require.NoError(t, err)
	cfg := testConfig(t, `
[server.auth]
enabled = true
password_hash = "`+hash+`"
jwt_secret = "0123456789abcdef0123"
`)
	l := newTestLauncher(t, cfg)
	t.Cleanup(l.closeAll)

	w := httptest.NewRecorder()
	l.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{"password":"operator"}`))
	req.Header.Set("Content-Type", "application/json")
	l.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLauncher_BadAuthConfig(t *testing.T) {
	cfg := testConfig(t, `
[server.auth]
enabled = true
`)
	_, err := New(cfg, WithTable(detector.NewMemTable()), WithRegisterer(prometheus.NewRegistry()))
	assert.Error(t, err)
}

func TestLauncher_RunStopsOnCancel(t *testing.T) {
	l := newTestLauncher(t, testConfig(t, ""))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	<-l.Sequencer().Done()
}

func TestLauncher_WatcherFollowsBinaryRename(t *testing.T) {
	l := newTestLauncher(t, testConfig(t, ""))
	t.Cleanup(l.closeAll)
	require.NotNil(t, l.watcher)
	assert.Contains(t, l.watcher.NamesFunc(), "proxy")

	w := l.store.Get()
	w.BinaryName = "edge-proxy"
	require.NoError(t, l.store.Update(w))

	names := l.watcher.NamesFunc()
	assert.Contains(t, names, "edge-proxy")
	assert.NotContains(t, names, "proxy")
}
