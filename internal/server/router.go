package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/auth"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/config"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/logbuf"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/metrics"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/workflow"
)

// Controller is the workflow surface exposed over HTTP. *workflow.Sequencer
// implements it.
type Controller interface {
	Start() error
	Stop() error
	RegenerateKeystore() error
	RestartProxy(rebuild bool) error
	Snapshot() workflow.Snapshot
	Log(stream string) (*logbuf.Buffer, bool)
	Subscribe() (<-chan workflow.Event, func())
}

// SettingsStore is implemented by *config.Store.
type SettingsStore interface {
	Get() config.Workflow
	Update(config.Workflow) error
}

// ResourceSource is implemented by *metrics.ResourceCollector.
type ResourceSource interface {
	All() map[string]metrics.Usage
}

// Router provides the control API. Endpoints, relative to basePath:
//
//	POST /login                    body: {"password": "..."} (auth enabled only)
//	POST /start | /stop | /keystore
//	POST /restart-proxy            query: rebuild=true|false
//	GET  /status
//	GET  /logs/:stream             stream: main|vault|proxy
//	GET  /events                   server-sent events
//	GET  /settings                 query: reveal=true shows password and secret
//	PUT  /settings                 body: settings JSON
//	GET  /resources
//
// /metrics is served at the root when metrics are enabled.
type Router struct {
	ctl       Controller
	settings  SettingsStore
	resources ResourceSource
	auth      *auth.Service
	logger    *slog.Logger
	basePath  string
	metrics   bool
}

type Option func(*Router)

func WithResources(r ResourceSource) Option { return func(rt *Router) { rt.resources = r } }

func WithAuth(a *auth.Service) Option { return func(rt *Router) { rt.auth = a } }

func WithLogger(l *slog.Logger) Option { return func(rt *Router) { rt.logger = l } }

func WithMetrics(enabled bool) Option { return func(rt *Router) { rt.metrics = enabled } }

func NewRouter(ctl Controller, settings SettingsStore, basePath string, opts ...Option) *Router {
	r := &Router{ctl: ctl, settings: settings, basePath: sanitizeBase(basePath), logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	if r.auth == nil {
		r.auth, _ = auth.New(auth.Config{})
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog())
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	group.POST("/login", r.handleLogin)

	api := group.Group("", r.auth.GinAuth())
	api.POST("/start", r.command(func() error { return r.ctl.Start() }))
	api.POST("/stop", r.command(func() error { return r.ctl.Stop() }))
	api.POST("/keystore", r.command(func() error { return r.ctl.RegenerateKeystore() }))
	api.POST("/restart-proxy", r.handleRestartProxy)
	api.GET("/status", r.handleStatus)
	api.GET("/logs/:stream", r.handleLogs)
	api.GET("/events", r.handleEvents)
	api.GET("/settings", r.handleGetSettings)
	api.PUT("/settings", r.handlePutSettings)
	api.GET("/resources", r.handleResources)
	return g
}

func (r *Router) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// NewServer builds the HTTP(S) server for this router. tlsCfg may be nil.
// WriteTimeout stays zero because /events streams indefinitely.
func NewServer(addr string, h http.Handler, tlsCfg *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Serve listens on srv.Addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		if srv.TLSConfig != nil {
			errCh <- srv.ServeTLS(ln, "", "")
		} else {
			errCh <- srv.Serve(ln)
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type okResp struct {
	OK    bool           `json:"ok"`
	Stage workflow.Stage `json:"stage"`
}

type loginReq struct {
	Password string `json:"password" binding:"required"`
}

func (r *Router) handleLogin(c *gin.Context) {
	if !r.auth.Enabled() {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "authentication is disabled"})
		return
	}
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	tok, err := r.auth.Login(req.Password)
	if err != nil {
		writeJSON(c, http.StatusUnauthorized, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, tok)
}

func (r *Router) command(fn func() error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(); err != nil {
			r.writeError(c, err)
			return
		}
		writeJSON(c, http.StatusOK, okResp{OK: true, Stage: r.ctl.Snapshot().Stage})
	}
}

func (r *Router) handleRestartProxy(c *gin.Context) {
	rebuild := false
	if s := c.Query("rebuild"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "rebuild must be a boolean"})
			return
		}
		rebuild = v
	}
	r.command(func() error { return r.ctl.RestartProxy(rebuild) })(c)
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctl.Snapshot())
}

type logsResp struct {
	Stream string   `json:"stream"`
	Lines  []string `json:"lines"`
}

func (r *Router) handleLogs(c *gin.Context) {
	stream := c.Param("stream")
	buf, ok := r.ctl.Log(stream)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown stream " + strconv.Quote(stream)})
		return
	}
	writeJSON(c, http.StatusOK, logsResp{Stream: stream, Lines: buf.Lines()})
}

func (r *Router) handleEvents(c *gin.Context) {
	events, cancel := r.ctl.Subscribe()
	defer cancel()
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("status", r.ctl.Snapshot())
	c.Writer.Flush()
	ctx := c.Request.Context()
	c.Stream(func(_ io.Writer) bool {
		select {
		case e, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(e.Kind), e)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func (r *Router) handleGetSettings(c *gin.Context) {
	w := r.settings.Get()
	if reveal, _ := strconv.ParseBool(c.Query("reveal")); !reveal {
		w = masked(w)
	}
	writeJSON(c, http.StatusOK, w)
}

func (r *Router) handlePutSettings(c *gin.Context) {
	var w config.Workflow
	if err := c.ShouldBindJSON(&w); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if w.BinaryName != "" && !isSafeName(w.BinaryName) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid binary_name: allowed [A-Za-z0-9._-] and no '..'"})
		return
	}
	if !isSafeAbsPath(w.SourceDir) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid source_dir: must be absolute path without traversal"})
		return
	}
	if !isSafeAbsPath(w.ResultDir) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid result_dir: must be absolute path without traversal"})
		return
	}
	cur := r.settings.Get()
	// masked values coming back from GET keep the stored ones
	if w.Password == maskValue {
		w.Password = cur.Password
	}
	if w.Secret == maskValue {
		w.Secret = cur.Secret
	}
	if err := r.settings.Update(w); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, masked(w))
}

func (r *Router) handleResources(c *gin.Context) {
	if r.resources == nil {
		writeJSON(c, http.StatusOK, map[string]metrics.Usage{})
		return
	}
	writeJSON(c, http.StatusOK, r.resources.All())
}

func (r *Router) writeError(c *gin.Context, err error) {
	code, kind := classify(err)
	if code >= http.StatusInternalServerError {
		r.logger.Error("command failed", "path", c.FullPath(), "error", err)
	}
	writeJSON(c, code, errorResp{Error: err.Error(), Kind: kind})
}
