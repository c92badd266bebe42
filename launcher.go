package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/auth"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/config"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/detector"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/history"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/history/factory"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/logger"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/metrics"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/server"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/supervisor"
	tlsx "github.com/mynameisfoxy/cusrom-proxy-launcher/internal/tls"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/vault"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/workflow"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.

type Config = config.Config

type Settings = workflow.Settings

type Stage = workflow.Stage

type Snapshot = workflow.Snapshot

type Event = workflow.Event

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// HashPassword produces a value for server.auth.password_hash.
func HashPassword(password string) (string, error) { return auth.HashPassword(password) }

// Launcher wires the sequencer to its process supervisor, the Vault client,
// the process watcher, history sinks, metrics and the control API.
type Launcher struct {
	cfg       *Config
	logger    *slog.Logger
	logCloser io.Closer

	sup       *supervisor.Supervisor
	store     *config.Store
	seq       *workflow.Sequencer
	watcher   *detector.Watcher
	resources *metrics.ResourceCollector
	recorder  *history.Recorder
	router    *server.Router
	srv       *http.Server
}

type Option func(*options)

type options struct {
	table      detector.Table
	registerer prometheus.Registerer
}

// WithTable replaces the OS process table, for tests.
func WithTable(t detector.Table) Option { return func(o *options) { o.table = t } }

// WithRegisterer replaces the default Prometheus registerer.
func WithRegisterer(r prometheus.Registerer) Option { return func(o *options) { o.registerer = r } }

func New(cfg *Config, opts ...Option) (*Launcher, error) {
	o := options{table: detector.SystemTable{}, registerer: prometheus.DefaultRegisterer}
	for _, f := range opts {
		f(&o)
	}

	log, closer := logger.New(cfg.Log)
	l := &Launcher{cfg: cfg, logger: log, logCloser: closer}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(o.registerer); err != nil {
			log.Warn("metrics registration failed", "error", err)
		}
	}
	l.resources = metrics.NewResourceCollector(cfg.Metrics.Resources)
	if cfg.Metrics.Enabled && l.resources.IsEnabled() {
		if err := l.resources.RegisterMetrics(o.registerer); err != nil {
			log.Warn("resource metrics registration failed", "error", err)
		}
	}

	var sinks []history.Sink
	if cfg.History.Enabled {
		var err error
		if sinks, err = factory.NewSinks(cfg.History.DSNs); err != nil {
			_ = closer.Close()
			return nil, fmt.Errorf("history sinks: %w", err)
		}
	}
	l.recorder = history.NewRecorder(log, sinks...)

	authSvc, err := auth.New(cfg.Server.Auth)
	if err != nil {
		l.closeAll()
		return nil, err
	}
	tlsCfg, err := tlsx.Setup(cfg.Server.TLS)
	if err != nil {
		l.closeAll()
		return nil, err
	}

	l.sup = supervisor.New(
		supervisor.WithTable(o.table),
		supervisor.WithLogger(log),
		supervisor.WithLogBounds(cfg.Buffers.Max, cfg.Buffers.Trim),
	)
	l.store = config.NewStore(cfg.SettingsFile, cfg.Workflow)
	l.seq = workflow.New(l.sup, vault.New(cfg.Vault.Config, log), l.store.Settings, cfg.WorkflowOptions(),
		workflow.WithLogger(log),
		workflow.WithRecorder(l.recorder),
	)
	if cfg.Watch.Enabled {
		l.watcher = &detector.Watcher{
			Table:     o.table,
			NamesFunc: l.seq.WatchNames,
			Interval:  cfg.Watch.Interval,
			Handler:   l.seq,
			Logger:    log,
		}
	}

	l.router = server.NewRouter(l.seq, l.store, cfg.Server.BasePath,
		server.WithResources(l.resources),
		server.WithAuth(authSvc),
		server.WithLogger(log),
		server.WithMetrics(cfg.Metrics.Enabled),
	)
	l.srv = server.NewServer(cfg.Server.Listen, l.router.Handler(), tlsCfg)
	return l, nil
}

func (l *Launcher) Sequencer() *workflow.Sequencer { return l.seq }

func (l *Launcher) Logger() *slog.Logger { return l.logger }

// Handler exposes the control API without listening.
func (l *Launcher) Handler() http.Handler { return l.srv.Handler }

// Run starts every component and blocks until ctx is done or the API
// server fails. Managed processes are killed before it returns.
func (l *Launcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	seqErr := make(chan error, 1)
	go func() { seqErr <- l.seq.Run(ctx) }()
	if l.watcher != nil {
		go l.watcher.Run(ctx)
	}
	l.resources.Start(ctx, l.sup.PIDs)

	scheme := "http"
	if l.srv.TLSConfig != nil {
		scheme = "https"
	}
	l.logger.Info("control API listening", "url", fmt.Sprintf("%s://%s%s", scheme, l.cfg.Server.Listen, l.cfg.Server.BasePath))
	err := server.Serve(ctx, l.srv)
	cancel()

	l.logger.Info("shutting down")
	err = errors.Join(err, <-seqErr)
	l.closeAll()
	return err
}

func (l *Launcher) closeAll() {
	if l.resources != nil {
		l.resources.Stop()
	}
	if l.sup != nil {
		l.sup.Shutdown()
	}
	if l.recorder != nil {
		if err := l.recorder.Close(); err != nil {
			l.logger.Warn("history close failed", "error", err)
		}
	}
	_ = l.logCloser.Close()
}
