package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/credentials"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/history"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/logbuf"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/logger"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/metrics"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/process"
)

// Logical process names.
const (
	VaultName = "vault"
	ProxyName = "proxy"

	buildName    = "build"
	keystoreName = "keystore"
)

const (
	VaultInstallHint = "install vault from https://www.vaultproject.io/downloads and make sure it is on PATH"
	timeLayout       = "2006-01-02 15:04:05"
)

// Runner starts and terminates external processes. *supervisor.Supervisor
// implements it.
type Runner interface {
	Launch(spec process.Spec, onLine process.LineFunc, onExit func(pid int, err error)) (int, error)
	Run(ctx context.Context, spec process.Spec, onLine process.LineFunc) error
	KillByName(ctx context.Context, name string, exes ...string) error
	Log(name string) *logbuf.Buffer
}

// SecretStore writes the encryption secret. *vault.Client implements it.
type SecretStore interface {
	Exists(ctx context.Context, addr, token string) (bool, error)
	PutSecret(ctx context.Context, addr, token, secret string) error
}

// Recorder receives history events. *history.Recorder implements it.
type Recorder interface {
	Record(e history.Event)
}

// Options are the fixed operational parameters of the sequencer.
type Options struct {
	VaultBinary     string
	VaultArgs       []string
	BuildTool       string
	BuildTimeout    time.Duration
	KeystoreTimeout time.Duration
	KillTimeout     time.Duration
	SettleDelay     time.Duration
	// MaxRestarts crash restarts are allowed per RestartWindow; negative means unlimited.
	MaxRestarts   int
	RestartWindow time.Duration
	LogMax        int
	LogTrim       int
	// PurgeOnStart kills stray vault/proxy processes when Run begins.
	PurgeOnStart bool
	ProcessLog   logger.Config
	// Env is layered over the launcher environment for every child.
	Env []string
}

func (o Options) withDefaults() Options {
	if o.VaultBinary == "" {
		o.VaultBinary = "vault"
	}
	if o.VaultArgs == nil {
		o.VaultArgs = []string{"server", "-dev"}
	}
	if o.BuildTool == "" {
		o.BuildTool = "go"
	}
	if o.BuildTimeout <= 0 {
		o.BuildTimeout = 2 * time.Minute
	}
	if o.KeystoreTimeout <= 0 {
		o.KeystoreTimeout = 30 * time.Second
	}
	if o.KillTimeout <= 0 {
		o.KillTimeout = 10 * time.Second
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	}
	if o.MaxRestarts == 0 {
		o.MaxRestarts = 5
	}
	if o.RestartWindow <= 0 {
		o.RestartWindow = time.Minute
	}
	return o
}

// Snapshot is a consistent copy of the sequencer state for readers.
type Snapshot struct {
	Stage        Stage  `json:"stage"`
	Session      uint64 `json:"session"`
	HasToken     bool   `json:"has_token"`
	APIAddress   string `json:"api_address,omitempty"`
	SecretStored bool   `json:"secret_stored"`
	VaultRunning bool   `json:"vault_running"`
	ProxyRunning bool   `json:"proxy_running"`
	VaultPID     int    `json:"vault_pid,omitempty"`
	ProxyPID     int    `json:"proxy_pid,omitempty"`
	LastError    string `json:"last_error,omitempty"`

	credentials credentials.Credentials
}

// Credentials returns the bootstrap credentials captured in this session.
func (s Snapshot) Credentials() credentials.Credentials { return s.credentials }

type Option func(*Sequencer)

func WithLogger(l *slog.Logger) Option { return func(s *Sequencer) { s.logger = l } }

func WithRecorder(r Recorder) Option { return func(s *Sequencer) { s.recorder = r } }

// WithClock replaces time.Now for log timestamps.
func WithClock(now func() time.Time) Option { return func(s *Sequencer) { s.now = now } }

// Sequencer drives the provisioning pipeline. All state below the events
// channel is owned by the Run goroutine; other goroutines only post events
// and read snapshots.
type Sequencer struct {
	runner   Runner
	secrets  SecretStore
	settings func() Settings
	opts     Options
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time

	events  chan any
	done    chan struct{}
	started atomic.Bool
	broker  broker
	mainLog *logbuf.Buffer

	snapMu sync.RWMutex
	snap   Snapshot

	// owned by Run
	runCtx       context.Context
	stage        Stage
	session      uint64
	scraper      credentials.Scraper
	creds        credentials.Credentials
	stored       bool
	running      map[string]bool
	pids         map[string]int
	spawned      map[int]string
	handled      map[int]bool
	killed       map[int]bool
	announced    map[int]bool
	lastErr      error
	limiter      *rate.Limiter
	stepCancel   context.CancelFunc
	oneShot      bool
	resume       Stage
	pendingProxy bool
}

func New(runner Runner, secrets SecretStore, settings func() Settings, opts Options, fns ...Option) *Sequencer {
	opts = opts.withDefaults()
	s := &Sequencer{
		runner:    runner,
		secrets:   secrets,
		settings:  settings,
		opts:      opts,
		logger:    slog.Default(),
		now:       time.Now,
		events:    make(chan any, 1024),
		done:      make(chan struct{}),
		mainLog:   logbuf.New(opts.LogMax, opts.LogTrim),
		stage:     Idle,
		running:   make(map[string]bool),
		pids:      make(map[string]int),
		spawned:   make(map[int]string),
		handled:   make(map[int]bool),
		killed:    make(map[int]bool),
		announced: make(map[int]bool),
	}
	if opts.MaxRestarts < 0 {
		s.limiter = rate.NewLimiter(rate.Inf, 0)
	} else {
		s.limiter = rate.NewLimiter(rate.Every(opts.RestartWindow/time.Duration(opts.MaxRestarts)), opts.MaxRestarts)
	}
	for _, f := range fns {
		f(s)
	}
	s.refreshSnapshot()
	return s
}

// Run processes commands and notifications until ctx is done.
func (s *Sequencer) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("workflow: Run called twice")
	}
	defer close(s.done)
	s.runCtx = ctx
	if s.opts.PurgeOnStart {
		s.killBoth()
	}
	for {
		select {
		case <-ctx.Done():
			s.cancelStep()
			return nil
		case ev := <-s.events:
			s.handle(ev)
			s.refreshSnapshot()
		}
	}
}

// Done is closed when Run returns.
func (s *Sequencer) Done() <-chan struct{} { return s.done }

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdKeystore
	cmdRestartProxy
)

type command struct {
	kind    cmdKind
	rebuild bool
	reply   chan error
}

type lineEvent struct {
	session uint64
	name    string
	line    string
}

type exitEvent struct {
	name string
	pid  int
	err  error
}

type startEvent struct {
	name string
	pid  int
}

func (s *Sequencer) post(ev any) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Sequencer) do(c command) error {
	c.reply = make(chan error, 1)
	select {
	case s.events <- c:
	case <-s.done:
		return ErrClosed
	}
	select {
	case err := <-c.reply:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// Start runs the pipeline from the beginning: purge strays, start vault.
// It returns once vault has been spawned.
func (s *Sequencer) Start() error { return s.do(command{kind: cmdStart}) }

// Stop kills both processes system-wide and clears session state.
func (s *Sequencer) Stop() error { return s.do(command{kind: cmdStop}) }

// RegenerateKeystore runs keystore generation once and returns to the
// current stage without continuing the pipeline.
func (s *Sequencer) RegenerateKeystore() error { return s.do(command{kind: cmdKeystore}) }

// RestartProxy kills the proxy and re-enters the pipeline at Building when
// rebuild is set, otherwise at StartingServer. It fails with ErrBusy until
// vault credentials have been captured and while a step is in flight.
func (s *Sequencer) RestartProxy(rebuild bool) error {
	return s.do(command{kind: cmdRestartProxy, rebuild: rebuild})
}

func (s *Sequencer) handle(ev any) {
	switch e := ev.(type) {
	case command:
		e.reply <- s.handleCommand(e)
	case lineEvent:
		s.onLine(e)
	case exitEvent:
		s.onStop(e.name, e.pid, e.err)
	case startEvent:
		s.onStart(e.name, e.pid)
	case stepResult:
		s.onStepResult(e)
	}
}

func (s *Sequencer) handleCommand(c command) error {
	switch c.kind {
	case cmdStart:
		if s.stage.Active() {
			return fmt.Errorf("%w: pipeline is %s", ErrBusy, s.stage)
		}
		s.killBoth()
		s.newSession()
		s.lastErr = nil
		return s.startVault()
	case cmdStop:
		s.cancelStep()
		s.killBoth()
		s.newSession()
		s.oneShot, s.pendingProxy = false, false
		s.lastErr = nil
		s.setStage(Stopped)
		return nil
	case cmdKeystore:
		if s.stage.stepInFlight() || s.stage == VaultStarting || s.stage == StartingServer {
			return fmt.Errorf("%w: pipeline is %s", ErrBusy, s.stage)
		}
		if !s.creds.Complete() {
			s.logger.Warn("generating keystore without vault credentials")
		}
		s.oneShot = true
		s.resume = s.stage
		s.startKeystore()
		return nil
	case cmdRestartProxy:
		if s.stage.stepInFlight() || s.stage == VaultStarting || s.stage == AwaitingCredentials {
			return fmt.Errorf("%w: pipeline is %s", ErrBusy, s.stage)
		}
		s.oneShot = false
		s.kill(ProxyName)
		if c.rebuild {
			s.startBuild()
			return nil
		}
		return s.startServer()
	}
	return fmt.Errorf("unknown command %d", c.kind)
}

func (s *Sequencer) newSession() {
	s.session++
	s.scraper.Clear()
	s.creds = credentials.Credentials{}
	s.stored = false
	s.mainLog.Reset()
	s.runner.Log(VaultName).Reset()
	s.runner.Log(ProxyName).Reset()
	if len(s.handled) > 4096 {
		s.handled = make(map[int]bool)
		s.killed = make(map[int]bool)
		s.announced = make(map[int]bool)
	}
}

func (s *Sequencer) startVault() error {
	s.setStage(VaultStarting)
	spec := process.Spec{
		Name:        VaultName,
		Path:        s.opts.VaultBinary,
		Args:        s.opts.VaultArgs,
		Capture:     true,
		InstallHint: VaultInstallHint,
		Env:         s.opts.Env,
		Log:         s.opts.ProcessLog,
	}
	pid, err := s.runner.Launch(spec, s.lineFunc(VaultName), s.exitFunc(VaultName))
	if err != nil {
		s.fail(err)
		return err
	}
	s.markSpawned(VaultName, pid)
	s.setStage(AwaitingCredentials)
	return nil
}

func (s *Sequencer) startServer() error {
	st := s.settings()
	s.pendingProxy = false
	s.setStage(StartingServer)
	s.runner.Log(ProxyName).Reset()
	bin, err := filepath.Abs(st.ResultBinaryPath())
	if err != nil {
		s.fail(err)
		return err
	}
	spec := process.Spec{
		Name:    ProxyName,
		Path:    bin,
		Args:    []string{"-password=" + st.Password, "-mode=server"},
		WorkDir: st.ResultDir,
		Capture: true,
		Env:     s.opts.Env,
		Log:     s.opts.ProcessLog,
	}
	pid, err := s.runner.Launch(spec, s.lineFunc(ProxyName), s.exitFunc(ProxyName))
	if err != nil {
		s.fail(err)
		return err
	}
	s.markSpawned(ProxyName, pid)
	s.setStage(Running)
	return nil
}

func (s *Sequencer) lineFunc(name string) process.LineFunc {
	session := s.session
	return func(_, line string) { s.post(lineEvent{session: session, name: name, line: line}) }
}

func (s *Sequencer) exitFunc(name string) func(int, error) {
	// may run on the Run goroutine when the process is already gone
	return func(pid int, err error) { go s.post(exitEvent{name: name, pid: pid, err: err}) }
}

func (s *Sequencer) onLine(e lineEvent) {
	if e.session != s.session {
		return
	}
	stream := e.name
	if e.name == buildName || e.name == keystoreName {
		stream = StreamProxy
		s.runner.Log(StreamProxy).AppendLine(e.line)
	}
	s.broker.publish(Event{Kind: EventLog, Time: s.now(), Session: s.session, Stage: s.stage, Stream: stream, Line: e.line})
	if e.name != VaultName {
		return
	}
	c, complete := s.scraper.Feed(e.line)
	if !s.creds.Complete() {
		s.creds = c
	}
	if complete {
		s.logger.Info("vault credentials captured", "api_address", c.APIAddress, "session", s.session)
	}
	s.maybeProvision()
}

func (s *Sequencer) markSpawned(name string, pid int) {
	s.pids[name] = pid
	s.spawned[pid] = name
	s.setRunning(name, true)
	s.scheduleStart(name, pid)
}

func (s *Sequencer) scheduleStart(name string, pid int) {
	ev := startEvent{name: name, pid: pid}
	if s.opts.SettleDelay == 0 {
		go s.post(ev)
		return
	}
	time.AfterFunc(s.opts.SettleDelay, func() { s.post(ev) })
}

func (s *Sequencer) exe(name string) string {
	if name == VaultName {
		return strings.TrimSuffix(filepath.Base(s.opts.VaultBinary), ".exe")
	}
	return strings.TrimSuffix(s.settings().ExecutableName(), ".exe")
}

// kill marks the current instance of name as killed before terminating it.
// Late start notifications for that PID are ignored and its stop is never
// taken for a crash.
func (s *Sequencer) kill(name string) {
	if pid := s.pids[name]; pid != 0 && !s.handled[pid] {
		s.killed[pid] = true
	}
	s.setRunning(name, false)
	ctx, cancel := context.WithTimeout(s.runCtx, s.opts.KillTimeout)
	defer cancel()
	if err := s.runner.KillByName(ctx, name, s.exe(name)); err != nil {
		s.logger.Warn("kill failed", "name", name, "error", err)
	}
}

func (s *Sequencer) killBoth() {
	s.kill(VaultName)
	s.kill(ProxyName)
}

func (s *Sequencer) setStage(to Stage) {
	from := s.stage
	if from == to {
		return
	}
	s.stage = to
	metrics.RecordStageTransition(from.String(), to.String())
	s.logger.Info("stage changed", "from", from, "to", to, "session", s.session)
	s.record(history.Event{Type: history.EventStage})
	s.refreshSnapshot()
	s.broker.publish(Event{Kind: EventStage, Time: s.now(), Session: s.session, Stage: to})
}

func (s *Sequencer) setRunning(name string, v bool) {
	if s.running[name] == v {
		return
	}
	s.running[name] = v
	metrics.SetRunning(name, v)
	s.refreshSnapshot()
	s.broker.publish(Event{Kind: EventRunning, Time: s.now(), Session: s.session, Stage: s.stage, Process: name, Running: v})
}

func (s *Sequencer) appendMain(msg string) {
	line := fmt.Sprintf("%s: %s", s.now().Format(timeLayout), msg)
	s.mainLog.AppendLine(line)
	s.broker.publish(Event{Kind: EventLog, Time: s.now(), Session: s.session, Stage: s.stage, Stream: StreamMain, Line: line})
}

// report surfaces err without changing the stage.
func (s *Sequencer) report(err error) {
	s.lastErr = err
	s.logger.Error("workflow error", "stage", s.stage, "error", err)
	s.appendMain("Error: " + err.Error())
	s.record(history.Event{Type: history.EventError, Error: err.Error()})
	s.broker.publish(Event{Kind: EventError, Time: s.now(), Session: s.session, Stage: s.stage, Error: err.Error()})
}

func (s *Sequencer) fail(err error) {
	s.report(err)
	s.setStage(Failed)
}

func (s *Sequencer) record(e history.Event) {
	if s.recorder == nil {
		return
	}
	e.Session = s.session
	if e.Stage == "" {
		e.Stage = s.stage.String()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.now().UTC()
	}
	s.recorder.Record(e)
}

func (s *Sequencer) refreshSnapshot() {
	snap := Snapshot{
		Stage:        s.stage,
		Session:      s.session,
		HasToken:     s.creds.RootToken != "",
		APIAddress:   s.creds.APIAddress,
		SecretStored: s.stored,
		VaultRunning: s.running[VaultName],
		ProxyRunning: s.running[ProxyName],
		VaultPID:     s.pids[VaultName],
		ProxyPID:     s.pids[ProxyName],
		credentials:  s.creds,
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()
}

// Snapshot returns the state as of the last processed event.
func (s *Sequencer) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

func (s *Sequencer) Stage() Stage { return s.Snapshot().Stage }

// Log returns the buffer behind one of the main, vault or proxy streams.
func (s *Sequencer) Log(stream string) (*logbuf.Buffer, bool) {
	switch stream {
	case StreamMain:
		return s.mainLog, true
	case StreamVault, StreamProxy:
		return s.runner.Log(stream), true
	}
	return nil, false
}

// Subscribe returns a channel of observable changes and a cancel func.
// Events are dropped for subscribers that fall behind.
func (s *Sequencer) Subscribe() (<-chan Event, func()) { return s.broker.subscribe(256) }
