package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/detector"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/logbuf"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/metrics"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/process"
)

// Supervisor keeps at most one managed instance per logical name and owns a
// persistent console buffer per name. Any OS process matching a name can be
// terminated through KillByName, whether this program started it or not.
type Supervisor struct {
	table   detector.Table
	logger  *slog.Logger
	bufMax  int
	bufTrim int

	mu      sync.Mutex
	handles map[string]*Handle
	logs    map[string]*logbuf.Buffer
}

type Option func(*Supervisor)

// WithTable replaces the system process table used by KillByName.
func WithTable(t detector.Table) Option { return func(s *Supervisor) { s.table = t } }

func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.logger = l } }

// WithLogBounds sets the console buffer bound and front-eviction size.
func WithLogBounds(max, trim int) Option {
	return func(s *Supervisor) { s.bufMax, s.bufTrim = max, trim }
}

func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		table:   detector.SystemTable{},
		logger:  slog.Default(),
		handles: make(map[string]*Handle),
		logs:    make(map[string]*logbuf.Buffer),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Log returns the console buffer for name, creating it on first use.
func (s *Supervisor) Log(name string) *logbuf.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.logs[name]
	if !ok {
		b = logbuf.New(s.bufMax, s.bufTrim)
		s.logs[name] = b
	}
	return b
}

// Get returns the current managed instance for name, if any.
func (s *Supervisor) Get(name string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[name]
	return h, ok
}

// PIDs returns the PID of every managed instance that is still running.
func (s *Supervisor) PIDs() map[string]int32 {
	s.mu.Lock()
	hs := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		hs = append(hs, h)
	}
	s.mu.Unlock()
	out := make(map[string]int32, len(hs))
	for _, h := range hs {
		if h.Running() {
			out[h.name] = int32(h.PID())
		}
	}
	return out
}

// Start launches spec as the managed instance of spec.Name, killing a
// previous instance that is still running. Captured lines are appended to
// the name's console buffer before onLine sees them. Output still draining
// from a killed or replaced instance is dropped.
func (s *Supervisor) Start(spec process.Spec, onLine process.LineFunc) (*Handle, error) {
	if prev, ok := s.Get(spec.Name); ok {
		_ = prev.retire()
	}
	h := &Handle{name: spec.Name, buf: s.Log(spec.Name)}
	p, err := process.Start(spec, capture(h, onLine))
	if err != nil {
		s.logger.Error("process start failed", "name", spec.Name, "cmd", spec.CommandLine(), "error", err)
		return nil, err
	}
	h.proc = p

	s.mu.Lock()
	s.handles[spec.Name] = h
	s.mu.Unlock()

	metrics.IncStart(spec.Name)
	s.logger.Info("process started", "name", spec.Name, "pid", p.PID(), "cmd", spec.CommandLine())

	go func() {
		<-p.Done()
		err := p.Err()
		metrics.IncStop(spec.Name)
		s.logger.Debug("process exited", "name", spec.Name, "pid", p.PID(), "error", err)
		s.mu.Lock()
		if s.handles[spec.Name] == h {
			delete(s.handles, spec.Name)
		}
		s.mu.Unlock()
		h.fire(err)
	}()
	return h, nil
}

func capture(h *Handle, onLine process.LineFunc) process.LineFunc {
	return func(stream, line string) {
		if !h.appendLine(line) {
			return
		}
		if onLine != nil {
			onLine(stream, line)
		}
	}
}

// Launch starts spec and registers onExit in one step. It returns the PID.
func (s *Supervisor) Launch(spec process.Spec, onLine process.LineFunc, onExit func(pid int, err error)) (int, error) {
	h, err := s.Start(spec, onLine)
	if err != nil {
		return 0, err
	}
	pid := h.PID()
	if onExit != nil {
		h.OnExit(func(err error) { onExit(pid, err) })
	}
	return pid, nil
}

// Run starts spec and waits for it to exit, bounded by ctx.
func (s *Supervisor) Run(ctx context.Context, spec process.Spec, onLine process.LineFunc) error {
	h, err := s.Start(spec, onLine)
	if err != nil {
		return err
	}
	if err := h.Wait(ctx); err != nil {
		return fmt.Errorf("run %s: %w", spec.Name, err)
	}
	return nil
}

// KillByName terminates the managed instance of name and every other OS
// process whose executable matches name, or any of exes when given. It is a
// no-op when none exist.
func (s *Supervisor) KillByName(ctx context.Context, name string, exes ...string) error {
	if h, ok := s.Get(name); ok {
		_ = h.retire()
	}
	if len(exes) == 0 {
		exes = []string{name}
	}
	var errs []error
	for _, exe := range exes {
		n, err := detector.KillByName(ctx, s.table, exe)
		metrics.AddKills(name, n)
		if n > 0 {
			s.logger.Info("killed processes by name", "name", name, "exe", exe, "count", n)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("kill %s: %w", exe, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown kills every managed instance.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	hs := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		hs = append(hs, h)
	}
	s.mu.Unlock()
	for _, h := range hs {
		_ = h.retire()
	}
}
