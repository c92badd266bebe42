package supervisor

import (
	"context"
	"sync"

	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/logbuf"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/process"
)

// Handle is the managed instance of one logical process name.
type Handle struct {
	name string
	proc *process.Process
	buf  *logbuf.Buffer

	// output arriving after retire is dropped
	outMu   sync.Mutex
	retired bool

	mu    sync.Mutex
	cbs   []func(error)
	fired bool
	err   error
}

func (h *Handle) Name() string { return h.name }

func (h *Handle) PID() int { return h.proc.PID() }

// Running reports whether the OS process has not been reaped yet.
func (h *Handle) Running() bool {
	select {
	case <-h.proc.Done():
		return false
	default:
		return true
	}
}

// Log returns the bounded console buffer the handle's output is appended to.
func (h *Handle) Log() *logbuf.Buffer { return h.buf }

func (h *Handle) Status() process.Status { return h.proc.Snapshot() }

func (h *Handle) Kill() error { return h.proc.Kill() }

func (h *Handle) retire() error {
	h.outMu.Lock()
	h.retired = true
	h.outMu.Unlock()
	return h.proc.Kill()
}

// appendLine reports false once the handle is retired.
func (h *Handle) appendLine(line string) bool {
	h.outMu.Lock()
	defer h.outMu.Unlock()
	if h.retired {
		return false
	}
	h.buf.AppendLine(line)
	return true
}

// Wait blocks until exit, bounded by ctx. See process.Process.Wait.
func (h *Handle) Wait(ctx context.Context) error { return h.proc.Wait(ctx) }

// OnExit registers cb to run once with the exit error. When the process has
// already exited, cb runs immediately on the caller's goroutine.
func (h *Handle) OnExit(cb func(error)) {
	h.mu.Lock()
	if h.fired {
		err := h.err
		h.mu.Unlock()
		cb(err)
		return
	}
	h.cbs = append(h.cbs, cb)
	h.mu.Unlock()
}

func (h *Handle) fire(err error) {
	h.mu.Lock()
	if h.fired {
		h.mu.Unlock()
		return
	}
	h.fired = true
	h.err = err
	cbs := h.cbs
	h.cbs = nil
	h.mu.Unlock()
	for _, cb := range cbs {
		cb(err)
	}
}
