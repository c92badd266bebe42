package detector

import (
	"context"
	"log/slog"
	"time"
)

// Handler receives system-wide start/stop notifications for watched names.
type Handler interface {
	OnProcessStart(e Entry)
	OnProcessStop(e Entry)
}

// HandlerFuncs adapts two functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Start func(Entry)
	Stop  func(Entry)
}

func (h HandlerFuncs) OnProcessStart(e Entry) {
	if h.Start != nil {
		h.Start(e)
	}
}

func (h HandlerFuncs) OnProcessStop(e Entry) {
	if h.Stop != nil {
		h.Stop(e)
	}
}

// Watcher diffs successive snapshots of a Table, filtered to a set of
// executable names, and reports processes that appeared or disappeared.
// Processes already running on the first snapshot are reported as started.
type Watcher struct {
	Table Table
	Names []string
	// NamesFunc, when set, is consulted on every poll instead of Names.
	NamesFunc func() []string
	Interval  time.Duration
	Handler   Handler
	Logger    *slog.Logger

	prev map[int32]Entry
}

// Run polls until ctx is done. It is not safe to call Run concurrently on
// the same Watcher.
func (w *Watcher) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		w.Poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Poll takes one snapshot and emits notifications for the difference with
// the previous one. Stops are reported before starts.
func (w *Watcher) Poll(ctx context.Context) {
	all, err := w.Table.List(ctx)
	if err != nil {
		if w.Logger != nil && ctx.Err() == nil {
			w.Logger.Debug("process table snapshot failed", "error", err)
		}
		return
	}
	names := w.Names
	if w.NamesFunc != nil {
		names = w.NamesFunc()
	}
	cur := make(map[int32]Entry)
	for _, e := range all {
		if watched(names, e.Name) {
			cur[e.PID] = e
		}
	}
	for pid, e := range w.prev {
		if c, ok := cur[pid]; !ok || !MatchName(c.Name, e.Name) {
			w.Handler.OnProcessStop(e)
		}
	}
	for pid, e := range cur {
		if p, ok := w.prev[pid]; !ok || !MatchName(p.Name, e.Name) {
			w.Handler.OnProcessStart(e)
		}
	}
	w.prev = cur
}

func watched(names []string, name string) bool {
	for _, n := range names {
		if MatchName(name, n) {
			return true
		}
	}
	return false
}
