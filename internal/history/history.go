package history

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of launcher event.
type EventType string

const (
	EventStage        EventType = "stage"
	EventProcessStart EventType = "process_start"
	EventProcessStop  EventType = "process_stop"
	EventCrash        EventType = "crash"
	EventSecret       EventType = "secret"
	EventError        EventType = "error"
)

// Event is one launcher event exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Session    uint64    `json:"session"`
	Stage      string    `json:"stage"`
	Process    string    `json:"process,omitempty"`
	PID        int       `json:"pid,omitempty"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder forwards events to sinks from its own goroutine so producers
// never wait on a database. Events are dropped when the queue is full.
type Recorder struct {
	sinks   []Sink
	queue   chan Event
	timeout time.Duration
	logger  *slog.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		sinks:   append([]Sink(nil), sinks...),
		queue:   make(chan Event, 256),
		timeout: 5 * time.Second,
		logger:  logger,
		done:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// Record enqueues e. It never blocks.
func (r *Recorder) Record(e Event) {
	if len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	select {
	case <-r.done:
	case r.queue <- e:
	default:
		r.logger.Warn("history queue full, dropping event", "type", e.Type)
	}
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for {
		select {
		case e := <-r.queue:
			r.send(e)
		case <-r.done:
			// drain what is already queued
			for {
				select {
				case e := <-r.queue:
					r.send(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) send(e Event) {
	for _, s := range r.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := s.Send(ctx, e); err != nil {
			r.logger.Debug("history sink send failed", "type", e.Type, "error", err)
		}
		cancel()
	}
}

// Close flushes queued events and closes sinks that implement io.Closer.
func (r *Recorder) Close() error {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
	return nil
}
