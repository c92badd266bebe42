package workflow

import (
	"sync"
	"time"
)

// EventKind classifies notifications published to subscribers.
type EventKind string

const (
	EventStage   EventKind = "stage"
	EventRunning EventKind = "running"
	EventLog     EventKind = "log"
	EventError   EventKind = "error"
)

// Log stream names.
const (
	StreamMain  = "main"
	StreamVault = "vault"
	StreamProxy = "proxy"
)

// Event is an observable change for the UI collaborator.
type Event struct {
	Kind    EventKind `json:"kind"`
	Time    time.Time `json:"time"`
	Session uint64    `json:"session"`
	Stage   Stage     `json:"stage"`
	Process string    `json:"process,omitempty"`
	Running bool      `json:"running,omitempty"`
	Stream  string    `json:"stream,omitempty"`
	Line    string    `json:"line,omitempty"`
	Error   string    `json:"error,omitempty"`
}

type broker struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func (b *broker) subscribe(buf int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]chan Event)
	}
	id := b.next
	b.next++
	ch := make(chan Event, buf)
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// publish never blocks; a slow subscriber misses events.
func (b *broker) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
