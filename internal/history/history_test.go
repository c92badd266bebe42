package history

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("boom")
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func TestRecorder_ForwardsToAllSinks(t *testing.T) {
	a, b := &memSink{}, &memSink{fail: true}
	r := NewRecorder(nil, a, b)
	r.Record(Event{Type: EventStage, Stage: "running"})
	r.Record(Event{Type: EventCrash, Process: "proxy"})
	require.NoError(t, r.Close())

	a.mu.Lock()
	defer a.mu.Unlock()
	require.Len(t, a.events, 2)
	assert.Equal(t, EventStage, a.events[0].Type)
	assert.False(t, a.events[0].OccurredAt.IsZero())
	assert.Equal(t, "proxy", a.events[1].Process)
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestRecorder_NoSinksIsNoop(t *testing.T) {
	r := NewRecorder(nil)
	r.Record(Event{Type: EventStage})
	require.NoError(t, r.Close())
	// after close Record must not block or panic
	r.Record(Event{Type: EventStage})
}
