package detector

import (
	"context"
	"sync"
)

// MemTable is an in-memory Table. Kill removes the entry. It is used by
// tests across packages and by dry runs.
type MemTable struct {
	mu      sync.Mutex
	entries map[int32]Entry
	killed  []Entry
	next    int32
}

func NewMemTable() *MemTable { return &MemTable{entries: map[int32]Entry{}, next: 1000} }

// Add registers a process and returns its PID.
func (m *MemTable) Add(name string) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	m.entries[m.next] = Entry{PID: m.next, Name: name}
	return m.next
}

// Remove drops a process without recording a kill.
func (m *MemTable) Remove(pid int32) {
	m.mu.Lock()
	delete(m.entries, pid)
	m.mu.Unlock()
}

func (m *MemTable) List(context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out, nil
}

func (m *MemTable) Kill(_ context.Context, pid int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[pid]; ok {
		m.killed = append(m.killed, e)
		delete(m.entries, pid)
	}
	return nil
}

// Killed returns the entries removed through Kill, in order.
func (m *MemTable) Killed() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.killed...)
}
