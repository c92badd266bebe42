package logbuf

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// Default bounds match the console panes of the launcher: once a buffer
// reaches DefaultMax bytes, DefaultTrim bytes are dropped from the front.
const (
	DefaultMax  = 500
	DefaultTrim = 25
)

// Buffer is a bounded, append-only text accumulator with front eviction.
// It keeps an approximate rolling window of the most recent output rather
// than an exact byte count. Safe for concurrent use.
type Buffer struct {
	mu   sync.RWMutex
	text string
	max  int
	trim int
}

// New returns a Buffer bounded by max bytes that evicts trim bytes at a time.
// Non-positive arguments fall back to the defaults.
func New(max, trim int) *Buffer {
	if max <= 0 {
		max = DefaultMax
	}
	if trim <= 0 {
		trim = DefaultTrim
	}
	if trim > max {
		trim = max
	}
	return &Buffer{max: max, trim: trim}
}

// Append adds s to the end of the buffer and evicts from the front until the
// buffer is shorter than its bound.
func (b *Buffer) Append(s string) {
	if s == "" {
		return
	}
	b.mu.Lock()
	b.text += s
	for len(b.text) >= b.max {
		b.text = b.text[cut(b.text, b.trim):]
	}
	b.mu.Unlock()
}

// AppendLine appends s on a new line.
func (b *Buffer) AppendLine(s string) { b.Append("\n" + s) }

func (b *Buffer) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.text
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.text)
}

// Lines returns the buffered text split into non-empty lines.
func (b *Buffer) Lines() []string {
	out := make([]string, 0, 16)
	for _, l := range strings.Split(b.String(), "\n") {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

func (b *Buffer) Reset() {
	b.mu.Lock()
	b.text = ""
	b.mu.Unlock()
}

// cut returns the eviction offset: at least n bytes, moved forward to the
// next rune boundary so multi-byte characters are never split.
func cut(s string, n int) int {
	if n >= len(s) {
		return len(s)
	}
	for n < len(s) && !utf8.RuneStart(s[n]) {
		n++
	}
	return n
}
