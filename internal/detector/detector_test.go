package detector

import (
	"context"
	"os"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchName(t *testing.T) {
	tests := []struct {
		proc, name string
		want       bool
	}{
		{"vault", "vault", true},
		{"vault.exe", "vault", true},
		{"VAULT.EXE", "vault", true},
		{"/usr/bin/proxy", "proxy", true},
		{"proxy-helper", "proxy", false},
		{"vault", "", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchName(tt.proc, tt.name), "%s vs %s", tt.proc, tt.name)
	}
}

func TestKillByName_KillsOnlyMatching(t *testing.T) {
	m := NewMemTable()
	m.Add("vault")
	m.Add("vault.exe")
	other := m.Add("bash")

	n, err := KillByName(context.Background(), m, "vault")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, _ := m.List(context.Background())
	require.Len(t, left, 1)
	assert.Equal(t, other, left[0].PID)
}

func TestKillByName_NoMatchIsNoop(t *testing.T) {
	m := NewMemTable()
	n, err := KillByName(context.Background(), m, "proxy")
	require.NoError(t, err)
	assert.Zero(t, n)
}

type recorder struct {
	mu            sync.Mutex
	starts, stops []Entry
}

func (r *recorder) OnProcessStart(e Entry) {
	r.mu.Lock()
	r.starts = append(r.starts, e)
	r.mu.Unlock()
}
func (r *recorder) OnProcessStop(e Entry) { r.mu.Lock(); r.stops = append(r.stops, e); r.mu.Unlock() }

func TestWatcher_PollDiff(t *testing.T) {
	m := NewMemTable()
	rec := &recorder{}
	w := &Watcher{Table: m, Names: []string{"vault", "proxy"}, Handler: rec}
	ctx := context.Background()

	v := m.Add("vault")
	m.Add("unrelated")
	w.Poll(ctx)
	require.Len(t, rec.starts, 1)
	assert.Equal(t, v, rec.starts[0].PID)

	// no change, no events
	w.Poll(ctx)
	assert.Len(t, rec.starts, 1)
	assert.Empty(t, rec.stops)

	p := m.Add("proxy.exe")
	m.Remove(v)
	w.Poll(ctx)
	require.Len(t, rec.stops, 1)
	assert.Equal(t, v, rec.stops[0].PID)
	require.Len(t, rec.starts, 2)
	assert.Equal(t, p, rec.starts[1].PID)
}

func TestWatcher_NamesFuncFollowsRename(t *testing.T) {
	m := NewMemTable()
	rec := &recorder{}
	names := []string{"vault", "proxy"}
	w := &Watcher{Table: m, Names: []string{"ignored"}, NamesFunc: func() []string { return names }, Handler: rec}
	ctx := context.Background()

	old := m.Add("proxy")
	renamed := m.Add("edge-proxy")
	w.Poll(ctx)
	require.Len(t, rec.starts, 1)
	assert.Equal(t, old, rec.starts[0].PID)

	names = []string{"vault", "edge-proxy"}
	w.Poll(ctx)
	require.Len(t, rec.stops, 1)
	assert.Equal(t, old, rec.stops[0].PID)
	require.Len(t, rec.starts, 2)
	assert.Equal(t, renamed, rec.starts[1].PID)
}

func TestHandlerFuncs_NilSafe(t *testing.T) {
	var got []Entry
	h := HandlerFuncs{Stop: func(e Entry) { got = append(got, e) }}
	h.OnProcessStart(Entry{PID: 1})
	h.OnProcessStop(Entry{PID: 2})
	require.Len(t, got, 1)
	assert.Equal(t, int32(2), got[0].PID)
}

func TestSystemTable_ListsSelf(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process names differ on windows test runners")
	}
	entries, err := SystemTable{}.List(context.Background())
	require.NoError(t, err)
	self := int32(os.Getpid())
	found := false
	for _, e := range entries {
		if e.PID == self {
			found = true
			break
		}
	}
	assert.True(t, found, "own pid must be listed")
}

func TestSystemTable_KillMissingIsNoop(t *testing.T) {
	// pid far above pid_max on common systems
	assert.NoError(t, SystemTable{}.Kill(context.Background(), 1<<30))
}
