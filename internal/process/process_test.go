package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/logger"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

type lines struct {
	mu  sync.Mutex
	got map[string][]string
}

func (l *lines) add(stream, line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.got == nil {
		l.got = map[string][]string{}
	}
	l.got[stream] = append(l.got[stream], line)
}

func (l *lines) of(stream string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.got[stream]...)
}

func TestStart_CapturesBothStreams(t *testing.T) {
	requireUnix(t)
	var l lines
	p, err := Start(Spec{
		Name:    "echo",
		Path:    "sh",
		Args:    []string{"-c", "echo one; echo two; echo oops 1>&2"},
		Capture: true,
	}, l.add)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))

	assert.Equal(t, []string{"one", "two"}, l.of(Stdout))
	assert.Equal(t, []string{"oops"}, l.of(Stderr))
	assert.Equal(t, 0, p.ExitCode())
	assert.False(t, p.Snapshot().Running)
}

func TestStart_MissingExecutable(t *testing.T) {
	_, err := Start(Spec{Name: "vault", Path: "definitely-not-installed-xyz", InstallHint: "install it"}, nil)
	require.Error(t, err)
	var se *SpawnError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "vault", se.Name)
	assert.Contains(t, err.Error(), "install it")
}

func TestStart_Validate(t *testing.T) {
	_, err := Start(Spec{Path: "sh"}, nil)
	assert.Error(t, err)
	_, err = Start(Spec{Name: "x"}, nil)
	assert.Error(t, err)
}

func TestWait_DeadlineKills(t *testing.T) {
	requireUnix(t)
	p, err := Start(Spec{Name: "sleeper", Path: "sleep", Args: []string{"10"}}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = p.Wait(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("process not reaped after deadline")
	}
}

func TestKill_AfterExitIsNoop(t *testing.T) {
	requireUnix(t)
	p, err := Start(Spec{Name: "t", Path: "true"}, nil)
	require.NoError(t, err)
	<-p.Done()
	assert.NoError(t, p.Kill())
}

func TestExitCode_NonZero(t *testing.T) {
	requireUnix(t)
	p, err := Start(Spec{Name: "f", Path: "sh", Args: []string{"-c", "exit 3"}}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Error(t, p.Wait(ctx))
	assert.Equal(t, 3, p.ExitCode())
}

func TestStart_MirrorsCapturedOutput(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	p, err := Start(Spec{
		Name:    "mirror",
		Path:    "sh",
		Args:    []string{"-c", "echo hello; echo bad 1>&2"},
		Capture: true,
		Log:     logger.Config{File: logger.FileConfig{Dir: dir}},
	}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))

	out, err := os.ReadFile(filepath.Join(dir, "mirror.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
	errb, err := os.ReadFile(filepath.Join(dir, "mirror.stderr.log"))
	require.NoError(t, err)
	assert.Equal(t, "bad\n", string(errb))
}

func TestStart_WorkDirAndEnv(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	var l lines
	p, err := Start(Spec{
		Name:    "env",
		Path:    "sh",
		Args:    []string{"-c", "pwd; echo $LAUNCHER_TEST"},
		WorkDir: dir,
		Env:     []string{"LAUNCHER_TEST=yes"},
		Capture: true,
	}, l.add)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))

	out := l.of(Stdout)
	require.Len(t, out, 2)
	resolved, _ := filepath.EvalSymlinks(dir)
	assert.True(t, out[0] == dir || out[0] == resolved, "pwd=%s", out[0])
	assert.Equal(t, "yes", out[1])
}

func TestCommandLine_MasksSecrets(t *testing.T) {
	s := Spec{Path: "/opt/proxy", Args: []string{"-password=hunter2", "-mode=file", "-token=abc"}}
	cl := s.CommandLine()
	assert.False(t, strings.Contains(cl, "hunter2"))
	assert.False(t, strings.Contains(cl, "abc"))
	assert.Contains(t, cl, "-mode=file")
}
