package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/detector"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/logbuf"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/process"
)

const (
	testToken = "abcdefghijklmnopqrstuvwxyz"
	testAddr  = "http://127.0.0.1:8200"
)

type fakeProc struct {
	pid    int
	alive  bool
	onLine process.LineFunc
	onExit func(int, error)
}

type fakeRunner struct {
	mu           sync.Mutex
	nextPID      int
	procs        map[string]*fakeProc
	launches     []process.Spec
	runs         []process.Spec
	kills        []string
	logs         map[string]*logbuf.Buffer
	launchErr    map[string]error
	runErr       map[string]error
	skipArtifact bool
	holdExits    bool
	held         []func()
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		nextPID:   1000,
		procs:     make(map[string]*fakeProc),
		logs:      make(map[string]*logbuf.Buffer),
		launchErr: make(map[string]error),
		runErr:    make(map[string]error),
	}
}

func (r *fakeRunner) Launch(spec process.Spec, onLine process.LineFunc, onExit func(int, error)) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.launches = append(r.launches, spec)
	if err := r.launchErr[spec.Name]; err != nil {
		return 0, &process.SpawnError{Name: spec.Name, Path: spec.Path, Err: err, Hint: spec.InstallHint}
	}
	r.nextPID++
	r.procs[spec.Name] = &fakeProc{pid: r.nextPID, alive: true, onLine: onLine, onExit: onExit}
	return r.nextPID, nil
}

func (r *fakeRunner) Run(_ context.Context, spec process.Spec, _ process.LineFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, spec)
	if err := r.runErr[spec.Name]; err != nil {
		return err
	}
	if spec.Name == buildName && !r.skipArtifact {
		return os.WriteFile(spec.Args[2], []byte("binary"), 0o755)
	}
	return nil
}

func (r *fakeRunner) KillByName(_ context.Context, name string, _ ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kills = append(r.kills, name)
	if p := r.procs[name]; p != nil && p.alive {
		p.alive = false
		exit := func() { p.onExit(p.pid, errors.New("signal: killed")) }
		if r.holdExits {
			r.held = append(r.held, exit)
		} else {
			go exit()
		}
	}
	return nil
}

// releaseExits delivers the exit notifications held back since holdExits
// was set.
func (r *fakeRunner) releaseExits() {
	r.mu.Lock()
	held := r.held
	r.held = nil
	r.holdExits = false
	r.mu.Unlock()
	for _, exit := range held {
		exit()
	}
}

func (r *fakeRunner) Log(name string) *logbuf.Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.logs[name]
	if !ok {
		b = logbuf.New(4096, 64)
		r.logs[name] = b
	}
	return b
}

func (r *fakeRunner) emit(name, line string) {
	r.mu.Lock()
	p := r.procs[name]
	r.mu.Unlock()
	r.Log(name).AppendLine(line)
	p.onLine(process.Stdout, line)
}

func (r *fakeRunner) crash(name string) int {
	r.mu.Lock()
	p := r.procs[name]
	p.alive = false
	r.mu.Unlock()
	p.onExit(p.pid, errors.New("exit status 1"))
	return p.pid
}

func (r *fakeRunner) pid(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := r.procs[name]; p != nil {
		return p.pid
	}
	return 0
}

func (r *fakeRunner) runNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.runs))
	for _, s := range r.runs {
		out = append(out, s.Name)
	}
	return out
}

func (r *fakeRunner) launchCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.launches {
		if s.Name == name {
			n++
		}
	}
	return n
}

func (r *fakeRunner) killed(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.kills {
		if k == name {
			return true
		}
	}
	return false
}

type fakeSecrets struct {
	mu     sync.Mutex
	puts   int
	exists bool
	putErr error
	delay  time.Duration
}

func (f *fakeSecrets) Exists(context.Context, string, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists, nil
}

func (f *fakeSecrets) PutSecret(ctx context.Context, addr, token, _ string) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if addr != testAddr || token != testToken {
		return fmt.Errorf("unexpected credentials %q %q", addr, token)
	}
	f.puts++
	return f.putErr
}

func (f *fakeSecrets) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

type harness struct {
	seq     *Sequencer
	runner  *fakeRunner
	secrets *fakeSecrets
	st      Settings
	cancel  context.CancelFunc
}

func testSettings(t *testing.T, rebuild bool) Settings {
	t.Helper()
	st := Settings{
		Rebuild:    rebuild,
		Password:   "pw",
		Secret:     "s3cret",
		SourceDir:  t.TempDir(),
		SourceFile: "main.go",
		ResultDir:  t.TempDir(),
		BinaryName: "proxy",
	}
	require.NoError(t, os.WriteFile(filepath.Join(st.SourceDir, "main.go"), []byte("package main"), 0o644))
	if !rebuild {
		require.NoError(t, os.WriteFile(st.ResultBinaryPath(), []byte("binary"), 0o755))
	}
	return st
}

func newHarness(t *testing.T, st Settings, opts Options, setup ...func(*harness)) *harness {
	t.Helper()
	h := &harness{runner: newFakeRunner(), secrets: &fakeSecrets{}, st: st}
	for _, f := range setup {
		f(h)
	}
	h.seq = New(h.runner, h.secrets, func() Settings { return h.st }, opts)
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { _ = h.seq.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.seq.Done()
	})
	return h
}

func (h *harness) banner() {
	h.runner.emit(VaultName, "==> Vault server configuration:")
	h.runner.emit(VaultName, "             Api Address: "+testAddr)
	h.runner.emit(VaultName, "Root Token: "+testToken)
}

func (h *harness) waitStage(t *testing.T, want Stage) {
	t.Helper()
	require.Eventually(t, func() bool { return h.seq.Stage() == want }, 2*time.Second, 5*time.Millisecond,
		"stage is %s, want %s", h.seq.Stage(), want)
}

func (h *harness) mainLog() string {
	b, _ := h.seq.Log(StreamMain)
	return b.String()
}

func (h *harness) toRunning(t *testing.T) {
	t.Helper()
	require.NoError(t, h.seq.Start())
	h.waitStage(t, AwaitingCredentials)
	h.banner()
	h.waitStage(t, Running)
}

func TestPipeline_WithoutRebuild(t *testing.T) {
	h := newHarness(t, testSettings(t, false), Options{})
	h.toRunning(t)

	assert.Equal(t, []string{keystoreName}, h.runner.runNames())
	assert.Equal(t, 1, h.secrets.count())

	h.runner.mu.Lock()
	ks := h.runner.runs[0]
	server := h.runner.launches[len(h.runner.launches)-1]
	h.runner.mu.Unlock()
	assert.Equal(t, []string{"-password=pw", "-mode=file", "-vault=" + testAddr, "-token=" + testToken}, ks.Args)
	assert.Equal(t, h.st.ResultDir, ks.WorkDir)
	assert.Equal(t, ProxyName, server.Name)
	assert.Equal(t, []string{"-password=pw", "-mode=server"}, server.Args)

	snap := h.seq.Snapshot()
	assert.True(t, snap.SecretStored)
	assert.True(t, snap.VaultRunning)
	assert.True(t, snap.ProxyRunning)
	assert.Equal(t, testAddr, snap.APIAddress)
	assert.Equal(t, testToken, snap.Credentials().RootToken)

	require.Eventually(t, func() bool {
		l := h.mainLog()
		return strings.Contains(l, "Vault started.") && strings.Contains(l, "Proxy started.")
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, h.mainLog(), "Secret stored.")
}

func TestPipeline_RebuildOrder(t *testing.T) {
	h := newHarness(t, testSettings(t, true), Options{})
	events, cancel := h.seq.Subscribe()
	defer cancel()

	h.toRunning(t)
	assert.Equal(t, []string{buildName, keystoreName}, h.runner.runNames())

	var stages []Stage
	for done := false; !done; {
		select {
		case e := <-events:
			if e.Kind == EventStage {
				stages = append(stages, e.Stage)
			}
		default:
			done = true
		}
	}
	assert.Equal(t, []Stage{
		VaultStarting, AwaitingCredentials, ProvisioningSecret,
		Building, Moving, GeneratingKeystore, StartingServer, Running,
	}, stages)

	_, err := os.Stat(h.st.BuiltBinaryPath())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(h.st.ResultBinaryPath())
	assert.NoError(t, err)
}

func TestPipeline_EnvReachesEveryChild(t *testing.T) {
	h := newHarness(t, testSettings(t, true), Options{Env: []string{"GOFLAGS=-mod=mod"}})
	h.toRunning(t)

	h.runner.mu.Lock()
	defer h.runner.mu.Unlock()
	for _, sp := range append(append([]process.Spec(nil), h.runner.launches...), h.runner.runs...) {
		assert.Equal(t, []string{"GOFLAGS=-mod=mod"}, sp.Env, sp.Name)
	}
	assert.Len(t, h.runner.runs, 2)
}

func TestProvision_SingleFlight(t *testing.T) {
	h := newHarness(t, testSettings(t, false), Options{}, func(h *harness) {
		h.secrets.delay = 50 * time.Millisecond
	})
	require.NoError(t, h.seq.Start())
	h.waitStage(t, AwaitingCredentials)
	h.banner()
	for i := 0; i < 20; i++ {
		h.runner.emit(VaultName, "Root Token: "+testToken)
	}
	h.waitStage(t, Running)
	h.banner()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.secrets.count())
}

func TestProvision_ExistingSecretIsKept(t *testing.T) {
	h := newHarness(t, testSettings(t, false), Options{}, func(h *harness) {
		h.secrets.exists = true
	})
	h.toRunning(t)
	assert.Equal(t, 0, h.secrets.count())
	assert.True(t, h.seq.Snapshot().SecretStored)
	assert.Contains(t, h.mainLog(), "Secret already stored.")
}

func TestProvision_FailureHaltsPipeline(t *testing.T) {
	h := newHarness(t, testSettings(t, false), Options{}, func(h *harness) {
		h.secrets.putErr = errors.New("permission denied")
	})
	require.NoError(t, h.seq.Start())
	h.waitStage(t, AwaitingCredentials)
	h.banner()
	h.waitStage(t, Failed)
	assert.Contains(t, h.seq.Snapshot().LastError, "permission denied")
	assert.Empty(t, h.runner.runNames())
	assert.Equal(t, 0, h.runner.launchCount(ProxyName))
}

func TestStop_ClearsSession(t *testing.T) {
	h := newHarness(t, testSettings(t, false), Options{})
	h.toRunning(t)
	h.runner.emit(ProxyName, "listening")

	require.NoError(t, h.seq.Stop())
	assert.Equal(t, Stopped, h.seq.Stage())

	snap := h.seq.Snapshot()
	assert.False(t, snap.HasToken)
	assert.Empty(t, snap.APIAddress)
	assert.False(t, snap.SecretStored)
	assert.False(t, snap.VaultRunning)
	assert.False(t, snap.ProxyRunning)
	assert.True(t, h.runner.killed(VaultName))
	assert.True(t, h.runner.killed(ProxyName))

	vlog, _ := h.seq.Log(StreamVault)
	plog, _ := h.seq.Log(StreamProxy)
	assert.Empty(t, vlog.String())
	assert.Empty(t, plog.String())
	assert.NotContains(t, h.mainLog(), "Secret stored.")

	require.Eventually(t, func() bool {
		return strings.Contains(h.mainLog(), "Vault stopped.")
	}, 2*time.Second, 5*time.Millisecond)
	assert.NotContains(t, h.mainLog(), "crashed")
}

func TestProxyCrash_RestartsOnce(t *testing.T) {
	h := newHarness(t, testSettings(t, false), Options{})
	h.toRunning(t)

	old := h.runner.crash(ProxyName)
	h.seq.OnProcessStop(detector.Entry{PID: int32(old), Name: "proxy"})

	require.Eventually(t, func() bool {
		snap := h.seq.Snapshot()
		return snap.Stage == Running && snap.ProxyRunning && snap.ProxyPID != old
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 1, strings.Count(h.mainLog(), "Proxy crashed. Restarting..."))
	assert.Equal(t, 2, h.runner.launchCount(ProxyName))
	assert.Equal(t, 1, h.runner.launchCount(VaultName))
}

func TestVaultCrash_RestartsSession(t *testing.T) {
	h := newHarness(t, testSettings(t, false), Options{})
	h.toRunning(t)
	oldVault := h.runner.pid(VaultName)

	h.runner.crash(VaultName)
	require.Eventually(t, func() bool {
		snap := h.seq.Snapshot()
		return snap.Stage == AwaitingCredentials && snap.VaultPID != oldVault
	}, 2*time.Second, 5*time.Millisecond)

	snap := h.seq.Snapshot()
	assert.False(t, snap.SecretStored)
	assert.False(t, snap.HasToken)
	assert.True(t, h.runner.killed(ProxyName))
	assert.Contains(t, h.mainLog(), "Vault crashed. Restarting...")

	h.banner()
	h.waitStage(t, Running)
	assert.Equal(t, 2, h.secrets.count())
}

func TestCrash_RestartBudgetExhausted(t *testing.T) {
	h := newHarness(t, testSettings(t, false), Options{MaxRestarts: 1, RestartWindow: time.Hour})
	h.toRunning(t)

	first := h.runner.crash(ProxyName)
	require.Eventually(t, func() bool {
		snap := h.seq.Snapshot()
		return snap.Stage == Running && snap.ProxyPID != first
	}, 2*time.Second, 5*time.Millisecond)

	h.runner.crash(ProxyName)
	h.waitStage(t, Failed)
	assert.Contains(t, h.seq.Snapshot().LastError, "restart limit reached")
	assert.Equal(t, 2, h.runner.launchCount(ProxyName))
}

func TestBuild_Failures(t *testing.T) {
	cases := []struct {
		name  string
		setup func(h *harness)
		want  string
	}{
		{
			name:  "tool fails",
			setup: func(h *harness) { h.runner.runErr[buildName] = errors.New("exit status 2") },
			want:  "build step failed: exit status 2",
		},
		{
			name:  "no artifact",
			setup: func(h *harness) { h.runner.skipArtifact = true },
			want:  "build produced no binary",
		},
		{
			name:  "missing entry file",
			setup: func(h *harness) { h.st.SourceFile = "absent.go" },
			want:  "build step failed",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, testSettings(t, true), Options{}, tc.setup)
			require.NoError(t, h.seq.Start())
			h.waitStage(t, AwaitingCredentials)
			h.banner()
			h.waitStage(t, Failed)
			assert.Contains(t, h.seq.Snapshot().LastError, tc.want)
			assert.Equal(t, 0, h.runner.launchCount(ProxyName))
			assert.NotContains(t, h.runner.runNames(), keystoreName)
		})
	}
}

func TestKeystore_FailureHaltsPipeline(t *testing.T) {
	h := newHarness(t, testSettings(t, false), Options{}, func(h *harness) {
		h.runner.runErr[keystoreName] = errors.New("exit status 1")
	})
	require.NoError(t, h.seq.Start())
	h.waitStage(t, AwaitingCredentials)
	h.banner()
	h.waitStage(t, Failed)
	assert.Contains(t, h.seq.Snapshot().LastError, "keystore step failed")
	assert.Equal(t, 0, h.runner.launchCount(ProxyName))
}

func TestStart_VaultSpawnError(t *testing.T) {
	h := newHarness(t, testSettings(t, false), Options{}, func(h *harness) {
		h.runner.launchErr[VaultName] = errors.New("executable file not found in $PATH")
	})
	err := h.seq.Start()
	var spawn *process.SpawnError
	require.ErrorAs(t, err, &spawn)
	assert.Contains(t, err.Error(), "vaultproject.io")
	assert.Equal(t, Failed, h.seq.Stage())

	// failed pipelines can be started again
	h.runner.mu.Lock()
	delete(h.runner.launchErr, VaultName)
	h.runner.mu.Unlock()
	require.NoError(t, h.seq.Start())
	assert.Equal(t, AwaitingCredentials, h.seq.Stage())
	assert.Empty(t, h.seq.Snapshot().LastError)
}

func TestStart_BusyWhileActive(t *testing.T) {
	h := newHarness(t, testSettings(t, false), Options{})
	require.NoError(t, h.seq.Start())
	assert.ErrorIs(t, h.seq.Start(), ErrBusy)
}

func TestRegenerateKeystore_OneShot(t *testing.T) {
	h := newHarness(t, testSettings(t, false), Options{})
	h.toRunning(t)

	require.NoError(t, h.seq.RegenerateKeystore())
	require.Eventually(t, func() bool {
		return len(h.runner.runNames()) == 2 && h.seq.Stage() == Running
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.runner.launchCount(ProxyName))
	assert.Contains(t, h.mainLog(), "Keystore generated.")
}

func TestRegenerateKeystore_FailureKeepsStage(t *testing.T) {
	h := newHarness(t, testSettings(t, false), Options{})
	h.toRunning(t)
	h.runner.mu.Lock()
	h.runner.runErr[keystoreName] = errors.New("exit status 1")
	h.runner.mu.Unlock()

	require.NoError(t, h.seq.RegenerateKeystore())
	require.Eventually(t, func() bool {
		return h.seq.Snapshot().LastError != "" && h.seq.Stage() == Running
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRestartProxy(t *testing.T) {
	h := newHarness(t, testSettings(t, true), Options{})
	h.toRunning(t)

	require.NoError(t, h.seq.RestartProxy(false))
	h.waitStage(t, Running)
	assert.Equal(t, 2, h.runner.launchCount(ProxyName))
	assert.Equal(t, []string{buildName, keystoreName}, h.runner.runNames())

	require.NoError(t, h.seq.RestartProxy(true))
	require.Eventually(t, func() bool {
		return h.runner.launchCount(ProxyName) == 3 && h.seq.Stage() == Running
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{buildName, keystoreName, buildName, keystoreName}, h.runner.runNames())

	time.Sleep(30 * time.Millisecond)
	assert.NotContains(t, h.mainLog(), "crashed")
}

func TestRestartProxy_BusyBeforeCredentials(t *testing.T) {
	h := newHarness(t, testSettings(t, false), Options{})
	require.NoError(t, h.seq.Start())
	h.waitStage(t, AwaitingCredentials)

	assert.ErrorIs(t, h.seq.RestartProxy(false), ErrBusy)
	assert.ErrorIs(t, h.seq.RestartProxy(true), ErrBusy)
	assert.Equal(t, AwaitingCredentials, h.seq.Stage())
	assert.Zero(t, h.runner.launchCount(ProxyName))

	h.banner()
	h.waitStage(t, Running)
	assert.Equal(t, 1, h.secrets.count())
	assert.True(t, h.seq.Snapshot().SecretStored)
}

func TestKilledProxy_LateStartIsNotACrash(t *testing.T) {
	cases := []struct {
		name    string
		act     func(h *harness) error
		stage   Stage
		running bool
	}{
		{
			name:    "stop",
			act:     func(h *harness) error { return h.seq.Stop() },
			stage:   Stopped,
			running: false,
		},
		{
			name:    "restart with rebuild",
			act:     func(h *harness) error { return h.seq.RestartProxy(true) },
			stage:   Running,
			running: true,
		},
		{
			name:    "restart without rebuild",
			act:     func(h *harness) error { return h.seq.RestartProxy(false) },
			stage:   Running,
			running: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, testSettings(t, true), Options{})
			h.toRunning(t)
			old := h.runner.pid(ProxyName)

			h.runner.mu.Lock()
			h.runner.holdExits = true
			h.runner.mu.Unlock()
			require.NoError(t, tc.act(h))

			// start notifications for the old PID from both sources arrive
			// before its exit does
			h.seq.OnProcessStart(detector.Entry{PID: int32(old), Name: "proxy"})
			h.seq.post(startEvent{name: ProxyName, pid: old})
			time.Sleep(30 * time.Millisecond)

			h.runner.releaseExits()
			h.seq.OnProcessStop(detector.Entry{PID: int32(old), Name: "proxy"})
			require.Eventually(t, func() bool {
				return strings.Contains(h.mainLog(), "Proxy stopped.") && h.seq.Stage() == tc.stage
			}, 2*time.Second, 5*time.Millisecond)
			time.Sleep(30 * time.Millisecond)

			snap := h.seq.Snapshot()
			assert.NotContains(t, h.mainLog(), "crashed")
			assert.Equal(t, tc.running, snap.ProxyRunning)
			if tc.running {
				assert.NotEqual(t, old, snap.ProxyPID)
			}
			assert.Equal(t, tc.stage, snap.Stage)
		})
	}
}

func TestProxyCrash_LateStartOfCrashedPID(t *testing.T) {
	h := newHarness(t, testSettings(t, false), Options{})
	h.toRunning(t)

	old := h.runner.crash(ProxyName)
	h.seq.OnProcessStart(detector.Entry{PID: int32(old), Name: "proxy"})
	require.Eventually(t, func() bool {
		snap := h.seq.Snapshot()
		return snap.Stage == Running && snap.ProxyRunning && snap.ProxyPID != old
	}, 2*time.Second, 5*time.Millisecond)

	h.seq.OnProcessStart(detector.Entry{PID: int32(old), Name: "proxy"})
	h.seq.OnProcessStop(detector.Entry{PID: int32(old), Name: "proxy"})
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 1, strings.Count(h.mainLog(), "Proxy crashed. Restarting..."))
	assert.Equal(t, 2, h.runner.launchCount(ProxyName))
	assert.NotEqual(t, old, h.seq.Snapshot().ProxyPID)
}

func TestWatcher_ForeignVaultWhileIdle(t *testing.T) {
	h := newHarness(t, testSettings(t, false), Options{})
	h.seq.OnProcessStart(detector.Entry{PID: 4242, Name: "vault"})
	h.seq.OnProcessStart(detector.Entry{PID: 4343, Name: "bash"})
	require.Eventually(t, func() bool {
		return strings.Contains(h.mainLog(), "Vault started.") && h.seq.Snapshot().VaultRunning
	}, 2*time.Second, 5*time.Millisecond)

	h.seq.OnProcessStop(detector.Entry{PID: 4242, Name: "vault"})
	require.Eventually(t, func() bool {
		return strings.Contains(h.mainLog(), "Vault stopped.")
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Idle, h.seq.Stage())
	assert.False(t, h.seq.Snapshot().VaultRunning)
	assert.Equal(t, []string{"vault", "proxy"}, h.seq.WatchNames())
}

func TestPurgeOnStart(t *testing.T) {
	h := newHarness(t, testSettings(t, false), Options{PurgeOnStart: true})
	require.Eventually(t, func() bool {
		return h.runner.killed(VaultName) && h.runner.killed(ProxyName)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCommandsAfterClose(t *testing.T) {
	h := newHarness(t, testSettings(t, false), Options{})
	h.cancel()
	<-h.seq.Done()
	assert.ErrorIs(t, h.seq.Start(), ErrClosed)
	assert.Error(t, h.seq.Run(context.Background()))
}

func TestStage_Text(t *testing.T) {
	b, err := Running.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "running", string(b))

	var st Stage
	require.NoError(t, st.UnmarshalText([]byte("generating_keystore")))
	assert.Equal(t, GeneratingKeystore, st)
	assert.Error(t, st.UnmarshalText([]byte("bogus")))
	assert.True(t, AwaitingCredentials.Active())
	assert.False(t, Failed.Active())
}
