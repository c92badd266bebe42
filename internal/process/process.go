package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/env"
)

// Stream names passed to a LineFunc.
const (
	Stdout = "stdout"
	Stderr = "stderr"
)

const maxLine = 1 << 20

// LineFunc receives one captured output line. It is called from capture
// goroutines and must not block for long.
type LineFunc func(stream, line string)

// Process is one running (or exited) child started by Start.
type Process struct {
	spec Spec
	cmd  *exec.Cmd

	mu        sync.Mutex
	status    Status
	outCloser io.WriteCloser
	errCloser io.WriteCloser

	done chan struct{} // closed after cmd.Wait returns and writers are closed
}

// Start launches spec and returns immediately. With spec.Capture, output is
// delivered to onLine; onLine may be nil. Output is also mirrored to the
// rotating files described by spec.Log.
func Start(spec Spec, onLine LineFunc) (*Process, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	path, err := exec.LookPath(spec.Path)
	if err != nil {
		return nil, &SpawnError{Name: spec.Name, Path: spec.Path, Err: err, Hint: spec.InstallHint}
	}
	// #nosec G204
	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.WorkDir
	if len(spec.Env) > 0 {
		cmd.Env = env.FromOS().Merge(spec.Env)
	}
	configureSysProcAttr(cmd)

	p := &Process{spec: spec, cmd: cmd, done: make(chan struct{})}
	if spec.Log.HasProcessOutput() {
		if spec.Log.File.Dir != "" {
			_ = os.MkdirAll(spec.Log.File.Dir, 0o750)
		}
		p.outCloser, p.errCloser, _ = spec.Log.ProcessWriters(spec.Name)
	}

	var pipes []io.ReadCloser
	if spec.Capture {
		so, err := cmd.StdoutPipe()
		if err != nil {
			p.closeWriters()
			return nil, &SpawnError{Name: spec.Name, Path: path, Err: err, Hint: spec.InstallHint}
		}
		se, err := cmd.StderrPipe()
		if err != nil {
			p.closeWriters()
			return nil, &SpawnError{Name: spec.Name, Path: path, Err: err, Hint: spec.InstallHint}
		}
		pipes = []io.ReadCloser{so, se}
	} else {
		if p.outCloser != nil {
			cmd.Stdout = p.outCloser
		}
		if p.errCloser != nil {
			cmd.Stderr = p.errCloser
		}
	}

	if err := cmd.Start(); err != nil {
		p.closeWriters()
		return nil, &SpawnError{Name: spec.Name, Path: path, Err: err, Hint: spec.InstallHint}
	}
	p.mu.Lock()
	p.status = Status{Name: spec.Name, Running: true, PID: cmd.Process.Pid, StartedAt: time.Now()}
	p.mu.Unlock()

	var wg sync.WaitGroup
	if len(pipes) == 2 {
		wg.Add(2)
		go p.scan(&wg, pipes[0], Stdout, p.outCloser, onLine)
		go p.scan(&wg, pipes[1], Stderr, p.errCloser, onLine)
	}
	go func() {
		// pipes must be drained before Wait closes them
		wg.Wait()
		err := cmd.Wait()
		p.mu.Lock()
		p.status.Running = false
		p.status.StoppedAt = time.Now()
		p.status.ExitErr = err
		p.mu.Unlock()
		p.closeWriters()
		close(p.done)
	}()
	return p, nil
}

func (p *Process) scan(wg *sync.WaitGroup, r io.Reader, stream string, mirror io.Writer, onLine LineFunc) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		line := sc.Text()
		if mirror != nil {
			_, _ = io.WriteString(mirror, line+"\n")
		}
		if onLine != nil {
			onLine(stream, line)
		}
	}
	// a line longer than maxLine stops the scanner; keep the child unblocked
	_, _ = io.Copy(io.Discard, r)
}

func (p *Process) closeWriters() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outCloser != nil {
		_ = p.outCloser.Close()
		p.outCloser = nil
	}
	if p.errCloser != nil {
		_ = p.errCloser.Close()
		p.errCloser = nil
	}
}

func (p *Process) Name() string { return p.spec.Name }

func (p *Process) Spec() Spec { return p.spec }

func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.PID
}

// Done is closed once the process has exited and its output is drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the exit error after Done is closed.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.ExitErr
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Kill terminates the process group. Killing an exited process is a no-op.
func (p *Process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return killGroup(p.PID())
}

// Wait blocks until the process exits or ctx is done. On cancellation the
// process group is killed and the context error is returned wrapped.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
	}
	_ = p.Kill()
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
	}
	return fmt.Errorf("%s: %w", p.spec.Name, ctx.Err())
}

// ExitCode returns the process exit code, or -1 while running or when the
// process was terminated by a signal.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
	default:
		return -1
	}
	err := p.Err()
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
