package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/credentials"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/history"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/metrics"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/process"
)

type stepName string

const (
	stepProvision stepName = "provision"
	stepBuild     stepName = "build"
	stepMove      stepName = "move"
	stepKeystore  stepName = "keystore"
)

type stepResult struct {
	session uint64
	step    stepName
	err     error
	exists  bool
	started time.Time
}

// stepContext derives the context for one worker. Stop and vault crashes
// cancel it through s.stepCancel.
func (s *Sequencer) stepContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	s.cancelStep()
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(s.runCtx, timeout)
	} else {
		ctx, cancel = context.WithCancel(s.runCtx)
	}
	s.stepCancel = cancel
	return ctx, cancel
}

func (s *Sequencer) cancelStep() {
	if s.stepCancel != nil {
		s.stepCancel()
		s.stepCancel = nil
	}
}

// spawnStep runs fn on a worker goroutine and posts its result.
func (s *Sequencer) spawnStep(step stepName, timeout time.Duration, fn func(ctx context.Context) (bool, error)) {
	ctx, cancel := s.stepContext(timeout)
	session := s.session
	started := s.now()
	go func() {
		defer cancel()
		exists, err := fn(ctx)
		s.post(stepResult{session: session, step: step, err: err, exists: exists, started: started})
	}()
}

func (s *Sequencer) maybeProvision() {
	if s.stage != AwaitingCredentials || s.stored || !s.creds.Complete() {
		return
	}
	s.setStage(ProvisioningSecret)
	creds, secret := s.creds, s.settings().Secret
	s.spawnStep(stepProvision, 0, func(ctx context.Context) (bool, error) {
		return s.provision(ctx, creds, secret)
	})
}

func (s *Sequencer) provision(ctx context.Context, creds credentials.Credentials, secret string) (bool, error) {
	exists, err := s.secrets.Exists(ctx, creds.APIAddress, creds.RootToken)
	if err != nil {
		s.logger.Debug("secret existence check failed", "error", err)
	} else if exists {
		return true, nil
	}
	return false, s.secrets.PutSecret(ctx, creds.APIAddress, creds.RootToken, secret)
}

func (s *Sequencer) startBuild() {
	st := s.settings()
	s.setStage(Building)
	lines := s.lineFunc(buildName)
	s.spawnStep(stepBuild, s.opts.BuildTimeout, func(ctx context.Context) (bool, error) {
		return false, s.build(ctx, st, lines)
	})
}

func (s *Sequencer) build(ctx context.Context, st Settings, lines process.LineFunc) error {
	if st.SourceDir == "" {
		return &StepError{Kind: BuildError, Err: errors.New("proxy source directory is not set")}
	}
	if st.SourceFile != "" {
		if _, err := os.Stat(filepath.Join(st.SourceDir, st.SourceFile)); err != nil {
			return &StepError{Kind: BuildError, Err: err}
		}
	}
	out, err := filepath.Abs(st.BuiltBinaryPath())
	if err != nil {
		return &StepError{Kind: BuildError, Err: err}
	}
	if err := removeIfExists(out); err != nil {
		return &StepError{Kind: BuildError, Err: err}
	}
	spec := process.Spec{
		Name:    buildName,
		Path:    s.opts.BuildTool,
		Args:    []string{"build", "-o", out},
		WorkDir: st.SourceDir,
		Capture: true,
		Env:     s.opts.Env,
		Log:     s.opts.ProcessLog,
	}
	if err := s.runner.Run(ctx, spec, lines); err != nil {
		return &StepError{Kind: BuildError, Err: err}
	}
	if _, err := os.Stat(out); err != nil {
		return &StepError{Kind: BuildError, Err: fmt.Errorf("build produced no binary: %w", err)}
	}
	return nil
}

func (s *Sequencer) startMove() {
	st := s.settings()
	s.setStage(Moving)
	s.spawnStep(stepMove, 0, func(context.Context) (bool, error) {
		return false, move(st)
	})
}

// move replaces the deployed binary with the freshly built one.
func move(st Settings) error {
	if st.ResultDir == "" {
		return &StepError{Kind: MoveError, Err: errors.New("result directory is not set")}
	}
	src, dst := st.BuiltBinaryPath(), st.ResultBinaryPath()
	if _, err := os.Stat(src); err != nil {
		return &StepError{Kind: BuildError, Err: fmt.Errorf("built binary missing: %w", err)}
	}
	if err := os.MkdirAll(st.ResultDir, 0o755); err != nil {
		return &StepError{Kind: MoveError, Err: err}
	}
	if err := removeIfExists(dst); err != nil {
		return &StepError{Kind: MoveError, Err: err}
	}
	if err := moveFile(src, dst); err != nil {
		return &StepError{Kind: MoveError, Err: err}
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// moveFile renames src to dst, copying across filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func (s *Sequencer) startKeystore() {
	st := s.settings()
	creds := s.creds
	s.setStage(GeneratingKeystore)
	lines := s.lineFunc(keystoreName)
	s.spawnStep(stepKeystore, s.opts.KeystoreTimeout, func(ctx context.Context) (bool, error) {
		return false, s.keystore(ctx, st, creds, lines)
	})
}

func (s *Sequencer) keystore(ctx context.Context, st Settings, creds credentials.Credentials, lines process.LineFunc) error {
	if st.ResultDir == "" {
		return &StepError{Kind: KeystoreError, Err: errors.New("result directory is not set")}
	}
	bin, err := filepath.Abs(st.ResultBinaryPath())
	if err != nil {
		return &StepError{Kind: KeystoreError, Err: err}
	}
	if _, err := os.Stat(bin); err != nil {
		return &StepError{Kind: KeystoreError, Err: err}
	}
	spec := process.Spec{
		Name: keystoreName,
		Path: bin,
		Args: []string{
			"-password=" + st.Password,
			"-mode=file",
			"-vault=" + creds.APIAddress,
			"-token=" + creds.RootToken,
		},
		WorkDir: st.ResultDir,
		Capture: true,
		Env:     s.opts.Env,
		Log:     s.opts.ProcessLog,
	}
	if err := s.runner.Run(ctx, spec, lines); err != nil {
		return &StepError{Kind: KeystoreError, Err: err}
	}
	return nil
}

func (s *Sequencer) onStepResult(r stepResult) {
	if r.session != s.session {
		s.logger.Debug("discarding stale step result", "step", r.step, "session", r.session)
		return
	}
	s.stepCancel = nil
	metrics.ObserveStep(string(r.step), r.err == nil, s.now().Sub(r.started).Seconds())

	switch r.step {
	case stepProvision:
		if r.err != nil {
			s.fail(r.err)
			return
		}
		s.stored = true
		if r.exists {
			s.logger.Warn("secret already present, leaving it unchanged")
			s.appendMain("Secret already stored.")
		} else {
			s.appendMain("Secret stored.")
		}
		s.record(history.Event{Type: history.EventSecret, Message: "secret stored"})
		if s.settings().Rebuild {
			s.startBuild()
		} else {
			s.startKeystore()
		}
	case stepBuild:
		if r.err != nil {
			s.fail(r.err)
			return
		}
		s.startMove()
	case stepMove:
		if r.err != nil {
			s.fail(r.err)
			return
		}
		s.startKeystore()
	case stepKeystore:
		if s.oneShot {
			s.finishOneShot(r.err)
			return
		}
		if r.err != nil {
			s.fail(r.err)
			return
		}
		s.startServer()
	}
}

func (s *Sequencer) finishOneShot(err error) {
	s.oneShot = false
	if err != nil {
		s.report(err)
	} else {
		s.appendMain("Keystore generated.")
	}
	if s.pendingProxy {
		s.startServer()
		return
	}
	s.setStage(s.resume)
	s.maybeProvision()
}
