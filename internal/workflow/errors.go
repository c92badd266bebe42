package workflow

import (
	"errors"
	"fmt"
)

// StepKind names the synchronous pipeline step that failed.
type StepKind string

const (
	BuildError    StepKind = "build"
	MoveError     StepKind = "move"
	KeystoreError StepKind = "keystore"
)

// StepError is a failure of build, move or keystore generation. It halts
// the pipeline and is never retried automatically.
type StepError struct {
	Kind StepKind
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("%s step failed: %v", e.Kind, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }

// CrashError reports an unexpected termination of a long-lived process
// once the restart budget is exhausted.
type CrashError struct {
	Name string
	Err  error
}

func (e *CrashError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s crashed: restart limit reached", e.Name)
	}
	return fmt.Sprintf("%s crashed: restart limit reached: %v", e.Name, e.Err)
}

func (e *CrashError) Unwrap() error { return e.Err }

// ErrBusy is returned by commands that cannot run in the current stage.
var ErrBusy = errors.New("workflow busy")

// ErrClosed is returned by commands after Run has returned.
var ErrClosed = errors.New("workflow closed")
