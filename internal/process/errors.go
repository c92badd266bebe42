package process

import "fmt"

// SpawnError reports an executable that could not be resolved or started.
type SpawnError struct {
	Name string
	Path string
	Err  error
	Hint string
}

func (e *SpawnError) Error() string {
	msg := fmt.Sprintf("start %s (%s): %v", e.Name, e.Path, e.Err)
	if e.Hint != "" {
		msg += "; " + e.Hint
	}
	return msg
}

func (e *SpawnError) Unwrap() error { return e.Err }
