package detector

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Entry is one row of the OS process table.
type Entry struct {
	PID  int32  `json:"pid"`
	Name string `json:"name"`
}

// Table lists and terminates OS processes system-wide, including ones this
// program did not spawn. It must be safe for concurrent use.
type Table interface {
	List(ctx context.Context) ([]Entry, error)
	Kill(ctx context.Context, pid int32) error
}

// SystemTable reads the live process table through gopsutil.
type SystemTable struct{}

func (SystemTable) List(ctx context.Context) ([]Entry, error) {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			// process vanished between listing and inspection
			continue
		}
		out = append(out, Entry{PID: p.Pid, Name: name})
	}
	return out, nil
}

func (SystemTable) Kill(ctx context.Context, pid int32) error {
	p, err := gopsproc.NewProcessWithContext(ctx, pid)
	if err != nil {
		if errors.Is(err, gopsproc.ErrorProcessNotRunning) {
			return nil
		}
		return err
	}
	if err := p.KillWithContext(ctx); err != nil {
		if ok, _ := p.IsRunningWithContext(ctx); !ok {
			return nil
		}
		return err
	}
	return nil
}

// MatchName reports whether an OS process name refers to the logical
// executable name, ignoring a Windows ".exe" suffix and letter case.
func MatchName(procName, name string) bool {
	base := strings.TrimSuffix(strings.ToLower(filepath.Base(procName)), ".exe")
	want := strings.TrimSuffix(strings.ToLower(filepath.Base(name)), ".exe")
	return want != "" && base == want
}

// Find returns every process in t whose name matches name.
func Find(ctx context.Context, t Table, name string) ([]Entry, error) {
	all, err := t.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if MatchName(e.Name, name) {
			out = append(out, e)
		}
	}
	return out, nil
}

// KillByName terminates every process matching name and returns how many
// were signalled. No matching process is not an error.
func KillByName(ctx context.Context, t Table, name string) (int, error) {
	found, err := Find(ctx, t, name)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, e := range found {
		if err := t.Kill(ctx, e.PID); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}
