package process

import (
	"errors"
	"strings"

	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/logger"
)

// Spec describes one external executable to launch. Arguments are passed as
// a vector; no shell is involved.
type Spec struct {
	Name    string   `json:"name"`
	Path    string   `json:"path"`
	Args    []string `json:"args"`
	WorkDir string   `json:"work_dir"`
	Env     []string `json:"env"` // layered over the parent environment, ${VAR} expanded
	// Capture streams stdout/stderr line by line to the LineFunc passed to Start.
	Capture bool `json:"capture"`
	// InstallHint is attached to a SpawnError when the executable cannot be started.
	InstallHint string        `json:"install_hint,omitempty"`
	Log         logger.Config `json:"log"`
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("process name is required")
	}
	if strings.TrimSpace(s.Path) == "" {
		return errors.New("process path is required")
	}
	return nil
}

// CommandLine renders the argument vector for logs. Secrets passed as
// -password= are masked.
func (s Spec) CommandLine() string {
	parts := make([]string, 0, len(s.Args)+1)
	parts = append(parts, s.Path)
	for _, a := range s.Args {
		if k, _, ok := strings.Cut(a, "="); ok && (k == "-password" || k == "-token") {
			a = k + "=***"
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}
