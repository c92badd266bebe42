package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"

	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/workflow"
)

// LoadSettings reads a settings file written by SaveSettings. ok is false
// when the file does not exist yet.
func LoadSettings(path string) (w Workflow, ok bool, err error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return Workflow{}, false, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return Workflow{}, false, fmt.Errorf("read settings %s: %w", path, err)
	}
	if err := v.UnmarshalKey("workflow", &w); err != nil {
		return Workflow{}, false, fmt.Errorf("decode settings %s: %w", path, err)
	}
	return w, true, nil
}

// SaveSettings persists w under a [workflow] table. The file holds the
// proxy password and secret, so it is private to the user.
func SaveSettings(path string, w Workflow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	v := viper.New()
	v.SetConfigType("toml")
	v.Set("workflow", map[string]any{
		"rebuild":     w.Rebuild,
		"password":    w.Password,
		"secret":      w.Secret,
		"source_dir":  w.SourceDir,
		"source_file": w.SourceFile,
		"result_dir":  w.ResultDir,
		"binary_name": w.BinaryName,
	})
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write settings %s: %w", path, err)
	}
	return os.Chmod(path, 0o600)
}

// Store is the live settings collaborator: the sequencer reads from it at
// the start of each step and the control API updates it.
type Store struct {
	mu   sync.RWMutex
	path string
	w    Workflow
}

func NewStore(path string, w Workflow) *Store { return &Store{path: path, w: w} }

func (s *Store) Get() Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.w
}

func (s *Store) Settings() workflow.Settings { return s.Get().Settings() }

// Update validates, persists (when a path is set) and then applies w.
func (s *Store) Update(w Workflow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path != "" {
		if err := SaveSettings(s.path, w); err != nil {
			return err
		}
	}
	s.w = w
	return nil
}
