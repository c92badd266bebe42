package workflow

import (
	"path/filepath"
	"runtime"
)

// Settings are the user-editable inputs of the pipeline. The sequencer
// reads them at the start of each step and never writes them.
type Settings struct {
	Rebuild    bool   `json:"rebuild"`
	Password   string `json:"password"`
	Secret     string `json:"secret"`
	SourceDir  string `json:"source_dir"`
	SourceFile string `json:"source_file"`
	ResultDir  string `json:"result_dir"`
	BinaryName string `json:"binary_name"`
}

// ExecutableName is BinaryName with the platform executable suffix.
func (s Settings) ExecutableName() string {
	name := s.BinaryName
	if name == "" {
		name = "proxy"
	}
	if runtime.GOOS == "windows" && filepath.Ext(name) != ".exe" {
		name += ".exe"
	}
	return name
}

// BuiltBinaryPath is where the build step writes the proxy binary.
func (s Settings) BuiltBinaryPath() string {
	return filepath.Join(s.SourceDir, s.ExecutableName())
}

// ResultBinaryPath is the deployed proxy binary that keystore generation
// and the server run from.
func (s Settings) ResultBinaryPath() string {
	return filepath.Join(s.ResultDir, s.ExecutableName())
}
