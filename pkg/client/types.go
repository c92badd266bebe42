package client

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status mirrors GET /status.
type Status struct {
	Stage        string `json:"stage"`
	Session      uint64 `json:"session"`
	HasToken     bool   `json:"has_token"`
	APIAddress   string `json:"api_address,omitempty"`
	SecretStored bool   `json:"secret_stored"`
	VaultRunning bool   `json:"vault_running"`
	ProxyRunning bool   `json:"proxy_running"`
	VaultPID     int    `json:"vault_pid,omitempty"`
	ProxyPID     int    `json:"proxy_pid,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

// Settings mirrors GET/PUT /settings. Password and Secret read back as
// "********" unless requested with reveal.
type Settings struct {
	Rebuild    bool   `json:"rebuild"`
	Password   string `json:"password"`
	Secret     string `json:"secret"`
	SourceDir  string `json:"source_dir"`
	SourceFile string `json:"source_file"`
	ResultDir  string `json:"result_dir"`
	BinaryName string `json:"binary_name"`
}

type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Usage struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Event is one server-sent event from GET /events. Data holds the raw JSON
// payload: a Status for "status", otherwise a workflow event.
type Event struct {
	Name string
	Data json.RawMessage
}

type CommandResult struct {
	OK    bool   `json:"ok"`
	Stage string `json:"stage"`
}

type logsResponse struct {
	Stream string   `json:"stream"`
	Lines  []string `json:"lines"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// APIError is returned for any non-200 response.
type APIError struct {
	StatusCode int
	Message    string
	Kind       string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}
