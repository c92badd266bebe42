package main

import "time"

const (
	defaultAPIURL     = "http://127.0.0.1:8787/api"
	defaultAPITimeout = 10 * time.Second
)

// APIFlags Flag structs to decouple cobra from logic for testing.
type APIFlags struct {
	URL      string
	Timeout  time.Duration
	Token    string
	CACert   string
	Insecure bool
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type RestartFlags struct {
	Rebuild bool
}

type StatusFlags struct {
	JSON bool
}

type SettingsShowFlags struct {
	Reveal bool
}

// SettingsSetFlags carries only the flags the user set; changed reports
// which ones.
type SettingsSetFlags struct {
	Rebuild    bool
	Password   string
	Secret     string
	SourceDir  string
	SourceFile string
	ResultDir  string
	BinaryName string

	changed func(name string) bool
}

type LoginFlags struct {
	Password string
}
