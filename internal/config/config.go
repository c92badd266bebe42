package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/auth"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/logbuf"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/logger"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/metrics"
	tlsx "github.com/mynameisfoxy/cusrom-proxy-launcher/internal/tls"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/vault"
	"github.com/mynameisfoxy/cusrom-proxy-launcher/internal/workflow"
)

// EnvPrefix applies to every key, e.g. PROXY_LAUNCHER_SERVER_LISTEN.
const EnvPrefix = "PROXY_LAUNCHER"

// AppDirName is the per-user directory holding settings and the deployed
// proxy binary.
const AppDirName = "CustomProxyLauncher"

// Config represents the top-level TOML structure.
type Config struct {
	// SettingsFile persists the user-editable [workflow] section.
	SettingsFile string        `mapstructure:"settings_file"`
	Workflow     Workflow      `mapstructure:"workflow"`
	Vault        VaultConfig   `mapstructure:"vault"`
	Build        BuildConfig   `mapstructure:"build"`
	Restart      RestartConfig `mapstructure:"restart"`
	Watch        WatchConfig   `mapstructure:"watch"`
	Buffers      BufferConfig  `mapstructure:"buffers"`
	Log          logger.Config `mapstructure:"log"`
	// ProcessLog mirrors captured vault/proxy/build output to rotating files.
	ProcessLog logger.FileConfig `mapstructure:"process_log"`
	Server     ServerConfig      `mapstructure:"server"`
	Metrics    MetricsConfig     `mapstructure:"metrics"`
	History    HistoryConfig     `mapstructure:"history"`
	// Env holds "K=V" pairs added to every child process; values may use ${VAR}.
	Env []string `mapstructure:"env"`
}

// Workflow holds the settings the operator edits.
type Workflow struct {
	Rebuild    bool   `mapstructure:"rebuild" json:"rebuild"`
	Password   string `mapstructure:"password" json:"password"`
	Secret     string `mapstructure:"secret" json:"secret"`
	SourceDir  string `mapstructure:"source_dir" json:"source_dir"`
	SourceFile string `mapstructure:"source_file" json:"source_file"`
	ResultDir  string `mapstructure:"result_dir" json:"result_dir"`
	BinaryName string `mapstructure:"binary_name" json:"binary_name"`
}

func (w Workflow) Settings() workflow.Settings { return workflow.Settings(w) }

type VaultConfig struct {
	Binary       string   `mapstructure:"binary"`
	Args         []string `mapstructure:"args"`
	vault.Config `mapstructure:",squash"`
}

type BuildConfig struct {
	Tool            string        `mapstructure:"tool"`
	Timeout         time.Duration `mapstructure:"timeout"`
	KeystoreTimeout time.Duration `mapstructure:"keystore_timeout"`
}

type RestartConfig struct {
	MaxRestarts int           `mapstructure:"max_restarts"`
	Window      time.Duration `mapstructure:"window"`
}

type WatchConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval"`
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
	PurgeOnStart bool          `mapstructure:"purge_on_start"`
	KillTimeout  time.Duration `mapstructure:"kill_timeout"`
}

// BufferConfig bounds the three console logs.
type BufferConfig struct {
	Max  int `mapstructure:"max"`
	Trim int `mapstructure:"trim"`
}

type ServerConfig struct {
	Listen   string      `mapstructure:"listen"`
	BasePath string      `mapstructure:"base_path"`
	TLS      tlsx.Config `mapstructure:"tls"`
	Auth     auth.Config `mapstructure:"auth"`
}

type MetricsConfig struct {
	Enabled   bool                   `mapstructure:"enabled"`
	Resources metrics.ResourceConfig `mapstructure:"resources"`
}

// HistoryConfig lists sink DSNs: sqlite://, postgres://, clickhouse://.
type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	DSNs    []string `mapstructure:"dsns"`
}

// DefaultAppDir is <user config dir>/CustomProxyLauncher, falling back to
// the working directory when the user directory is unknown.
func DefaultAppDir() string {
	base, err := os.UserConfigDir()
	if err != nil || base == "" {
		return AppDirName
	}
	return filepath.Join(base, AppDirName)
}

func setDefaults(v *viper.Viper) {
	appDir := DefaultAppDir()
	v.SetDefault("settings_file", filepath.Join(appDir, "settings.toml"))

	v.SetDefault("workflow.rebuild", false)
	v.SetDefault("workflow.password", "")
	v.SetDefault("workflow.secret", "")
	v.SetDefault("workflow.source_dir", "")
	v.SetDefault("workflow.source_file", "main.go")
	v.SetDefault("workflow.result_dir", appDir)
	v.SetDefault("workflow.binary_name", "proxy")

	v.SetDefault("vault.binary", "vault")
	v.SetDefault("vault.args", []string{"server", "-dev"})
	v.SetDefault("vault.kv_path", vault.DefaultKVPath)
	v.SetDefault("vault.secret_field", vault.DefaultField)
	v.SetDefault("vault.request_timeout", vault.DefaultTimeout)

	v.SetDefault("build.tool", "go")
	v.SetDefault("build.timeout", 2*time.Minute)
	v.SetDefault("build.keystore_timeout", 30*time.Second)

	v.SetDefault("restart.max_restarts", 5)
	v.SetDefault("restart.window", time.Minute)

	v.SetDefault("watch.enabled", true)
	v.SetDefault("watch.interval", 500*time.Millisecond)
	v.SetDefault("watch.settle_delay", 500*time.Millisecond)
	v.SetDefault("watch.purge_on_start", true)
	v.SetDefault("watch.kill_timeout", 10*time.Second)

	v.SetDefault("buffers.max", logbuf.DefaultMax)
	v.SetDefault("buffers.trim", logbuf.DefaultTrim)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "color")
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.app_path", "")
	v.SetDefault("process_log.dir", "")

	v.SetDefault("server.listen", "127.0.0.1:8787")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("server.auth.password_hash", "")
	v.SetDefault("server.auth.jwt_secret", "")
	v.SetDefault("server.auth.token_ttl", 12*time.Hour)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.resources.enabled", false)
	v.SetDefault("metrics.resources.interval", 5*time.Second)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsns", []string{})
	v.SetDefault("env", []string{})
}

// Load reads the TOML file at path (optional), applies defaults and
// PROXY_LAUNCHER_* environment overrides, then overlays the persisted
// settings file when it exists.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if c.SettingsFile != "" {
		w, ok, err := LoadSettings(c.SettingsFile)
		if err != nil {
			return nil, err
		}
		if ok {
			c.Workflow = w
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Buffers.Max <= 0 || c.Buffers.Trim <= 0 || c.Buffers.Trim > c.Buffers.Max {
		errs = append(errs, fmt.Errorf("buffers: trim (%d) must be positive and not exceed max (%d)", c.Buffers.Trim, c.Buffers.Max))
	}
	if c.Restart.Window <= 0 {
		errs = append(errs, errors.New("restart.window must be positive"))
	}
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Vault.Binary == "" {
		errs = append(errs, errors.New("vault.binary is required"))
	}
	if c.History.Enabled && len(c.History.DSNs) == 0 {
		errs = append(errs, errors.New("history enabled without dsns"))
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i <= 0 {
			errs = append(errs, fmt.Errorf("env entry %q must be KEY=VALUE", kv))
		}
	}
	if err := c.Workflow.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Validate rejects values that would break the generated command lines.
func (w Workflow) Validate() error {
	name := w.BinaryName
	if name != "" && (strings.ContainsAny(name, `/\`) || name == "." || name == "..") {
		return fmt.Errorf("workflow.binary_name %q must be a plain file name", name)
	}
	if w.SourceFile != "" && filepath.IsAbs(w.SourceFile) {
		return fmt.Errorf("workflow.source_file %q must be relative to source_dir", w.SourceFile)
	}
	return nil
}

// WorkflowOptions maps the operational sections onto the sequencer options.
func (c *Config) WorkflowOptions() workflow.Options {
	return workflow.Options{
		VaultBinary:     c.Vault.Binary,
		VaultArgs:       c.Vault.Args,
		BuildTool:       c.Build.Tool,
		BuildTimeout:    c.Build.Timeout,
		KeystoreTimeout: c.Build.KeystoreTimeout,
		KillTimeout:     c.Watch.KillTimeout,
		SettleDelay:     c.Watch.SettleDelay,
		MaxRestarts:     c.Restart.MaxRestarts,
		RestartWindow:   c.Restart.Window,
		LogMax:          c.Buffers.Max,
		LogTrim:         c.Buffers.Trim,
		PurgeOnStart:    c.Watch.PurgeOnStart,
		ProcessLog:      logger.Config{File: c.ProcessLog},
		Env:             c.Env,
	}
}
