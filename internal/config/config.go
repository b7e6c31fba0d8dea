package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/g960059/cmuxctl/internal/model"
)

type Config struct {
	SocketPath        string           `yaml:"socket_path"`
	AccessMode        model.AccessMode `yaml:"access_mode"`
	Password          string           `yaml:"password"`
	JournalPath       string           `yaml:"journal_path"`
	JournalRetention  time.Duration    `yaml:"journal_retention"`
	LogLevel          string           `yaml:"log_level"`
	LogFormat         string           `yaml:"log_format"`
	MaxLineBytes      int              `yaml:"max_line_bytes"`
	WriteTimeout      time.Duration    `yaml:"write_timeout"`
	AcceptBackoff     time.Duration    `yaml:"accept_backoff"`
	AcceptMaxFailures int              `yaml:"accept_max_failures"`
	MaxAncestryHops   int              `yaml:"max_ancestry_hops"`
	Browser           BrowserConfig    `yaml:"browser"`
}

type BrowserConfig struct {
	Enabled               bool          `yaml:"enabled"`
	RemoteURL             string        `yaml:"remote_url"`
	ExecPath              string        `yaml:"exec_path"`
	Headless              bool          `yaml:"headless"`
	ScriptTimeout         time.Duration `yaml:"script_timeout"`
	ActionRetries         int           `yaml:"action_retries"`
	RetryInterval         time.Duration `yaml:"retry_interval"`
	WaitTimeout           time.Duration `yaml:"wait_timeout"`
	WaitPollInterval      time.Duration `yaml:"wait_poll_interval"`
	DialogQueueLimit      int           `yaml:"dialog_queue_limit"`
	TelemetryLimit        int           `yaml:"telemetry_limit"`
	UnsupportedLogLimit   int           `yaml:"unsupported_log_limit"`
	DiagnosticSampleLimit int           `yaml:"diagnostic_sample_limit"`
	SnapshotExcerptLines  int           `yaml:"snapshot_excerpt_lines"`
	SnapshotMaxNodes      int           `yaml:"snapshot_max_nodes"`
}

func DefaultConfig() Config {
	return Config{
		SocketPath:        defaultSocketPath(),
		AccessMode:        model.AccessCmuxOnly,
		LogLevel:          "info",
		LogFormat:         "text",
		JournalRetention:  7 * 24 * time.Hour,
		MaxLineBytes:      4 << 20,
		WriteTimeout:      10 * time.Second,
		AcceptBackoff:     50 * time.Millisecond,
		AcceptMaxFailures: 50,
		MaxAncestryHops:   128,
		Browser: BrowserConfig{
			Headless:              true,
			ScriptTimeout:         5 * time.Second,
			ActionRetries:         3,
			RetryInterval:         150 * time.Millisecond,
			WaitTimeout:           5 * time.Second,
			WaitPollInterval:      100 * time.Millisecond,
			DialogQueueLimit:      32,
			TelemetryLimit:        500,
			UnsupportedLogLimit:   100,
			DiagnosticSampleLimit: 6,
			SnapshotExcerptLines:  40,
			SnapshotMaxNodes:      400,
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (or the default config file when path is empty and one exists), then
// environment overrides.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
	}
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return Config{}, err
			}
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv applies CMUX_* overrides using lookup (os.LookupEnv in production).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("CMUX_SOCKET_PATH"); ok && strings.TrimSpace(v) != "" {
		c.SocketPath = strings.TrimSpace(v)
	} else if v, ok := lookup("CMUX_SOCKET"); ok && strings.TrimSpace(v) != "" {
		c.SocketPath = strings.TrimSpace(v)
	}
	if v, ok := lookup("CMUX_SOCKET_MODE"); ok && strings.TrimSpace(v) != "" {
		c.AccessMode = model.AccessMode(strings.TrimSpace(v))
	}
	if v, ok := lookup("CMUX_SOCKET_PASSWORD"); ok {
		c.Password = v
	}
	if v, ok := lookup("CMUX_JOURNAL"); ok {
		c.JournalPath = strings.TrimSpace(v)
	}
	if v, ok := lookup("CMUX_LOG_LEVEL"); ok && strings.TrimSpace(v) != "" {
		c.LogLevel = strings.TrimSpace(v)
	}
	if v, ok := lookup("CMUX_BROWSER_CDP_URL"); ok && strings.TrimSpace(v) != "" {
		c.Browser.RemoteURL = strings.TrimSpace(v)
		c.Browser.Enabled = true
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.SocketPath) == "" {
		return errors.New("socket_path is required")
	}
	if _, ok := model.ParseAccessMode(string(c.AccessMode)); !ok {
		return fmt.Errorf("unknown access_mode %q", c.AccessMode)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}
	if c.MaxLineBytes <= 0 || c.AcceptMaxFailures <= 0 || c.MaxAncestryHops <= 0 {
		return errors.New("max_line_bytes, accept_max_failures and max_ancestry_hops must be positive")
	}
	if c.AcceptBackoff <= 0 || c.WriteTimeout <= 0 {
		return errors.New("accept_backoff and write_timeout must be positive")
	}
	b := c.Browser
	if b.ScriptTimeout <= 0 || b.RetryInterval <= 0 || b.WaitTimeout <= 0 || b.WaitPollInterval <= 0 {
		return errors.New("browser timeouts and intervals must be positive")
	}
	if b.ActionRetries < 0 {
		return errors.New("browser.action_retries must not be negative")
	}
	if b.DialogQueueLimit <= 0 || b.TelemetryLimit <= 0 || b.UnsupportedLogLimit <= 0 || b.DiagnosticSampleLimit <= 0 {
		return errors.New("browser buffer limits must be positive")
	}
	return nil
}

// SocketMode returns the permission bits for the socket file.
func (c Config) SocketMode() os.FileMode {
	switch c.AccessMode {
	case model.AccessPassword, model.AccessAllowAll:
		return 0o666
	default:
		return 0o600
	}
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "cmux", "cmux.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/cmux.sock"
	}
	return filepath.Join(home, ".local", "state", "cmux", "cmux.sock")
}

func defaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "cmuxctl", "config.yaml")
}
