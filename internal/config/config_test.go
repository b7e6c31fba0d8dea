package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/cmuxctl/internal/model"
)

func envMap(kv map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := kv[k]
		return v, ok
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, model.AccessCmuxOnly, cfg.AccessMode)
	assert.Equal(t, os.FileMode(0o600), cfg.SocketMode())
	assert.False(t, cfg.Browser.Enabled)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	t.Setenv("CMUX_SOCKET_PATH", "")
	t.Setenv("CMUX_SOCKET", "")
	t.Setenv("CMUX_SOCKET_MODE", "")
	t.Setenv("CMUX_LOG_LEVEL", "")
	t.Setenv("CMUX_BROWSER_CDP_URL", "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
socket_path: /tmp/cmux-test.sock
access_mode: password
password: pw
journal_retention: 1h
browser:
  action_retries: 5
  wait_timeout: 2s
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/cmux-test.sock", cfg.SocketPath)
	assert.Equal(t, model.AccessPassword, cfg.AccessMode)
	assert.Equal(t, time.Hour, cfg.JournalRetention)
	assert.Equal(t, 5, cfg.Browser.ActionRetries)
	assert.Equal(t, 2*time.Second, cfg.Browser.WaitTimeout)
	// untouched keys keep their defaults
	assert.Equal(t, DefaultConfig().Browser.RetryInterval, cfg.Browser.RetryInterval)
	assert.Equal(t, os.FileMode(0o666), cfg.SocketMode())
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("socket_path: [unterminated"), 0o600))
	_, err := Load(path)
	require.ErrorContains(t, err, "parse config")
}

func TestApplyEnvPrecedence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApplyEnv(envMap(map[string]string{
		"CMUX_SOCKET":          "/tmp/legacy.sock",
		"CMUX_SOCKET_PATH":     " /tmp/preferred.sock ",
		"CMUX_SOCKET_MODE":     "allowAll",
		"CMUX_SOCKET_PASSWORD": "secret",
		"CMUX_JOURNAL":         "/tmp/journal.db",
		"CMUX_LOG_LEVEL":       "debug",
		"CMUX_BROWSER_CDP_URL": "ws://127.0.0.1:9222/devtools/browser/abc",
	}))
	assert.Equal(t, "/tmp/preferred.sock", cfg.SocketPath)
	assert.Equal(t, model.AccessAllowAll, cfg.AccessMode)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, "/tmp/journal.db", cfg.JournalPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Browser.Enabled)
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", cfg.Browser.RemoteURL)

	legacy := DefaultConfig()
	legacy.ApplyEnv(envMap(map[string]string{"CMUX_SOCKET": "/tmp/legacy.sock", "CMUX_SOCKET_PATH": "  "}))
	assert.Equal(t, "/tmp/legacy.sock", legacy.SocketPath)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"empty socket":      func(c *Config) { c.SocketPath = " " },
		"unknown access":    func(c *Config) { c.AccessMode = "everyone" },
		"unknown format":    func(c *Config) { c.LogFormat = "xml" },
		"zero max line":     func(c *Config) { c.MaxLineBytes = 0 },
		"zero backoff":      func(c *Config) { c.AcceptBackoff = 0 },
		"negative retries":  func(c *Config) { c.Browser.ActionRetries = -1 },
		"zero wait poll":    func(c *Config) { c.Browser.WaitPollInterval = 0 },
		"zero dialog queue": func(c *Config) { c.Browser.DialogQueueLimit = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
