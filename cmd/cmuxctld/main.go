package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/g960059/cmuxctl/internal/browser"
	"github.com/g960059/cmuxctl/internal/config"
	"github.com/g960059/cmuxctl/internal/daemon"
	"github.com/g960059/cmuxctl/internal/db"
	"github.com/g960059/cmuxctl/internal/domain"
	"github.com/g960059/cmuxctl/internal/model"
	"github.com/g960059/cmuxctl/internal/webview"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const retentionInterval = time.Hour

// flagValues hold command-line overrides; only flags the user set are applied.
type flagValues struct {
	configPath string
	socket     string
	accessMode string
	password   string
	journal    string
	logLevel   string
	logFormat  string
	cdpURL     string
	chromePath string
	browser    bool
	headful    bool
}

func main() {
	if err := rootCommand(&flagValues{}).Execute(); err != nil {
		fatal(err)
	}
}

func rootCommand(fv *flagValues) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "cmuxctld",
		Short:         "cmuxctld serves the cmux control socket",
		Args:          cobra.NoArgs,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, fv)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&fv.configPath, "config", "", "YAML config file (default $XDG_CONFIG_HOME/cmuxctl/config.yaml)")
	f.StringVar(&fv.socket, "socket", "", "control socket path")
	f.StringVar(&fv.accessMode, "access-mode", "", "off, cmuxOnly, password or allowAll")
	f.StringVar(&fv.password, "password", "", "socket password for password access mode")
	f.StringVar(&fv.journal, "journal", "", "sqlite request journal path (empty disables)")
	f.StringVar(&fv.logLevel, "log-level", "", "debug, info, warn or error")
	f.StringVar(&fv.logFormat, "log-format", "", "text or json")
	f.StringVar(&fv.cdpURL, "cdp-url", "", "DevTools websocket of a running browser")
	f.StringVar(&fv.chromePath, "chrome", "", "browser executable to launch")
	f.BoolVar(&fv.browser, "browser", false, "enable browser surfaces")
	f.BoolVar(&fv.headful, "headful", false, "show the launched browser window")
	return cmd
}

func loadConfig(cmd *cobra.Command, fv *flagValues) (config.Config, error) {
	cfg, err := config.Load(fv.configPath)
	if err != nil {
		return config.Config{}, err
	}
	changed := cmd.Flags().Changed
	if changed("socket") {
		cfg.SocketPath = fv.socket
	}
	if changed("access-mode") {
		cfg.AccessMode = model.AccessMode(fv.accessMode)
	}
	if changed("password") {
		cfg.Password = fv.password
	}
	if changed("journal") {
		cfg.JournalPath = fv.journal
	}
	if changed("log-level") {
		cfg.LogLevel = fv.logLevel
	}
	if changed("log-format") {
		cfg.LogFormat = fv.logFormat
	}
	if changed("cdp-url") {
		cfg.Browser.RemoteURL = fv.cdpURL
		cfg.Browser.Enabled = fv.cdpURL != ""
	}
	if changed("chrome") {
		cfg.Browser.ExecPath = fv.chromePath
	}
	if changed("browser") {
		cfg.Browser.Enabled = fv.browser
	}
	if changed("headful") {
		cfg.Browser.Headless = !fv.headful
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	deps := daemon.Deps{
		Model:   domain.NewMemory(),
		Logger:  logger,
		Version: version,
	}

	if cfg.JournalPath != "" {
		store, err := db.OpenJournal(ctx, cfg.JournalPath)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck
		deps.Store = store
		startRetentionLoop(ctx, store, cfg.JournalRetention, logger)
	}

	if cfg.Browser.Enabled {
		hooks, err := browser.HookScript(cfg.Browser)
		if err != nil {
			return err
		}
		host := webview.NewChromeHost(webview.ChromeOptions{
			RemoteURL:  cfg.Browser.RemoteURL,
			ExecPath:   cfg.Browser.ExecPath,
			Headless:   cfg.Browser.Headless,
			Logger:     logger,
			InitScript: hooks,
		})
		defer func() {
			if err := host.Close(); err != nil {
				logger.Warn("close browser host", "error", err)
			}
		}()
		deps.Browser = browser.New(host, cfg.Browser, logger)
	}

	srv := daemon.NewServer(cfg, deps)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("stopped")
	return nil
}

func newLogger(cfg config.Config) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.LogLevel))); err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

func startRetentionLoop(ctx context.Context, store *db.Store, retention time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}
	purge := func() {
		n, err := store.PurgeBefore(ctx, time.Now().UTC().Add(-retention))
		if err != nil {
			logger.Warn("journal purge failed", "error", err)
			return
		}
		if n > 0 {
			logger.Debug("journal purged", "rows", n)
		}
	}

	purge()
	go func() {
		ticker := time.NewTicker(retentionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				purge()
			}
		}
	}()
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "cmuxctld: %v\n", err)
	os.Exit(1)
}
