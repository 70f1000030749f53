// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main is the webrelay server: it drives stealth browser sessions against web chat
// providers and serves them behind an OpenAI-compatible API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/webrelay/internal/api"
	"github.com/traylinx/webrelay/internal/browser"
	"github.com/traylinx/webrelay/internal/buildinfo"
	"github.com/traylinx/webrelay/internal/config"
	"github.com/traylinx/webrelay/internal/hooks"
	"github.com/traylinx/webrelay/internal/intercept"
	"github.com/traylinx/webrelay/internal/logging"
	"github.com/traylinx/webrelay/internal/orchestrator"
	"github.com/traylinx/webrelay/internal/provider"
	"github.com/traylinx/webrelay/internal/provider/deepseek"
	"github.com/traylinx/webrelay/internal/provider/kimi"
	"github.com/traylinx/webrelay/internal/provider/qwen"
	"github.com/traylinx/webrelay/internal/provider/zai"
	"github.com/traylinx/webrelay/internal/recovery"
	"github.com/traylinx/webrelay/internal/session"
	"github.com/traylinx/webrelay/internal/store"
	"github.com/traylinx/webrelay/internal/util"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hooks" {
		os.Exit(handleHooksCommand(os.Args[2:], os.Stdout))
	}

	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Configure File Path")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("webrelay %s (commit %s, built %s)\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
		return
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("failed to load .env file")
	}

	cfg, err := config.LoadConfigOptional(configPath, true)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg.ApplyEnv(os.Getenv)

	if err := run(cfg); err != nil {
		log.Fatalf("webrelay: %v", err)
	}
}

func run(cfg *config.Config) error {
	sb, err := util.NewStateBox(cfg.StateDir)
	if err != nil {
		return err
	}
	if err := sb.EnsureDir(sb.RootPath()); err != nil {
		return err
	}

	logging.SetDebug(cfg.Debug)
	if err := logging.ConfigureLogOutput(cfg.LoggingToFile, sb.LogsDir(), cfg.LogsMaxSizeMB); err != nil {
		return err
	}
	if !sb.IsReadOnly() {
		if err := util.HardenPermissions(sb); err != nil {
			log.WithError(err).Warn("failed to harden state directory permissions")
		}
	}
	log.WithFields(log.Fields{"version": buildinfo.Version, "state_dir": sb.RootPath()}).Info("starting webrelay")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cookies, err := store.NewCookieStore(ctx, store.CookieStoreConfig{Path: sb.CookieDBPath()})
	if err != nil {
		return err
	}
	defer cookies.Close()

	adapters, err := buildAdapters(cfg)
	if err != nil {
		return err
	}
	registry, err := provider.NewRegistry(adapters...)
	if err != nil {
		return err
	}

	bcfg := cfg.Browser
	if bcfg.UserDataDir == "" && bcfg.ControlURL == "" {
		bcfg.UserDataDir = sb.ProfileDir()
	}
	launcher := browser.NewRodLauncher(bcfg)
	defer launcher.Close()

	bus := hooks.NewEventBus(256)
	defer bus.Shutdown()

	sessions := session.NewManager(launcher, registry.Provisioners(), session.Options{
		PoolSize:       cfg.Pool.Size,
		PoolSizes:      cfg.Pool.Sizes,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		IdleTimeout:    cfg.Pool.IdleTimeout,
	}, cookies, bus)

	hooksDir := cfg.HooksDir
	if hooksDir == "" {
		hooksDir = sb.HooksDir()
	}
	hookManager, err := hooks.NewHookManager(hooksDir, bus, sessions)
	if err != nil {
		return err
	}
	if err := hookManager.LoadHooks(); err != nil {
		log.WithError(err).Warn("failed to load hooks")
	}
	hookManager.SubscribeToAllEvents()
	if err := hookManager.StartWatcher(); err != nil {
		log.WithError(err).Warn("hook hot reload disabled")
	}
	defer hookManager.Stop()

	rec := recovery.NewManager(recovery.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}, sessions, bus)
	monitor := recovery.NewMonitor(recovery.MonitorConfig{
		CheckInterval: cfg.Monitor.CheckInterval,
		CheckTimeout:  cfg.Monitor.CheckTimeout,
		SweepInterval: cfg.Pool.SweepInterval,
	}, sessions, rec)
	if err := monitor.Start(ctx); err != nil {
		return err
	}
	defer monitor.Stop()

	orch := orchestrator.New(registry, sessions, intercept.NewRouter(nil), rec, bus, orchestrator.Options{
		RequestTimeout: cfg.RequestTimeout,
		StallTimeout:   cfg.StallTimeout,
	})

	if cfg.Pool.Warm {
		go warm(ctx, sessions, registry.IDs())
	}

	server := api.NewServer(cfg, orch, sessions, sb)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case err = <-serverErr:
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
		log.WithError(errShutdown).Warn("API server shutdown")
	}
	for _, id := range orch.Active() {
		orch.Cancel(id)
	}
	if errWait := orch.Wait(shutdownCtx); errWait != nil {
		log.WithError(errWait).Warn("requests still running at shutdown")
	}
	if errShutdown := sessions.Shutdown(shutdownCtx); errShutdown != nil {
		log.WithError(errShutdown).Warn("session shutdown")
	}
	return err
}

// buildAdapters creates an adapter for every enabled provider.
func buildAdapters(cfg *config.Config) ([]provider.Adapter, error) {
	var out []provider.Adapter
	for _, id := range cfg.EnabledProviders() {
		opts := cfg.ProviderOptions(id)
		switch id {
		case "deepseek":
			a, err := deepseek.New(opts)
			if err != nil {
				return nil, fmt.Errorf("deepseek: %w", err)
			}
			out = append(out, a)
		case "qwen":
			out = append(out, qwen.New(opts))
		case "zai":
			out = append(out, zai.New(opts))
		case "kimi":
			out = append(out, kimi.New(opts))
		default:
			log.WithField("provider", id).Warn("no adapter for configured provider, skipping")
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no providers enabled")
	}
	return out, nil
}

// warm opens one session per provider so the first request skips browser startup.
func warm(ctx context.Context, sessions *session.Manager, ids []string) {
	for _, id := range ids {
		if err := sessions.Warm(ctx, id, 1); err != nil {
			log.WithError(err).WithField("provider", id).Warn("warm-up failed")
		}
	}
}

// defaultHooksDir resolves the hooks directory for CLI commands without a running server.
func defaultHooksDir(configPath string) string {
	cfg, err := config.LoadConfigOptional(configPath, true)
	if err == nil && cfg.HooksDir != "" {
		if dir, errExpand := util.ExpandPath(cfg.HooksDir); errExpand == nil {
			return dir
		}
	}
	stateDir := ""
	if cfg != nil {
		stateDir = cfg.StateDir
	}
	sb, err := util.NewStateBox(stateDir)
	if err != nil {
		return filepath.Join(".webrelay", "hooks")
	}
	return sb.HooksDir()
}
