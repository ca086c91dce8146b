// Warden - game automation supervisor.
//
// Warden drives session-authenticated browser-game accounts through page
// executors connected over a websocket gateway: one bot engine per game
// server, a REST API and interactive CLI for operators, and MQTT/webhook
// alerting for emergencies.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/warden-project/warden/internal/api"
	"github.com/warden-project/warden/internal/cli"
	"github.com/warden-project/warden/internal/config"
	"github.com/warden-project/warden/internal/engine"
	"github.com/warden-project/warden/internal/events"
	"github.com/warden-project/warden/internal/gateway"
	"github.com/warden-project/warden/internal/logging"
	"github.com/warden-project/warden/internal/manager"
	"github.com/warden-project/warden/internal/notify"
	"github.com/warden-project/warden/internal/storage"
	"github.com/warden-project/warden/internal/strategy"
	"github.com/warden-project/warden/internal/supervisor"
	"github.com/warden-project/warden/internal/util"
)

const (
	AppName    = "Warden"
	AppVersion = "1.0.0"
	Banner     = `
 __      __            _
 \ \    / /_ _ _ _ __| |___ _ _
  \ \/\/ / _' | '_/ _' / -_) ' \
   \_/\_/\__,_|_| \__,_\___|_||_|  v%s
 Game Automation Supervisor
`
)

func main() {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Defaults first; reconfigured after config load.
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting Warden")

	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logCfg := util.LogConfig{
		Level:      cfg.Logging.Level,
		Directory:  cfg.Logging.Directory,
		MaxBackups: cfg.Logging.MaxBackups,
		Console:    true,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistent store, with one-time legacy single-server migration.
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
		log.Fatal().Err(err).Msg("failed to create storage directory")
	}
	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage")
	}
	defer store.Close()

	if err := store.MigrateLegacy(""); err != nil {
		log.Warn().Err(err).Msg("legacy storage migration failed")
	}

	// Core components.
	bus := events.NewBus()
	ring := logging.NewRing(store)
	ring.Load()

	alarms := supervisor.NewAlarmService(bus)
	gw := gateway.NewServer(cfg.GatewayAddr(), bus)

	mgr := manager.New(func(serverKey string) *engine.Engine {
		return engine.New(serverKey, nil, strategy.NewRuleDecider(), store, ring, bus, alarms)
	})

	cookies := config.NewFileCookieSource(cfg.Cookies.File)
	sup := supervisor.New(mgr, gw, store, ring, bus, alarms, cookies)

	apiServer := api.NewServer(cfg, bus, sup, ring)

	var mqttNotifier *notify.MQTTNotifier
	if cfg.MQTT.Enabled {
		mqttNotifier, err = notify.NewMQTTNotifier(cfg, bus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, alerts disabled")
		}
	}
	if cfg.Webhook.URL != "" {
		notify.NewWebhookNotifier(cfg, bus)
	}

	cliHandler := cli.NewCLI(cfg, bus, sup)

	// ---------------------------------------------------------------
	// Launch concurrent tasks.
	// ---------------------------------------------------------------
	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	// Executor gateway: the page executors connect here. Fatal on
	// failure, nothing works without it.
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", cfg.GatewayAddr()).Msg("starting executor gateway")
		if err := gw.Start(ctx); err != nil {
			log.Error().Err(err).Msg("executor gateway failed")
			errCh <- fmt.Errorf("executor gateway: %w", err)
		}
	}()

	// REST API (non-fatal: the CLI still works without it).
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", cfg.APIAddr()).Msg("starting REST API server")
		if err := apiServer.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("API server failed (non-fatal)")
		}
	}()

	// MQTT alert publishing (non-fatal).
	if mqttNotifier != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mqttNotifier.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT notifier failed (non-fatal)")
			}
		}()
	}

	// Background log-ring flusher.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ring.Run(ctx)
	}()

	// Interactive CLI.
	wg.Add(1)
	go func() {
		defer wg.Done()
		cliHandler.Start(ctx)
	}()

	// Shutdown on signal, CLI quit, or fatal component error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	shutdownCh := make(chan struct{})
	bus.Subscribe(events.EventShutdown, "main.shutdown", func(ctx context.Context, event events.Event) error {
		select {
		case <-shutdownCh:
		default:
			close(shutdownCh)
		}
		return nil
	})

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-shutdownCh:
		log.Info().Msg("shutdown requested via CLI")
	case err := <-errCh:
		log.Error().Err(err).Msg("fatal component error")
	}

	// Teardown: stop engines first so their final state lands in storage,
	// then cancel everything else.
	sup.Shutdown()
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		log.Warn().Msg("shutdown timed out, exiting anyway")
	}

	if err := ring.Flush(); err != nil {
		log.Warn().Err(err).Msg("final log flush failed")
	}
	bus.Stop()
	log.Info().Msg("Warden stopped")
}
