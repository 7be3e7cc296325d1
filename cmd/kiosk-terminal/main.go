package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goeen_log "github.com/eencloud/goeen/log"

	"kiosk-terminal/internal/api"
	"kiosk-terminal/internal/backend"
	"kiosk-terminal/internal/config"
	"kiosk-terminal/internal/core"
	"kiosk-terminal/internal/readers"
	_ "kiosk-terminal/internal/readers/simulated"
	_ "kiosk-terminal/internal/readers/taptopay"
	"kiosk-terminal/internal/settings"
	"kiosk-terminal/internal/telemetry"
	"kiosk-terminal/internal/terminal"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	bootLogger := goeen_log.NewContext(os.Stdout, "", goeen_log.LevelInfo).GetLogger("kiosk-terminal", goeen_log.LevelInfo)

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger.Fatalf("Failed to load configuration: %v", err)
	}

	level := goeen_log.LevelInfo
	if cfg.Log.Level == "error" {
		level = goeen_log.LevelError
	}
	logger := goeen_log.NewContext(os.Stdout, "", level).GetLogger("kiosk-terminal", level)
	logger.Info("Starting kiosk terminal service...")

	dataDir := cfg.Data.Dir
	if dataDir == "" {
		dataDir = core.GetDataDirectory()
	}
	dbDir := filepath.Join(dataDir, "registration_db")
	store, err := core.NewRegistrationStore(dbDir, logger)
	if err != nil {
		logger.Fatalf("Failed to open registration store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Errorf("Failed to close registration store: %v", err)
		}
	}()

	health := core.NewBackendHealth()
	client := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.APIKey, cfg.Backend.Timeout, health, logger)

	tokenEndpoint := cfg.Backend.TokenEndpoint
	if tokenEndpoint == "" {
		tokenEndpoint = cfg.Backend.BaseURL + "/terminal/connection_tokens"
	}
	tokens := backend.NewTokenProvider(tokenEndpoint, cfg.Backend.APIKey, cfg.Backend.TokenPrefix, cfg.Backend.Timeout, logger)

	settingsManager := settings.NewManager(logger, settings.TerminalSettings{
		LocationID:        cfg.Terminal.LocationID,
		Label:             cfg.Terminal.Label,
		HeartbeatInterval: cfg.Terminal.HeartbeatInterval,
		TapTimeout:        cfg.Terminal.TapTimeout,
	})

	newFunc, err := readers.Get(cfg.Terminal.Driver)
	if err != nil {
		logger.Fatalf("Failed to resolve reader driver: %v", err)
	}
	driverConfig, err := json.Marshal(map[string]string{
		"label":       cfg.Terminal.Label,
		"tablet_id":   cfg.Terminal.TabletID,
		"app_version": cfg.Terminal.AppVersion,
	})
	if err != nil {
		logger.Fatalf("Failed to marshal driver config: %v", err)
	}
	driver, err := newFunc(logger, driverConfig, readers.Deps{Client: client, Tokens: tokens})
	if err != nil {
		logger.Fatalf("Failed to create %s driver: %v", cfg.Terminal.Driver, err)
	}

	telemetry.InitMetrics()
	manager := terminal.NewManager(logger, store, client, driver, settingsManager)
	manager.SetAuditLog(core.NewAuditLogger(filepath.Join(dataDir, "audit"), 64, logger))

	apiAddr := cfg.Server.Addr
	if port := os.Getenv("KIOSK_SERVICE_PORT"); port != "" {
		apiAddr = ":" + port
	}
	server := api.NewServer(apiAddr, logger, settingsManager, manager, health)
	server.Store = store

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("API Server failed: %v", err)
		}
	}()

	reporterCtx, stopReporter := context.WithCancel(context.Background())
	defer stopReporter()
	manager.StartStatusReporter(reporterCtx, 10*time.Minute)

	// Rebind when a settings push moves the terminal to another location.
	go func() {
		for range settingsManager.Changes() {
			target := settingsManager.Get().LocationID
			if target == "" {
				continue
			}
			current := manager.CurrentReader()
			if current != nil && current.LocationID == target {
				continue
			}
			logger.Infof("Settings moved terminal to location %s, rebinding", target)
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			if _, err := manager.Bind(ctx, target); err != nil {
				logger.Errorf("Rebind to location %s failed: %v", target, err)
			}
			cancel()
		}
	}()

	if cfg.Terminal.LocationID != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			bound, err := manager.Bind(ctx, cfg.Terminal.LocationID)
			if err != nil {
				logger.Errorf("Initial bind failed: %v", err)
				return
			}
			logger.Infof("Reader %s bound at location %s", bound.ReaderID, bound.LocationID)
		}()
	}

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	if err := manager.Unbind(); err != nil {
		logger.Errorf("Unbind on shutdown failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := server.Stop(ctx); err != nil {
		logger.Errorf("API Server stop failed: %v", err)
	}
	cancel()
	logger.Info("Kiosk terminal service stopped")
}
