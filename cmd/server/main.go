package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chris-hammond-ross/pi-podcast/internal/bluetooth"
	"github.com/chris-hammond-ross/pi-podcast/internal/config"
	"github.com/chris-hammond-ross/pi-podcast/internal/hub"
	httpapi "github.com/chris-hammond-ross/pi-podcast/internal/http"
	"github.com/chris-hammond-ross/pi-podcast/internal/logging"
	"github.com/chris-hammond-ross/pi-podcast/internal/storage"
	"github.com/chris-hammond-ross/pi-podcast/internal/watchdog"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)

	if err := os.MkdirAll(cfg.DBDir(), 0o755); err != nil {
		logger.Error("failed to create db directory", "err", err)
		os.Exit(1)
	}

	repo, err := storage.New(ctx, cfg.DBPath, logger)
	if err != nil {
		logger.Error("failed to initialize storage", "err", err)
		os.Exit(1)
	}
	defer repo.Close()

	filter, err := bluetooth.NewFilterFromFile(cfg.VendorPatternsPath)
	if err != nil {
		logger.Error("failed to build device filter", "err", err)
		os.Exit(1)
	}

	events := hub.New(logger)
	registry := bluetooth.NewRegistry(repo, filter, events, logger, cfg.OfflineThreshold)
	if err := registry.LoadPersisted(ctx); err != nil {
		logger.Error("failed to load persisted devices", "err", err)
		os.Exit(1)
	}

	controller := bluetooth.NewController(bluetooth.Options{
		BluetoothctlPath: cfg.BluetoothctlPath,
		CommandTimeout:   cfg.CommandTimeout,
		ScanTimeout:      cfg.ScanTimeout,
		PairTimeout:      cfg.PairTimeout,
	}, registry, events, logger)
	events.SetSnapshot(controller.Snapshot)
	controller.Run(ctx)
	defer controller.Stop()

	// Bluetooth is best-effort at boot: a spawn failure leaves the HTTP
	// surface up and /api/init can re-establish it later.
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := controller.Init(initCtx); err != nil {
		logger.Warn("bluetooth init failed; continuing degraded", "err", err)
	}
	cancel()

	sweeper := watchdog.New(registry, cfg.SweepInterval, logger)
	go sweeper.Run(ctx)
	sweeper.TriggerSweep()

	api := httpapi.New(controller, events, logger, cfg.FrontendDist)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(api),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("server starting", "addr", httpServer.Addr)
	if err := httpapi.RunServer(ctx, httpServer); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated with error", "err", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
