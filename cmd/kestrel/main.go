// Kestrel - Anomaly scoring for single transactions.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/baseline"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Getenv(config.EnvConfigFile))
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	slog.SetDefault(newLogger(cfg.Logging))

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"strict_categories", cfg.Rules.StrictCategories,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Fit the anomaly model on the baseline corpus
	schema, err := baseline.Schema()
	if err != nil {
		slog.Error("failed to derive feature schema", "error", err)
		os.Exit(1)
	}

	start := time.Now()
	m, err := model.Build(cfg.Model, baseline.Corpus(), schema)
	if err != nil {
		slog.Error("failed to build model", "error", err)
		os.Exit(1)
	}
	slog.Info("model built",
		"fingerprint", m.Fingerprint(),
		"features", schema.Width(),
		"trees", cfg.Model.Trees,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	// Initialize Rule Overlay
	overlay, err := rules.NewOverlay(rules.DefaultRules(cfg.Rules.StrictCategories))
	if err != nil {
		slog.Error("failed to initialize rule overlay", "error", err)
		os.Exit(1)
	}
	slog.Info("rule overlay initialized", "rules_count", overlay.RulesCount())

	pipeline, err := scoring.NewPipeline(m, overlay)
	if err != nil {
		slog.Error("failed to initialize scoring pipeline", "error", err)
		os.Exit(1)
	}

	// Initialize Manifest Store
	store, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	if store != nil {
		defer store.Close()

		manifest := m.Manifest()
		if err := store.SaveManifest(ctx, &manifest); err != nil {
			slog.Error("failed to record model manifest", "error", err)
			os.Exit(1)
		}
	}
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	if cacheImpl != nil {
		defer cacheImpl.Close()
	}
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	if busImpl != nil {
		defer busImpl.Close()
	}
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	service := scoring.NewService(pipeline, cacheImpl, busImpl, cfg.Cache)

	// Initialize async Worker
	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		if busImpl == nil {
			slog.Warn("async worker enabled without an event bus, skipping")
		} else {
			asyncWorker = worker.NewWorker(busImpl, service)
			if err := asyncWorker.Start(); err != nil {
				slog.Error("failed to start async worker", "error", err)
				asyncWorker = nil
			} else {
				slog.Info("async worker started", "topic", domain.TopicTransactionSubmitted)
			}
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, service, store, cacheImpl, busImpl, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, m, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, m *model.Model, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║                 KESTREL                   ║")
	fmt.Println("  ║      Transaction Anomaly Scoring          ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Model:    %s\n", m.Fingerprint())
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /predict           - Score a transaction")
	fmt.Println("    POST /submit            - Queue a transaction for async scoring")
	fmt.Println("    GET  /model             - Current model manifest")
	fmt.Println("    GET  /model/history     - Recorded model manifests")
	fmt.Println("    GET  /rules             - List overlay rules")
	fmt.Println("    GET  /health            - Health check")
	fmt.Println("    GET  /ready             - Readiness check")
	fmt.Println("    GET  /metrics           - Prometheus metrics")
	fmt.Println()
}
