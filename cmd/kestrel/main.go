// Kestrel - Precomputed market findings, served in milliseconds.
// Copyright (c) 2026 MTSA Analytics
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mtsa-analytics/kestrel/internal/api"
	"github.com/mtsa-analytics/kestrel/internal/bus"
	"github.com/mtsa-analytics/kestrel/internal/cache"
	"github.com/mtsa-analytics/kestrel/internal/dataset"
	"github.com/mtsa-analytics/kestrel/internal/domain"
	"github.com/mtsa-analytics/kestrel/internal/generator"
	"github.com/mtsa-analytics/kestrel/internal/pipeline"
	"github.com/mtsa-analytics/kestrel/internal/resolver"
	"github.com/mtsa-analytics/kestrel/internal/store"
	"github.com/mtsa-analytics/kestrel/internal/usage"
	"github.com/mtsa-analytics/kestrel/internal/validator"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}
	applyEnvOverrides(cfg)

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"store", cfg.Store.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
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

	// Initialize Store
	st, err := store.New(cfg.Store)
	if err != nil {
		slog.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	slog.Info("store initialized", "driver", cfg.Store.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Load catalog
	catalog := domain.DefaultCatalog()
	if cfg.CatalogPath != "" {
		catalog, err = domain.LoadCatalog(cfg.CatalogPath)
		if err != nil {
			slog.Error("failed to load catalog", "path", cfg.CatalogPath, "error", err)
			os.Exit(1)
		}
	}
	slog.Info("catalog loaded",
		"tools", len(catalog.Tools),
		"sources", len(catalog.Sources),
		"languages", len(catalog.Languages),
	)

	// Initialize Generator client
	gen, err := generator.NewClient(cfg.Generator)
	if err != nil {
		slog.Error("failed to initialize generator", "error", err)
		os.Exit(1)
	}
	slog.Info("generator initialized", "model", cfg.Generator.Model)

	// Initialize Dataset Provider (optional)
	var datasets domain.DatasetProvider
	if cfg.DatasetPath != "" {
		fp, err := dataset.LoadFile(cfg.DatasetPath)
		if err != nil {
			slog.Error("failed to load datasets", "path", cfg.DatasetPath, "error", err)
			os.Exit(1)
		}
		datasets = fp
		slog.Info("dataset provider initialized", "entries", fp.Len())
	} else {
		slog.Warn("no dataset path configured - generation requests carry no dataset summary")
	}

	// Initialize Validation Engine
	engine, err := validator.NewEngine(validator.BuiltinRules())
	if err != nil {
		slog.Error("failed to initialize validation engine", "error", err)
		os.Exit(1)
	}
	slog.Info("validation engine initialized")

	// Initialize Resolver
	res := resolver.New(st, cacheImpl, gen, datasets, busImpl, engine, cfg.Resolver, cfg.Cache.RecordTTL)
	slog.Info("resolver initialized", "keep_invalid", cfg.Resolver.KeepInvalidRecords)

	// Initialize Pipeline (serves backfill and job endpoints; batch runs
	// use the precompute binary)
	pipe := pipeline.New(st, res, catalog, busImpl, cfg.Pipeline)
	slog.Info("pipeline initialized", "workers", cfg.Pipeline.Workers)

	// Initialize Usage Recorder
	recorder := usage.NewRecorder(st, busImpl, usage.Config{})
	if err := recorder.Start(ctx); err != nil {
		slog.Error("failed to start usage recorder", "error", err)
		os.Exit(1)
	}
	slog.Info("usage recorder started")

	// Initialize Server
	srv := api.NewServer(cfg.Server, st, cacheImpl, res, pipe, catalog, Version)

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

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop the recorder first so buffered usage events reach the store
	recorder.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// applyEnvOverrides lets deployments tweak individual settings without a
// config file. Unset variables leave the tier defaults untouched.
func applyEnvOverrides(cfg *domain.Config) {
	if v := os.Getenv("KESTREL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("KESTREL_SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_HOST"); v != "" {
		cfg.Store.PostgresHost = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_PASSWORD"); v != "" {
		cfg.Store.PostgresPassword = v
	}
	if v := os.Getenv("KESTREL_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("KESTREL_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv("KESTREL_GENERATOR_BASE_URL"); v != "" {
		cfg.Generator.BaseURL = v
	}
	if v := os.Getenv("KESTREL_GENERATOR_API_KEY"); v != "" {
		cfg.Generator.APIKey = v
	}
	if v := os.Getenv("KESTREL_GENERATOR_MODEL"); v != "" {
		cfg.Generator.Model = v
	}
	if v := os.Getenv("KESTREL_CATALOG_PATH"); v != "" {
		cfg.CatalogPath = v
	}
	if v := os.Getenv("KESTREL_DATASET_PATH"); v != "" {
		cfg.DatasetPath = v
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║     Precomputed Findings Service          ║")
	fmt.Println("  ║      Every combination, ready.            ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /findings/resolve            - Resolve findings for a combination")
	fmt.Println("    GET  /findings                    - List stored findings")
	fmt.Println("    GET  /findings/{hash}             - Get findings by combination hash")
	fmt.Println("    POST /findings/{hash}/invalidate  - Invalidate a record")
	fmt.Println("    GET  /jobs                        - List computation jobs")
	fmt.Println("    GET  /jobs/counts                 - Job counts by status")
	fmt.Println("    POST /jobs/backfill               - Enqueue the missing combination space")
	fmt.Println("    GET  /catalog                     - Tools, sources and languages")
	fmt.Println("    GET  /stats                       - Store and cache statistics")
	fmt.Println("    GET  /health                      - Health check")
	fmt.Println()
}
