// Precompute tool for filling the Kestrel findings backlog offline.
//
// Usage:
//   go run cmd/precompute/main.go -workers 4 -rps 0.5
//
// This tool:
//   1. Enumerates the combination space (tools x source subsets x languages)
//   2. Enqueues a computation job for every combination without valid findings
//   3. Runs the worker pool until the backlog drains or the process is stopped
//   4. Prints the final job counts
//
// Interrupting the run is safe; completed work is kept and a later run
// resumes from the remaining jobs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mtsa-analytics/kestrel/internal/bus"
	"github.com/mtsa-analytics/kestrel/internal/cache"
	"github.com/mtsa-analytics/kestrel/internal/dataset"
	"github.com/mtsa-analytics/kestrel/internal/domain"
	"github.com/mtsa-analytics/kestrel/internal/generator"
	"github.com/mtsa-analytics/kestrel/internal/pipeline"
	"github.com/mtsa-analytics/kestrel/internal/resolver"
	"github.com/mtsa-analytics/kestrel/internal/store"
	"github.com/mtsa-analytics/kestrel/internal/validator"
)

func main() {
	var (
		workers       = flag.Int("workers", 0, "concurrent workers (0 = config default)")
		rps           = flag.Float64("rps", 0, "generator requests per second (0 = config default)")
		maxAttempts   = flag.Int("max-attempts", 0, "attempts before a job fails permanently (0 = config default)")
		catalogPath   = flag.String("catalog", "", "YAML catalog overriding the built-in tools and sources")
		datasetPath   = flag.String("datasets", "", "YAML file of dataset summaries fed to the generator")
		dbPath        = flag.String("db", "", "SQLite database path (overrides config)")
		enumerateOnly = flag.Bool("enumerate-only", false, "enqueue the backlog and exit without running workers")
		debug         = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug || os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg := domain.DefaultConfig()
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
	}
	if *workers > 0 {
		cfg.Pipeline.Workers = *workers
	}
	if *rps > 0 {
		cfg.Pipeline.GeneratorRPS = *rps
	}
	if *maxAttempts > 0 {
		cfg.Pipeline.MaxAttempts = *maxAttempts
	}
	if *dbPath != "" {
		cfg.Store.SQLitePath = *dbPath
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

	if err := run(cfg, *catalogPath, *datasetPath, *enumerateOnly); err != nil {
		slog.Error("precompute failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *domain.Config, catalogPath, datasetPath string, enumerateOnly bool) error {
	catalog := domain.DefaultCatalog()
	if catalogPath != "" {
		var err error
		catalog, err = domain.LoadCatalog(catalogPath)
		if err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}
	}

	st, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer st.Close()

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheImpl.Close()

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()

	gen, err := generator.NewClient(cfg.Generator)
	if err != nil {
		return fmt.Errorf("initialize generator: %w", err)
	}

	var datasets domain.DatasetProvider
	if datasetPath != "" {
		fp, err := dataset.LoadFile(datasetPath)
		if err != nil {
			return fmt.Errorf("load datasets: %w", err)
		}
		datasets = fp
		slog.Info("dataset provider loaded", "entries", fp.Len())
	}

	engine, err := validator.NewEngine(validator.BuiltinRules())
	if err != nil {
		return fmt.Errorf("initialize validation engine: %w", err)
	}

	res := resolver.New(st, cacheImpl, gen, datasets, busImpl, engine, cfg.Resolver, cfg.Cache.RecordTTL)
	pipe := pipeline.New(st, res, catalog, busImpl, cfg.Pipeline)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	created, err := pipe.EnumerateBacklog(ctx)
	if err != nil {
		return fmt.Errorf("enumerate backlog: %w", err)
	}
	space := len(catalog.Tools) * ((1 << len(catalog.Sources)) - 1) * len(catalog.Languages)
	slog.Info("backlog enumerated",
		"jobs_created", created,
		"combination_space", space,
		"workers", cfg.Pipeline.Workers,
		"generator_rps", cfg.Pipeline.GeneratorRPS,
	)

	if enumerateOnly {
		return nil
	}

	// Report progress while the pool runs
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				counts, err := pipe.Progress(ctx)
				if err != nil {
					continue
				}
				slog.Info("backlog progress",
					"pending", counts.Pending,
					"running", counts.Running,
					"completed", counts.Completed,
					"failed", counts.Failed,
				)
			}
		}
	}()

	start := time.Now()
	runErr := pipe.Run(ctx)
	cancel()
	<-progressDone

	counts, err := pipe.Progress(context.Background())
	if err != nil {
		return fmt.Errorf("read final job counts: %w", err)
	}
	slog.Info("precompute finished",
		"elapsed", time.Since(start).Round(time.Second).String(),
		"pending", counts.Pending,
		"running", counts.Running,
		"completed", counts.Completed,
		"failed", counts.Failed,
	)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	if counts.Failed > 0 {
		return fmt.Errorf("%d jobs failed permanently", counts.Failed)
	}
	return nil
}
