// Package resolver implements the cache-or-generate read path for
// precomputed findings.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/mtsa-analytics/kestrel/internal/combination"
	"github.com/mtsa-analytics/kestrel/internal/domain"
	"github.com/mtsa-analytics/kestrel/internal/store"
	"github.com/mtsa-analytics/kestrel/internal/validator"
)

var (
	// ErrContentRejected means the generator produced output that failed
	// hard validation and cannot be served.
	ErrContentRejected = errors.New("generated content rejected by validation")

	// ErrHashCollision means the stored record belongs to a different
	// combination than the one requested.
	ErrHashCollision = errors.New("combination hash collision")
)

// Resolver answers findings lookups. Reads go cache first, then store,
// and only reach the generator on a true miss. Concurrent misses for the
// same combination are coalesced into a single generator call.
type Resolver struct {
	store     domain.FindingsStore
	cache     domain.RecordCache
	generator domain.Generator
	datasets  domain.DatasetProvider
	bus       domain.EventBus
	engine    *validator.Engine
	cfg       domain.ResolverConfig
	recordTTL time.Duration

	group singleflight.Group
}

// New creates a resolver. The bus is optional; a nil bus disables usage
// telemetry. A nil dataset provider sends the generator an empty summary.
func New(
	st domain.FindingsStore,
	cache domain.RecordCache,
	gen domain.Generator,
	datasets domain.DatasetProvider,
	eventBus domain.EventBus,
	engine *validator.Engine,
	cfg domain.ResolverConfig,
	recordTTL time.Duration,
) *Resolver {
	if recordTTL <= 0 {
		recordTTL = 6 * time.Hour
	}
	return &Resolver{
		store:     st,
		cache:     cache,
		generator: gen,
		datasets:  datasets,
		bus:       eventBus,
		engine:    engine,
		cfg:       cfg,
		recordTTL: recordTTL,
	}
}

// Resolve returns the findings record for a combination, generating and
// persisting it when no usable record exists.
func (r *Resolver) Resolve(ctx context.Context, key *combination.Key) (*domain.FindingsRecord, error) {
	start := time.Now()

	// L1/L2 cache
	if rec, err := r.cache.GetRecord(ctx, key.Hash); err == nil && rec != nil && rec.Usable() {
		r.recordLookup(key.Hash, true, time.Since(start))
		// Access counting survives the cache: best-effort store update.
		go func() {
			bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = r.store.MarkAccessed(bg, key.Hash)
		}()
		return rec, nil
	}

	// Store
	rec, err := r.store.Get(ctx, key.Hash)
	switch {
	case err == nil:
		if rec.CanonicalKey != "" && rec.CanonicalKey != key.Canonical {
			return nil, fmt.Errorf("%w: stored %q, requested %q", ErrHashCollision, rec.CanonicalKey, key.Canonical)
		}
		if rec.Usable() {
			if err := r.store.MarkAccessed(ctx, key.Hash); err != nil {
				slog.Warn("access count update failed", "hash", key.Hash, "error", err)
			}
			_ = r.cache.SetRecord(ctx, key.Hash, rec, r.recordTTL)
			r.recordLookup(key.Hash, true, time.Since(start))
			return rec, nil
		}
		// Inactive or invalid record: fall through to regeneration.

	case errors.Is(err, store.ErrNotFound):
		// True miss.

	default:
		return nil, fmt.Errorf("findings lookup failed: %w", err)
	}

	generated, err, _ := r.group.Do(key.Hash, func() (any, error) {
		return r.generate(ctx, key)
	})
	if err != nil {
		r.recordLookup(key.Hash, false, time.Since(start))
		return nil, err
	}

	r.recordLookup(key.Hash, false, time.Since(start))
	return generated.(*domain.FindingsRecord), nil
}

// Lookup returns a stored record by hash without triggering generation.
func (r *Resolver) Lookup(ctx context.Context, hash string) (*domain.FindingsRecord, error) {
	start := time.Now()

	if rec, err := r.cache.GetRecord(ctx, hash); err == nil && rec != nil && rec.Usable() {
		r.recordLookup(hash, true, time.Since(start))
		return rec, nil
	}

	rec, err := r.store.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	if rec.Usable() {
		_ = r.cache.SetRecord(ctx, hash, rec, r.recordTTL)
		if err := r.store.MarkAccessed(ctx, hash); err != nil {
			slog.Warn("access count update failed", "hash", hash, "error", err)
		}
	}
	r.recordLookup(hash, true, time.Since(start))
	return rec, nil
}

// Invalidate soft-invalidates a record and evicts it from the cache.
func (r *Resolver) Invalidate(ctx context.Context, hash string, reason string) error {
	if err := r.store.Invalidate(ctx, hash, reason); err != nil {
		return err
	}
	return r.cache.Delete(ctx, "findings:"+hash)
}

// generate runs one generator call for the combination and persists the
// outcome. Runs inside the singleflight group: at most one in flight per
// hash per process.
func (r *Resolver) generate(ctx context.Context, key *combination.Key) (*domain.FindingsRecord, error) {
	req := &domain.GenerationRequest{
		ToolSlug:        key.ToolSlug,
		ToolDisplayName: key.ToolDisplayName,
		SourceSlugs:     key.SourceSlugs,
		SourceNames:     key.SourceNames,
		Language:        key.Language,
	}
	if r.datasets != nil {
		summary, points, err := r.datasets.Summarize(ctx, key.ToolSlug, key.SourceSlugs)
		if err != nil {
			return nil, fmt.Errorf("dataset summary unavailable for %s: %w", key.Canonical, err)
		}
		req.DatasetSummary = summary
		req.DataPoints = points
	}

	out, err := r.generator.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("generation failed for %s: %w", key.Canonical, err)
	}

	rec := BuildRecord(key, out)
	result := r.engine.Validate(rec)
	rec.ValidationStatus = result.Status

	if result.Status == domain.StatusInvalid {
		slog.Warn("generated content failed validation",
			"hash", key.Hash,
			"canonical", key.Canonical,
			"reasons", strings.Join(result.Reasons, "; "),
		)
		if r.cfg.KeepInvalidRecords {
			rec.Active = false
			rec.InvalidateReason = strings.Join(result.Reasons, "; ")
			if err := r.store.Put(ctx, rec); err != nil && !errors.Is(err, store.ErrStaleWrite) {
				slog.Warn("failed to persist rejected record", "hash", key.Hash, "error", err)
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrContentRejected, strings.Join(result.Reasons, "; "))
	}

	if err := r.store.Put(ctx, rec); err != nil {
		// A concurrent writer may have landed the same or a newer record.
		if errors.Is(err, store.ErrStaleWrite) {
			if existing, getErr := r.store.Get(ctx, key.Hash); getErr == nil && existing.Usable() {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to persist findings: %w", err)
	}

	_ = r.cache.SetRecord(ctx, key.Hash, rec, r.recordTTL)

	slog.Info("findings generated",
		"hash", key.Hash,
		"canonical", key.Canonical,
		"status", rec.ValidationStatus,
		"confidence", rec.ConfidenceScore,
		"generation_ms", rec.GenerationMs,
	)

	return rec, nil
}

// recordLookup publishes one usage event. Best-effort: failures are
// logged at debug and never surface to the caller.
func (r *Resolver) recordLookup(hash string, hit bool, latency time.Duration) {
	if r.bus == nil {
		return
	}
	event := domain.UsageEvent{
		ID:              uuid.New().String(),
		CombinationHash: hash,
		Hit:             hit,
		LatencyMs:       latency.Milliseconds(),
		Timestamp:       time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.bus.Publish(ctx, domain.TopicUsageLookup, payload); err != nil {
		slog.Debug("usage event dropped", "hash", hash, "error", err)
	}
}
