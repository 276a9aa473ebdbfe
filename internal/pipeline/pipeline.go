// Package pipeline implements batch precomputation of the combination
// space: backlog enumeration, a bounded worker pool, and per-job retry
// with exponential backoff.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mtsa-analytics/kestrel/internal/combination"
	"github.com/mtsa-analytics/kestrel/internal/dataset"
	"github.com/mtsa-analytics/kestrel/internal/domain"
	"github.com/mtsa-analytics/kestrel/internal/generator"
	"github.com/mtsa-analytics/kestrel/internal/resolver"
	"github.com/mtsa-analytics/kestrel/internal/store"
)

// Pipeline drives the precomputation backlog. Jobs are leased from the
// store one at a time, so multiple pipeline processes can share a queue.
type Pipeline struct {
	store    domain.FindingsStore
	resolver *resolver.Resolver
	catalog  *domain.Catalog
	bus      domain.EventBus
	cfg      domain.PipelineConfig
	limiter  *rate.Limiter
}

// JobEvent is the payload published on job completion or failure.
type JobEvent struct {
	JobID           string `json:"jobId"`
	CombinationHash string `json:"combinationHash"`
	Attempts        int    `json:"attempts"`
	Error           string `json:"error,omitempty"`
}

// New creates a pipeline. The bus is optional.
func New(st domain.FindingsStore, res *resolver.Resolver, catalog *domain.Catalog, eventBus domain.EventBus, cfg domain.PipelineConfig) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 600
	}

	limit := rate.Inf
	if cfg.GeneratorRPS > 0 {
		limit = rate.Limit(cfg.GeneratorRPS)
	}

	return &Pipeline{
		store:    st,
		resolver: res,
		catalog:  catalog,
		bus:      eventBus,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// EnumerateBacklog walks the full combination space and creates a pending
// job for every combination that has neither a valid current-version
// record nor a completed or live job. Returns the number of jobs created.
// Safe to run repeatedly; it only ever adds missing work.
func (p *Pipeline) EnumerateBacklog(ctx context.Context) (int, error) {
	created := 0
	skipped := 0

	for _, tool := range p.catalog.Tools {
		for _, subset := range sourceSubsets(p.catalog.Sources) {
			for _, lang := range p.catalog.Languages {
				if err := ctx.Err(); err != nil {
					return created, err
				}

				key, err := combination.Canonicalize(p.catalog, tool.Slug, subset, lang)
				if err != nil {
					return created, fmt.Errorf("catalog produced an invalid combination: %w", err)
				}

				ok, err := p.needsComputation(ctx, key.Hash)
				if err != nil {
					return created, err
				}
				if !ok {
					skipped++
					continue
				}

				job := &domain.ComputationJob{
					ID:              uuid.New().String(),
					CombinationHash: key.Hash,
					ToolSlug:        key.ToolSlug,
					SourceSlugs:     key.SourceSlugs,
					Language:        key.Language,
					Priority:        len(p.catalog.Sources) - len(subset),
					MaxAttempts:     p.cfg.MaxAttempts,
					SchemaVersion:   domain.SchemaVersion,
				}
				err = p.store.CreateJob(ctx, job)
				switch {
				case err == nil:
					created++
				case errors.Is(err, store.ErrDuplicateJob):
					skipped++
				default:
					return created, fmt.Errorf("failed to enqueue %s: %w", key.Canonical, err)
				}
			}
		}
	}

	slog.Info("backlog enumerated",
		"space", p.catalog.CombinationSpaceSize(),
		"created", created,
		"skipped", skipped,
	)
	return created, nil
}

// needsComputation reports whether a combination still needs a job.
func (p *Pipeline) needsComputation(ctx context.Context, hash string) (bool, error) {
	rec, err := p.store.Get(ctx, hash)
	switch {
	case err == nil:
		if rec.Active && rec.ValidationStatus == domain.StatusValid && rec.SchemaVersion >= domain.SchemaVersion {
			return false, nil
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return false, err
	}

	done, err := p.store.HasCompletedJob(ctx, hash, domain.SchemaVersion)
	if err != nil {
		return false, err
	}
	return !done, nil
}

// Run reclaims stale leases, then drains the backlog with a bounded
// worker pool. Returns when the queue is empty or the context ends.
func (p *Pipeline) Run(ctx context.Context) error {
	lease := time.Duration(p.cfg.LeaseTimeout) * time.Second
	reclaimed, err := p.store.ReclaimStaleJobs(ctx, lease)
	if err != nil {
		return fmt.Errorf("failed to reclaim stale jobs: %w", err)
	}
	if reclaimed > 0 {
		slog.Info("reclaimed stale jobs", "count", reclaimed)
	}

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.workerLoop(ctx, id)
		}(i)
	}
	wg.Wait()

	return ctx.Err()
}

// Progress returns a snapshot of backlog state.
func (p *Pipeline) Progress(ctx context.Context) (domain.JobCounts, error) {
	return p.store.JobCounts(ctx)
}

// workerLoop claims and processes jobs until the queue drains or the
// context is cancelled.
func (p *Pipeline) workerLoop(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.store.ClaimNextJob(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		if err != nil {
			slog.Error("job claim failed", "worker", id, "error", err)
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		p.process(ctx, id, job)
	}
}

// process runs one claimed job to a terminal or requeued state.
func (p *Pipeline) process(ctx context.Context, workerID int, job *domain.ComputationJob) {
	if err := p.limiter.Wait(ctx); err != nil {
		// Shutdown mid-wait: hand the lease back without burning the attempt.
		_ = p.store.RequeueJob(context.Background(), job.ID, "interrupted before generation")
		return
	}

	key, err := combination.Canonicalize(p.catalog, job.ToolSlug, job.SourceSlugs, job.Language)
	if err != nil {
		p.fail(ctx, job, fmt.Errorf("job no longer maps to the catalog: %w", err))
		return
	}

	_, err = p.resolver.Resolve(ctx, key)
	if err == nil {
		if err := p.store.CompleteJob(ctx, job.ID); err != nil {
			slog.Error("failed to mark job completed", "job_id", job.ID, "error", err)
			return
		}
		slog.Info("job completed",
			"worker", workerID,
			"job_id", job.ID,
			"canonical", key.Canonical,
			"attempts", job.Attempts,
		)
		p.publish(domain.TopicJobCompleted, job, "")
		return
	}

	if job.Attempts >= job.MaxAttempts || !retryable(err) {
		p.fail(ctx, job, err)
		return
	}

	backoff := p.backoff(job.Attempts)
	slog.Warn("job attempt failed, requeueing",
		"worker", workerID,
		"job_id", job.ID,
		"attempt", job.Attempts,
		"max_attempts", job.MaxAttempts,
		"backoff", backoff,
		"error", err,
	)
	if !sleepCtx(ctx, backoff) {
		_ = p.store.RequeueJob(context.Background(), job.ID, err.Error())
		return
	}
	if reqErr := p.store.RequeueJob(ctx, job.ID, err.Error()); reqErr != nil {
		slog.Error("failed to requeue job", "job_id", job.ID, "error", reqErr)
	}
}

func (p *Pipeline) fail(ctx context.Context, job *domain.ComputationJob, cause error) {
	slog.Error("job failed permanently",
		"job_id", job.ID,
		"hash", job.CombinationHash,
		"attempts", job.Attempts,
		"error", cause,
	)
	if err := p.store.FailJob(ctx, job.ID, cause.Error()); err != nil {
		slog.Error("failed to mark job failed", "job_id", job.ID, "error", err)
	}
	p.publish(domain.TopicJobFailed, job, cause.Error())
}

func (p *Pipeline) publish(topic string, job *domain.ComputationJob, cause string) {
	if p.bus == nil {
		return
	}
	payload, err := json.Marshal(JobEvent{
		JobID:           job.ID,
		CombinationHash: job.CombinationHash,
		Attempts:        job.Attempts,
		Error:           cause,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = p.bus.Publish(ctx, topic, payload)
}

// backoff computes the delay before retry n, exponential with jitter.
func (p *Pipeline) backoff(attempt int) time.Duration {
	base := time.Duration(p.cfg.BaseBackoff) * time.Second
	if base <= 0 {
		return 0
	}

	d := base << (attempt - 1)
	max := time.Duration(p.cfg.MaxBackoff) * time.Second
	if max > 0 && d > max {
		d = max
	}

	// Up to 50% jitter to spread retries across workers.
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d + jitter
}

// retryable classifies failures. Generator errors carry their own retry
// flag; a missing dataset never heals by retrying; rejected content may
// parse differently next time. Unknown errors default to retryable.
func retryable(err error) bool {
	var genErr *generator.GeneratorError
	if errors.As(err, &genErr) {
		return genErr.Retryable()
	}
	if errors.Is(err, dataset.ErrNoDataset) {
		return false
	}
	if errors.Is(err, resolver.ErrHashCollision) || errors.Is(err, store.ErrHashCollision) {
		return false
	}
	return true
}

// sleepCtx sleeps for d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// sourceSubsets returns every non-empty subset of the catalog sources,
// smallest first, in catalog order within each size.
func sourceSubsets(sources []domain.Source) [][]string {
	n := len(sources)
	subsets := make([][]string, 0, (1<<n)-1)
	for size := 1; size <= n; size++ {
		for mask := 1; mask < (1 << n); mask++ {
			if bits.OnesCount(uint(mask)) != size {
				continue
			}
			subset := make([]string, 0, size)
			for i := 0; i < n; i++ {
				if mask&(1<<i) != 0 {
					subset = append(subset, sources[i].Slug)
				}
			}
			subsets = append(subsets, subset)
		}
	}
	return subsets
}
