package pipeline

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mtsa-analytics/kestrel/internal/cache"
	"github.com/mtsa-analytics/kestrel/internal/domain"
	"github.com/mtsa-analytics/kestrel/internal/generator"
	"github.com/mtsa-analytics/kestrel/internal/resolver"
	"github.com/mtsa-analytics/kestrel/internal/store"
	"github.com/mtsa-analytics/kestrel/internal/validator"
)

// testCatalog is a reduced combination space: 2 tools x 3 subsets x 2
// languages = 12 combinations.
func testCatalog() *domain.Catalog {
	return &domain.Catalog{
		Tools: []domain.Tool{
			{ID: 1, Slug: "kaizen", DisplayNameES: "Kaizen", DisplayNameEN: "Kaizen"},
			{ID: 2, Slug: "benchmarking", DisplayNameES: "Benchmarking", DisplayNameEN: "Benchmarking"},
		},
		Sources: []domain.Source{
			{ID: 1, Slug: "google_trends", DisplayName: "Google Trends", SourceType: "search"},
			{ID: 2, Slug: "crossref", DisplayName: "Crossref", SourceType: "academic"},
		},
		Languages: []string{"es", "en"},
	}
}

// flakyGenerator fails the first attempt for combinations listed in
// failOnce and always fails those in failAlways.
type flakyGenerator struct {
	mu         sync.Mutex
	calls      atomic.Int32
	seen       map[string]int
	failOnce   map[string]bool
	failAlways map[string]error
}

func newFlakyGenerator() *flakyGenerator {
	return &flakyGenerator{
		seen:       make(map[string]int),
		failOnce:   make(map[string]bool),
		failAlways: make(map[string]error),
	}
}

func genKey(req *domain.GenerationRequest) string {
	return req.ToolSlug + "|" + strings.Join(req.SourceSlugs, ",") + "|" + req.Language
}

func (g *flakyGenerator) Generate(ctx context.Context, req *domain.GenerationRequest) (*domain.AnalysisOutput, error) {
	g.calls.Add(1)

	key := genKey(req)
	g.mu.Lock()
	g.seen[key]++
	attempt := g.seen[key]
	g.mu.Unlock()

	if err, ok := g.failAlways[key]; ok {
		return nil, err
	}
	if g.failOnce[key] && attempt == 1 {
		return nil, &generator.GeneratorError{Kind: generator.KindProvider, StatusCode: 503, Err: context.DeadlineExceeded}
	}

	sections := map[string]string{
		domain.SectionExecutiveSummary:   "summary for " + req.ToolSlug,
		domain.SectionPrincipalFindings:  strings.Repeat("findings narrative. ", 20),
		domain.SectionStrategicSynthesis: "synthesis",
		domain.SectionConclusions:        "conclusions",
	}
	if len(req.SourceSlugs) > 1 {
		sections[domain.SectionCorrelationMatrix] = strings.Repeat("correlation. ", 10)
		sections[domain.SectionComponentAnalysis] = strings.Repeat("components. ", 10)
	}

	return &domain.AnalysisOutput{
		Sections:        sections,
		DataPoints:      100,
		ConfidenceScore: 0.85,
		GeneratorID:     "test-model",
		LatencyMs:       1,
	}, nil
}

func newTestPipeline(t *testing.T, gen domain.Generator, cfg domain.PipelineConfig) (*Pipeline, domain.FindingsStore) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-pipeline-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	st, err := store.New(domain.StoreConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	c := cache.NewLRUCache(100)
	t.Cleanup(func() { c.Close() })

	engine, err := validator.NewEngine(validator.BuiltinRules())
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}

	res := resolver.New(st, c, gen, nil, nil, engine, domain.ResolverConfig{}, time.Hour)
	return New(st, res, testCatalog(), nil, cfg), st
}

func TestSourceSubsets(t *testing.T) {
	catalog := domain.DefaultCatalog()
	subsets := sourceSubsets(catalog.Sources)

	if len(subsets) != 31 {
		t.Fatalf("subsets = %d, want 31 for 5 sources", len(subsets))
	}
	if len(subsets[0]) != 1 {
		t.Errorf("first subset size = %d, want 1", len(subsets[0]))
	}
	if len(subsets[30]) != 5 {
		t.Errorf("last subset size = %d, want 5", len(subsets[30]))
	}

	// Sizes are non-decreasing so single-source work enumerates first.
	for i := 1; i < len(subsets); i++ {
		if len(subsets[i]) < len(subsets[i-1]) {
			t.Fatalf("subset %d smaller than predecessor", i)
		}
	}
}

func TestEnumerateBacklog(t *testing.T) {
	ctx := context.Background()

	t.Run("CreatesFullSpace", func(t *testing.T) {
		p, _ := newTestPipeline(t, newFlakyGenerator(), domain.PipelineConfig{Workers: 1})

		created, err := p.EnumerateBacklog(ctx)
		if err != nil {
			t.Fatalf("EnumerateBacklog: %v", err)
		}
		want := p.catalog.CombinationSpaceSize()
		if created != want {
			t.Errorf("created = %d, want %d", created, want)
		}

		counts, err := p.Progress(ctx)
		if err != nil {
			t.Fatalf("Progress: %v", err)
		}
		if counts.Pending != int64(want) {
			t.Errorf("pending = %d, want %d", counts.Pending, want)
		}

		jobs, err := p.store.ListJobs(ctx, domain.JobFilter{Status: domain.JobPending, Limit: want})
		if err != nil {
			t.Fatalf("ListJobs: %v", err)
		}
		seen := make(map[string]bool, len(jobs))
		for _, job := range jobs {
			if job.ID == "" {
				t.Fatalf("job for %s enqueued without an id", job.CombinationHash)
			}
			if seen[job.ID] {
				t.Errorf("duplicate job id %s", job.ID)
			}
			seen[job.ID] = true
		}
	})

	t.Run("Idempotent", func(t *testing.T) {
		p, _ := newTestPipeline(t, newFlakyGenerator(), domain.PipelineConfig{Workers: 1})

		if _, err := p.EnumerateBacklog(ctx); err != nil {
			t.Fatalf("first EnumerateBacklog: %v", err)
		}
		created, err := p.EnumerateBacklog(ctx)
		if err != nil {
			t.Fatalf("second EnumerateBacklog: %v", err)
		}
		if created != 0 {
			t.Errorf("second enumeration created %d jobs, want 0", created)
		}
	})
}

func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("DrainsBacklog", func(t *testing.T) {
		gen := newFlakyGenerator()
		p, st := newTestPipeline(t, gen, domain.PipelineConfig{Workers: 3})

		if _, err := p.EnumerateBacklog(ctx); err != nil {
			t.Fatalf("EnumerateBacklog: %v", err)
		}
		if err := p.Run(ctx); err != nil {
			t.Fatalf("Run: %v", err)
		}

		counts, _ := p.Progress(ctx)
		want := int64(p.catalog.CombinationSpaceSize())
		if counts.Completed != want {
			t.Errorf("completed = %d, want %d", counts.Completed, want)
		}
		if counts.Pending != 0 || counts.Running != 0 || counts.Failed != 0 {
			t.Errorf("non-terminal counts after drain: %+v", counts)
		}

		valid, err := st.CountValid(ctx, domain.FindingsFilter{})
		if err != nil {
			t.Fatalf("CountValid: %v", err)
		}
		if valid != want {
			t.Errorf("valid records = %d, want %d", valid, want)
		}
	})

	t.Run("FlakyJobCompletesOnRetry", func(t *testing.T) {
		gen := newFlakyGenerator()
		gen.failOnce["kaizen|crossref|es"] = true
		p, st := newTestPipeline(t, gen, domain.PipelineConfig{Workers: 2, MaxAttempts: 3})

		if _, err := p.EnumerateBacklog(ctx); err != nil {
			t.Fatalf("EnumerateBacklog: %v", err)
		}
		if err := p.Run(ctx); err != nil {
			t.Fatalf("Run: %v", err)
		}

		counts, _ := p.Progress(ctx)
		if counts.Failed != 0 {
			t.Fatalf("failed = %d, want 0", counts.Failed)
		}
		if counts.Completed != int64(p.catalog.CombinationSpaceSize()) {
			t.Errorf("completed = %d", counts.Completed)
		}

		jobs, err := st.ListJobs(ctx, domain.JobFilter{Status: domain.JobCompleted, ToolSlug: "kaizen", Language: "es"})
		if err != nil {
			t.Fatalf("ListJobs: %v", err)
		}
		var retried *domain.ComputationJob
		for _, j := range jobs {
			if len(j.SourceSlugs) == 1 && j.SourceSlugs[0] == "crossref" {
				retried = j
			}
		}
		if retried == nil {
			t.Fatal("flaky job not found among completed jobs")
		}
		if retried.Attempts != 2 {
			t.Errorf("attempts = %d, want 2", retried.Attempts)
		}
		if retried.LastError == "" {
			t.Error("retried job should keep the last error for diagnostics")
		}
	})

	t.Run("ExhaustedRetriesFailPermanently", func(t *testing.T) {
		gen := newFlakyGenerator()
		gen.failAlways["benchmarking|google_trends|en"] = &generator.GeneratorError{
			Kind: generator.KindProvider, StatusCode: 502, Err: context.DeadlineExceeded,
		}
		p, st := newTestPipeline(t, gen, domain.PipelineConfig{Workers: 2, MaxAttempts: 2})

		if _, err := p.EnumerateBacklog(ctx); err != nil {
			t.Fatalf("EnumerateBacklog: %v", err)
		}
		if err := p.Run(ctx); err != nil {
			t.Fatalf("Run: %v", err)
		}

		counts, _ := p.Progress(ctx)
		if counts.Failed != 1 {
			t.Fatalf("failed = %d, want 1", counts.Failed)
		}

		failed, err := st.ListJobs(ctx, domain.JobFilter{Status: domain.JobFailed})
		if err != nil {
			t.Fatalf("ListJobs: %v", err)
		}
		if len(failed) != 1 {
			t.Fatalf("failed jobs = %d, want 1", len(failed))
		}
		if failed[0].Attempts != 2 {
			t.Errorf("attempts = %d, want 2", failed[0].Attempts)
		}
		if failed[0].LastError == "" {
			t.Error("failed job should record the final error")
		}
	})

	t.Run("NonRetryableFailsWithoutRetry", func(t *testing.T) {
		gen := newFlakyGenerator()
		gen.failAlways["kaizen|google_trends|es"] = &generator.GeneratorError{
			Kind: generator.KindProvider, StatusCode: 400, Err: context.DeadlineExceeded,
		}
		p, st := newTestPipeline(t, gen, domain.PipelineConfig{Workers: 1, MaxAttempts: 5})

		if _, err := p.EnumerateBacklog(ctx); err != nil {
			t.Fatalf("EnumerateBacklog: %v", err)
		}
		if err := p.Run(ctx); err != nil {
			t.Fatalf("Run: %v", err)
		}

		failed, err := st.ListJobs(ctx, domain.JobFilter{Status: domain.JobFailed})
		if err != nil {
			t.Fatalf("ListJobs: %v", err)
		}
		if len(failed) != 1 {
			t.Fatalf("failed jobs = %d, want 1", len(failed))
		}
		if failed[0].Attempts != 1 {
			t.Errorf("attempts = %d, want 1 for non-retryable failure", failed[0].Attempts)
		}
	})

	t.Run("ResumeSkipsCompletedWork", func(t *testing.T) {
		gen := newFlakyGenerator()
		p, _ := newTestPipeline(t, gen, domain.PipelineConfig{Workers: 2})

		if _, err := p.EnumerateBacklog(ctx); err != nil {
			t.Fatalf("EnumerateBacklog: %v", err)
		}
		if err := p.Run(ctx); err != nil {
			t.Fatalf("first Run: %v", err)
		}
		firstCalls := gen.calls.Load()

		// A fresh enumeration plus run must not regenerate anything.
		created, err := p.EnumerateBacklog(ctx)
		if err != nil {
			t.Fatalf("re-enumeration: %v", err)
		}
		if created != 0 {
			t.Errorf("re-enumeration created %d jobs", created)
		}
		if err := p.Run(ctx); err != nil {
			t.Fatalf("second Run: %v", err)
		}
		if gen.calls.Load() != firstCalls {
			t.Errorf("generator ran again on resume: %d -> %d", firstCalls, gen.calls.Load())
		}
	})
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"GeneratorTimeout", &generator.GeneratorError{Kind: generator.KindTimeout}, true},
		{"Provider400", &generator.GeneratorError{Kind: generator.KindProvider, StatusCode: 404}, false},
		{"ContentRejected", resolver.ErrContentRejected, true},
		{"HashCollision", resolver.ErrHashCollision, false},
		{"Unknown", context.DeadlineExceeded, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := retryable(tc.err); got != tc.want {
				t.Errorf("retryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
