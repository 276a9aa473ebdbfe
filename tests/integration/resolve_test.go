//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Kestrel findings
// service.
//
// These tests wire the COMPLETE resolution path in-process:
//
//	HTTP request → resolver → cache/store → generator → validation → store
//
// plus the offline half:
//
//	enumerate backlog → worker pool → store → cached serving
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// UNDERSTANDING THE DOMAIN:
//
// 1. COMBINATION: A (tool, source set, language) triple. Sources are
//    order-insensitive; the canonical key sorts them by catalog ID and
//    the combination hash is derived from that canonical form.
//
// 2. FINDINGS RECORD: The precomputed analysis narrative for one
//    combination, split into named markdown sections and stamped with a
//    schema version.
//
// 3. RESOLUTION: Cache lookup, then store lookup, then on-demand
//    generation. Concurrent misses for the same combination are
//    coalesced into a single generator call.
//
// 4. VALIDATION: Generated content is checked before persisting. Hard
//    failures are rejected; soft failures are stored and served with a
//    degraded flag.
//
// 5. PIPELINE: The batch path that walks the whole combination space and
//    fills the store ahead of demand, with retries and rate limiting.
//
// The generator here is a stub; everything else (SQLite store, LRU
// cache, channel bus, dataset provider, validation engine, usage
// recorder, HTTP server) is the real implementation.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mtsa-analytics/kestrel/internal/api"
	"github.com/mtsa-analytics/kestrel/internal/bus"
	"github.com/mtsa-analytics/kestrel/internal/cache"
	"github.com/mtsa-analytics/kestrel/internal/dataset"
	"github.com/mtsa-analytics/kestrel/internal/domain"
	"github.com/mtsa-analytics/kestrel/internal/pipeline"
	"github.com/mtsa-analytics/kestrel/internal/resolver"
	"github.com/mtsa-analytics/kestrel/internal/store"
	"github.com/mtsa-analytics/kestrel/internal/usage"
	"github.com/mtsa-analytics/kestrel/internal/validator"
)

// countingGenerator produces valid structured output and counts calls.
type countingGenerator struct {
	calls atomic.Int32
}

func (g *countingGenerator) Generate(ctx context.Context, req *domain.GenerationRequest) (*domain.AnalysisOutput, error) {
	g.calls.Add(1)

	sections := map[string]string{
		domain.SectionExecutiveSummary:   "Executive summary for " + req.ToolSlug + " over " + strings.Join(req.SourceSlugs, ", ") + ".",
		domain.SectionPrincipalFindings:  strings.Repeat("Principal findings narrative with substance. ", 12),
		domain.SectionStrategicSynthesis: strings.Repeat("Strategic synthesis. ", 8),
		domain.SectionConclusions:        strings.Repeat("Conclusions and recommendations. ", 6),
	}
	if len(req.SourceSlugs) > 1 {
		sections[domain.SectionCorrelationMatrix] = strings.Repeat("Cross-source correlation detail. ", 6)
		sections[domain.SectionComponentAnalysis] = strings.Repeat("Principal component breakdown. ", 6)
	}

	return &domain.AnalysisOutput{
		Sections:        sections,
		DataPoints:      req.DataPoints,
		ConfidenceScore: 0.92,
		GeneratorID:     "stub-model",
		LatencyMs:       3,
	}, nil
}

// testCatalog keeps the combination space small: 2 tools x 3 source
// subsets x 2 languages = 12 combinations.
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

const datasetYAML = `
- tool: kaizen
  sources: [google_trends]
  summary: "Monthly interest series for kaizen, 2020-2025."
  data_points: 72
- tool: kaizen
  sources: [crossref]
  summary: "Publication counts mentioning kaizen."
  data_points: 41
- tool: kaizen
  sources: [google_trends, crossref]
  summary: "Joint interest and publication series for kaizen."
  data_points: 113
- tool: benchmarking
  sources: [google_trends]
  summary: "Monthly interest series for benchmarking."
  data_points: 72
- tool: benchmarking
  sources: [crossref]
  summary: "Publication counts mentioning benchmarking."
  data_points: 38
- tool: benchmarking
  sources: [google_trends, crossref]
  summary: "Joint interest and publication series for benchmarking."
  data_points: 110
`

// env bundles the fully wired in-process stack.
type env struct {
	store    domain.FindingsStore
	cache    domain.RecordCache
	bus      domain.EventBus
	gen      *countingGenerator
	pipe     *pipeline.Pipeline
	recorder *usage.Recorder
	server   *api.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()

	dir := t.TempDir()

	st, err := store.New(domain.StoreConfig{Driver: "sqlite", SQLitePath: filepath.Join(dir, "kestrel.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	c, err := cache.New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100, LocalTTL: time.Minute, RecordTTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	b, err := bus.New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 100})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	datasetPath := filepath.Join(dir, "datasets.yaml")
	if err := os.WriteFile(datasetPath, []byte(datasetYAML), 0o644); err != nil {
		t.Fatalf("failed to write dataset file: %v", err)
	}
	datasets, err := dataset.LoadFile(datasetPath)
	if err != nil {
		t.Fatalf("failed to load datasets: %v", err)
	}

	engine, err := validator.NewEngine(validator.BuiltinRules())
	if err != nil {
		t.Fatalf("failed to build validation engine: %v", err)
	}

	gen := &countingGenerator{}
	catalog := testCatalog()
	res := resolver.New(st, c, gen, datasets, b, engine, domain.ResolverConfig{}, time.Hour)
	pipe := pipeline.New(st, res, catalog, b, domain.PipelineConfig{
		Workers:     2,
		MaxAttempts: 2,
		BaseBackoff: 1,
	})

	recorder := usage.NewRecorder(st, b, usage.Config{BatchSize: 4, FlushInterval: 50 * time.Millisecond})
	if err := recorder.Start(context.Background()); err != nil {
		t.Fatalf("failed to start usage recorder: %v", err)
	}
	t.Cleanup(recorder.Stop)

	srv := api.NewServer(domain.ServerConfig{Host: "127.0.0.1", Port: 0}, st, c, res, pipe, catalog, "integration")

	return &env{store: st, cache: c, bus: b, gen: gen, pipe: pipe, recorder: recorder, server: srv}
}

type resolveResponse struct {
	Findings *domain.FindingsRecord `json:"findings"`
	Degraded bool                   `json:"degraded"`
	Metadata struct {
		Canonical string `json:"canonical"`
	} `json:"metadata"`
}

func (e *env) resolve(t *testing.T, tool string, sources []string, language string) (*httptest.ResponseRecorder, resolveResponse) {
	t.Helper()

	body, err := json.Marshal(api.ResolveRequest{Tool: tool, Sources: sources, Language: language})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/findings/resolve", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)

	var resp resolveResponse
	if rr.Code == http.StatusOK {
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return rr, resp
}

func TestEndToEndResolve(t *testing.T) {
	e := newEnv(t)

	t.Run("MissGeneratesAndServes", func(t *testing.T) {
		rr, resp := e.resolve(t, "kaizen", []string{"crossref", "google_trends"}, "es")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if resp.Findings == nil {
			t.Fatal("expected findings in response")
		}
		if resp.Degraded {
			t.Error("expected non-degraded findings")
		}
		if resp.Findings.CorrelationAnalysis == "" {
			t.Error("multi-source record should carry a correlation section")
		}
		if got := e.gen.calls.Load(); got != 1 {
			t.Errorf("expected 1 generator call, got %d", got)
		}
	})

	t.Run("SourceOrderDoesNotChangeIdentity", func(t *testing.T) {
		rr, _ := e.resolve(t, "kaizen", []string{"google_trends", "crossref"}, "es")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if got := e.gen.calls.Load(); got != 1 {
			t.Errorf("reordered sources triggered regeneration: %d calls", got)
		}
	})

	t.Run("GetByHashAfterResolve", func(t *testing.T) {
		_, resp := e.resolve(t, "kaizen", []string{"google_trends", "crossref"}, "es")

		req := httptest.NewRequest(http.MethodGet, "/findings/"+resp.Findings.CombinationHash, nil)
		rr := httptest.NewRecorder()
		e.server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
	})

	t.Run("InvalidateForcesRegeneration", func(t *testing.T) {
		_, resp := e.resolve(t, "kaizen", []string{"google_trends"}, "en")
		before := e.gen.calls.Load()

		body := bytes.NewReader([]byte(`{"reason":"dataset refresh"}`))
		req := httptest.NewRequest(http.MethodPost, "/findings/"+resp.Findings.CombinationHash+"/invalidate", body)
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		e.server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("invalidate failed: %d %s", rr.Code, rr.Body.String())
		}

		rr2, _ := e.resolve(t, "kaizen", []string{"google_trends"}, "en")
		if rr2.Code != http.StatusOK {
			t.Fatalf("re-resolve failed: %d", rr2.Code)
		}
		if got := e.gen.calls.Load(); got != before+1 {
			t.Errorf("expected regeneration after invalidation, calls %d -> %d", before, got)
		}
	})

	t.Run("UsageEventsReachTheStore", func(t *testing.T) {
		for i := 0; i < 4; i++ {
			e.resolve(t, "benchmarking", []string{"crossref"}, "es")
		}

		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if e.recorder.Stats().Flushed >= 4 {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
		stats := e.recorder.Stats()
		if stats.Flushed < 4 {
			t.Errorf("expected at least 4 flushed usage events, got %+v", stats)
		}
		if stats.Dropped != 0 {
			t.Errorf("expected no dropped events, got %d", stats.Dropped)
		}
	})
}

func TestEndToEndPipeline(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	created, err := e.pipe.EnumerateBacklog(ctx)
	if err != nil {
		t.Fatalf("enumerate backlog: %v", err)
	}
	if created != 12 {
		t.Fatalf("expected 12 jobs for the test catalog, got %d", created)
	}

	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := e.pipe.Run(runCtx); err != nil {
		t.Fatalf("pipeline run: %v", err)
	}

	counts, err := e.pipe.Progress(ctx)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if counts.Completed != 12 || counts.Failed != 0 || counts.Pending != 0 {
		t.Fatalf("unexpected job counts after run: %+v", counts)
	}

	valid, err := e.store.CountValid(ctx, domain.FindingsFilter{})
	if err != nil {
		t.Fatalf("count valid: %v", err)
	}
	if valid != 12 {
		t.Errorf("expected 12 valid records, got %d", valid)
	}

	// Precomputed combinations now serve without touching the generator
	before := e.gen.calls.Load()
	rr, resp := e.resolve(t, "benchmarking", []string{"google_trends", "crossref"}, "en")
	if rr.Code != http.StatusOK {
		t.Fatalf("resolve after precompute failed: %d", rr.Code)
	}
	if resp.Degraded {
		t.Error("precomputed record should not be degraded")
	}
	if got := e.gen.calls.Load(); got != before {
		t.Errorf("resolve after precompute called the generator: %d -> %d", before, got)
	}
}
