package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/mtsa-analytics/kestrel/internal/cache"
	"github.com/mtsa-analytics/kestrel/internal/domain"
	"github.com/mtsa-analytics/kestrel/internal/pipeline"
	"github.com/mtsa-analytics/kestrel/internal/resolver"
	"github.com/mtsa-analytics/kestrel/internal/store"
	"github.com/mtsa-analytics/kestrel/internal/validator"
)

type stubGenerator struct {
	err error
}

func (g *stubGenerator) Generate(ctx context.Context, req *domain.GenerationRequest) (*domain.AnalysisOutput, error) {
	if g.err != nil {
		return nil, g.err
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
		DataPoints:      120,
		ConfidenceScore: 0.9,
		GeneratorID:     "test-model",
		LatencyMs:       2,
	}, nil
}

func newTestServer(t *testing.T, gen domain.Generator) *Server {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-api-*.db")
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

	catalog := domain.DefaultCatalog()
	res := resolver.New(st, c, gen, nil, nil, engine, domain.ResolverConfig{}, time.Hour)
	pipe := pipeline.New(st, res, catalog, nil, domain.PipelineConfig{Workers: 1})

	return NewServer(domain.ServerConfig{Host: "127.0.0.1", Port: 0}, st, c, res, pipe, catalog, "test")
}

func doRequest(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t, &stubGenerator{})

	rec := doRequest(t, srv, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	var health map[string]string
	decodeBody(t, rec, &health)
	if health["status"] != "healthy" {
		t.Errorf("status = %q", health["status"])
	}
	if health["version"] != "test" {
		t.Errorf("version = %q", health["version"])
	}

	rec = doRequest(t, srv, http.MethodGet, "/ready", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("ready status = %d", rec.Code)
	}
}

func TestResolveEndpoint(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		srv := newTestServer(t, &stubGenerator{})

		rec := doRequest(t, srv, http.MethodPost, "/findings/resolve", ResolveRequest{
			Tool:     "benchmarking",
			Sources:  []string{"google_trends"},
			Language: "es",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
		}

		var resp ResolveResponse
		decodeBody(t, rec, &resp)
		if resp.Findings == nil {
			t.Fatal("no findings in response")
		}
		if resp.Findings.ValidationStatus != domain.StatusValid {
			t.Errorf("validation status = %s", resp.Findings.ValidationStatus)
		}
		if resp.Degraded {
			t.Error("valid record should not be degraded")
		}
		if resp.Metadata.Canonical == "" {
			t.Error("canonical key missing from metadata")
		}
		if rec.Header().Get(RequestIDHeader) == "" {
			t.Error("request id header missing")
		}
	})

	t.Run("ValidationErrors", func(t *testing.T) {
		srv := newTestServer(t, &stubGenerator{})

		cases := []struct {
			name string
			body ResolveRequest
		}{
			{"MissingTool", ResolveRequest{Sources: []string{"google_trends"}, Language: "es"}},
			{"MissingSources", ResolveRequest{Tool: "benchmarking", Language: "es"}},
			{"MissingLanguage", ResolveRequest{Tool: "benchmarking", Sources: []string{"google_trends"}}},
			{"UnknownTool", ResolveRequest{Tool: "nope", Sources: []string{"google_trends"}, Language: "es"}},
			{"UnknownLanguage", ResolveRequest{Tool: "benchmarking", Sources: []string{"google_trends"}, Language: "fr"}},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				rec := doRequest(t, srv, http.MethodPost, "/findings/resolve", tc.body)
				if rec.Code != http.StatusBadRequest {
					t.Errorf("status = %d, want 400", rec.Code)
				}
			})
		}
	})

	t.Run("GeneratorFailure", func(t *testing.T) {
		srv := newTestServer(t, &stubGenerator{err: context.DeadlineExceeded})

		rec := doRequest(t, srv, http.MethodPost, "/findings/resolve", ResolveRequest{
			Tool:     "benchmarking",
			Sources:  []string{"google_trends"},
			Language: "es",
		})
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500 for unclassified failure", rec.Code)
		}
	})
}

func TestFindingsEndpoints(t *testing.T) {
	srv := newTestServer(t, &stubGenerator{})

	// Seed one record through the resolve path.
	rec := doRequest(t, srv, http.MethodPost, "/findings/resolve", ResolveRequest{
		Tool:     "benchmarking",
		Sources:  []string{"google_trends", "crossref"},
		Language: "en",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("seed resolve failed: %d", rec.Code)
	}
	var seeded ResolveResponse
	decodeBody(t, rec, &seeded)
	hash := seeded.Findings.CombinationHash

	t.Run("GetByHash", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodGet, "/findings/"+hash, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var body struct {
			Findings *domain.FindingsRecord `json:"findings"`
			Usable   bool                   `json:"usable"`
		}
		decodeBody(t, rec, &body)
		if body.Findings.CombinationHash != hash {
			t.Errorf("hash = %q", body.Findings.CombinationHash)
		}
		if !body.Usable {
			t.Error("seeded record should be usable")
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodGet, "/findings/0123456789abcdef", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("List", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodGet, "/findings?tool=benchmarking&language=en", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var body struct {
			Count int `json:"count"`
		}
		decodeBody(t, rec, &body)
		if body.Count != 1 {
			t.Errorf("count = %d, want 1", body.Count)
		}
	})

	t.Run("InvalidateThenUnusable", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodPost, "/findings/"+hash+"/invalidate", map[string]string{
			"reason": "content review",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("invalidate status = %d", rec.Code)
		}

		rec = doRequest(t, srv, http.MethodGet, "/findings/"+hash, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("get status = %d", rec.Code)
		}
		var body struct {
			Usable bool `json:"usable"`
		}
		decodeBody(t, rec, &body)
		if body.Usable {
			t.Error("invalidated record should not be usable")
		}
	})

	t.Run("InvalidateRequiresReason", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodPost, "/findings/"+hash+"/invalidate", map[string]string{})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestJobEndpoints(t *testing.T) {
	srv := newTestServer(t, &stubGenerator{})

	t.Run("BackfillThenCounts", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodPost, "/jobs/backfill", nil)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("backfill status = %d", rec.Code)
		}
		var backfill struct {
			Created int `json:"created"`
			Space   int `json:"space"`
		}
		decodeBody(t, rec, &backfill)
		if backfill.Created != backfill.Space {
			t.Errorf("created = %d, want full space %d", backfill.Created, backfill.Space)
		}

		rec = doRequest(t, srv, http.MethodGet, "/jobs/counts", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("counts status = %d", rec.Code)
		}
		var counts domain.JobCounts
		decodeBody(t, rec, &counts)
		if counts.Pending != int64(backfill.Created) {
			t.Errorf("pending = %d, want %d", counts.Pending, backfill.Created)
		}
	})

	t.Run("ListPending", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodGet, "/jobs?status=pending&limit=5", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var body struct {
			Count int `json:"count"`
		}
		decodeBody(t, rec, &body)
		if body.Count != 5 {
			t.Errorf("count = %d, want limit 5", body.Count)
		}
	})
}

func TestCatalogAndStats(t *testing.T) {
	srv := newTestServer(t, &stubGenerator{})

	rec := doRequest(t, srv, http.MethodGet, "/catalog", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("catalog status = %d", rec.Code)
	}
	var catalog struct {
		Tools     []domain.Tool   `json:"tools"`
		Sources   []domain.Source `json:"sources"`
		Languages []string        `json:"languages"`
		Space     int             `json:"space"`
	}
	decodeBody(t, rec, &catalog)
	if len(catalog.Tools) != 21 || len(catalog.Sources) != 5 || len(catalog.Languages) != 2 {
		t.Errorf("catalog shape = %d tools, %d sources, %d languages",
			len(catalog.Tools), len(catalog.Sources), len(catalog.Languages))
	}
	if catalog.Space != 21*31*2 {
		t.Errorf("space = %d, want %d", catalog.Space, 21*31*2)
	}

	rec = doRequest(t, srv, http.MethodGet, "/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	var stats domain.FindingsStats
	decodeBody(t, rec, &stats)
	if stats.ByStatus == nil && stats.TotalActive != 0 {
		t.Error("unexpected stats shape")
	}
}
