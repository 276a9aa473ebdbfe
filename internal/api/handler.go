package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mtsa-analytics/kestrel/internal/combination"
	"github.com/mtsa-analytics/kestrel/internal/domain"
	"github.com/mtsa-analytics/kestrel/internal/generator"
	"github.com/mtsa-analytics/kestrel/internal/pipeline"
	"github.com/mtsa-analytics/kestrel/internal/resolver"
	"github.com/mtsa-analytics/kestrel/internal/store"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	store    domain.FindingsStore
	cache    domain.RecordCache
	resolver *resolver.Resolver
	pipeline *pipeline.Pipeline
	catalog  *domain.Catalog
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(st domain.FindingsStore, cache domain.RecordCache, res *resolver.Resolver, pipe *pipeline.Pipeline, catalog *domain.Catalog, version string) *Handler {
	return &Handler{
		store:    st,
		cache:    cache,
		resolver: res,
		pipeline: pipe,
		catalog:  catalog,
		version:  version,
	}
}

// ResolveRequest is the request body for POST /findings/resolve.
type ResolveRequest struct {
	Tool     string   `json:"tool"`
	Sources  []string `json:"sources"`
	Language string   `json:"language"`
}

// ResolveResponse is the response for POST /findings/resolve.
type ResolveResponse struct {
	Findings *domain.FindingsRecord `json:"findings"`
	Degraded bool                   `json:"degraded"`
	Metadata struct {
		TraceID   string `json:"traceId"`
		Canonical string `json:"canonical"`
		TotalMs   int64  `json:"totalMs"`
		Version   string `json:"version"`
	} `json:"metadata"`
}

// Resolve handles POST /findings/resolve requests.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Tool == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "tool is required",
		})
		return
	}
	if len(req.Sources) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "at least one source is required",
		})
		return
	}
	if req.Language == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "language is required",
		})
		return
	}

	key, err := combination.Canonicalize(h.catalog, req.Tool, req.Sources, req.Language)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	rec, err := h.resolver.Resolve(ctx, key)
	if err != nil {
		status, msg := classifyResolveError(err)
		slog.Error("resolve failed",
			"canonical", key.Canonical,
			"status", status,
			"error", err,
		)
		writeJSON(w, status, map[string]string{"error": msg})
		return
	}

	resp := ResolveResponse{
		Findings: rec,
		Degraded: rec.Degraded(),
	}
	resp.Metadata.TraceID = GetTraceID(ctx)
	resp.Metadata.Canonical = key.Canonical
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// GetFindings handles GET /findings/{hash}.
func (h *Handler) GetFindings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hash := chi.URLParam(r, "hash")

	if hash == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "combination hash is required",
		})
		return
	}

	rec, err := h.resolver.Lookup(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "findings not found",
			})
			return
		}
		slog.Error("findings lookup failed", "hash", hash, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "lookup failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"findings": rec,
		"degraded": rec.Degraded(),
		"usable":   rec.Usable(),
	})
}

// ListFindings handles GET /findings with filter query parameters.
func (h *Handler) ListFindings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	filter := domain.FindingsFilter{
		ToolSlug:     q.Get("tool"),
		Language:     q.Get("language"),
		AnalysisType: domain.AnalysisType(q.Get("type")),
		Status:       domain.ValidationStatus(q.Get("status")),
		ActiveOnly:   q.Get("active") != "false",
		Limit:        parseLimit(q.Get("limit"), 100),
	}

	records, err := h.store.ListFindings(ctx, filter)
	if err != nil {
		slog.Error("findings listing failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "listing failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"findings": records,
		"count":    len(records),
	})
}

// InvalidateFindings handles POST /findings/{hash}/invalidate.
func (h *Handler) InvalidateFindings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hash := chi.URLParam(r, "hash")

	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Reason == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "reason is required",
		})
		return
	}

	if err := h.resolver.Invalidate(ctx, hash, body.Reason); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "findings not found",
			})
			return
		}
		slog.Error("invalidation failed", "hash", hash, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "invalidation failed",
		})
		return
	}

	slog.Info("findings invalidated", "hash", hash, "reason", body.Reason)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "findings invalidated",
	})
}

// Stats handles GET /stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		slog.Error("stats query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "stats query failed",
		})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListJobs handles GET /jobs with filter query parameters.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := domain.JobFilter{
		Status:   domain.JobStatus(q.Get("status")),
		ToolSlug: q.Get("tool"),
		Language: q.Get("language"),
		Limit:    parseLimit(q.Get("limit"), 100),
	}

	jobs, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		slog.Error("job listing failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "listing failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// JobCounts handles GET /jobs/counts.
func (h *Handler) JobCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.JobCounts(r.Context())
	if err != nil {
		slog.Error("job counts query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "counts query failed",
		})
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// Backfill handles POST /jobs/backfill: enumerates the combination space
// and enqueues any missing work.
func (h *Handler) Backfill(w http.ResponseWriter, r *http.Request) {
	if h.pipeline == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "pipeline not available",
		})
		return
	}

	created, err := h.pipeline.EnumerateBacklog(r.Context())
	if err != nil {
		slog.Error("backfill enumeration failed", "created", created, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "backfill enumeration failed",
		})
		return
	}

	slog.Info("backfill enqueued", "created", created)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"created": created,
		"space":   h.catalog.CombinationSpaceSize(),
	})
}

// Catalog handles GET /catalog.
func (h *Handler) Catalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tools":     h.catalog.Tools,
		"sources":   h.catalog.Sources,
		"languages": h.catalog.Languages,
		"space":     h.catalog.CombinationSpaceSize(),
	})
}

// Health returns overall service health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// classifyResolveError maps resolver failures onto HTTP statuses.
func classifyResolveError(err error) (int, string) {
	var genErr *generator.GeneratorError
	if errors.As(err, &genErr) {
		switch genErr.Kind {
		case generator.KindTimeout:
			return http.StatusGatewayTimeout, "generation timed out"
		case generator.KindRateLimited:
			return http.StatusServiceUnavailable, "generator rate limited, retry later"
		default:
			return http.StatusBadGateway, "generation failed"
		}
	}
	if errors.Is(err, resolver.ErrContentRejected) {
		return http.StatusBadGateway, "generated content failed validation"
	}
	if errors.Is(err, resolver.ErrHashCollision) || errors.Is(err, store.ErrHashCollision) {
		return http.StatusConflict, "combination hash collision"
	}
	return http.StatusInternalServerError, "resolve failed"
}

func parseLimit(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
