// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"time"
)

// AnalysisType tags the shape of a findings record.
// Single-source analyses fold per-source detail into the principal findings
// narrative; multi-source analyses carry cross-source sections on top.
type AnalysisType string

const (
	AnalysisSingle AnalysisType = "single_source"
	AnalysisMulti  AnalysisType = "multi_source"
)

// ValidationStatus classifies the completeness of a findings record.
type ValidationStatus string

const (
	// StatusValid means all required sections passed the completeness rules.
	StatusValid ValidationStatus = "valid"

	// StatusPartial means the record is usable but flagged: required narrative
	// anchors (executive summary, conclusions) are present, one or more
	// type-specific sections fell short.
	StatusPartial ValidationStatus = "partial"

	// StatusInvalid means the record must not be served to callers.
	StatusInvalid ValidationStatus = "invalid"
)

// SchemaVersion is the current findings record schema version. Writes with a
// lower-or-equal version than the stored record are rejected as stale.
const SchemaVersion = 3

// FindingsRecord is one precomputed analysis, uniquely keyed by combination hash.
type FindingsRecord struct {
	CombinationHash string       `json:"combinationHash"`
	CanonicalKey    string       `json:"canonicalKey"`
	ToolID          int          `json:"toolId"`
	ToolSlug        string       `json:"toolSlug"`
	ToolDisplayName string       `json:"toolDisplayName"`
	SourceIDs       []int        `json:"sourceIds"`
	SourceSlugs     []string     `json:"sourceSlugs"`
	SourceBitmask   string       `json:"sourceBitmask"`
	Language        string       `json:"language"`
	AnalysisType    AnalysisType `json:"analysisType"`

	// Narrative sections. ExecutiveSummary, PrincipalFindings, StrategicSynthesis
	// and Conclusions are required for a usable record of either type.
	ExecutiveSummary   string `json:"executiveSummary"`
	PrincipalFindings  string `json:"principalFindings"`
	StrategicSynthesis string `json:"strategicSynthesis"`
	Conclusions        string `json:"conclusions"`

	// Per-source detail. Standalone for multi-source records; for single-source
	// records these are folded into PrincipalFindings at build time and may be
	// empty here.
	TemporalAnalysis string `json:"temporalAnalysis,omitempty"`
	SeasonalAnalysis string `json:"seasonalAnalysis,omitempty"`
	SpectralAnalysis string `json:"spectralAnalysis,omitempty"`

	// Cross-source sections. Required for multi-source, forbidden for single.
	CorrelationAnalysis string `json:"correlationAnalysis,omitempty"`
	ComponentAnalysis   string `json:"componentAnalysis,omitempty"`

	// Technical metadata captured from the generator.
	GeneratorID     string  `json:"generatorId"`
	GenerationMs    int64   `json:"generationMs"`
	ConfidenceScore float64 `json:"confidenceScore"`
	DataPoints      int     `json:"dataPoints"`

	ValidationStatus ValidationStatus `json:"validationStatus"`
	SchemaVersion    int              `json:"schemaVersion"`

	// Lifecycle. Records are soft-invalidated, never hard-deleted.
	Active           bool      `json:"active"`
	InvalidateReason string    `json:"invalidateReason,omitempty"`
	AccessCount      int64     `json:"accessCount"`
	LastAccessed     time.Time `json:"lastAccessed,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Usable reports whether the record may be returned to callers.
func (r *FindingsRecord) Usable() bool {
	return r.Active && r.ValidationStatus != StatusInvalid
}

// Degraded reports whether the record should carry a degraded-quality flag.
func (r *FindingsRecord) Degraded() bool {
	return r.ValidationStatus == StatusPartial
}

// FindingsFilter narrows secondary scans over stored records.
type FindingsFilter struct {
	ToolSlug     string
	Language     string
	AnalysisType AnalysisType
	Status       ValidationStatus
	ActiveOnly   bool
	Limit        int
}

// FindingsStats summarizes the store for monitoring.
type FindingsStats struct {
	TotalActive  int64             `json:"totalActive"`
	ByLanguage   map[string]int64  `json:"byLanguage"`
	ByType       map[string]int64  `json:"byType"`
	ByStatus     map[string]int64  `json:"byStatus"`
	JobsByStatus map[string]int64  `json:"jobsByStatus"`
	MostAccessed []AccessedSummary `json:"mostAccessed"`
}

// AccessedSummary is one row of the most-accessed report.
type AccessedSummary struct {
	CombinationHash string `json:"combinationHash"`
	ToolSlug        string `json:"toolSlug"`
	AccessCount     int64  `json:"accessCount"`
}
