package domain

import "context"

// GenerationRequest is the input to the external analysis generator.
type GenerationRequest struct {
	ToolSlug        string
	ToolDisplayName string
	SourceSlugs     []string
	SourceNames     []string
	Language        string

	// DatasetSummary is supplied by the dataset provider and must be
	// deterministic for a fixed (tool, sources, as-of-date).
	DatasetSummary string

	// DataPoints is the number of underlying observations in the dataset
	// summary, carried through to the stored record's metadata.
	DataPoints int
}

// AnalysisOutput is the generator's structured result: a flat mapping from
// named sections to narrative text plus numeric metadata. Absent sections are
// empty strings, never errors.
type AnalysisOutput struct {
	Sections map[string]string

	DataPoints      int
	ConfidenceScore float64
	GeneratorID     string
	LatencyMs       int64
}

// Section returns the named section, or "" when absent.
func (o *AnalysisOutput) Section(name string) string {
	if o == nil || o.Sections == nil {
		return ""
	}
	return o.Sections[name]
}

// Canonical section names produced by the generator.
const (
	SectionExecutiveSummary   = "executive_summary"
	SectionPrincipalFindings  = "principal_findings"
	SectionTemporalAnalysis   = "temporal_analysis"
	SectionSeasonalAnalysis   = "seasonal_analysis"
	SectionSpectralAnalysis   = "spectral_analysis"
	SectionCorrelationMatrix  = "correlation_analysis"
	SectionComponentAnalysis  = "component_analysis"
	SectionStrategicSynthesis = "strategic_synthesis"
	SectionConclusions        = "conclusions"
)

// Generator is the external analysis-producing collaborator, invoked on cache
// miss and by the precomputation pipeline. Implementations wrap a rate-limited
// network dependency; callers treat failures per the error taxonomy.
type Generator interface {
	Generate(ctx context.Context, req *GenerationRequest) (*AnalysisOutput, error)
}

// DatasetProvider supplies the reference dataset summary for a
// combination. Implementations must be deterministic for a fixed
// (tool, sources) pair so regenerated content stays comparable.
type DatasetProvider interface {
	Summarize(ctx context.Context, toolSlug string, sourceSlugs []string) (summary string, dataPoints int, err error)
}

// GeneratorConfig holds configuration for the generator client.
type GeneratorConfig struct {
	// BaseURL of the openai-compatible completion endpoint.
	BaseURL string

	// APIKey authenticates against the provider.
	APIKey string

	// Model identifier sent with each request.
	Model string

	// TimeoutSecs bounds a single generation call.
	TimeoutSecs int
}
