package validator

import "github.com/mtsa-analytics/kestrel/internal/domain"

// Length thresholds for narrative completeness. The triviality threshold
// separates placeholder noise from real cross-source content.
const (
	MinPrincipalFindings  = 300
	MinCorrelationContent = 100
	MinComponentContent   = 100
	CrossSourceTriviality = 50
)

// BuiltinRules returns the standard completeness rule set.
func BuiltinRules() []Rule {
	return []Rule{
		// Metadata rules apply to both shapes. A placeholder generator id or
		// zero data points means the write path captured the wrong values,
		// so the record is Invalid regardless of narrative content.
		{
			ID:         "metadata-data-points",
			Expression: "data_points > 0",
			Hard:       true,
			Reason:     "data point count is zero or missing",
		},
		{
			ID:         "metadata-generator-id",
			Expression: `generator_id != "" && generator_id != "unknown"`,
			Hard:       true,
			Reason:     "generator identifier is a placeholder",
		},

		// Single-source: principal findings carry the full narrative.
		{
			ID:         "single-principal-findings",
			Expression: "principal_findings_len >= 300",
			AppliesTo:  domain.AnalysisSingle,
			Reason:     "principal findings below minimum length",
		},
		{
			ID:         "single-no-cross-source",
			Expression: "correlation_len <= 50 && component_len <= 50",
			AppliesTo:  domain.AnalysisSingle,
			Hard:       true,
			Reason:     "unexpected cross-source content in single-source analysis",
		},

		// Multi-source: cross-source sections are required with independent
		// minimums, and the statistical basis needs at least two sources.
		{
			ID:         "multi-source-count",
			Expression: "sources_count >= 2",
			AppliesTo:  domain.AnalysisMulti,
			Hard:       true,
			Reason:     "multi-source analysis requires at least two sources",
		},
		{
			ID:         "multi-principal-findings",
			Expression: "principal_findings_len >= 300",
			AppliesTo:  domain.AnalysisMulti,
			Reason:     "principal findings below minimum length",
		},
		{
			ID:         "multi-correlation",
			Expression: "correlation_len >= 100",
			AppliesTo:  domain.AnalysisMulti,
			Reason:     "correlation analysis below minimum length",
		},
		{
			ID:         "multi-component",
			Expression: "component_len >= 100",
			AppliesTo:  domain.AnalysisMulti,
			Reason:     "component analysis below minimum length",
		},
	}
}
