package resolver

import (
	"strings"
	"time"

	"github.com/mtsa-analytics/kestrel/internal/combination"
	"github.com/mtsa-analytics/kestrel/internal/domain"
)

// Labels for the sub-sections folded into principal findings on
// single-source records, per language.
var foldLabels = map[string]struct {
	temporal string
	seasonal string
	spectral string
}{
	"es": {"Análisis Temporal", "Análisis Estacional", "Análisis Espectral"},
	"en": {"Temporal Analysis", "Seasonal Analysis", "Spectral Analysis"},
}

// BuildRecord assembles a findings record from generator output.
//
// Single-source records fold temporal, seasonal and spectral detail into
// the principal findings narrative under labeled sub-headers; the
// standalone columns stay empty. Multi-source records keep every section
// standalone and carry the cross-source sections.
func BuildRecord(key *combination.Key, out *domain.AnalysisOutput) *domain.FindingsRecord {
	now := time.Now().UTC()

	rec := &domain.FindingsRecord{
		CombinationHash: key.Hash,
		CanonicalKey:    key.Canonical,
		ToolID:          key.ToolID,
		ToolSlug:        key.ToolSlug,
		ToolDisplayName: key.ToolDisplayName,
		SourceIDs:       key.SourceIDs,
		SourceSlugs:     key.SourceSlugs,
		SourceBitmask:   key.SourceBitmask,
		Language:        key.Language,
		AnalysisType:    key.AnalysisType,

		ExecutiveSummary:   out.Section(domain.SectionExecutiveSummary),
		PrincipalFindings:  out.Section(domain.SectionPrincipalFindings),
		StrategicSynthesis: out.Section(domain.SectionStrategicSynthesis),
		Conclusions:        out.Section(domain.SectionConclusions),

		GeneratorID:     out.GeneratorID,
		GenerationMs:    out.LatencyMs,
		ConfidenceScore: out.ConfidenceScore,
		DataPoints:      out.DataPoints,

		SchemaVersion: domain.SchemaVersion,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	temporal := out.Section(domain.SectionTemporalAnalysis)
	seasonal := out.Section(domain.SectionSeasonalAnalysis)
	spectral := out.Section(domain.SectionSpectralAnalysis)

	if key.AnalysisType == domain.AnalysisSingle {
		rec.PrincipalFindings = foldSections(rec.PrincipalFindings, key.Language, temporal, seasonal, spectral)
		return rec
	}

	rec.TemporalAnalysis = temporal
	rec.SeasonalAnalysis = seasonal
	rec.SpectralAnalysis = spectral
	rec.CorrelationAnalysis = out.Section(domain.SectionCorrelationMatrix)
	rec.ComponentAnalysis = out.Section(domain.SectionComponentAnalysis)
	return rec
}

// foldSections appends the per-source detail to the principal findings
// narrative under fixed sub-headers.
func foldSections(findings, language, temporal, seasonal, spectral string) string {
	labels, ok := foldLabels[language]
	if !ok {
		labels = foldLabels["en"]
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(findings))

	appendPart := func(label, text string) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("### ")
		b.WriteString(label)
		b.WriteString("\n\n")
		b.WriteString(text)
	}

	appendPart(labels.temporal, temporal)
	appendPart(labels.seasonal, seasonal)
	appendPart(labels.spectral, spectral)

	return b.String()
}
