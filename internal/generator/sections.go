package generator

import (
	"strings"

	"github.com/mtsa-analytics/kestrel/internal/domain"
)

// sectionAlias maps a lowercased heading fragment to a canonical section.
// Matching is substring-based so numbered and decorated headings still land.
type sectionAlias struct {
	fragment string
	section  string
}

var sectionAliases = []sectionAlias{
	{"resumen ejecutivo", domain.SectionExecutiveSummary},
	{"executive summary", domain.SectionExecutiveSummary},
	{"hallazgos principales", domain.SectionPrincipalFindings},
	{"principal findings", domain.SectionPrincipalFindings},
	{"key findings", domain.SectionPrincipalFindings},
	{"matriz de correlaci", domain.SectionCorrelationMatrix},
	{"correlation matrix", domain.SectionCorrelationMatrix},
	{"correlation analysis", domain.SectionCorrelationMatrix},
	{"mapa de calor", domain.SectionCorrelationMatrix},
	{"pca", domain.SectionComponentAnalysis},
	{"component analysis", domain.SectionComponentAnalysis},
	{"componentes principales", domain.SectionComponentAnalysis},
	{"temporal", domain.SectionTemporalAnalysis},
	{"estacional", domain.SectionSeasonalAnalysis},
	{"seasonal", domain.SectionSeasonalAnalysis},
	{"espectral", domain.SectionSpectralAnalysis},
	{"spectral", domain.SectionSpectralAnalysis},
	{"fourier", domain.SectionSpectralAnalysis},
	{"síntesis", domain.SectionStrategicSynthesis},
	{"sintesis", domain.SectionStrategicSynthesis},
	{"synthesis", domain.SectionStrategicSynthesis},
	{"conclusi", domain.SectionConclusions},
}

// SplitSections scans model output for markdown headings and groups the
// body text under the canonical section each heading resolves to. Text
// before the first recognized heading is treated as executive summary
// unless that section is produced explicitly later.
func SplitSections(content, language string) map[string]string {
	sections := make(map[string]string)
	var current string
	var buf strings.Builder
	var preamble strings.Builder

	flush := func() {
		if current == "" {
			return
		}
		text := strings.TrimSpace(buf.String())
		if text == "" {
			return
		}
		if prev, ok := sections[current]; ok && prev != "" {
			sections[current] = prev + "\n\n" + text
		} else {
			sections[current] = text
		}
	}

	for _, line := range strings.Split(content, "\n") {
		if name, ok := headingSection(line); ok {
			flush()
			current = name
			buf.Reset()
			continue
		}
		if current == "" {
			preamble.WriteString(line)
			preamble.WriteByte('\n')
			continue
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	flush()

	if pre := strings.TrimSpace(preamble.String()); pre != "" {
		if _, ok := sections[domain.SectionExecutiveSummary]; !ok {
			sections[domain.SectionExecutiveSummary] = pre
		}
	}
	return sections
}

// headingSection reports whether the line is a heading for a known section.
// Markdown hashes, bold markers and numeric prefixes are all accepted.
func headingSection(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", false
	}
	heading := false
	if strings.HasPrefix(trimmed, "#") {
		heading = true
		trimmed = strings.TrimLeft(trimmed, "# ")
	}
	if strings.HasPrefix(trimmed, "**") && strings.HasSuffix(trimmed, "**") && len(trimmed) > 4 {
		heading = true
		trimmed = strings.Trim(trimmed, "* ")
	}
	// "1. Resumen Ejecutivo" style from the numbered prompt list.
	if n := numberedPrefix(trimmed); n > 0 {
		heading = true
		trimmed = strings.TrimSpace(trimmed[n:])
	}
	if !heading {
		return "", false
	}
	// Headings are short. A long line mentioning "temporal" is body text.
	if len(trimmed) > 80 {
		return "", false
	}
	lower := strings.ToLower(trimmed)
	for _, a := range sectionAliases {
		if strings.Contains(lower, a.fragment) {
			return a.section, true
		}
	}
	return "", false
}

// numberedPrefix returns the byte length of a leading "N." or "N)" marker,
// or 0 when the line has none.
func numberedPrefix(s string) int {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(s) {
		return 0
	}
	if s[i] != '.' && s[i] != ')' {
		return 0
	}
	return i + 1
}
