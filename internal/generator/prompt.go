package generator

import (
	"fmt"
	"strings"

	"github.com/mtsa-analytics/kestrel/internal/domain"
)

// BuildPrompt renders the analysis prompt for a combination. The section
// list matches what SplitSections expects back, per language.
func BuildPrompt(req *domain.GenerationRequest) string {
	sources := strings.Join(req.SourceNames, ", ")
	multi := len(req.SourceSlugs) > 1

	if req.Language == "es" {
		var b strings.Builder
		fmt.Fprintf(&b, "Analiza las tendencias para %q usando: %s.\n\n", req.ToolDisplayName, sources)
		if req.DatasetSummary != "" {
			fmt.Fprintf(&b, "Datos de referencia:\n%s\n\n", req.DatasetSummary)
		}
		b.WriteString("Redacta un análisis ejecutivo con las siguientes secciones:\n")
		b.WriteString("1. Resumen Ejecutivo\n")
		b.WriteString("2. Hallazgos Principales\n")
		b.WriteString("3. Análisis Temporal\n")
		b.WriteString("4. Análisis Estacional\n")
		b.WriteString("5. Análisis Espectral\n")
		if multi {
			b.WriteString("6. Matriz de Correlación\n")
			b.WriteString("7. Análisis PCA\n")
			b.WriteString("8. Síntesis Estratégica\n")
			b.WriteString("9. Conclusiones\n")
		} else {
			b.WriteString("6. Síntesis Estratégica\n")
			b.WriteString("7. Conclusiones\n")
		}
		b.WriteString("\nUsa encabezados markdown para cada sección. Estilo profesional y académico.")
		return b.String()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Analyze trends for %q using: %s.\n\n", req.ToolDisplayName, sources)
	if req.DatasetSummary != "" {
		fmt.Fprintf(&b, "Reference data:\n%s\n\n", req.DatasetSummary)
	}
	b.WriteString("Write an executive analysis with the following sections:\n")
	b.WriteString("1. Executive Summary\n")
	b.WriteString("2. Principal Findings\n")
	b.WriteString("3. Temporal Analysis\n")
	b.WriteString("4. Seasonal Analysis\n")
	b.WriteString("5. Spectral Analysis\n")
	if multi {
		b.WriteString("6. Correlation Matrix\n")
		b.WriteString("7. PCA Analysis\n")
		b.WriteString("8. Strategic Synthesis\n")
		b.WriteString("9. Conclusions\n")
	} else {
		b.WriteString("6. Strategic Synthesis\n")
		b.WriteString("7. Conclusions\n")
	}
	b.WriteString("\nUse markdown headers for each section. Professional and academic style.")
	return b.String()
}
