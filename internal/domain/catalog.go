package domain

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tool is one research tool in the combination space.
type Tool struct {
	ID            int    `yaml:"id" json:"id"`
	Slug          string `yaml:"slug" json:"slug"`
	DisplayNameES string `yaml:"display_name_es" json:"displayNameEs"`
	DisplayNameEN string `yaml:"display_name_en" json:"displayNameEn"`
}

// DisplayName returns the localized display name for a language tag.
func (t Tool) DisplayName(language string) string {
	if language == "en" {
		return t.DisplayNameEN
	}
	return t.DisplayNameES
}

// Source is one data source in the combination space. Bitmask position is
// the source's index in catalog order.
type Source struct {
	ID          int    `yaml:"id" json:"id"`
	Slug        string `yaml:"slug" json:"slug"`
	DisplayName string `yaml:"display_name" json:"displayName"`
	SourceType  string `yaml:"source_type" json:"sourceType"`
}

// Catalog is the reference data defining the valid combination space.
type Catalog struct {
	Tools     []Tool   `yaml:"tools" json:"tools"`
	Sources   []Source `yaml:"sources" json:"sources"`
	Languages []string `yaml:"languages" json:"languages"`
}

// LoadCatalog reads a catalog override from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}

	if len(c.Tools) == 0 || len(c.Sources) == 0 || len(c.Languages) == 0 {
		return nil, fmt.Errorf("catalog file %s is incomplete", path)
	}

	return &c, nil
}

// ToolBySlug returns the tool with the given slug, or nil.
func (c *Catalog) ToolBySlug(slug string) *Tool {
	for i := range c.Tools {
		if c.Tools[i].Slug == slug {
			return &c.Tools[i]
		}
	}
	return nil
}

// SourceBySlug returns the source with the given slug, or nil.
func (c *Catalog) SourceBySlug(slug string) *Source {
	for i := range c.Sources {
		if c.Sources[i].Slug == slug {
			return &c.Sources[i]
		}
	}
	return nil
}

// HasLanguage reports whether the language tag is part of the catalog.
func (c *Catalog) HasLanguage(language string) bool {
	for _, l := range c.Languages {
		if l == language {
			return true
		}
	}
	return false
}

// SourceBitmask renders the selected source slugs as a fixed-width bitmask in
// catalog order, e.g. "10010" for sources 1 and 4 of 5.
func (c *Catalog) SourceBitmask(slugs []string) string {
	mask := make([]byte, len(c.Sources))
	for i := range mask {
		mask[i] = '0'
	}
	for _, slug := range slugs {
		for i := range c.Sources {
			if c.Sources[i].Slug == slug {
				mask[i] = '1'
				break
			}
		}
	}
	return string(mask)
}

// CombinationSpaceSize returns tools x non-empty source subsets x languages.
func (c *Catalog) CombinationSpaceSize() int {
	subsets := (1 << len(c.Sources)) - 1
	return len(c.Tools) * subsets * len(c.Languages)
}

// DefaultCatalog returns the built-in reference data: 21 research tools,
// 5 data sources and 2 languages (a 1302-combination space).
func DefaultCatalog() *Catalog {
	return &Catalog{
		Tools: []Tool{
			{ID: 1, Slug: "alianzas_y_capital_de_riesgo", DisplayNameES: "Alianzas y Capital de Riesgo", DisplayNameEN: "Strategic Alliances & Venture Capital"},
			{ID: 2, Slug: "benchmarking", DisplayNameES: "Benchmarking", DisplayNameEN: "Benchmarking"},
			{ID: 3, Slug: "calidad_total", DisplayNameES: "Calidad Total", DisplayNameEN: "Total Quality Management"},
			{ID: 4, Slug: "competencias_centrales", DisplayNameES: "Competencias Centrales", DisplayNameEN: "Core Competencies"},
			{ID: 5, Slug: "cuadro_de_mando_integral", DisplayNameES: "Cuadro de Mando Integral", DisplayNameEN: "Balanced Scorecard"},
			{ID: 6, Slug: "estrategias_de_crecimiento", DisplayNameES: "Estrategias de Crecimiento", DisplayNameEN: "Growth Strategies"},
			{ID: 7, Slug: "experiencia_del_cliente", DisplayNameES: "Experiencia del Cliente", DisplayNameEN: "Customer Experience"},
			{ID: 8, Slug: "fusiones_y_adquisiciones", DisplayNameES: "Fusiones y Adquisiciones", DisplayNameEN: "Mergers & Acquisitions"},
			{ID: 9, Slug: "gestión_de_costos", DisplayNameES: "Gestión de Costos", DisplayNameEN: "Cost Management"},
			{ID: 10, Slug: "gestión_de_la_cadena_de_suministro", DisplayNameES: "Gestión de la Cadena de Suministro", DisplayNameEN: "Supply Chain Management"},
			{ID: 11, Slug: "gestión_del_cambio", DisplayNameES: "Gestión del Cambio", DisplayNameEN: "Change Management"},
			{ID: 12, Slug: "gestión_del_conocimiento", DisplayNameES: "Gestión del Conocimiento", DisplayNameEN: "Knowledge Management"},
			{ID: 13, Slug: "innovación_colaborativa", DisplayNameES: "Innovación Colaborativa", DisplayNameEN: "Collaborative Innovation"},
			{ID: 14, Slug: "lealtad_del_cliente", DisplayNameES: "Lealtad del Cliente", DisplayNameEN: "Customer Loyalty"},
			{ID: 15, Slug: "liderazgo_transformacional", DisplayNameES: "Liderazgo Transformacional", DisplayNameEN: "Transformational Leadership"},
			{ID: 16, Slug: "mercadeo_digital", DisplayNameES: "Mercadeo Digital", DisplayNameEN: "Digital Marketing"},
			{ID: 17, Slug: "modelo_de_negocio", DisplayNameES: "Modelo de Negocio", DisplayNameEN: "Business Model"},
			{ID: 18, Slug: "optimización_de_procesos", DisplayNameES: "Optimización de Procesos", DisplayNameEN: "Process Optimization"},
			{ID: 19, Slug: "reingeniería_de_procesos", DisplayNameES: "Reingeniería de Procesos", DisplayNameEN: "Business Process Reengineering"},
			{ID: 20, Slug: "retención_de_talento", DisplayNameES: "Retención de Talento", DisplayNameEN: "Talent Retention"},
			{ID: 21, Slug: "revolución_industrial_4.0", DisplayNameES: "Revolución Industrial 4.0", DisplayNameEN: "Industry 4.0"},
		},
		Sources: []Source{
			{ID: 1, Slug: "google_trends", DisplayName: "Google Trends", SourceType: "trends"},
			{ID: 2, Slug: "google_books", DisplayName: "Google Books", SourceType: "books"},
			{ID: 3, Slug: "bain_usability", DisplayName: "Bain Usability", SourceType: "usage"},
			{ID: 4, Slug: "crossref", DisplayName: "Crossref", SourceType: "academic"},
			{ID: 5, Slug: "bain_satisfaction", DisplayName: "Bain Satisfaction", SourceType: "satisfaction"},
		},
		Languages: []string{"es", "en"},
	}
}
