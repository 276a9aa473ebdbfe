// Package combination normalizes (tool, source-set, language) inputs into a
// canonical, order-independent identity with a stable hash.
package combination

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mtsa-analytics/kestrel/internal/domain"
)

// ErrInvalidCombination rejects malformed key input before any lookup.
var ErrInvalidCombination = errors.New("invalid combination")

// hashWidth is the hex width of the combination digest. Hash equality is
// treated as identity; the canonical key is stored alongside the hash and
// compared on read to detect the (unlikely) collision instead of serving a
// wrong record.
const hashWidth = 16

// Key is the canonical identity of one cacheable analysis combination.
// Immutable once constructed.
type Key struct {
	ToolID          int
	ToolSlug        string
	ToolDisplayName string
	SourceIDs       []int
	SourceSlugs     []string
	SourceNames     []string
	SourceBitmask   string
	Language        string
	AnalysisType    domain.AnalysisType
	Hash            string
	Canonical       string
}

// Slugify lower-cases and collapses whitespace and hyphens to underscores.
func Slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Join(strings.Fields(s), " ")
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "-", "_")
	return s
}

// Canonicalize builds a Key from raw user input. Tool and sources may be given
// as slugs or display names; presentation order and casing never influence the
// resulting hash. Fails with ErrInvalidCombination when the tool or language is
// unrecognized or the source set is empty.
func Canonicalize(catalog *domain.Catalog, tool string, sources []string, language string) (*Key, error) {
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog is required", ErrInvalidCombination)
	}

	t := resolveTool(catalog, tool)
	if t == nil {
		return nil, fmt.Errorf("%w: unknown tool %q", ErrInvalidCombination, tool)
	}

	if !catalog.HasLanguage(language) {
		return nil, fmt.Errorf("%w: unknown language %q", ErrInvalidCombination, language)
	}

	seen := make(map[string]bool)
	var resolved []*domain.Source
	for _, raw := range sources {
		src := resolveSource(catalog, raw)
		if src == nil {
			return nil, fmt.Errorf("%w: unknown source %q", ErrInvalidCombination, raw)
		}
		if seen[src.Slug] {
			continue
		}
		seen[src.Slug] = true
		resolved = append(resolved, src)
	}

	if len(resolved) == 0 {
		return nil, fmt.Errorf("%w: source set is empty", ErrInvalidCombination)
	}

	sort.Slice(resolved, func(i, j int) bool {
		return resolved[i].Slug < resolved[j].Slug
	})

	slugs := make([]string, len(resolved))
	ids := make([]int, len(resolved))
	names := make([]string, len(resolved))
	for i, src := range resolved {
		slugs[i] = src.Slug
		ids[i] = src.ID
		names[i] = src.DisplayName
	}

	analysisType := domain.AnalysisMulti
	if len(resolved) == 1 {
		analysisType = domain.AnalysisSingle
	}

	hash := digest(t.Slug, slugs, language)

	return &Key{
		ToolID:          t.ID,
		ToolSlug:        t.Slug,
		ToolDisplayName: t.DisplayName(language),
		SourceIDs:       ids,
		SourceSlugs:     slugs,
		SourceNames:     names,
		SourceBitmask:   catalog.SourceBitmask(slugs),
		Language:        language,
		AnalysisType:    analysisType,
		Hash:            hash,
		Canonical:       canonicalString(t.Slug, slugs, language, hash),
	}, nil
}

// digest computes the fixed-width hash over a stable JSON serialization of the
// normalized combination.
func digest(toolSlug string, sourceSlugs []string, language string) string {
	payload := struct {
		Tool     string   `json:"tool"`
		Sources  []string `json:"sources"`
		Language string   `json:"language"`
	}{Tool: toolSlug, Sources: sourceSlugs, Language: language}

	// Marshal over a fixed struct is deterministic: field order is declaration
	// order and the source slice is already sorted.
	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:hashWidth]
}

// canonicalString renders the human-readable cache key used for display and
// collision verification.
func canonicalString(toolSlug string, sourceSlugs []string, language, hash string) string {
	return fmt.Sprintf("%s_%s_%s_%s", toolSlug, strings.Join(sourceSlugs, "_"), language, hash)
}

func resolveTool(catalog *domain.Catalog, raw string) *domain.Tool {
	slug := Slugify(raw)
	if t := catalog.ToolBySlug(slug); t != nil {
		return t
	}
	for i := range catalog.Tools {
		t := &catalog.Tools[i]
		if Slugify(t.DisplayNameES) == slug || Slugify(t.DisplayNameEN) == slug {
			return t
		}
	}
	return nil
}

func resolveSource(catalog *domain.Catalog, raw string) *domain.Source {
	slug := Slugify(raw)
	if s := catalog.SourceBySlug(slug); s != nil {
		return s
	}
	for i := range catalog.Sources {
		s := &catalog.Sources[i]
		if Slugify(s.DisplayName) == slug {
			return s
		}
	}
	return nil
}
