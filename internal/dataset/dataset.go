// Package dataset provides the reference data summaries handed to the
// generator. Ingestion of the raw series happens upstream; this package
// only reads the preprocessed summary file.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoDataset means no summary exists for the requested combination.
var ErrNoDataset = errors.New("no dataset summary for combination")

// Entry is one preprocessed dataset summary.
type Entry struct {
	Tool       string   `yaml:"tool"`
	Sources    []string `yaml:"sources"`
	Summary    string   `yaml:"summary"`
	DataPoints int      `yaml:"data_points"`
}

// FileProvider serves summaries from a YAML file loaded at startup.
type FileProvider struct {
	entries map[string]Entry
}

// LoadFile reads a summaries file. The file is a YAML list of entries.
func LoadFile(path string) (*FileProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset file: %w", err)
	}

	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse dataset file: %w", err)
	}

	p := &FileProvider{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		p.entries[entryKey(e.Tool, e.Sources)] = e
	}
	return p, nil
}

// Summarize returns the summary and data point count for a combination.
func (p *FileProvider) Summarize(ctx context.Context, toolSlug string, sourceSlugs []string) (string, int, error) {
	e, ok := p.entries[entryKey(toolSlug, sourceSlugs)]
	if !ok {
		return "", 0, fmt.Errorf("%w: %s [%s]", ErrNoDataset, toolSlug, strings.Join(sourceSlugs, ","))
	}
	return e.Summary, e.DataPoints, nil
}

// Len returns the number of loaded entries.
func (p *FileProvider) Len() int { return len(p.entries) }

func entryKey(tool string, sources []string) string {
	sorted := make([]string, len(sources))
	copy(sorted, sources)
	sort.Strings(sorted)
	return tool + "|" + strings.Join(sorted, ",")
}
