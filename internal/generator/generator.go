// Package generator provides the external analysis generator client.
// The generator is an expensive, rate-limited network dependency reached
// through an openai-compatible chat-completion API.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mtsa-analytics/kestrel/internal/domain"
)

// ErrorKind classifies a generator failure for retry decisions.
type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindRateLimited ErrorKind = "rate_limited"
	KindMalformed   ErrorKind = "malformed"
	KindProvider    ErrorKind = "provider"
)

// GeneratorError wraps a generation failure with its retry classification.
type GeneratorError struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *GeneratorError) Error() string {
	return fmt.Sprintf("generator %s: %v", e.Kind, e.Err)
}

func (e *GeneratorError) Unwrap() error { return e.Err }

// Retryable reports whether the pipeline should retry the job with backoff.
// Malformed output retries too: the provider is non-deterministic and a
// fresh completion usually parses. Provider errors retry only on 5xx or
// transport failures; a definitive 4xx rejection will not improve.
func (e *GeneratorError) Retryable() bool {
	if e.Kind == KindProvider {
		return e.StatusCode == 0 || e.StatusCode >= 500
	}
	return true
}

// Client implements domain.Generator against an openai-compatible endpoint.
type Client struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewClient creates a generator client from configuration.
func NewClient(cfg domain.GeneratorConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("generator API key is required")
	}

	model := cfg.Model
	if model == "" {
		model = "moonshotai/kimi-k2-instruct"
	}

	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Client{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   model,
		timeout: timeout,
	}, nil
}

// Generate produces a structured analysis for the combination. The raw
// completion is split into named sections; absent sections come back as
// empty strings, never as errors.
func (c *Client) Generate(ctx context.Context, req *domain.GenerationRequest) (*domain.AnalysisOutput, error) {
	prompt := BuildPrompt(req)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	latency := time.Since(start)

	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &GeneratorError{Kind: KindMalformed, Err: errors.New("provider returned no choices")}
	}

	content := resp.Choices[0].Message.Content
	sections := SplitSections(content, req.Language)
	if len(sections) == 0 {
		return nil, &GeneratorError{Kind: KindMalformed, Err: errors.New("no recognizable sections in completion")}
	}

	out := &domain.AnalysisOutput{
		Sections:        sections,
		DataPoints:      req.DataPoints,
		ConfidenceScore: confidence(sections, len(req.SourceSlugs) > 1),
		GeneratorID:     c.model,
		LatencyMs:       latency.Milliseconds(),
	}

	slog.Debug("generation completed",
		"tool", req.ToolSlug,
		"sources", len(req.SourceSlugs),
		"language", req.Language,
		"sections", len(sections),
		"latency_ms", out.LatencyMs,
	)

	return out, nil
}

// classify maps transport errors onto the retry taxonomy.
func classify(err error) *GeneratorError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &GeneratorError{Kind: KindTimeout, Err: err}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 429 {
			return &GeneratorError{Kind: KindRateLimited, StatusCode: 429, Err: err}
		}
		return &GeneratorError{Kind: KindProvider, StatusCode: apiErr.HTTPStatusCode, Err: err}
	}

	return &GeneratorError{Kind: KindProvider, Err: err}
}

// confidence scores section coverage: the fraction of expected sections with
// non-trivial content.
func confidence(sections map[string]string, multi bool) float64 {
	expected := []string{
		domain.SectionExecutiveSummary,
		domain.SectionPrincipalFindings,
		domain.SectionTemporalAnalysis,
		domain.SectionSeasonalAnalysis,
		domain.SectionSpectralAnalysis,
		domain.SectionStrategicSynthesis,
		domain.SectionConclusions,
	}
	if multi {
		expected = append(expected, domain.SectionCorrelationMatrix, domain.SectionComponentAnalysis)
	}

	var present int
	for _, name := range expected {
		if len(strings.TrimSpace(sections[name])) > 50 {
			present++
		}
	}
	return float64(present) / float64(len(expected))
}
