// Package validator provides the CEL-Go based content validation engine.
// It classifies candidate findings records as Valid, Partial or Invalid
// against analysis-type-specific completeness rules. Validation never
// mutates the record.
package validator

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/mtsa-analytics/kestrel/internal/domain"
)

// Rule is one completeness check expressed as a CEL predicate over the
// flattened record. A passing rule evaluates to true.
type Rule struct {
	ID         string
	Expression string
	// AppliesTo restricts the rule to one analysis type; empty means both.
	AppliesTo domain.AnalysisType
	// Hard rules classify the record Invalid on failure regardless of the
	// narrative anchors. Soft rules downgrade to Partial when the executive
	// summary and conclusions are present, Invalid otherwise.
	Hard   bool
	Reason string
}

// Result is the classification of one candidate record.
type Result struct {
	Status  domain.ValidationStatus
	Reasons []string
}

// Engine is the CEL-based validation engine.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled []compiledRule
}

type compiledRule struct {
	rule    Rule
	program cel.Program
}

// NewEngine creates a validation engine with the given rules compiled once.
// Pass BuiltinRules() for the standard completeness rule set.
func NewEngine(rules []Rule) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("analysis_type", cel.StringType),
		cel.Variable("sources_count", cel.IntType),
		cel.Variable("executive_summary_len", cel.IntType),
		cel.Variable("principal_findings_len", cel.IntType),
		cel.Variable("strategic_synthesis_len", cel.IntType),
		cel.Variable("conclusions_len", cel.IntType),
		cel.Variable("temporal_len", cel.IntType),
		cel.Variable("seasonal_len", cel.IntType),
		cel.Variable("spectral_len", cel.IntType),
		cel.Variable("correlation_len", cel.IntType),
		cel.Variable("component_len", cel.IntType),
		cel.Variable("data_points", cel.IntType),
		cel.Variable("confidence_score", cel.DoubleType),
		cel.Variable("generator_id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Engine{env: env}
	for _, r := range rules {
		if err := e.loadRule(r); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) loadRule(r Rule) error {
	ast, issues := e.env.Compile(r.Expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("failed to compile rule %s: %w", r.ID, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return fmt.Errorf("failed to program rule %s: %w", r.ID, err)
	}

	e.mu.Lock()
	e.compiled = append(e.compiled, compiledRule{rule: r, program: prg})
	e.mu.Unlock()
	return nil
}

// RuleCount returns the number of loaded rules.
func (e *Engine) RuleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// Validate classifies a candidate record. The caller decides whether an
// Invalid record is stored for diagnostics or discarded.
func (e *Engine) Validate(rec *domain.FindingsRecord) Result {
	activation := flatten(rec)

	anchorsPresent := trimmedLen(rec.ExecutiveSummary) > 0 && trimmedLen(rec.Conclusions) > 0

	e.mu.RLock()
	compiled := e.compiled
	e.mu.RUnlock()

	var reasons []string
	var hardFailure, softFailure bool

	for _, cr := range compiled {
		if cr.rule.AppliesTo != "" && cr.rule.AppliesTo != rec.AnalysisType {
			continue
		}

		out, _, err := cr.program.Eval(activation)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("%s: evaluation error: %v", cr.rule.ID, err))
			hardFailure = true
			continue
		}

		passed, ok := out.(types.Bool)
		if !ok || !bool(passed) {
			reasons = append(reasons, cr.rule.Reason)
			if cr.rule.Hard {
				hardFailure = true
			} else {
				softFailure = true
			}
		}
	}

	switch {
	case hardFailure:
		return Result{Status: domain.StatusInvalid, Reasons: reasons}
	case softFailure && anchorsPresent:
		return Result{Status: domain.StatusPartial, Reasons: reasons}
	case softFailure:
		return Result{Status: domain.StatusInvalid, Reasons: reasons}
	default:
		return Result{Status: domain.StatusValid}
	}
}

func flatten(rec *domain.FindingsRecord) map[string]any {
	return map[string]any{
		"analysis_type":           string(rec.AnalysisType),
		"sources_count":           len(rec.SourceSlugs),
		"executive_summary_len":   trimmedLen(rec.ExecutiveSummary),
		"principal_findings_len":  trimmedLen(rec.PrincipalFindings),
		"strategic_synthesis_len": trimmedLen(rec.StrategicSynthesis),
		"conclusions_len":         trimmedLen(rec.Conclusions),
		"temporal_len":            trimmedLen(rec.TemporalAnalysis),
		"seasonal_len":            trimmedLen(rec.SeasonalAnalysis),
		"spectral_len":            trimmedLen(rec.SpectralAnalysis),
		"correlation_len":         trimmedLen(rec.CorrelationAnalysis),
		"component_len":           trimmedLen(rec.ComponentAnalysis),
		"data_points":             rec.DataPoints,
		"confidence_score":        rec.ConfidenceScore,
		"generator_id":            rec.GeneratorID,
	}
}

func trimmedLen(s string) int {
	return len(strings.TrimSpace(s))
}
