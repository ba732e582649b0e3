// Package rules implements the log evaluation engine: a named regular
// expression scans raw log output and each captured group is compared against
// an ordered numeric threshold from the criterion's ruleset.
package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/qualboard/qualboard/internal/models"
	"github.com/qualboard/qualboard/internal/store"
)

// Status tokens returned by Evaluate. The lifecycle layer upper-cases them
// before persisting.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

const failedDisplay = "FAILED"

// Outcome is the result of evaluating log content against a rule.
// DisplayCandidate carries the first captured group when the pattern matched
// with groups, otherwise a SUCCESS/FAILED placeholder.
type Outcome struct {
	Status           string
	DisplayCandidate string
}

func failedOutcome() Outcome {
	return Outcome{Status: StatusFailed, DisplayCandidate: failedDisplay}
}

// RuleSource resolves the most specific applicable rule for a criterion:
// exact maturity match first, then the maturity-agnostic fallback.
// Implementations return store.ErrNotFound when no rule exists.
type RuleSource interface {
	ResolveEvaluationRule(ctx context.Context, criterionName, maturity string) (models.EvaluationRule, error)
}

type Evaluator struct {
	source RuleSource
}

func NewEvaluator(source RuleSource) *Evaluator {
	return &Evaluator{source: source}
}

// Evaluate derives a pass/fail status and display candidate for the given log
// content. A missing rule, a non-matching pattern, or malformed rule data all
// degrade to a FAILED outcome rather than an error; the returned error is
// non-nil only for data problems worth logging (bad pattern, bad ruleset,
// non-numeric capture), and even then the outcome is a usable FAILED.
func (ev *Evaluator) Evaluate(ctx context.Context, logContent, maturity, criterionName string) (Outcome, error) {
	rule, err := ev.source.ResolveEvaluationRule(ctx, criterionName, maturity)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return failedOutcome(), nil
		}
		return failedOutcome(), fmt.Errorf("resolve rule for %q: %w", criterionName, err)
	}
	return evaluateRule(rule, logContent)
}

func evaluateRule(rule models.EvaluationRule, logContent string) (Outcome, error) {
	var ruleset []float64
	if err := json.Unmarshal([]byte(rule.Ruleset), &ruleset); err != nil {
		return failedOutcome(), fmt.Errorf("parse ruleset for %q: %w", rule.CriterionName, err)
	}

	// Patterns are not validated at creation time; a bad one fails here.
	pattern, err := regexp.Compile(rule.PatternText)
	if err != nil {
		return failedOutcome(), fmt.Errorf("compile pattern for %q: %w", rule.CriterionName, err)
	}

	match := pattern.FindStringSubmatch(logContent)
	if match == nil {
		return failedOutcome(), nil
	}

	out := Outcome{Status: StatusSuccess, DisplayCandidate: "SUCCESS"}
	groups := match[1:]
	for i, captured := range groups {
		if i >= len(ruleset) {
			// Ruleset shorter than the capture count: a data problem, not a
			// crash. Overrides any captured display candidate.
			return failedOutcome(), nil
		}
		value, err := strconv.ParseFloat(captured, 64)
		if err != nil {
			return failedOutcome(), fmt.Errorf("non-numeric capture %q in group %d for %q: %w",
				captured, i+1, rule.CriterionName, err)
		}
		if ruleset[i] < value {
			out.Status = StatusFailed
		}
	}
	if len(groups) > 0 {
		out.DisplayCandidate = groups[0]
	}
	return out, nil
}

// DeriveDisplayValue renders the human-facing value for a finished
// evaluation. Binary criteria show the status itself; numeric criteria show
// the captured value with the criterion's unit, falling back to the status
// when no real number was captured.
func DeriveDisplayValue(criterion models.Criterion, status string, candidate string) string {
	upper := models.NormalizeStatus(status)
	if upper == "" {
		upper = status
	}
	if criterion.DisplayType != models.DisplayNumericValue {
		return upper
	}
	if candidate == "" || candidate == "SUCCESS" || candidate == "FAILED" {
		return upper
	}
	if criterion.Unit != "" {
		return candidate + " " + criterion.Unit
	}
	return candidate
}
