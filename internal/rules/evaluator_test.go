package rules_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualboard/qualboard/internal/models"
	"github.com/qualboard/qualboard/internal/rules"
	"github.com/qualboard/qualboard/internal/store"
)

type stubSource struct {
	rule models.EvaluationRule
	err  error
}

func (s stubSource) ResolveEvaluationRule(ctx context.Context, criterionName, maturity string) (models.EvaluationRule, error) {
	return s.rule, s.err
}

func ruleWith(pattern, ruleset string) models.EvaluationRule {
	return models.EvaluationRule{
		CriterionName: "lint",
		PatternText:   pattern,
		Ruleset:       ruleset,
	}
}

func TestEvaluateThresholdExceeded(t *testing.T) {
	ev := rules.NewEvaluator(stubSource{rule: ruleWith(`(\d+) error (\d+) warning`, `[0, 5]`)})

	out, err := ev.Evaluate(context.Background(), "3 error 2 warning", models.MaturityML1, "lint")
	require.NoError(t, err)
	assert.Equal(t, rules.StatusFailed, out.Status)
	assert.Equal(t, "3", out.DisplayCandidate)
}

func TestEvaluateWithinThresholds(t *testing.T) {
	ev := rules.NewEvaluator(stubSource{rule: ruleWith(`(\d+) error (\d+) warning`, `[10, 10]`)})

	out, err := ev.Evaluate(context.Background(), "0 error 1 warning", models.MaturityML1, "lint")
	require.NoError(t, err)
	assert.Equal(t, rules.StatusSuccess, out.Status)
	assert.Equal(t, "0", out.DisplayCandidate)
}

func TestEvaluateBoundaryEqualPasses(t *testing.T) {
	ev := rules.NewEvaluator(stubSource{rule: ruleWith(`(\d+) error`, `[5]`)})

	out, err := ev.Evaluate(context.Background(), "5 error", models.MaturityML1, "lint")
	require.NoError(t, err)
	assert.Equal(t, rules.StatusSuccess, out.Status)
	assert.Equal(t, "5", out.DisplayCandidate)
}

func TestEvaluateNoRule(t *testing.T) {
	ev := rules.NewEvaluator(stubSource{err: store.ErrNotFound})

	out, err := ev.Evaluate(context.Background(), "anything", models.MaturityML1, "lint")
	require.NoError(t, err)
	assert.Equal(t, rules.StatusFailed, out.Status)
	assert.Equal(t, "FAILED", out.DisplayCandidate)
}

func TestEvaluateNoMatch(t *testing.T) {
	ev := rules.NewEvaluator(stubSource{rule: ruleWith(`(\d+) error`, `[0]`)})

	out, err := ev.Evaluate(context.Background(), "build timed out", models.MaturityML1, "lint")
	require.NoError(t, err)
	assert.Equal(t, rules.StatusFailed, out.Status)
	assert.Equal(t, "FAILED", out.DisplayCandidate)
}

func TestEvaluateNoGroups(t *testing.T) {
	ev := rules.NewEvaluator(stubSource{rule: ruleWith(`ALL TESTS PASSED`, `[]`)})

	out, err := ev.Evaluate(context.Background(), "... ALL TESTS PASSED ...", models.MaturityML1, "lint")
	require.NoError(t, err)
	assert.Equal(t, rules.StatusSuccess, out.Status)
	assert.Equal(t, "SUCCESS", out.DisplayCandidate)
}

func TestEvaluateRulesetShorterThanGroups(t *testing.T) {
	ev := rules.NewEvaluator(stubSource{rule: ruleWith(`(\d+) error (\d+) warning`, `[5]`)})

	out, err := ev.Evaluate(context.Background(), "1 error 2 warning", models.MaturityML1, "lint")
	require.NoError(t, err)
	assert.Equal(t, rules.StatusFailed, out.Status)
	assert.Equal(t, "FAILED", out.DisplayCandidate)
}

func TestEvaluateNonNumericCapture(t *testing.T) {
	ev := rules.NewEvaluator(stubSource{rule: ruleWith(`result: (\w+)`, `[1]`)})

	out, err := ev.Evaluate(context.Background(), "result: flaky", models.MaturityML1, "lint")
	assert.Error(t, err)
	assert.Equal(t, rules.StatusFailed, out.Status)
	assert.Equal(t, "FAILED", out.DisplayCandidate)
}

func TestEvaluateBadRuleset(t *testing.T) {
	ev := rules.NewEvaluator(stubSource{rule: ruleWith(`(\d+)`, `not json`)})

	out, err := ev.Evaluate(context.Background(), "3", models.MaturityML1, "lint")
	assert.Error(t, err)
	assert.Equal(t, rules.StatusFailed, out.Status)
}

func TestEvaluateBadPattern(t *testing.T) {
	ev := rules.NewEvaluator(stubSource{rule: ruleWith(`(unclosed`, `[0]`)})

	out, err := ev.Evaluate(context.Background(), "anything", models.MaturityML1, "lint")
	assert.Error(t, err)
	assert.Equal(t, rules.StatusFailed, out.Status)
}

// The first captured group is the display candidate even when a later group
// causes the failure.
func TestEvaluateFirstGroupIsDisplayCandidate(t *testing.T) {
	ev := rules.NewEvaluator(stubSource{rule: ruleWith(`(\d+) error (\d+) warning`, `[10, 0]`)})

	out, err := ev.Evaluate(context.Background(), "2 error 7 warning", models.MaturityML1, "lint")
	require.NoError(t, err)
	assert.Equal(t, rules.StatusFailed, out.Status)
	assert.Equal(t, "2", out.DisplayCandidate)
}

func TestEvaluateMaturityResolution(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	criterion, err := st.CreateCriterion(ctx, store.CriterionInput{
		Name: "coverage", DisplayType: models.DisplayNumericValue,
		AvailableIP: true, AvailableHPDF: true, AvailableDFTed: true,
	})
	require.NoError(t, err)

	strict, err := st.CreateEvaluationPattern(ctx, "strict", `coverage (\d+)%`)
	require.NoError(t, err)
	lax, err := st.CreateEvaluationPattern(ctx, "lax", `coverage \d+%`)
	require.NoError(t, err)

	ml2 := models.MaturityML2
	_, err = st.CreateEvaluationRule(ctx, store.RuleInput{
		CriterionID: criterion.ID, Maturity: &ml2, PatternID: strict.ID, Ruleset: `[3]`,
	})
	require.NoError(t, err)
	_, err = st.CreateEvaluationRule(ctx, store.RuleInput{
		CriterionID: criterion.ID, PatternID: lax.ID, Ruleset: `[]`,
	})
	require.NoError(t, err)

	ev := rules.NewEvaluator(st)

	// Exact ML2 rule wins: captured 80 exceeds threshold 3.
	out, err := ev.Evaluate(ctx, "coverage 80%", models.MaturityML2, "coverage")
	require.NoError(t, err)
	assert.Equal(t, rules.StatusFailed, out.Status)
	assert.Equal(t, "80", out.DisplayCandidate)

	// ML3 has no exact rule; the maturity-agnostic one has no groups and
	// passes on any match.
	out, err = ev.Evaluate(ctx, "coverage 80%", models.MaturityML3, "coverage")
	require.NoError(t, err)
	assert.Equal(t, rules.StatusSuccess, out.Status)
}

func TestDeriveDisplayValue(t *testing.T) {
	binary := models.Criterion{DisplayType: models.DisplaySuccessFail}
	numeric := models.Criterion{DisplayType: models.DisplayNumericValue}
	numericUnit := models.Criterion{DisplayType: models.DisplayNumericValue, Unit: "errors"}

	tests := []struct {
		name      string
		criterion models.Criterion
		status    string
		candidate string
		want      string
	}{
		{"binary success", binary, "success", "3", "SUCCESS"},
		{"binary failed", binary, "failed", "FAILED", "FAILED"},
		{"numeric with unit", numericUnit, "failed", "3", "3 errors"},
		{"numeric without unit", numeric, "success", "42", "42"},
		{"numeric placeholder falls back", numeric, "failed", "FAILED", "FAILED"},
		{"numeric empty falls back", numeric, "success", "", "SUCCESS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rules.DeriveDisplayValue(tt.criterion, tt.status, tt.candidate)
			assert.Equal(t, tt.want, got)
		})
	}
}
