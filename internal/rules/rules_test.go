package rules

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ims/internal/domain"
)

func activeRule(name string, version, priority int, conditions []domain.Condition, actions []domain.Action) *domain.CalculationRule {
	return &domain.CalculationRule{
		Name:        name,
		RuleVersion: version,
		RuleType:    domain.CalcForLoan,
		Priority:    priority,
		Conditions:  conditions,
		Actions:     actions,
		Status:      domain.RuleActive,
	}
}

func TestCompileKeepsHighestVersion(t *testing.T) {
	set, err := Compile([]*domain.CalculationRule{
		activeRule("scale", 1, 10, nil, []domain.Action{
			{Kind: domain.ActionScale, Field: "available", Value: "0.5"},
		}),
		activeRule("scale", 3, 10, nil, []domain.Action{
			{Kind: domain.ActionScale, Field: "available", Value: "0.9"},
		}),
		activeRule("scale", 2, 10, nil, []domain.Action{
			{Kind: domain.ActionScale, Field: "available", Value: "0.7"},
		}),
	}, 1)
	require.NoError(t, err)

	out := set.Evaluate(domain.CalcForLoan, "US", "2026-08-24", Facts{})
	assert.True(t, out.ScaleFor("available").Equal(decimal.RequireFromString("0.9")))
}

func TestCompileRejectsBadPattern(t *testing.T) {
	_, err := Compile([]*domain.CalculationRule{
		activeRule("bad", 1, 10, []domain.Condition{
			{Attribute: "securityId", Operator: domain.OpMatches, Values: []string{"["}},
		}, nil),
	}, 1)
	assert.Error(t, err)
}

func TestCompileSkipsInactive(t *testing.T) {
	rule := activeRule("off", 1, 10, nil, []domain.Action{{Kind: domain.ActionExclude}})
	rule.Status = domain.RuleInactive
	set, err := Compile([]*domain.CalculationRule{rule}, 1)
	require.NoError(t, err)

	out := set.Evaluate(domain.CalcForLoan, "US", "2026-08-24", Facts{})
	assert.True(t, out.Included)
}

func TestEvaluatePriorityOrderAndStop(t *testing.T) {
	set, err := Compile([]*domain.CalculationRule{
		activeRule("late", 1, 20, nil, []domain.Action{
			{Kind: domain.ActionSetStatus, Value: "RESTRICTED"},
		}),
		activeRule("early", 1, 5, nil, []domain.Action{
			{Kind: domain.ActionSetStatus, Value: "ACTIVE"},
			{Kind: domain.ActionStop},
		}),
	}, 1)
	require.NoError(t, err)

	out := set.Evaluate(domain.CalcForLoan, "US", "2026-08-24", Facts{})
	assert.Equal(t, "ACTIVE", out.Status, "stop on the lower priority rule wins")
	assert.True(t, out.Stopped)
	assert.Equal(t, []string{"early"}, out.Matched)
}

func TestEvaluateLeftToRightConnectives(t *testing.T) {
	// false AND true OR true evaluates as ((false AND true) OR true) = true.
	set, err := Compile([]*domain.CalculationRule{
		activeRule("chain", 1, 10, []domain.Condition{
			{Attribute: "market", Operator: domain.OpEq, Values: []string{"JP"}, Logical: domain.LogicalAnd},
			{Attribute: "temperature", Operator: domain.OpEq, Values: []string{"HTB"}, Logical: domain.LogicalOr},
			{Attribute: "securityType", Operator: domain.OpEq, Values: []string{"EQUITY"}},
		}, []domain.Action{{Kind: domain.ActionExclude}}),
	}, 1)
	require.NoError(t, err)

	out := set.Evaluate(domain.CalcForLoan, "US", "2026-08-24", Facts{
		"market":       "US",
		"temperature":  "HTB",
		"securityType": "EQUITY",
	})
	assert.False(t, out.Included)
}

func TestEvaluateMissingAttribute(t *testing.T) {
	set, err := Compile([]*domain.CalculationRule{
		activeRule("exists", 1, 10, []domain.Condition{
			{Attribute: "clientId", Operator: domain.OpExists},
		}, []domain.Action{{Kind: domain.ActionExclude}}),
		activeRule("compare", 2, 20, []domain.Condition{
			{Attribute: "quantity", Operator: domain.OpGt, Values: []string{"0"}},
		}, []domain.Action{{Kind: domain.ActionSetStatus, Value: "RESTRICTED"}}),
	}, 1)
	require.NoError(t, err)

	// Neither attribute is present: exists is false, gt against a missing
	// attribute is false.
	out := set.Evaluate(domain.CalcForLoan, "US", "2026-08-24", Facts{})
	assert.True(t, out.Included)
	assert.Empty(t, out.Status)

	out = set.Evaluate(domain.CalcForLoan, "US", "2026-08-24", Facts{"clientId": "C1"})
	assert.False(t, out.Included)
}

func TestEvaluateNumericComparison(t *testing.T) {
	set, err := Compile([]*domain.CalculationRule{
		activeRule("big", 1, 10, []domain.Condition{
			{Attribute: "quantity", Operator: domain.OpGe, Values: []string{"1000"}},
		}, []domain.Action{{Kind: domain.ActionSetTemperature, Value: "HTB"}}),
	}, 1)
	require.NoError(t, err)

	// "200" < "1000" numerically even though it sorts after lexically.
	out := set.Evaluate(domain.CalcForLoan, "US", "2026-08-24", Facts{"quantity": "200"})
	assert.Empty(t, out.Temperature)

	out = set.Evaluate(domain.CalcForLoan, "US", "2026-08-24", Facts{"quantity": "1500"})
	assert.Equal(t, "HTB", out.Temperature)
}

func TestEvaluateMarketAndWindow(t *testing.T) {
	jpOnly := activeRule("jp-only", 1, 10, nil, []domain.Action{{Kind: domain.ActionExclude}})
	jpOnly.Market = "JP"
	expired := activeRule("expired", 1, 20, nil, []domain.Action{{Kind: domain.ActionExclude}})
	expired.ExpiryDate = "2026-01-01"
	set, err := Compile([]*domain.CalculationRule{jpOnly, expired}, 1)
	require.NoError(t, err)

	out := set.Evaluate(domain.CalcForLoan, "US", "2026-08-24", Facts{})
	assert.True(t, out.Included, "JP rule does not apply to US, expired rule is past its window")

	out = set.Evaluate(domain.CalcForLoan, "JP", "2026-08-24", Facts{})
	assert.False(t, out.Included)
}

func TestEvaluateBorrowRateAndOverborrow(t *testing.T) {
	set, err := Compile([]*domain.CalculationRule{
		activeRule("rate", 1, 10, nil, []domain.Action{
			{Kind: domain.ActionSetBorrowRate, Value: "2.75"},
			{Kind: domain.ActionMarkOverborrow},
		}),
	}, 1)
	require.NoError(t, err)

	out := set.Evaluate(domain.CalcForLoan, "US", "2026-08-24", Facts{})
	require.NotNil(t, out.BorrowRate)
	assert.True(t, out.BorrowRate.Equal(decimal.RequireFromString("2.75")))
	assert.True(t, out.MarkOverborrow)
}

type staticSource struct {
	rules []*domain.CalculationRule
}

func (s *staticSource) ListAll(ctx context.Context) ([]*domain.CalculationRule, error) {
	return s.rules, nil
}

func TestEngineReloadKeepsPreviousSetOnFailure(t *testing.T) {
	source := &staticSource{rules: []*domain.CalculationRule{
		activeRule("good", 1, 10, nil, []domain.Action{{Kind: domain.ActionExclude}}),
	}}
	var generations []int64
	engine := NewEngine(source, nil, func(g int64) { generations = append(generations, g) })
	require.NoError(t, engine.Reload(context.Background()))

	out := engine.Evaluate(domain.CalcForLoan, "US", "2026-08-24", Facts{})
	assert.False(t, out.Included)

	source.rules = append(source.rules, activeRule("broken", 1, 10, []domain.Condition{
		{Attribute: "x", Operator: "bogus"},
	}, nil))
	err := engine.Reload(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsClass(err, domain.ClassValidation))

	// The previous compiled set keeps serving.
	out = engine.Evaluate(domain.CalcForLoan, "US", "2026-08-24", Facts{})
	assert.False(t, out.Included)
	assert.Equal(t, []int64{1}, generations, "no swap notification for the failed compile")
}
