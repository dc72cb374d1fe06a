package domain

import "github.com/shopspring/decimal"

// RuleStatus is the lifecycle state of a calculation rule.
type RuleStatus string

const (
	RuleActive   RuleStatus = "ACTIVE"
	RuleInactive RuleStatus = "INACTIVE"
	RuleDraft    RuleStatus = "DRAFT"
)

// ConditionOperator is the closed set of comparison operators a rule
// condition may use.
type ConditionOperator string

const (
	OpEq      ConditionOperator = "eq"
	OpNe      ConditionOperator = "ne"
	OpLt      ConditionOperator = "lt"
	OpLe      ConditionOperator = "le"
	OpGt      ConditionOperator = "gt"
	OpGe      ConditionOperator = "ge"
	OpIn      ConditionOperator = "in"
	OpNotIn   ConditionOperator = "notIn"
	OpMatches ConditionOperator = "matches"
	OpExists  ConditionOperator = "exists"
)

// LogicalOperator joins a condition to the next one in the chain.
// AND is implicit when unspecified.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

// Condition is one term of a rule's left-to-right boolean expression.
// Missing attributes compare as exists=false; every other operator against a
// missing attribute is false.
type Condition struct {
	Attribute string            `json:"attribute" yaml:"attribute"`
	Operator  ConditionOperator `json:"operator" yaml:"operator"`
	Values    []string          `json:"values,omitempty" yaml:"values,omitempty"`
	Logical   LogicalOperator   `json:"logical,omitempty" yaml:"logical,omitempty"`
}

// ActionKind is the closed set of rule actions.
type ActionKind string

const (
	ActionInclude        ActionKind = "include"
	ActionExclude        ActionKind = "exclude"
	ActionSetStatus      ActionKind = "setStatus"
	ActionSetTemperature ActionKind = "setTemperature"
	ActionSetBorrowRate  ActionKind = "setBorrowRate"
	ActionScale          ActionKind = "scale"
	ActionMarkOverborrow ActionKind = "markOverborrow"
	ActionStop           ActionKind = "stop"
)

// Action is one effect executed when a rule matches. Field and Value are
// interpreted per kind: Scale reads both, SetStatus/SetTemperature read
// Value, SetBorrowRate parses Value as a decimal.
type Action struct {
	Kind  ActionKind `json:"kind" yaml:"kind"`
	Field string     `json:"field,omitempty" yaml:"field,omitempty"`
	Value string     `json:"value,omitempty" yaml:"value,omitempty"`
}

// ScaleFactor parses the action value as a decimal factor, defaulting to 1.
func (a Action) ScaleFactor() decimal.Decimal {
	f, err := decimal.NewFromString(a.Value)
	if err != nil {
		return decimal.New(1, 0)
	}
	return f
}

// CalculationRule is a prioritised conditional program evaluated against a
// fact context. Lower priority runs earlier; priority ties break by
// descending version.
type CalculationRule struct {
	Audit

	Name          string          `json:"name" yaml:"name"`
	RuleVersion   int             `json:"rule_version" yaml:"version"`
	RuleType      CalculationType `json:"rule_type" yaml:"rule_type"`
	Market        string          `json:"market" yaml:"market"`
	Priority      int             `json:"priority" yaml:"priority"`
	EffectiveDate Date            `json:"effective_date" yaml:"effective_date"`
	ExpiryDate    Date            `json:"expiry_date,omitempty" yaml:"expiry_date,omitempty"`
	Conditions    []Condition     `json:"conditions" yaml:"conditions"`
	Actions       []Action        `json:"actions" yaml:"actions"`
	Status        RuleStatus      `json:"status" yaml:"status"`
}

// AppliesOn reports whether the rule's validity window covers the date.
func (r *CalculationRule) AppliesOn(d Date) bool {
	if r.Status != RuleActive {
		return false
	}
	if !r.EffectiveDate.IsZero() && r.EffectiveDate > d {
		return false
	}
	return r.ExpiryDate.IsZero() || r.ExpiryDate >= d
}
