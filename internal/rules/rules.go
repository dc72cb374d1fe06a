// Package rules compiles calculation rules into an immutable evaluation set
// and applies them to fact contexts. Compiled sets are swapped atomically so
// evaluation never observes a partially loaded rule book.
package rules

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/shopspring/decimal"

	"ims/internal/domain"
)

// Facts is the attribute context a rule evaluates against. Attributes a
// caller does not set are treated as missing, not empty.
type Facts map[string]string

// Outcome is the accumulated effect of every matching rule. Inclusion
// defaults to true; an explicit exclude wins over a later include only if
// the excluding rule also stops evaluation.
type Outcome struct {
	Included       bool
	Status         string
	Temperature    string
	BorrowRate     *decimal.Decimal
	ScaleFactors   map[string]decimal.Decimal
	MarkOverborrow bool
	Stopped        bool
	Matched        []string
}

// ScaleFor returns the scale factor for a field, defaulting to 1.
func (o *Outcome) ScaleFor(field string) decimal.Decimal {
	if f, ok := o.ScaleFactors[field]; ok {
		return f
	}
	return decimal.New(1, 0)
}

type compiledCondition struct {
	attribute string
	operator  domain.ConditionOperator
	logical   domain.LogicalOperator
	value     string
	valueDec  decimal.Decimal
	valueNum  bool
	set       map[string]struct{}
	pattern   *regexp.Regexp
}

type compiledRule struct {
	name       string
	version    int
	ruleType   domain.CalculationType
	market     string
	priority   int
	effective  domain.Date
	expiry     domain.Date
	conditions []compiledCondition
	actions    []domain.Action
}

func (r *compiledRule) appliesOn(market string, date domain.Date) bool {
	if r.market != "" && r.market != "*" && r.market != market {
		return false
	}
	if !r.effective.IsZero() && r.effective > date {
		return false
	}
	return r.expiry.IsZero() || r.expiry >= date
}

// Set is an immutable compiled rule book, indexed by calculation type.
type Set struct {
	byType     map[domain.CalculationType][]*compiledRule
	Generation int64
}

// Compile validates and compiles active rules into an evaluation set. Only
// the highest version of each rule name survives; inactive rules and rules
// with invalid conditions are rejected so a bad deploy cannot silently
// change results.
func Compile(rules []*domain.CalculationRule, generation int64) (*Set, error) {
	latest := make(map[string]*domain.CalculationRule)
	for _, rule := range rules {
		if rule.Status != domain.RuleActive {
			continue
		}
		if cur, ok := latest[rule.Name]; ok && cur.RuleVersion >= rule.RuleVersion {
			continue
		}
		latest[rule.Name] = rule
	}

	set := &Set{
		byType:     make(map[domain.CalculationType][]*compiledRule),
		Generation: generation,
	}
	for _, rule := range latest {
		compiled, err := compileRule(rule)
		if err != nil {
			return nil, fmt.Errorf("rule %s v%d: %w", rule.Name, rule.RuleVersion, err)
		}
		set.byType[rule.RuleType] = append(set.byType[rule.RuleType], compiled)
	}

	for _, bucket := range set.byType {
		sort.Slice(bucket, func(i, j int) bool {
			if bucket[i].priority != bucket[j].priority {
				return bucket[i].priority < bucket[j].priority
			}
			return bucket[i].version > bucket[j].version
		})
	}
	return set, nil
}

func compileRule(rule *domain.CalculationRule) (*compiledRule, error) {
	out := &compiledRule{
		name:      rule.Name,
		version:   rule.RuleVersion,
		ruleType:  rule.RuleType,
		market:    rule.Market,
		priority:  rule.Priority,
		effective: rule.EffectiveDate,
		expiry:    rule.ExpiryDate,
		actions:   rule.Actions,
	}
	for _, cond := range rule.Conditions {
		cc, err := compileCondition(cond)
		if err != nil {
			return nil, err
		}
		out.conditions = append(out.conditions, cc)
	}
	for _, action := range rule.Actions {
		switch action.Kind {
		case domain.ActionInclude, domain.ActionExclude, domain.ActionSetStatus,
			domain.ActionSetTemperature, domain.ActionSetBorrowRate,
			domain.ActionScale, domain.ActionMarkOverborrow, domain.ActionStop:
		default:
			return nil, fmt.Errorf("unknown action kind %q", action.Kind)
		}
	}
	return out, nil
}

func compileCondition(cond domain.Condition) (compiledCondition, error) {
	cc := compiledCondition{
		attribute: cond.Attribute,
		operator:  cond.Operator,
		logical:   cond.Logical,
	}
	if cc.logical == "" {
		cc.logical = domain.LogicalAnd
	}
	if cc.attribute == "" {
		return cc, fmt.Errorf("condition missing attribute")
	}

	switch cond.Operator {
	case domain.OpExists:
		// No operand.
	case domain.OpEq, domain.OpNe, domain.OpLt, domain.OpLe, domain.OpGt, domain.OpGe:
		if len(cond.Values) != 1 {
			return cc, fmt.Errorf("operator %s needs exactly one value", cond.Operator)
		}
		cc.value = cond.Values[0]
		if d, err := decimal.NewFromString(cc.value); err == nil {
			cc.valueDec = d
			cc.valueNum = true
		}
	case domain.OpIn, domain.OpNotIn:
		if len(cond.Values) == 0 {
			return cc, fmt.Errorf("operator %s needs at least one value", cond.Operator)
		}
		cc.set = make(map[string]struct{}, len(cond.Values))
		for _, v := range cond.Values {
			cc.set[v] = struct{}{}
		}
	case domain.OpMatches:
		if len(cond.Values) != 1 {
			return cc, fmt.Errorf("operator matches needs exactly one pattern")
		}
		pattern, err := regexp.Compile(cond.Values[0])
		if err != nil {
			return cc, fmt.Errorf("invalid pattern %q: %w", cond.Values[0], err)
		}
		cc.pattern = pattern
	default:
		return cc, fmt.Errorf("unknown operator %q", cond.Operator)
	}
	return cc, nil
}

// Evaluate runs every applicable rule of the given type against the facts,
// accumulating effects in priority order. A stop action ends evaluation
// after its rule's remaining actions run.
func (s *Set) Evaluate(calcType domain.CalculationType, market string, date domain.Date, facts Facts) *Outcome {
	out := &Outcome{
		Included:     true,
		ScaleFactors: make(map[string]decimal.Decimal),
	}
	for _, rule := range s.byType[calcType] {
		if !rule.appliesOn(market, date) {
			continue
		}
		if !rule.matches(facts) {
			continue
		}
		out.Matched = append(out.Matched, rule.name)
		for _, action := range rule.actions {
			applyAction(out, action)
			if out.Stopped {
				break
			}
		}
		if out.Stopped {
			break
		}
	}
	return out
}

// matches evaluates the condition chain left to right. AND binds each term
// to the running result immediately; there is no precedence grouping.
func (r *compiledRule) matches(facts Facts) bool {
	if len(r.conditions) == 0 {
		return true
	}
	result := r.conditions[0].eval(facts)
	for i := 1; i < len(r.conditions); i++ {
		// The connective is carried on the preceding condition.
		switch r.conditions[i-1].logical {
		case domain.LogicalOr:
			result = result || r.conditions[i].eval(facts)
		default:
			result = result && r.conditions[i].eval(facts)
		}
	}
	return result
}

func (c *compiledCondition) eval(facts Facts) bool {
	value, present := facts[c.attribute]
	if c.operator == domain.OpExists {
		return present
	}
	if !present {
		return false
	}

	switch c.operator {
	case domain.OpEq:
		return compare(value, c) == 0
	case domain.OpNe:
		return compare(value, c) != 0
	case domain.OpLt:
		return compare(value, c) < 0
	case domain.OpLe:
		return compare(value, c) <= 0
	case domain.OpGt:
		return compare(value, c) > 0
	case domain.OpGe:
		return compare(value, c) >= 0
	case domain.OpIn:
		_, ok := c.set[value]
		return ok
	case domain.OpNotIn:
		_, ok := c.set[value]
		return !ok
	case domain.OpMatches:
		return c.pattern.MatchString(value)
	}
	return false
}

// compare orders the fact value against the condition operand, numerically
// when both sides parse as decimals and lexically otherwise.
func compare(value string, c *compiledCondition) int {
	if c.valueNum {
		if d, err := decimal.NewFromString(value); err == nil {
			return d.Cmp(c.valueDec)
		}
	}
	switch {
	case value < c.value:
		return -1
	case value > c.value:
		return 1
	}
	return 0
}

func applyAction(out *Outcome, action domain.Action) {
	switch action.Kind {
	case domain.ActionInclude:
		out.Included = true
	case domain.ActionExclude:
		out.Included = false
	case domain.ActionSetStatus:
		out.Status = action.Value
	case domain.ActionSetTemperature:
		out.Temperature = action.Value
	case domain.ActionSetBorrowRate:
		if rate, err := decimal.NewFromString(action.Value); err == nil {
			out.BorrowRate = &rate
		}
	case domain.ActionScale:
		out.ScaleFactors[action.Field] = action.ScaleFactor()
	case domain.ActionMarkOverborrow:
		out.MarkOverborrow = true
	case domain.ActionStop:
		out.Stopped = true
	}
}
