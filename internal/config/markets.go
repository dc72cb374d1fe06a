package config

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"ims/internal/domain"
)

// MarketPolicy is per-market configurable behaviour: settlement cycle,
// holidays, locate decrement percentages and the post-rule switches the
// inventory engine applies after rule evaluation.
type MarketPolicy struct {
	Market         string   `yaml:"market"`
	SettlementDays int      `yaml:"settlement_days"`
	Holidays       []string `yaml:"holidays"`

	// Decrement percentages by temperature, as whole percents (100 = full).
	// Missing temperatures fall back to DefaultDecrement.
	Decrements       map[string]int `yaml:"decrements"`
	DefaultDecrement int            `yaml:"default_decrement"`

	// Post-rule switches.
	// JP: short-sell availability sums settled and for-pledge quantities.
	ShortSellIncludesPledge bool `yaml:"short_sell_includes_pledge"`
	// TW: borrowed shares must not be re-lent.
	ExcludeBorrowedRelending bool `yaml:"exclude_borrowed_relending"`
}

// Policies is the loaded market policy set plus global defaults.
type Policies struct {
	Markets map[string]MarketPolicy `yaml:"markets"`

	// Seed calculation rules, loaded into the rule engine at startup and
	// merged with any rules found in the store.
	Rules []domain.CalculationRule `yaml:"rules"`
}

// defaultPolicies carries the asserted defaults: HTB 100%, GC 20%,
// everything else 10%, T+2 on US/JP/TW, and the documented JP/TW
// post-rules. A YAML file overrides any of it.
func defaultPolicies() *Policies {
	return &Policies{
		Markets: map[string]MarketPolicy{
			"US": {Market: "US", SettlementDays: 2, DefaultDecrement: 10,
				Decrements: map[string]int{"HTB": 100, "GC": 20}},
			"JP": {Market: "JP", SettlementDays: 2, DefaultDecrement: 10,
				Decrements:              map[string]int{"HTB": 100, "GC": 20},
				ShortSellIncludesPledge: true},
			"TW": {Market: "TW", SettlementDays: 2, DefaultDecrement: 10,
				Decrements:               map[string]int{"HTB": 100, "GC": 20},
				ExcludeBorrowedRelending: true},
		},
	}
}

// LoadPolicies reads the market policy YAML, falling back to built-in
// defaults when path is empty. File entries override defaults per market.
func LoadPolicies(path string) (*Policies, error) {
	policies := defaultPolicies()
	if path == "" {
		return policies, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read market policy %s: %w", path, err)
	}

	var loaded Policies
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse market policy %s: %w", path, err)
	}

	for market, p := range loaded.Markets {
		if p.Market == "" {
			p.Market = market
		}
		policies.Markets[market] = p
	}
	policies.Rules = loaded.Rules
	return policies, nil
}

// Policy returns the policy for a market, or a neutral default.
func (p *Policies) Policy(market string) MarketPolicy {
	if mp, ok := p.Markets[market]; ok {
		return mp
	}
	return MarketPolicy{Market: market, SettlementDays: 2, DefaultDecrement: 10,
		Decrements: map[string]int{"HTB": 100, "GC": 20}}
}

// DecrementFactor returns the locate decrement for a market and temperature
// as a decimal factor in [0, 1].
func (p *Policies) DecrementFactor(market string, temp domain.Temperature) decimal.Decimal {
	mp := p.Policy(market)
	pct, ok := mp.Decrements[string(temp)]
	if !ok {
		pct = mp.DefaultDecrement
		if pct == 0 {
			pct = 10
		}
	}
	return decimal.New(int64(pct), -2)
}

// HolidayDates parses the policy's holiday list; malformed entries are
// dropped.
func (mp MarketPolicy) HolidayDates() []domain.Date {
	out := make([]domain.Date, 0, len(mp.Holidays))
	for _, h := range mp.Holidays {
		if d, err := domain.ParseDate(h); err == nil {
			out = append(out, d)
		}
	}
	return out
}
