package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"ims/internal/domain"
)

// RuleRepo persists calculation rules keyed by (name, version).
type RuleRepo struct {
	db *sql.DB
}

// NewRuleRepo creates a rule repository.
func NewRuleRepo(db *sql.DB) *RuleRepo {
	return &RuleRepo{db: db}
}

// Upsert writes one rule version.
func (r *RuleRepo) Upsert(ctx context.Context, rule *domain.CalculationRule) error {
	data, err := json.Marshal(rule)
	if err != nil {
		return domain.NewPermanent("rule encode failed", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO calculation_rules (name, version, rule_type, market, status, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name, version) DO UPDATE SET
			rule_type = excluded.rule_type, market = excluded.market,
			status = excluded.status, data = excluded.data`,
		rule.Name, rule.RuleVersion, string(rule.RuleType), rule.Market,
		string(rule.Status), string(data))
	if err != nil {
		return domain.NewTransient("rule upsert failed", err)
	}
	return nil
}

// ListAll returns every stored rule, active or not. The rule engine filters
// by status and validity window at compile time.
func (r *RuleRepo) ListAll(ctx context.Context) ([]*domain.CalculationRule, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT data FROM calculation_rules")
	if err != nil {
		return nil, domain.NewTransient("rule list failed", err)
	}
	defer rows.Close()

	var out []*domain.CalculationRule
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rule domain.CalculationRule
		if err := json.Unmarshal([]byte(data), &rule); err != nil {
			return nil, domain.NewPermanent("corrupt rule record", err)
		}
		out = append(out, &rule)
	}
	return out, rows.Err()
}
