package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"ims/internal/domain"
)

// SecurityRepo persists reference securities.
type SecurityRepo struct {
	db *sql.DB
}

// NewSecurityRepo creates a security repository.
func NewSecurityRepo(db *sql.DB) *SecurityRepo {
	return &SecurityRepo{db: db}
}

// Get loads a security by internal id. Returns nil, nil when absent.
func (r *SecurityRepo) Get(ctx context.Context, internalID string) (*domain.Security, error) {
	var data string
	err := r.db.QueryRowContext(ctx,
		"SELECT data FROM securities WHERE internal_id = ?", internalID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get security %s: %w", internalID, err)
	}

	var sec domain.Security
	if err := json.Unmarshal([]byte(data), &sec); err != nil {
		return nil, fmt.Errorf("failed to decode security %s: %w", internalID, err)
	}
	return &sec, nil
}

// Upsert writes a security record, replacing any previous version.
func (r *SecurityRepo) Upsert(ctx context.Context, sec *domain.Security) error {
	data, err := json.Marshal(sec)
	if err != nil {
		return fmt.Errorf("failed to encode security %s: %w", sec.InternalID, err)
	}

	isBasket := 0
	if sec.IsBasketProduct {
		isBasket = 1
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO securities (internal_id, market, status, is_basket, data, version)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(internal_id) DO UPDATE SET
			market = excluded.market, status = excluded.status,
			is_basket = excluded.is_basket, data = excluded.data,
			version = securities.version + 1`,
		sec.InternalID, sec.Market, string(sec.Status), isBasket, string(data), sec.Version)
	if err != nil {
		return fmt.Errorf("failed to upsert security %s: %w", sec.InternalID, err)
	}
	return nil
}

// ListByMarket returns every security for a market code.
func (r *SecurityRepo) ListByMarket(ctx context.Context, market string) ([]*domain.Security, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT data FROM securities WHERE market = ?", market)
	if err != nil {
		return nil, fmt.Errorf("failed to list securities for %s: %w", market, err)
	}
	defer rows.Close()

	var out []*domain.Security
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var sec domain.Security
		if err := json.Unmarshal([]byte(data), &sec); err != nil {
			return nil, err
		}
		out = append(out, &sec)
	}
	return out, rows.Err()
}

// CounterpartyRepo persists counterparties.
type CounterpartyRepo struct {
	db *sql.DB
}

// NewCounterpartyRepo creates a counterparty repository.
func NewCounterpartyRepo(db *sql.DB) *CounterpartyRepo {
	return &CounterpartyRepo{db: db}
}

// Get loads a counterparty. Returns nil, nil when absent.
func (r *CounterpartyRepo) Get(ctx context.Context, id string) (*domain.Counterparty, error) {
	var data string
	err := r.db.QueryRowContext(ctx,
		"SELECT data FROM counterparties WHERE counterparty_id = ?", id,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get counterparty %s: %w", id, err)
	}

	var cp domain.Counterparty
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, fmt.Errorf("failed to decode counterparty %s: %w", id, err)
	}
	return &cp, nil
}

// Upsert writes a counterparty record.
func (r *CounterpartyRepo) Upsert(ctx context.Context, cp *domain.Counterparty) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode counterparty %s: %w", cp.CounterpartyID, err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO counterparties (counterparty_id, data, version)
		VALUES (?, ?, 1)
		ON CONFLICT(counterparty_id) DO UPDATE SET
			data = excluded.data, version = counterparties.version + 1`,
		cp.CounterpartyID, string(data))
	if err != nil {
		return fmt.Errorf("failed to upsert counterparty %s: %w", cp.CounterpartyID, err)
	}
	return nil
}

// AggregationUnitRepo persists aggregation units.
type AggregationUnitRepo struct {
	db *sql.DB
}

// NewAggregationUnitRepo creates an aggregation unit repository.
func NewAggregationUnitRepo(db *sql.DB) *AggregationUnitRepo {
	return &AggregationUnitRepo{db: db}
}

// Get loads an aggregation unit. Returns nil, nil when absent.
func (r *AggregationUnitRepo) Get(ctx context.Context, id string) (*domain.AggregationUnit, error) {
	var data string
	err := r.db.QueryRowContext(ctx,
		"SELECT data FROM aggregation_units WHERE aggregation_unit_id = ?", id,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get aggregation unit %s: %w", id, err)
	}

	var au domain.AggregationUnit
	if err := json.Unmarshal([]byte(data), &au); err != nil {
		return nil, fmt.Errorf("failed to decode aggregation unit %s: %w", id, err)
	}
	return &au, nil
}

// Upsert writes an aggregation unit record.
func (r *AggregationUnitRepo) Upsert(ctx context.Context, au *domain.AggregationUnit) error {
	data, err := json.Marshal(au)
	if err != nil {
		return fmt.Errorf("failed to encode aggregation unit %s: %w", au.AggregationUnitID, err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO aggregation_units (aggregation_unit_id, market, data, version)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(aggregation_unit_id) DO UPDATE SET
			market = excluded.market, data = excluded.data,
			version = aggregation_units.version + 1`,
		au.AggregationUnitID, au.Market, string(data))
	if err != nil {
		return fmt.Errorf("failed to upsert aggregation unit %s: %w", au.AggregationUnitID, err)
	}
	return nil
}

// CompositionRepo persists index compositions.
type CompositionRepo struct {
	db *sql.DB
}

// NewCompositionRepo creates a composition repository.
func NewCompositionRepo(db *sql.DB) *CompositionRepo {
	return &CompositionRepo{db: db}
}

// Upsert writes a composition keyed by parent and effective date.
func (r *CompositionRepo) Upsert(ctx context.Context, c *domain.IndexComposition) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode composition %s: %w", c.ParentSecurityID, err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO index_compositions (parent_security_id, effective_date, data, version)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(parent_security_id, effective_date) DO UPDATE SET
			data = excluded.data, version = index_compositions.version + 1`,
		c.ParentSecurityID, string(c.EffectiveDate), string(data))
	if err != nil {
		return fmt.Errorf("failed to upsert composition %s: %w", c.ParentSecurityID, err)
	}
	return nil
}

// EffectiveOn returns the composition for a parent effective on the business
// date: the latest effective_date not after the date, provided its expiry
// still covers it. Returns nil, nil when none applies.
func (r *CompositionRepo) EffectiveOn(ctx context.Context, parentID string, date domain.Date) (*domain.IndexComposition, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT data FROM index_compositions
		WHERE parent_security_id = ? AND effective_date <= ?
		ORDER BY effective_date DESC`,
		parentID, string(date))
	if err != nil {
		return nil, fmt.Errorf("failed to query compositions for %s: %w", parentID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var comp domain.IndexComposition
		if err := json.Unmarshal([]byte(data), &comp); err != nil {
			return nil, err
		}
		if comp.EffectiveOn(date) {
			return &comp, nil
		}
	}
	return nil, rows.Err()
}
