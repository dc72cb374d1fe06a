package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ims/internal/domain"
)

// AvailabilityRepo persists derived inventory availability records.
type AvailabilityRepo struct {
	db *sql.DB
}

// NewAvailabilityRepo creates an availability repository.
func NewAvailabilityRepo(db *sql.DB) *AvailabilityRepo {
	return &AvailabilityRepo{db: db}
}

// Get loads one availability record. Returns nil, nil when absent.
func (r *AvailabilityRepo) Get(ctx context.Context, key domain.AvailabilityKey) (*domain.InventoryAvailability, error) {
	var data string
	var version int64
	err := r.db.QueryRowContext(ctx, `
		SELECT data, version FROM inventory_availability
		WHERE security_id = ? AND counterparty_id = ? AND aggregation_unit_id = ?
		  AND calculation_type = ? AND business_date = ?`,
		key.SecurityID, key.CounterpartyID, key.AggregationUnitID,
		string(key.CalculationType), string(key.BusinessDate),
	).Scan(&data, &version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewTransient("availability read failed", err)
	}

	var av domain.InventoryAvailability
	if err := json.Unmarshal([]byte(data), &av); err != nil {
		return nil, domain.NewPermanent("corrupt availability record", err)
	}
	av.Version = version
	return &av, nil
}

// Save writes an availability record with optimistic concurrency; the
// record's invariants are validated before the write.
func (r *AvailabilityRepo) Save(ctx context.Context, tx *sql.Tx, av *domain.InventoryAvailability) error {
	if err := av.CheckInvariants(); err != nil {
		return err
	}

	data, err := json.Marshal(av)
	if err != nil {
		return domain.NewPermanent("availability encode failed", err)
	}

	var q Execer = r.db
	if tx != nil {
		q = tx
	}

	if av.Version == 0 {
		res, err := q.ExecContext(ctx, `
			INSERT INTO inventory_availability
				(security_id, counterparty_id, aggregation_unit_id,
				 calculation_type, business_date, data, version)
			VALUES (?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT(security_id, counterparty_id, aggregation_unit_id,
			            calculation_type, business_date) DO NOTHING`,
			av.Key.SecurityID, av.Key.CounterpartyID, av.Key.AggregationUnitID,
			string(av.Key.CalculationType), string(av.Key.BusinessDate), string(data))
		if err != nil {
			return domain.NewTransient("availability insert failed", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return domain.NewTransient("availability insert failed", err)
		}
		if affected == 0 {
			return domain.NewConflict(
				fmt.Sprintf("availability already exists for %s", av.Key), nil)
		}
		av.Version = 1
		return nil
	}

	res, err := q.ExecContext(ctx, `
		UPDATE inventory_availability SET data = ?, version = version + 1
		WHERE security_id = ? AND counterparty_id = ? AND aggregation_unit_id = ?
		  AND calculation_type = ? AND business_date = ? AND version = ?`,
		string(data), av.Key.SecurityID, av.Key.CounterpartyID,
		av.Key.AggregationUnitID, string(av.Key.CalculationType),
		string(av.Key.BusinessDate), av.Version)
	if err != nil {
		return domain.NewTransient("availability update failed", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.NewTransient("availability update failed", err)
	}
	if affected == 0 {
		return domain.NewConflict(
			fmt.Sprintf("stale availability write for %s", av.Key), nil)
	}
	av.Version++
	return nil
}

// ListBySecurityDate returns all availability records for a security and
// business date across calculation types.
func (r *AvailabilityRepo) ListBySecurityDate(ctx context.Context, securityID string, date domain.Date) ([]*domain.InventoryAvailability, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT data, version FROM inventory_availability
		WHERE security_id = ? AND business_date = ?`,
		securityID, string(date))
	if err != nil {
		return nil, domain.NewTransient("availability list failed", err)
	}
	defer rows.Close()

	var out []*domain.InventoryAvailability
	for rows.Next() {
		var data string
		var version int64
		if err := rows.Scan(&data, &version); err != nil {
			return nil, err
		}
		var av domain.InventoryAvailability
		if err := json.Unmarshal([]byte(data), &av); err != nil {
			return nil, domain.NewPermanent("corrupt availability record", err)
		}
		av.Version = version
		out = append(out, &av)
	}
	return out, rows.Err()
}

// ContractRepo persists financing contracts.
type ContractRepo struct {
	db *sql.DB
}

// NewContractRepo creates a contract repository.
func NewContractRepo(db *sql.DB) *ContractRepo {
	return &ContractRepo{db: db}
}

// Upsert writes a contract record.
func (r *ContractRepo) Upsert(ctx context.Context, c *domain.Contract) error {
	data, err := json.Marshal(c)
	if err != nil {
		return domain.NewPermanent("contract encode failed", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO contracts (contract_id, security_id, business_date, status, data, version)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(contract_id) DO UPDATE SET
			security_id = excluded.security_id,
			business_date = excluded.business_date,
			status = excluded.status, data = excluded.data,
			version = contracts.version + 1`,
		c.ContractID, c.SecurityID, string(c.BusinessDate), c.Status, string(data))
	if err != nil {
		return domain.NewTransient("contract upsert failed", err)
	}
	return nil
}

// OpenBySecurityDate returns open contracts for a security on a date.
func (r *ContractRepo) OpenBySecurityDate(ctx context.Context, securityID string, date domain.Date) ([]*domain.Contract, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT data FROM contracts
		WHERE security_id = ? AND business_date <= ? AND status = 'OPEN'`,
		securityID, string(date))
	if err != nil {
		return nil, domain.NewTransient("contract list failed", err)
	}
	defer rows.Close()

	var out []*domain.Contract
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var c domain.Contract
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, domain.NewPermanent("corrupt contract record", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ExternalAvailabilityRepo persists per-source external lender quantities
// with last-value-wins semantics.
type ExternalAvailabilityRepo struct {
	db *sql.DB
}

// NewExternalAvailabilityRepo creates an external availability repository.
func NewExternalAvailabilityRepo(db *sql.DB) *ExternalAvailabilityRepo {
	return &ExternalAvailabilityRepo{db: db}
}

// Upsert records the latest quantity from a source.
func (r *ExternalAvailabilityRepo) Upsert(ctx context.Context, ea *domain.ExternalAvailability, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO external_availability
			(security_id, business_date, source_name, quantity, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(security_id, business_date, source_name) DO UPDATE SET
			quantity = excluded.quantity, updated_at = excluded.updated_at`,
		ea.SecurityID, string(ea.BusinessDate), ea.SourceName,
		ea.Quantity.String(), now.Unix())
	if err != nil {
		return domain.NewTransient("external availability upsert failed", err)
	}
	return nil
}

// Total sums the latest quantity across all sources for a security and date.
func (r *ExternalAvailabilityRepo) Total(ctx context.Context, securityID string, date domain.Date) (decimal.Decimal, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT quantity FROM external_availability
		WHERE security_id = ? AND business_date = ?`,
		securityID, string(date))
	if err != nil {
		return decimal.Zero, domain.NewTransient("external availability read failed", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var qty string
		if err := rows.Scan(&qty); err != nil {
			return decimal.Zero, err
		}
		d, err := decimal.NewFromString(qty)
		if err != nil {
			return decimal.Zero, domain.NewPermanent("corrupt external quantity", err)
		}
		total = total.Add(d)
	}
	return total, rows.Err()
}
