package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"ims/internal/domain"
)

// LimitRepo persists client and aggregation-unit trading limits. The same
// table serves both: the owner id is a clientId or an aggregationUnitId.
type LimitRepo struct {
	db *sql.DB
}

// NewLimitRepo creates a limit repository.
func NewLimitRepo(db *sql.DB) *LimitRepo {
	return &LimitRepo{db: db}
}

// Get loads a limit record. Returns nil, nil when absent.
func (r *LimitRepo) Get(ctx context.Context, key domain.LimitKey) (*domain.TradingLimit, error) {
	var data string
	var version int64
	err := r.db.QueryRowContext(ctx, `
		SELECT data, version FROM trading_limits
		WHERE owner_id = ? AND security_id = ? AND business_date = ?`,
		key.OwnerID, key.SecurityID, string(key.BusinessDate),
	).Scan(&data, &version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewTransient("limit read failed", err)
	}

	var limit domain.TradingLimit
	if err := json.Unmarshal([]byte(data), &limit); err != nil {
		return nil, domain.NewPermanent("corrupt limit record", err)
	}
	limit.Version = version
	return &limit, nil
}

// Save writes a limit record with optimistic concurrency.
func (r *LimitRepo) Save(ctx context.Context, tx *sql.Tx, limit *domain.TradingLimit) error {
	data, err := json.Marshal(limit)
	if err != nil {
		return domain.NewPermanent("limit encode failed", err)
	}

	var q Execer = r.db
	if tx != nil {
		q = tx
	}

	if limit.Version == 0 {
		res, err := q.ExecContext(ctx, `
			INSERT INTO trading_limits (owner_id, security_id, business_date, data, version)
			VALUES (?, ?, ?, ?, 1)
			ON CONFLICT(owner_id, security_id, business_date) DO NOTHING`,
			limit.Key.OwnerID, limit.Key.SecurityID,
			string(limit.Key.BusinessDate), string(data))
		if err != nil {
			return domain.NewTransient("limit insert failed", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return domain.NewTransient("limit insert failed", err)
		}
		if affected == 0 {
			return domain.NewConflict(
				fmt.Sprintf("limit already exists for %s", limit.Key), nil)
		}
		limit.Version = 1
		return nil
	}

	res, err := q.ExecContext(ctx, `
		UPDATE trading_limits SET data = ?, version = version + 1
		WHERE owner_id = ? AND security_id = ? AND business_date = ? AND version = ?`,
		string(data), limit.Key.OwnerID, limit.Key.SecurityID,
		string(limit.Key.BusinessDate), limit.Version)
	if err != nil {
		return domain.NewTransient("limit update failed", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.NewTransient("limit update failed", err)
	}
	if affected == 0 {
		return domain.NewConflict(
			fmt.Sprintf("stale limit write for %s", limit.Key), nil)
	}
	limit.Version++
	return nil
}
