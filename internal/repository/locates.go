package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"ims/internal/domain"
)

// LocateRepo persists locate requests.
type LocateRepo struct {
	db *sql.DB
}

// NewLocateRepo creates a locate repository.
func NewLocateRepo(db *sql.DB) *LocateRepo {
	return &LocateRepo{db: db}
}

// Get loads a locate request. Returns nil, nil when absent.
func (r *LocateRepo) Get(ctx context.Context, requestID string) (*domain.LocateRequest, error) {
	var data string
	var version int64
	err := r.db.QueryRowContext(ctx,
		"SELECT data, version FROM locate_requests WHERE request_id = ?", requestID,
	).Scan(&data, &version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewTransient("locate read failed", err)
	}

	var req domain.LocateRequest
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		return nil, domain.NewPermanent("corrupt locate record", err)
	}
	req.Version = version
	return &req, nil
}

// Save writes a locate request with optimistic concurrency.
func (r *LocateRepo) Save(ctx context.Context, tx *sql.Tx, req *domain.LocateRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return domain.NewPermanent("locate encode failed", err)
	}

	var expiry interface{}
	if !req.ExpiryDate.IsZero() {
		expiry = req.ExpiryDate.Unix()
	}

	var q Execer = r.db
	if tx != nil {
		q = tx
	}

	if req.Version == 0 {
		res, err := q.ExecContext(ctx, `
			INSERT INTO locate_requests
				(request_id, security_id, business_date, state, expiry_at, data, version)
			VALUES (?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT(request_id) DO NOTHING`,
			req.RequestID, req.SecurityID, string(req.BusinessDate),
			string(req.State), expiry, string(data))
		if err != nil {
			return domain.NewTransient("locate insert failed", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return domain.NewTransient("locate insert failed", err)
		}
		if affected == 0 {
			return domain.NewConflict(
				fmt.Sprintf("locate %s already exists", req.RequestID), nil)
		}
		req.Version = 1
		return nil
	}

	res, err := q.ExecContext(ctx, `
		UPDATE locate_requests
		SET state = ?, expiry_at = ?, data = ?, version = version + 1
		WHERE request_id = ? AND version = ?`,
		string(req.State), expiry, string(data), req.RequestID, req.Version)
	if err != nil {
		return domain.NewTransient("locate update failed", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.NewTransient("locate update failed", err)
	}
	if affected == 0 {
		return domain.NewConflict(
			fmt.Sprintf("stale locate write for %s", req.RequestID), nil)
	}
	req.Version++
	return nil
}

// ExpiredApproved returns approved locates whose expiry is at or before now.
func (r *LocateRepo) ExpiredApproved(ctx context.Context, now time.Time) ([]*domain.LocateRequest, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT data, version FROM locate_requests
		WHERE state = ? AND expiry_at IS NOT NULL AND expiry_at <= ?`,
		string(domain.LocateApproved), now.Unix())
	if err != nil {
		return nil, domain.NewTransient("locate expiry scan failed", err)
	}
	defer rows.Close()
	return scanLocates(rows)
}

// PendingForReview returns requests awaiting manual review.
func (r *LocateRepo) PendingForReview(ctx context.Context) ([]*domain.LocateRequest, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT data, version FROM locate_requests WHERE state = ?",
		string(domain.LocatePending))
	if err != nil {
		return nil, domain.NewTransient("locate pending scan failed", err)
	}
	defer rows.Close()
	return scanLocates(rows)
}

func scanLocates(rows *sql.Rows) ([]*domain.LocateRequest, error) {
	var out []*domain.LocateRequest
	for rows.Next() {
		var data string
		var version int64
		if err := rows.Scan(&data, &version); err != nil {
			return nil, err
		}
		var req domain.LocateRequest
		if err := json.Unmarshal([]byte(data), &req); err != nil {
			return nil, domain.NewPermanent("corrupt locate record", err)
		}
		req.Version = version
		out = append(out, &req)
	}
	return out, rows.Err()
}
