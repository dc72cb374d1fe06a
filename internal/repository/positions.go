package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"ims/internal/domain"
)

// PositionRepo persists positions. Writes use optimistic concurrency: a
// save carries the version it read, and a stale write surfaces as Conflict.
type PositionRepo struct {
	db *sql.DB
}

// NewPositionRepo creates a position repository.
func NewPositionRepo(db *sql.DB) *PositionRepo {
	return &PositionRepo{db: db}
}

// Get loads the position for a key. Returns nil, nil when absent.
func (r *PositionRepo) Get(ctx context.Context, key domain.PositionKey) (*domain.Position, error) {
	var data string
	var version int64
	err := r.db.QueryRowContext(ctx, `
		SELECT data, version FROM positions
		WHERE book_id = ? AND security_id = ? AND business_date = ?`,
		key.BookID, key.SecurityID, string(key.BusinessDate),
	).Scan(&data, &version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewTransient("position read failed",
			fmt.Errorf("get position %s: %w", key, err))
	}

	var pos domain.Position
	if err := json.Unmarshal([]byte(data), &pos); err != nil {
		return nil, domain.NewPermanent("corrupt position record",
			fmt.Errorf("decode position %s: %w", key, err))
	}
	pos.Version = version
	return &pos, nil
}

// Save writes a position. The record's Version must match the stored one:
// 0 inserts, anything else updates. A version mismatch returns Conflict.
func (r *PositionRepo) Save(ctx context.Context, tx *sql.Tx, pos *domain.Position) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return domain.NewPermanent("position encode failed", err)
	}

	var q Execer = r.db
	if tx != nil {
		q = tx
	}

	if pos.Version == 0 {
		res, err := q.ExecContext(ctx, `
			INSERT INTO positions (book_id, security_id, business_date, data, version)
			VALUES (?, ?, ?, ?, 1)
			ON CONFLICT(book_id, security_id, business_date) DO NOTHING`,
			pos.Key.BookID, pos.Key.SecurityID, string(pos.Key.BusinessDate), string(data))
		if err != nil {
			return domain.NewTransient("position insert failed", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return domain.NewTransient("position insert failed", err)
		}
		if affected == 0 {
			// The insert hit an existing row: the caller raced another
			// writer for a key it believed was new.
			return domain.NewConflict(
				fmt.Sprintf("position already exists for %s", pos.Key), nil)
		}
		pos.Version = 1
		return nil
	}

	res, err := q.ExecContext(ctx, `
		UPDATE positions SET data = ?, version = version + 1
		WHERE book_id = ? AND security_id = ? AND business_date = ? AND version = ?`,
		string(data), pos.Key.BookID, pos.Key.SecurityID,
		string(pos.Key.BusinessDate), pos.Version)
	if err != nil {
		return domain.NewTransient("position update failed", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.NewTransient("position update failed", err)
	}
	if affected == 0 {
		return domain.NewConflict(
			fmt.Sprintf("stale position write for %s", pos.Key), nil)
	}
	pos.Version++
	return nil
}

// ListBySecurityDate returns all book positions for a security on a date.
func (r *PositionRepo) ListBySecurityDate(ctx context.Context, securityID string, date domain.Date) ([]*domain.Position, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT data, version FROM positions
		WHERE security_id = ? AND business_date = ?`,
		securityID, string(date))
	if err != nil {
		return nil, domain.NewTransient("position list failed", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// ListByBookDate returns all positions in a book on a date. An empty book
// id returns every book.
func (r *PositionRepo) ListByBookDate(ctx context.Context, bookID string, date domain.Date) ([]*domain.Position, error) {
	var rows *sql.Rows
	var err error
	if bookID == "" {
		rows, err = r.db.QueryContext(ctx,
			"SELECT data, version FROM positions WHERE business_date = ?", string(date))
	} else {
		rows, err = r.db.QueryContext(ctx,
			"SELECT data, version FROM positions WHERE book_id = ? AND business_date = ?",
			bookID, string(date))
	}
	if err != nil {
		return nil, domain.NewTransient("position list failed", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// SaveBatch persists a set of positions atomically inside one transaction.
func (r *PositionRepo) SaveBatch(ctx context.Context, positions []*domain.Position) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewTransient("begin batch save failed", err)
	}
	for _, pos := range positions {
		if err := r.Save(ctx, tx, pos); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.NewTransient("commit batch save failed", err)
	}
	return nil
}

func scanPositions(rows *sql.Rows) ([]*domain.Position, error) {
	var out []*domain.Position
	for rows.Next() {
		var data string
		var version int64
		if err := rows.Scan(&data, &version); err != nil {
			return nil, err
		}
		var pos domain.Position
		if err := json.Unmarshal([]byte(data), &pos); err != nil {
			return nil, domain.NewPermanent("corrupt position record", err)
		}
		pos.Version = version
		out = append(out, &pos)
	}
	return out, rows.Err()
}
