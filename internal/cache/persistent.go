package cache

import (
	"context"
	"database/sql"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"ims/internal/domain"
)

// Store spills availability snapshots to the cache database so a restart
// does not begin with a fully cold cache. Entries carry their own expiry and
// are never trusted past it.
type Store struct {
	db *sql.DB
}

// NewStore creates a persistent cache store over the cache database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Put spills one value under key with the given TTL.
func (s *Store) Put(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return domain.NewPermanent("cache encode failed", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO availability_cache (key, data, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			data = excluded.data, expires_at = excluded.expires_at`,
		key, data, time.Now().Add(ttl).Unix())
	if err != nil {
		return domain.NewTransient("cache put failed", err)
	}
	return nil
}

// Get loads key into dest. Returns false when the entry is absent or has
// expired.
func (s *Store) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	var data []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT data, expires_at FROM availability_cache WHERE key = ?", key,
	).Scan(&data, &expiresAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, domain.NewTransient("cache read failed", err)
	}
	if time.Now().Unix() >= expiresAt {
		return false, nil
	}
	if err := msgpack.Unmarshal(data, dest); err != nil {
		return false, domain.NewPermanent("corrupt cache entry", err)
	}
	return true, nil
}

// Delete removes one entry.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM availability_cache WHERE key = ?", key)
	if err != nil {
		return domain.NewTransient("cache delete failed", err)
	}
	return nil
}

// DeletePrefix removes every entry whose key starts with prefix, mirroring
// the in-memory cache's prefix invalidation.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM availability_cache WHERE key LIKE ? || '%'", prefix)
	if err != nil {
		return domain.NewTransient("cache delete failed", err)
	}
	return nil
}

// PurgeExpired removes entries past their expiry. Returns rows deleted.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM availability_cache WHERE expires_at < ?", time.Now().Unix())
	if err != nil {
		return 0, domain.NewTransient("cache purge failed", err)
	}
	return res.RowsAffected()
}
