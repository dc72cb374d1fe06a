package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"ims/internal/domain"
)

// OutboxEntry is one pending egress event held durably until the bus
// acknowledges it.
type OutboxEntry struct {
	ID       int64
	Topic    string
	EventID  string
	Event    *domain.Event
	Attempts int
}

// OutboxRepo is the durable egress outbox. Engines append inside the same
// transaction as their state write, so "saved but not published" is never
// observable externally.
type OutboxRepo struct {
	db *sql.DB
}

// NewOutboxRepo creates an outbox repository.
func NewOutboxRepo(db *sql.DB) *OutboxRepo {
	return &OutboxRepo{db: db}
}

// outboxRecord is the msgpack at-rest form: the JSON event document wrapped
// with its topic. JSON keeps the payload registry in one place (domain).
type outboxRecord struct {
	Topic string `msgpack:"topic"`
	Event []byte `msgpack:"event"`
}

// Append queues an event for publication. Pass the engine's transaction to
// make the state write and the outbox append atomic.
func (r *OutboxRepo) Append(ctx context.Context, tx *sql.Tx, topic string, ev *domain.Event) error {
	doc, err := json.Marshal(ev)
	if err != nil {
		return domain.NewPermanent("outbox event encode failed", err)
	}
	payload, err := msgpack.Marshal(outboxRecord{Topic: topic, Event: doc})
	if err != nil {
		return domain.NewPermanent("outbox payload encode failed", err)
	}

	var q Execer = r.db
	if tx != nil {
		q = tx
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO outbox (topic, event_id, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		topic, ev.EventID, payload, time.Now().Unix())
	if err != nil {
		return domain.NewTransient("outbox append failed", err)
	}
	return nil
}

// Unpublished returns up to limit pending entries in append order.
func (r *OutboxRepo) Unpublished(ctx context.Context, limit int) ([]*OutboxEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, topic, event_id, payload, attempts FROM outbox
		WHERE published_at IS NULL ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, domain.NewTransient("outbox scan failed", err)
	}
	defer rows.Close()

	var out []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		var payload []byte
		if err := rows.Scan(&entry.ID, &entry.Topic, &entry.EventID, &payload, &entry.Attempts); err != nil {
			return nil, err
		}
		var rec outboxRecord
		if err := msgpack.Unmarshal(payload, &rec); err != nil {
			return nil, domain.NewPermanent("corrupt outbox payload", err)
		}
		var ev domain.Event
		if err := json.Unmarshal(rec.Event, &ev); err != nil {
			return nil, domain.NewPermanent("corrupt outbox event", err)
		}
		entry.Event = &ev
		out = append(out, entry)
	}
	return out, rows.Err()
}

// MarkPublished stamps an entry as acknowledged by the bus.
func (r *OutboxRepo) MarkPublished(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE outbox SET published_at = ? WHERE id = ?", time.Now().Unix(), id)
	if err != nil {
		return domain.NewTransient("outbox mark failed", err)
	}
	return nil
}

// BumpAttempts records a failed publish attempt.
func (r *OutboxRepo) BumpAttempts(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE outbox SET attempts = attempts + 1 WHERE id = ?", id)
	if err != nil {
		return domain.NewTransient("outbox attempt bump failed", err)
	}
	return nil
}

// PurgePublishedBefore removes acknowledged entries older than the cutoff.
// Returns the number of rows deleted.
func (r *OutboxRepo) PurgePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM outbox WHERE published_at IS NOT NULL AND published_at < ?",
		cutoff.Unix())
	if err != nil {
		return 0, domain.NewTransient("outbox purge failed", err)
	}
	return res.RowsAffected()
}

// DeadLetterEntry is one permanently failed event with its original payload.
type DeadLetterEntry struct {
	ID        int64
	EventID   string
	Topic     string
	Reason    string
	Payload   []byte
	CreatedAt time.Time
}

// DeadLetterRepo persists permanently failed events for the archive job and
// operator inspection.
type DeadLetterRepo struct {
	db *sql.DB
}

// NewDeadLetterRepo creates a dead-letter repository.
func NewDeadLetterRepo(db *sql.DB) *DeadLetterRepo {
	return &DeadLetterRepo{db: db}
}

// Add records a permanent failure with the original event document.
func (r *DeadLetterRepo) Add(ctx context.Context, topic, reason string, ev *domain.Event) error {
	doc, err := json.Marshal(ev)
	if err != nil {
		doc = []byte("{}")
	}
	payload, err := msgpack.Marshal(outboxRecord{Topic: topic, Event: doc})
	if err != nil {
		return domain.NewPermanent("dead-letter encode failed", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO dead_letter (event_id, topic, reason, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.EventID, topic, reason, payload, time.Now().Unix())
	if err != nil {
		return domain.NewTransient("dead-letter insert failed", err)
	}
	return nil
}

// Unarchived returns entries not yet uploaded to the archive.
func (r *DeadLetterRepo) Unarchived(ctx context.Context, limit int) ([]*DeadLetterEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, event_id, topic, reason, payload, created_at FROM dead_letter
		WHERE archived_at IS NULL ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, domain.NewTransient("dead-letter scan failed", err)
	}
	defer rows.Close()

	var out []*DeadLetterEntry
	for rows.Next() {
		entry := &DeadLetterEntry{}
		var createdAt int64
		if err := rows.Scan(&entry.ID, &entry.EventID, &entry.Topic,
			&entry.Reason, &entry.Payload, &createdAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, entry)
	}
	return out, rows.Err()
}

// MarkArchived stamps entries as uploaded.
func (r *DeadLetterRepo) MarkArchived(ctx context.Context, ids []int64) error {
	now := time.Now().Unix()
	for _, id := range ids {
		if _, err := r.db.ExecContext(ctx,
			"UPDATE dead_letter SET archived_at = ? WHERE id = ?", now, id); err != nil {
			return domain.NewTransient("dead-letter mark failed", err)
		}
	}
	return nil
}

// Count returns the number of dead-letter entries, archived or not.
func (r *DeadLetterRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dead_letter").Scan(&n); err != nil {
		return 0, domain.NewTransient("dead-letter count failed", err)
	}
	return n, nil
}

// DedupRepo is the durable idempotency window keyed by event id.
type DedupRepo struct {
	db *sql.DB
}

// NewDedupRepo creates a dedup repository.
func NewDedupRepo(db *sql.DB) *DedupRepo {
	return &DedupRepo{db: db}
}

// Record marks an event id as seen. Returns false when the id was already
// present (a duplicate).
func (r *DedupRepo) Record(ctx context.Context, eventID string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO event_dedup (event_id, seen_at) VALUES (?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		eventID, now.Unix())
	if err != nil {
		return false, domain.NewTransient("dedup record failed", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, domain.NewTransient("dedup record failed", err)
	}
	return affected == 1, nil
}

// Remove forgets an event id so a redelivery is processed as a first
// sighting. Used when processing was interrupted before any state changed.
func (r *DedupRepo) Remove(ctx context.Context, eventID string) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM event_dedup WHERE event_id = ?", eventID)
	if err != nil {
		return domain.NewTransient("dedup remove failed", err)
	}
	return nil
}

// PurgeBefore removes entries older than the dedup window. Returns the
// number of rows deleted.
func (r *DedupRepo) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM event_dedup WHERE seen_at < ?", cutoff.Unix())
	if err != nil {
		return 0, domain.NewTransient("dedup purge failed", err)
	}
	return res.RowsAffected()
}

// QuarantineRepo tracks keys excluded from processing after a failed
// counter rollback.
type QuarantineRepo struct {
	db *sql.DB
}

// NewQuarantineRepo creates a quarantine repository.
func NewQuarantineRepo(db *sql.DB) *QuarantineRepo {
	return &QuarantineRepo{db: db}
}

// Add quarantines a key.
func (r *QuarantineRepo) Add(ctx context.Context, key, reason string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO quarantine (key, reason, created_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET reason = excluded.reason`,
		key, reason, now.Unix())
	if err != nil {
		return domain.NewTransient("quarantine add failed", err)
	}
	return nil
}

// Contains reports whether a key is quarantined.
func (r *QuarantineRepo) Contains(ctx context.Context, key string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM quarantine WHERE key = ?", key).Scan(&n)
	if err != nil {
		return false, domain.NewTransient("quarantine read failed", err)
	}
	return n > 0, nil
}

// Clear removes a key from quarantine (operator action).
func (r *QuarantineRepo) Clear(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM quarantine WHERE key = ?", key)
	if err != nil {
		return domain.NewTransient("quarantine clear failed", err)
	}
	return nil
}

// List returns every quarantined key with its reason.
func (r *QuarantineRepo) List(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT key, reason FROM quarantine")
	if err != nil {
		return nil, domain.NewTransient("quarantine list failed", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, reason string
		if err := rows.Scan(&key, &reason); err != nil {
			return nil, err
		}
		out[key] = reason
	}
	return out, rows.Err()
}
