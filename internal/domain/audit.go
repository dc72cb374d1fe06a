package domain

import "time"

// Audit is the shared header composed into every persisted entity. Version
// backs the store's optimistic-concurrency primitive: an update must carry
// the version it read, and the repository rejects stale writes as Conflict.
type Audit struct {
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by,omitempty"`
}

// Touch stamps creation/update times. The version counter is owned by the
// repositories, which bump it on every successful write.
func (a *Audit) Touch(now time.Time, by string) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
		a.CreatedBy = by
	}
	a.UpdatedAt = now
	a.UpdatedBy = by
}
