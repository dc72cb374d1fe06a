// Package repository implements the store interfaces consumed by the
// engines. Entities are persisted with explicit key columns plus a JSON
// document; the version column backs the optimistic-concurrency primitive.
package repository

import (
	"context"
	"database/sql"
)

// Execer is satisfied by both *sql.DB and *sql.Tx so repository methods can
// run standalone or inside a caller-owned transaction. Every statement takes
// the caller's context so an expired processing budget interrupts the read
// instead of waiting it out.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Stores bundles every repository over the primary database.
type Stores struct {
	Securities       *SecurityRepo
	Counterparties   *CounterpartyRepo
	AggregationUnits *AggregationUnitRepo
	Compositions     *CompositionRepo
	Positions        *PositionRepo
	Availability     *AvailabilityRepo
	Contracts        *ContractRepo
	External         *ExternalAvailabilityRepo
	Limits           *LimitRepo
	Locates          *LocateRepo
	Rules            *RuleRepo
	Outbox           *OutboxRepo
	DeadLetter       *DeadLetterRepo
	Dedup            *DedupRepo
	Quarantine       *QuarantineRepo
}

// NewStores wires all repositories over one connection.
func NewStores(db *sql.DB) *Stores {
	return &Stores{
		Securities:       NewSecurityRepo(db),
		Counterparties:   NewCounterpartyRepo(db),
		AggregationUnits: NewAggregationUnitRepo(db),
		Compositions:     NewCompositionRepo(db),
		Positions:        NewPositionRepo(db),
		Availability:     NewAvailabilityRepo(db),
		Contracts:        NewContractRepo(db),
		External:         NewExternalAvailabilityRepo(db),
		Limits:           NewLimitRepo(db),
		Locates:          NewLocateRepo(db),
		Rules:            NewRuleRepo(db),
		Outbox:           NewOutboxRepo(db),
		DeadLetter:       NewDeadLetterRepo(db),
		Dedup:            NewDedupRepo(db),
		Quarantine:       NewQuarantineRepo(db),
	}
}
