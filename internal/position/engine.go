// Package position owns the per-key position state: trades, start-of-day
// snapshots and settlement-ladder mutations all funnel through this engine
// under the key's exclusive lock.
package position

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"ims/internal/bus"
	"ims/internal/clock"
	"ims/internal/database"
	"ims/internal/domain"
	"ims/internal/keylock"
	"ims/internal/metrics"
	"ims/internal/repository"
)

// errIntradayActivity marks a start-of-day write refused because the target
// key already has intraday deltas.
var errIntradayActivity = domain.NewPermanent("start of day after intraday activity", nil)

// Engine applies position events and answers position queries.
type Engine struct {
	db      *database.DB
	stores  *repository.Stores
	locks   *keylock.Table
	clock   clock.Clock
	metrics *metrics.Metrics
	budget  time.Duration
	logger  zerolog.Logger

	// onWrite is invoked after every committed position write. The
	// inventory engine hooks this to invalidate its caches synchronously;
	// the durable notification still flows through the outbox.
	onWrite func(key domain.PositionKey)
}

// NewEngine creates a position engine.
func NewEngine(db *database.DB, stores *repository.Stores, locks *keylock.Table,
	clk clock.Clock, m *metrics.Metrics, budget time.Duration) *Engine {
	return &Engine{
		db:      db,
		stores:  stores,
		locks:   locks,
		clock:   clk,
		metrics: m,
		budget:  budget,
		logger:  log.With().Str("component", "position").Logger(),
	}
}

// OnWrite registers the post-commit hook.
func (e *Engine) OnWrite(fn func(domain.PositionKey)) { e.onWrite = fn }

// ProcessEvent routes one position-affecting event.
func (e *Engine) ProcessEvent(ctx context.Context, ev *domain.Event) error {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.PositionCalcDuration.Observe(time.Since(start).Seconds())
		}
	}()

	switch payload := ev.Payload.(type) {
	case *domain.TradePayload:
		return e.applyTrade(ctx, ev, payload)
	case *domain.StartOfDayPayload:
		key := domain.PositionKey{
			BookID:       payload.BookID,
			SecurityID:   ev.SecurityID,
			BusinessDate: ev.BusinessDate,
		}
		return e.ApplyStartOfDay(ctx, key, payload)
	case *domain.PositionDeltaPayload:
		key := domain.PositionKey{
			BookID:       payload.BookID,
			SecurityID:   ev.SecurityID,
			BusinessDate: ev.BusinessDate,
		}
		return e.applyDelta(ctx, key, payload)
	default:
		return domain.NewPermanent(
			fmt.Sprintf("position engine cannot handle subtype %s", ev.SubType), nil)
	}
}

// applyTrade applies a trade delta, fanning out to basket constituents when
// the security is a basket product and the trade requests expansion. The
// parent basket never gets a position record of its own.
func (e *Engine) applyTrade(ctx context.Context, ev *domain.Event, trade *domain.TradePayload) error {
	legs, err := e.expandTrade(ctx, ev.SecurityID, ev.BusinessDate, trade)
	if err != nil {
		return err
	}

	for _, leg := range legs {
		key := domain.PositionKey{
			BookID:       trade.BookID,
			SecurityID:   leg.securityID,
			BusinessDate: ev.BusinessDate,
		}
		err := e.mutate(ctx, key, func(pos *domain.Position) error {
			pos.ContractualQty = pos.ContractualQty.Add(leg.quantity)
			if leg.quantity.Sign() > 0 {
				pos.Ladder().AddReceipt(trade.SettlementDate, leg.quantity)
			} else {
				pos.Ladder().AddDelivery(trade.SettlementDate, leg.quantity.Neg())
			}
			if trade.Provenance != domain.ProvenanceNone {
				pos.Provenance = trade.Provenance
			}
			pos.IsStartOfDay = false
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ApplyStartOfDay installs the start-of-day snapshot for a key. A snapshot
// arriving after intraday activity is a Permanent failure: replaying it
// would silently discard the intraday deltas.
func (e *Engine) ApplyStartOfDay(ctx context.Context, key domain.PositionKey, sod *domain.StartOfDayPayload) error {
	return e.mutate(ctx, key, func(pos *domain.Position) error {
		if pos.Version > 0 && !pos.IsStartOfDay {
			return errIntradayActivity
		}
		pos.SettledQty = sod.SettledQty
		pos.ContractualQty = sod.ContractualQty
		pos.Deliver = [domain.LadderDepth]decimal.Decimal{}
		pos.Receipt = [domain.LadderDepth]decimal.Decimal{}
		pos.IsStartOfDay = true
		return nil
	})
}

// applyDelta applies direct settled/contractual/ladder deltas.
func (e *Engine) applyDelta(ctx context.Context, key domain.PositionKey, delta *domain.PositionDeltaPayload) error {
	return e.mutate(ctx, key, func(pos *domain.Position) error {
		pos.SettledQty = pos.SettledQty.Add(delta.SettledDelta)
		pos.ContractualQty = pos.ContractualQty.Add(delta.ContractualDelta)
		if !delta.SettlementDate.IsZero() {
			if delta.ReceiptDelta.Sign() != 0 {
				pos.Ladder().AddReceipt(delta.SettlementDate, delta.ReceiptDelta)
			}
			if delta.DeliverDelta.Sign() != 0 {
				pos.Ladder().AddDelivery(delta.SettlementDate, delta.DeliverDelta)
			}
		}
		if delta.Provenance != domain.ProvenanceNone {
			pos.Provenance = delta.Provenance
		}
		pos.IsStartOfDay = false
		return nil
	})
}

// RolloverStartOfDay snapshots the prior business day's positions into
// start-of-day records for date. Ladder quantities that settled in between
// move from contractual into settled; the remaining slots shift down.
// Keys that already carry intraday activity on the target date are left
// alone. Returns the number of positions written. An empty book id rolls
// every book.
func (e *Engine) RolloverStartOfDay(ctx context.Context, bookID string, date domain.Date) (int, error) {
	prev := e.clock.Calendar("").AddBusinessDays(date, -1)
	priors, err := e.stores.Positions.ListByBookDate(ctx, bookID, prev)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, prior := range priors {
		delta := prior.Key.BusinessDate.DaysUntil(date)
		if delta <= 0 {
			continue
		}

		// Ladder slots that settle strictly before the new date convert
		// contractual quantity into settled quantity.
		settledThrough := decimal.Zero
		for i := 0; i < delta && i < domain.LadderDepth; i++ {
			settledThrough = settledThrough.Add(prior.Receipt[i].Sub(prior.Deliver[i]))
		}

		var deliver, receipt [domain.LadderDepth]decimal.Decimal
		for i := 0; i+delta < domain.LadderDepth; i++ {
			deliver[i] = prior.Deliver[i+delta]
			receipt[i] = prior.Receipt[i+delta]
		}

		key := domain.PositionKey{
			BookID:       prior.Key.BookID,
			SecurityID:   prior.Key.SecurityID,
			BusinessDate: date,
		}
		snapshot := *prior
		err := e.mutate(ctx, key, func(pos *domain.Position) error {
			if pos.Version > 0 && !pos.IsStartOfDay {
				return errIntradayActivity
			}
			pos.SettledQty = snapshot.SettledQty.Add(settledThrough)
			pos.ContractualQty = snapshot.ContractualQty.Sub(settledThrough)
			pos.Deliver = deliver
			pos.Receipt = receipt
			pos.IsHypothecatable = snapshot.IsHypothecatable
			pos.IsReserved = snapshot.IsReserved
			pos.Provenance = snapshot.Provenance
			pos.IsStartOfDay = true
			return nil
		})
		if errors.Is(err, errIntradayActivity) {
			e.logger.Warn().Str("key", key.String()).
				Msg("rollover skipped key with intraday activity")
			continue
		}
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// mutate is the single write path: lock the key, load or create, apply the
// mutation, recalculate, persist together with the egress notification, then
// fire the post-commit hook. The whole sequence runs under the engine's
// processing budget.
func (e *Engine) mutate(ctx context.Context, key domain.PositionKey, fn func(*domain.Position) error) error {
	if e.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.budget)
		defer cancel()
	}

	if quarantined, err := e.stores.Quarantine.Contains(ctx, key.String()); err != nil {
		return err
	} else if quarantined {
		return &domain.Error{Class: domain.ClassQuarantine, Reason: domain.ReasonQuarantined}
	}

	if err := e.locks.Acquire(ctx, key.String()); err != nil {
		return err
	}
	defer e.locks.Release(key.String())

	pos, err := e.stores.Positions.Get(ctx, key)
	if err != nil {
		return err
	}
	if pos == nil {
		pos = domain.NewPosition(key)
	}

	if err := fn(pos); err != nil {
		return err
	}
	pos.Recalculate(key.BusinessDate)
	pos.Touch(e.clock.Now(), "position-engine")

	err = database.WithTransaction(ctx, e.db.Conn(), func(tx *sql.Tx) error {
		if err := e.stores.Positions.Save(ctx, tx, pos); err != nil {
			return err
		}
		return e.stores.Outbox.Append(ctx, tx, bus.TopicPositions, &domain.Event{
			EventID:       uuid.NewString(),
			Kind:          domain.EventPosition,
			SubType:       domain.SubtypePositionUpdated,
			EffectiveTime: e.clock.Now(),
			BusinessDate:  key.BusinessDate,
			SourceSystem:  "ims",
			SecurityID:    key.SecurityID,
			Payload:       &domain.PositionUpdatedPayload{Position: *pos},
		})
	})
	if err != nil {
		return err
	}

	e.logger.Debug().
		Str("key", key.String()).
		Str("projected_net", pos.ProjectedNetPosition.String()).
		Msg("position written")

	if e.onWrite != nil {
		e.onWrite(key)
	}
	return nil
}

// GetPosition returns the position for a key, or nil when none exists.
// Quarantined keys refuse reads as well as writes.
func (e *Engine) GetPosition(ctx context.Context, key domain.PositionKey) (*domain.Position, error) {
	if quarantined, err := e.stores.Quarantine.Contains(ctx, key.String()); err != nil {
		return nil, err
	} else if quarantined {
		return nil, &domain.Error{Class: domain.ClassQuarantine, Reason: domain.ReasonQuarantined}
	}
	return e.stores.Positions.Get(ctx, key)
}

// GetSettlementLadder returns the per-day net settlement projection for a
// key. Absent positions yield an all-zero ladder.
func (e *Engine) GetSettlementLadder(ctx context.Context, key domain.PositionKey) ([domain.LadderDepth]domain.Date, [domain.LadderDepth]string, error) {
	pos, err := e.GetPosition(ctx, key)
	if err != nil {
		return [domain.LadderDepth]domain.Date{}, [domain.LadderDepth]string{}, err
	}
	if pos == nil {
		pos = domain.NewPosition(key)
	}
	ladder := pos.Ladder()
	var dates [domain.LadderDepth]domain.Date
	var nets [domain.LadderDepth]string
	for i := 0; i < domain.LadderDepth; i++ {
		dates[i] = ladder.SettlementDateForDay(i)
		nets[i] = ladder.NetForDay(i).String()
	}
	return dates, nets, nil
}

// ListBySecurity returns all positions for a security on a business date.
func (e *Engine) ListBySecurity(ctx context.Context, securityID string, date domain.Date) ([]*domain.Position, error) {
	return e.stores.Positions.ListBySecurityDate(ctx, securityID, date)
}
