// Package inventory derives availability records from positions, contracts
// and external feeds, applying the compiled rule set and per-market policy.
package inventory

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"ims/internal/bus"
	"ims/internal/cache"
	"ims/internal/clock"
	"ims/internal/config"
	"ims/internal/database"
	"ims/internal/domain"
	"ims/internal/keylock"
	"ims/internal/metrics"
	"ims/internal/repository"
	"ims/internal/rules"
)

// Engine computes and serves inventory availability.
type Engine struct {
	db       *database.DB
	stores   *repository.Stores
	locks    *keylock.Table
	clock    clock.Clock
	policies *config.Policies
	rules    *rules.Engine
	cache    *cache.Cache
	spill    *cache.Store
	metrics  *metrics.Metrics
	budget   time.Duration
	logger   zerolog.Logger

	// onCommit is invoked after every committed availability write; the
	// egress publisher hooks this to drain the outbox promptly.
	onCommit func()
}

// NewEngine creates an inventory engine. spill may be nil, in which case
// availability records live only in the in-memory cache.
func NewEngine(db *database.DB, stores *repository.Stores, locks *keylock.Table,
	clk clock.Clock, policies *config.Policies, ruleEngine *rules.Engine,
	availCache *cache.Cache, spill *cache.Store, m *metrics.Metrics, budget time.Duration) *Engine {
	return &Engine{
		db:       db,
		stores:   stores,
		locks:    locks,
		clock:    clk,
		policies: policies,
		rules:    ruleEngine,
		cache:    availCache,
		spill:    spill,
		metrics:  m,
		budget:   budget,
		logger:   log.With().Str("component", "inventory").Logger(),
	}
}

// OnCommit registers the post-commit hook.
func (e *Engine) OnCommit(fn func()) { e.onCommit = fn }

func (e *Engine) committed() {
	if e.onCommit != nil {
		e.onCommit()
	}
}

// cacheWrite refreshes both cache tiers after a committed write. Spill
// failures are logged, not surfaced: the database copy is authoritative.
func (e *Engine) cacheWrite(ctx context.Context, key string, record *domain.InventoryAvailability) {
	e.cache.Set(key, record)
	if e.spill == nil {
		return
	}
	if err := e.spill.Put(ctx, key, record, e.cache.TTL()); err != nil {
		e.logger.Warn().Err(err).Str("key", key).Msg("cache spill write failed")
	}
}

func (e *Engine) cacheDrop(ctx context.Context, key string) {
	e.cache.Invalidate(key)
	if e.spill == nil {
		return
	}
	if err := e.spill.Delete(ctx, key); err != nil {
		e.logger.Warn().Err(err).Str("key", key).Msg("cache spill delete failed")
	}
}

func (e *Engine) cacheDropPrefix(ctx context.Context, prefix string) {
	e.cache.InvalidatePrefix(prefix)
	if e.spill == nil {
		return
	}
	if err := e.spill.DeletePrefix(ctx, prefix); err != nil {
		e.logger.Warn().Err(err).Str("prefix", prefix).Msg("cache spill delete failed")
	}
}

// allCalculations is the recompute order; the slice exists so the parallel
// recompute and tests iterate the same set.
var allCalculations = []domain.CalculationType{
	domain.CalcForLoan, domain.CalcForPledge, domain.CalcShortSell,
	domain.CalcLongSell, domain.CalcLocate, domain.CalcOverborrow,
}

// RecalculateSecurity recomputes every calculation type for a security on a
// business date. Calculations run in parallel under the shared deadline and
// fail fast: the first error cancels the siblings.
func (e *Engine) RecalculateSecurity(ctx context.Context, securityID string, date domain.Date) error {
	if e.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.budget)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, calcType := range allCalculations {
		calcType := calcType
		g.Go(func() error {
			_, err := e.Calculate(gctx, securityID, date, calcType)
			return err
		})
	}
	return g.Wait()
}

// Calculate runs one calculation type for a security and date, persists the
// resulting record and publishes the update. Returns the written record, or
// nil when the calculation produced nothing (e.g. no overborrow excess).
func (e *Engine) Calculate(ctx context.Context, securityID string, date domain.Date, calcType domain.CalculationType) (*domain.InventoryAvailability, error) {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.InventoryCalcDuration.
				WithLabelValues(string(calcType)).
				Observe(time.Since(start).Seconds())
		}
	}()

	security, err := e.stores.Securities.Get(ctx, securityID)
	if err != nil {
		return nil, err
	}
	if security == nil || !security.IsActive() {
		return nil, nil
	}

	key := domain.AvailabilityKey{
		SecurityID:      securityID,
		CalculationType: calcType,
		BusinessDate:    date,
	}
	lockKey := securityID + "|" + string(calcType) + "|" + string(date)

	if err := e.locks.Acquire(ctx, lockKey); err != nil {
		return nil, err
	}
	defer e.locks.Release(lockKey)

	quantity, produced, err := e.compute(ctx, security, date, calcType)
	if err != nil {
		return nil, err
	}
	if !produced {
		e.cacheDrop(ctx, key.String())
		return nil, nil
	}

	existing, err := e.stores.Availability.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	record := e.buildRecord(security, key, quantity, existing)
	if record == nil {
		e.cacheDrop(ctx, key.String())
		return nil, nil
	}

	record.Touch(e.clock.Now(), "inventory-engine")
	err = database.WithTransaction(ctx, e.db.Conn(), func(tx *sql.Tx) error {
		if err := e.stores.Availability.Save(ctx, tx, record); err != nil {
			return err
		}
		return e.stores.Outbox.Append(ctx, tx, bus.TopicInventory, &domain.Event{
			EventID:       uuid.NewString(),
			Kind:          domain.EventInventory,
			SubType:       domain.SubtypeInventoryUpdated,
			EffectiveTime: e.clock.Now(),
			BusinessDate:  date,
			SourceSystem:  "ims",
			SecurityID:    securityID,
			Payload:       &domain.InventoryUpdatedPayload{Availability: *record},
		})
	})
	if err != nil {
		return nil, err
	}

	e.cacheWrite(ctx, key.String(), record)
	e.committed()
	e.logger.Debug().
		Str("security", securityID).
		Str("calculation", string(calcType)).
		Str("available", record.AvailableQuantity.String()).
		Msg("availability written")
	return record, nil
}

// buildRecord applies the rule set and market post-policy to a raw quantity,
// producing the persistable record. Reservations on the existing record
// survive recomputation. Returns nil when rules exclude the record.
func (e *Engine) buildRecord(security *domain.Security, key domain.AvailabilityKey,
	quantity decimal.Decimal, existing *domain.InventoryAvailability) *domain.InventoryAvailability {

	facts := rules.Facts{
		"market":          security.Market,
		"securityType":    string(security.Type),
		"temperature":     string(security.Temperature),
		"calculationType": string(key.CalculationType),
		"securityId":      security.InternalID,
		"isBasket":        boolFact(security.IsBasketProduct),
		"quantity":        quantity.String(),
	}
	outcome := e.rules.Evaluate(key.CalculationType, security.Market, key.BusinessDate, facts)
	if !outcome.Included {
		return nil
	}

	gross := quantity.Mul(outcome.ScaleFor("gross"))
	available := quantity.Mul(outcome.ScaleFor("available"))

	record := &domain.InventoryAvailability{
		Key:           key,
		GrossQuantity: gross,
		NetQuantity:   gross,
		Market:        security.Market,
		Temperature:   security.Temperature,
		Status:        domain.AvailabilityActive,
	}
	if existing != nil {
		record.Audit = existing.Audit
		record.ReservedQuantity = existing.ReservedQuantity
	}

	// Reservations carry over, so available is net of them and floors at
	// zero rather than violating the arithmetic invariant.
	available = available.Sub(record.ReservedQuantity)
	if available.Sign() < 0 {
		available = decimal.Zero
	}
	record.AvailableQuantity = available

	if outcome.Status != "" {
		record.Status = domain.AvailabilityStatus(outcome.Status)
	}
	if outcome.Temperature != "" {
		record.Temperature = domain.Temperature(outcome.Temperature)
	}
	if outcome.BorrowRate != nil {
		record.BorrowRate = *outcome.BorrowRate
	}
	if outcome.MarkOverborrow || key.CalculationType == domain.CalcOverborrow {
		record.IsOverborrow = true
	}
	if len(outcome.Matched) > 0 {
		record.RuleName = outcome.Matched[len(outcome.Matched)-1]
	}
	return record
}

func boolFact(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Availability returns the availability record for a key through the
// read-through cache. Concurrent misses on the same key share one load; a
// memory miss consults the persistent spill before hitting the store.
func (e *Engine) Availability(ctx context.Context, key domain.AvailabilityKey) (*domain.InventoryAvailability, error) {
	value, err := e.cache.Get(ctx, key.String(), func(ctx context.Context) (interface{}, error) {
		if e.metrics != nil {
			e.metrics.CacheMisses.Inc()
		}
		if e.spill != nil {
			var spilled domain.InventoryAvailability
			ok, err := e.spill.Get(ctx, key.String(), &spilled)
			if err != nil {
				e.logger.Warn().Err(err).Str("key", key.String()).Msg("cache spill read failed")
			} else if ok {
				return &spilled, nil
			}
		}
		record, err := e.stores.Availability.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if record != nil && e.spill != nil {
			if err := e.spill.Put(ctx, key.String(), record, e.cache.TTL()); err != nil {
				e.logger.Warn().Err(err).Str("key", key.String()).Msg("cache spill write failed")
			}
		}
		return record, nil
	})
	if err != nil {
		return nil, err
	}
	record, _ := value.(*domain.InventoryAvailability)
	return record, nil
}

// Reserve atomically moves qty from available to reserved on the Locate
// availability record. Fails with Validation when available is short.
func (e *Engine) Reserve(ctx context.Context, securityID string, date domain.Date, qty decimal.Decimal) error {
	return e.adjustReservation(ctx, securityID, date, qty)
}

// Release returns qty from reserved back to available, clamped at the
// outstanding reservation.
func (e *Engine) Release(ctx context.Context, securityID string, date domain.Date, qty decimal.Decimal) error {
	return e.adjustReservation(ctx, securityID, date, qty.Neg())
}

func (e *Engine) adjustReservation(ctx context.Context, securityID string, date domain.Date, delta decimal.Decimal) error {
	key := domain.AvailabilityKey{
		SecurityID:      securityID,
		CalculationType: domain.CalcLocate,
		BusinessDate:    date,
	}
	lockKey := securityID + "|" + string(domain.CalcLocate) + "|" + string(date)
	if err := e.locks.Acquire(ctx, lockKey); err != nil {
		return err
	}
	defer e.locks.Release(lockKey)

	record, err := e.stores.Availability.Get(ctx, key)
	if err != nil {
		return err
	}
	if record == nil {
		return domain.NewValidation(domain.ReasonInsufficientLocate)
	}

	if delta.Sign() > 0 {
		if record.AvailableQuantity.LessThan(delta) {
			return domain.NewValidation(domain.ReasonInsufficientLocate)
		}
		record.AvailableQuantity = record.AvailableQuantity.Sub(delta)
		record.ReservedQuantity = record.ReservedQuantity.Add(delta)
	} else {
		release := delta.Neg()
		if release.GreaterThan(record.ReservedQuantity) {
			release = record.ReservedQuantity
		}
		record.ReservedQuantity = record.ReservedQuantity.Sub(release)
		record.AvailableQuantity = record.AvailableQuantity.Add(release)
	}

	record.Touch(e.clock.Now(), "inventory-engine")
	err = database.WithTransaction(ctx, e.db.Conn(), func(tx *sql.Tx) error {
		if err := e.stores.Availability.Save(ctx, tx, record); err != nil {
			return err
		}
		return e.stores.Outbox.Append(ctx, tx, bus.TopicInventory, &domain.Event{
			EventID:       uuid.NewString(),
			Kind:          domain.EventInventory,
			SubType:       domain.SubtypeInventoryUpdated,
			EffectiveTime: e.clock.Now(),
			BusinessDate:  date,
			SourceSystem:  "ims",
			SecurityID:    securityID,
			Payload:       &domain.InventoryUpdatedPayload{Availability: *record},
		})
	})
	if err != nil {
		return err
	}

	e.cacheWrite(ctx, key.String(), record)
	e.committed()
	return nil
}

// OnPositionChange invalidates cached availability for a security and
// recomputes its slice. The position engine calls this after every write.
func (e *Engine) OnPositionChange(ctx context.Context, securityID string, date domain.Date) error {
	e.cacheDropPrefix(ctx, securityID+"|")
	return e.RecalculateSecurity(ctx, securityID, date)
}

// OnContract applies a contract lifecycle event and recomputes the slice.
func (e *Engine) OnContract(ctx context.Context, ev *domain.Event) error {
	payload, ok := ev.Payload.(*domain.ContractPayload)
	if !ok {
		return domain.NewPermanent("contract event without contract payload", nil)
	}
	contract := payload.Contract
	if ev.SubType == domain.SubtypeContractClose {
		contract.Status = "CLOSED"
	}
	contract.Touch(e.clock.Now(), ev.SourceSystem)
	if err := e.stores.Contracts.Upsert(ctx, &contract); err != nil {
		return err
	}
	return e.OnPositionChange(ctx, contract.SecurityID, ev.BusinessDate)
}

// OnExternalAvailability records an external lender quantity and recomputes
// the calculations it feeds.
func (e *Engine) OnExternalAvailability(ctx context.Context, ev *domain.Event) error {
	payload, ok := ev.Payload.(*domain.ExternalAvailabilityPayload)
	if !ok {
		return domain.NewPermanent("external availability event without payload", nil)
	}
	if err := e.stores.External.Upsert(ctx, &payload.Availability, e.clock.Now()); err != nil {
		return err
	}
	securityID := payload.Availability.SecurityID
	e.cacheDropPrefix(ctx, securityID+"|")

	g, gctx := errgroup.WithContext(ctx)
	for _, calcType := range []domain.CalculationType{domain.CalcShortSell, domain.CalcLocate} {
		calcType := calcType
		g.Go(func() error {
			_, err := e.Calculate(gctx, securityID, payload.Availability.BusinessDate, calcType)
			return err
		})
	}
	return g.Wait()
}

// OnMarketData refreshes the security's price and temperature, then
// recomputes availability when the temperature changed.
func (e *Engine) OnMarketData(ctx context.Context, ev *domain.Event) error {
	payload, ok := ev.Payload.(*domain.MarketDataPayload)
	if !ok {
		return domain.NewPermanent("market data event without payload", nil)
	}
	security, err := e.stores.Securities.Get(ctx, ev.SecurityID)
	if err != nil {
		return err
	}
	if security == nil {
		return domain.NewValidation("market data for unknown security " + ev.SecurityID)
	}

	temperatureChanged := payload.Temperature != "" && payload.Temperature != security.Temperature
	security.LastPrice = payload.Price
	security.LastPriceTime = ev.EffectiveTime
	if payload.Temperature != "" {
		security.Temperature = payload.Temperature
	}
	security.Touch(e.clock.Now(), ev.SourceSystem)
	if err := e.stores.Securities.Upsert(ctx, security); err != nil {
		return err
	}

	if temperatureChanged {
		return e.OnPositionChange(ctx, ev.SecurityID, ev.BusinessDate)
	}
	return nil
}
