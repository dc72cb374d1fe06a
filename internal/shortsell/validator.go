// Package shortsell is the synchronous order validation hot path: client and
// aggregation-unit limit checks with atomic usage increments, bounded by a
// strict deadline.
package shortsell

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ims/internal/bus"
	"ims/internal/cache"
	"ims/internal/clock"
	"ims/internal/database"
	"ims/internal/domain"
	"ims/internal/keylock"
	"ims/internal/metrics"
	"ims/internal/repository"
)

// Validator answers sell-order validations.
type Validator struct {
	db      *database.DB
	stores  *repository.Stores
	locks   *keylock.Table
	cache   *cache.Cache
	clock   clock.Clock
	metrics *metrics.Metrics
	budget  time.Duration
	logger  zerolog.Logger

	// onCommit is invoked after every committed usage increment; the egress
	// publisher hooks this to drain the outbox promptly.
	onCommit func()
}

// NewValidator creates a validator.
func NewValidator(db *database.DB, stores *repository.Stores, locks *keylock.Table,
	limitCache *cache.Cache, clk clock.Clock, m *metrics.Metrics, budget time.Duration) *Validator {
	return &Validator{
		db:      db,
		stores:  stores,
		locks:   locks,
		cache:   limitCache,
		clock:   clk,
		metrics: m,
		budget:  budget,
		logger:  log.With().Str("component", "shortsell").Logger(),
	}
}

// OnCommit registers the post-commit hook.
func (v *Validator) OnCommit(fn func()) { v.onCommit = fn }

// Validate checks an order against the client and aggregation-unit limits
// and, on approval, atomically increments both usage counters. The whole
// operation runs under the validation budget; on expiry the caller observes
// Rejected with reason Timeout and no state changes.
func (v *Validator) Validate(ctx context.Context, order *domain.Order) (*domain.ValidationResult, error) {
	start := time.Now()
	result := &domain.ValidationResult{
		OrderID:       order.OrderID,
		CorrelationID: uuid.NewString(),
	}
	defer func() {
		result.LatencyMillis = time.Since(start).Milliseconds()
		if v.metrics != nil {
			v.metrics.ValidationDuration.Observe(time.Since(start).Seconds())
			outcome := "approved"
			if !result.Approved {
				outcome = "rejected"
			}
			v.metrics.ValidationResults.WithLabelValues(outcome, result.Reason).Inc()
		}
	}()

	if v.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.budget)
		defer cancel()
	}

	if order.Quantity.Sign() <= 0 {
		return nil, domain.NewValidation("order quantity must be positive")
	}
	if order.ClientID == "" || order.AggregationUnitID == "" || order.SecurityID == "" {
		return nil, domain.NewValidation("order missing client, aggregation unit or security")
	}

	security, err := v.stores.Securities.Get(ctx, order.SecurityID)
	if err != nil {
		return v.timeoutOr(result, err)
	}
	if security == nil {
		return nil, domain.NewValidation("order references unknown security " + order.SecurityID)
	}
	date := v.clock.Today(security.Market)

	clientKey := domain.LimitKey{OwnerID: order.ClientID, SecurityID: order.SecurityID, BusinessDate: date}
	auKey := domain.LimitKey{OwnerID: order.AggregationUnitID, SecurityID: order.SecurityID, BusinessDate: date}

	for _, k := range []string{clientKey.String(), auKey.String()} {
		quarantined, err := v.stores.Quarantine.Contains(ctx, k)
		if err != nil {
			return v.timeoutOr(result, err)
		}
		if quarantined {
			result.Reason = domain.ReasonQuarantined
			return result, nil
		}
	}

	// Fast pre-check from the warm cache. The authoritative re-check happens
	// under the locks.
	clientLimit, err := v.cachedLimit(ctx, clientKey)
	if err != nil {
		return v.timeoutOr(result, err)
	}
	auLimit, err := v.cachedLimit(ctx, auKey)
	if err != nil {
		return v.timeoutOr(result, err)
	}
	if reason := checkRemaining(clientLimit, auLimit, order); reason != "" {
		result.Reason = reason
		return result, nil
	}

	// Lock both counters in canonical order, then re-check against fresh
	// store reads before mutating.
	lockKeys := []string{clientKey.String(), auKey.String()}
	if err := v.locks.AcquireMany(ctx, lockKeys...); err != nil {
		return v.timeoutOr(result, err)
	}
	defer v.locks.ReleaseMany(lockKeys...)

	clientLimit, err = v.stores.Limits.Get(ctx, clientKey)
	if err != nil {
		return v.timeoutOr(result, err)
	}
	auLimit, err = v.stores.Limits.Get(ctx, auKey)
	if err != nil {
		return v.timeoutOr(result, err)
	}
	if reason := checkRemaining(clientLimit, auLimit, order); reason != "" {
		result.Reason = reason
		return result, nil
	}

	if err := ctx.Err(); err != nil {
		result.Reason = domain.ReasonTimeout
		return result, nil
	}

	now := v.clock.Now()
	clientLimit.AddUsed(order.Side, order.Quantity)
	clientLimit.Touch(now, "shortsell-validator")
	auLimit.AddUsed(order.Side, order.Quantity)
	auLimit.Touch(now, "shortsell-validator")

	// Client counter first, then the AU counter together with the egress
	// event. A failure in the second write rolls the first back in reverse
	// order; a failed rollback quarantines both keys.
	if err := v.stores.Limits.Save(ctx, nil, clientLimit); err != nil {
		return v.timeoutOr(result, err)
	}

	result.Approved = true
	result.ClientUsed = clientLimit.Used(order.Side)
	result.AUUsed = auLimit.Used(order.Side)

	err = database.WithTransaction(ctx, v.db.Conn(), func(tx *sql.Tx) error {
		if err := v.stores.Limits.Save(ctx, tx, auLimit); err != nil {
			return err
		}
		return v.stores.Outbox.Append(ctx, tx, bus.TopicOrders, &domain.Event{
			EventID:       uuid.NewString(),
			Kind:          domain.EventWorkflow,
			SubType:       domain.SubtypeOrderValidated,
			EffectiveTime: now,
			BusinessDate:  date,
			SourceSystem:  "ims",
			SecurityID:    order.SecurityID,
			Payload:       &domain.OrderValidatedPayload{Order: *order, Result: *result},
		})
	})
	if err != nil {
		v.rollbackClient(clientKey, order, err)
		result.Approved = false
		result.Reason = ""
		return v.timeoutOr(result, err)
	}

	v.cache.Set(clientKey.String(), clientLimit)
	v.cache.Set(auKey.String(), auLimit)
	if v.onCommit != nil {
		v.onCommit()
	}
	return result, nil
}

// rollbackClient reverses the committed client-counter increment after the
// AU write failed. When the rollback itself fails both keys are quarantined
// and a critical alert is raised. The rollback runs on its own deadline: the
// validation budget that caused the failure must not also starve the repair.
func (v *Validator) rollbackClient(clientKey domain.LimitKey, order *domain.Order, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	limit, err := v.stores.Limits.Get(ctx, clientKey)
	if err == nil && limit != nil {
		limit.AddUsed(order.Side, order.Quantity.Neg())
		limit.Touch(v.clock.Now(), "shortsell-validator")
		err = v.stores.Limits.Save(ctx, nil, limit)
	}
	if err == nil {
		v.cache.Invalidate(clientKey.String())
		return
	}

	now := v.clock.Now()
	auKey := domain.LimitKey{OwnerID: order.AggregationUnitID, SecurityID: order.SecurityID, BusinessDate: clientKey.BusinessDate}
	for _, k := range []string{clientKey.String(), auKey.String()} {
		if qErr := v.stores.Quarantine.Add(ctx, k, "limit counter rollback failed", now); qErr != nil {
			v.logger.Error().Err(qErr).Str("key", k).Msg("failed to quarantine key")
		}
	}
	v.logger.Error().
		Err(err).
		AnErr("cause", cause).
		Str("order", order.OrderID).
		Str("client_key", clientKey.String()).
		Msg("CRITICAL: counter rollback failed, keys quarantined")
}

// cachedLimit reads a limit through the cache; a miss falls back to the
// store. A missing record stays nil and counts as a zero limit.
func (v *Validator) cachedLimit(ctx context.Context, key domain.LimitKey) (*domain.TradingLimit, error) {
	value, err := v.cache.Get(ctx, key.String(), func(ctx context.Context) (interface{}, error) {
		return v.stores.Limits.Get(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	limit, _ := value.(*domain.TradingLimit)
	return limit, nil
}

// checkRemaining returns the rejection reason when either limit cannot cover
// the order, client first on ties. A missing limit record rejects.
func checkRemaining(client, au *domain.TradingLimit, order *domain.Order) string {
	if client == nil || client.Remaining(order.Side).LessThan(order.Quantity) {
		return domain.ReasonClientLimitExceeded
	}
	if au == nil || au.Remaining(order.Side).LessThan(order.Quantity) {
		return domain.ReasonAULimitExceeded
	}
	return ""
}

// timeoutOr maps a deadline expiry to the Rejected(Timeout) contract and
// passes every other error through.
func (v *Validator) timeoutOr(result *domain.ValidationResult, err error) (*domain.ValidationResult, error) {
	if errors.Is(err, context.DeadlineExceeded) || domain.IsClass(err, domain.ClassTimeout) {
		result.Approved = false
		result.Reason = domain.ReasonTimeout
		return result, nil
	}
	return nil, err
}
