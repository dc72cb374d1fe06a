package shortsell

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ims/internal/cache"
	"ims/internal/clock"
	"ims/internal/database"
	"ims/internal/domain"
	"ims/internal/keylock"
	"ims/internal/metrics"
	"ims/internal/repository"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type harness struct {
	validator *Validator
	stores    *repository.Stores
	date      domain.Date
}

func newHarness(t *testing.T, budget time.Duration) *harness {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "ims.db"),
		Profile: database.ProfileStandard,
		Name:    "ims",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	stores := repository.NewStores(db.Conn())
	clk := clock.NewFrozen(time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC))
	clk.SetCalendar(clock.NewCalendar("US", 2, nil))

	require.NoError(t, stores.Securities.Upsert(context.Background(), &domain.Security{
		InternalID: "SEC-1",
		Type:       domain.SecurityEquity,
		Market:     "US",
		Status:     domain.SecurityActive,
	}))

	v := NewValidator(db, stores, keylock.New(), cache.New(time.Minute), clk,
		metrics.New(), budget)
	return &harness{validator: v, stores: stores, date: "2026-08-24"}
}

func (h *harness) seedLimit(t *testing.T, owner, shortLimit, shortUsed string) {
	t.Helper()
	limit := &domain.TradingLimit{
		Key: domain.LimitKey{
			OwnerID:      owner,
			SecurityID:   "SEC-1",
			BusinessDate: h.date,
		},
		ShortSellLimit: d(shortLimit),
		ShortSellUsed:  d(shortUsed),
	}
	require.NoError(t, h.stores.Limits.Save(context.Background(), nil, limit))
}

func (h *harness) limit(t *testing.T, owner string) *domain.TradingLimit {
	t.Helper()
	limit, err := h.stores.Limits.Get(context.Background(), domain.LimitKey{
		OwnerID:      owner,
		SecurityID:   "SEC-1",
		BusinessDate: h.date,
	})
	require.NoError(t, err)
	require.NotNil(t, limit)
	return limit
}

func order(qty string) *domain.Order {
	return &domain.Order{
		OrderID:           "ord-1",
		SecurityID:        "SEC-1",
		ClientID:          "client-1",
		AggregationUnitID: "au-1",
		Side:              domain.SideShortSell,
		Quantity:          d(qty),
	}
}

func TestValidateApprovesAndIncrementsBothCounters(t *testing.T) {
	h := newHarness(t, 150*time.Millisecond)
	h.seedLimit(t, "client-1", "10000", "9500")
	h.seedLimit(t, "au-1", "50000", "0")

	result, err := h.validator.Validate(context.Background(), order("400"))
	require.NoError(t, err)
	assert.True(t, result.Approved)
	assert.Empty(t, result.Reason)
	assert.True(t, result.ClientUsed.Equal(d("9900")))
	assert.True(t, result.AUUsed.Equal(d("400")))
	assert.NotEmpty(t, result.CorrelationID)

	assert.True(t, h.limit(t, "client-1").ShortSellUsed.Equal(d("9900")))
	assert.True(t, h.limit(t, "au-1").ShortSellUsed.Equal(d("400")))

	pending, err := h.stores.Outbox.Unpublished(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.SubtypeOrderValidated, pending[0].Event.SubType)

	// The next order breaches the client limit: 9900 + 200 > 10000.
	result, err = h.validator.Validate(context.Background(), order("200"))
	require.NoError(t, err)
	assert.False(t, result.Approved)
	assert.Equal(t, domain.ReasonClientLimitExceeded, result.Reason)
	assert.True(t, h.limit(t, "client-1").ShortSellUsed.Equal(d("9900")), "rejected orders leave counters untouched")
}

func TestValidateApprovesAtExactLimit(t *testing.T) {
	h := newHarness(t, 150*time.Millisecond)
	// Remaining headroom equals the order quantity exactly: approved.
	h.seedLimit(t, "client-1", "10000", "9600")
	h.seedLimit(t, "au-1", "50000", "0")

	result, err := h.validator.Validate(context.Background(), order("400"))
	require.NoError(t, err)
	assert.True(t, result.Approved, "an order consuming the last unit of headroom passes")
	assert.True(t, h.limit(t, "client-1").ShortSellUsed.Equal(d("10000")))
}

func TestValidateRejectsOneUnitOverLimit(t *testing.T) {
	h := newHarness(t, 150*time.Millisecond)
	// Headroom falls one decimal unit short of the order quantity.
	h.seedLimit(t, "client-1", "10000", "9600.0001")
	h.seedLimit(t, "au-1", "50000", "0")

	result, err := h.validator.Validate(context.Background(), order("400"))
	require.NoError(t, err)
	assert.False(t, result.Approved)
	assert.Equal(t, domain.ReasonClientLimitExceeded, result.Reason)
	assert.True(t, h.limit(t, "client-1").ShortSellUsed.Equal(d("9600.0001")),
		"rejected orders leave counters untouched")
}

func TestValidateClientCheckedBeforeAggregationUnit(t *testing.T) {
	h := newHarness(t, 150*time.Millisecond)
	// Both limits are short; the client reason wins.
	h.seedLimit(t, "client-1", "100", "0")
	h.seedLimit(t, "au-1", "100", "0")

	result, err := h.validator.Validate(context.Background(), order("500"))
	require.NoError(t, err)
	assert.False(t, result.Approved)
	assert.Equal(t, domain.ReasonClientLimitExceeded, result.Reason)
}

func TestValidateAggregationUnitLimit(t *testing.T) {
	h := newHarness(t, 150*time.Millisecond)
	h.seedLimit(t, "client-1", "10000", "0")
	h.seedLimit(t, "au-1", "300", "0")

	result, err := h.validator.Validate(context.Background(), order("500"))
	require.NoError(t, err)
	assert.False(t, result.Approved)
	assert.Equal(t, domain.ReasonAULimitExceeded, result.Reason)
}

func TestValidateMissingLimitRecordRejects(t *testing.T) {
	h := newHarness(t, 150*time.Millisecond)
	h.seedLimit(t, "au-1", "50000", "0")

	result, err := h.validator.Validate(context.Background(), order("100"))
	require.NoError(t, err)
	assert.False(t, result.Approved)
	assert.Equal(t, domain.ReasonClientLimitExceeded, result.Reason)
}

func TestValidateExpiredContextRejectsWithTimeout(t *testing.T) {
	h := newHarness(t, 0)
	h.seedLimit(t, "client-1", "10000", "0")
	h.seedLimit(t, "au-1", "50000", "0")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := h.validator.Validate(ctx, order("100"))
	require.NoError(t, err)
	assert.False(t, result.Approved)
	assert.Equal(t, domain.ReasonTimeout, result.Reason)

	assert.True(t, h.limit(t, "client-1").ShortSellUsed.IsZero(), "timed-out orders mutate nothing")
	assert.True(t, h.limit(t, "au-1").ShortSellUsed.IsZero())
}

func TestValidateQuarantinedKeyRejects(t *testing.T) {
	h := newHarness(t, 150*time.Millisecond)
	h.seedLimit(t, "client-1", "10000", "0")
	h.seedLimit(t, "au-1", "50000", "0")

	key := domain.LimitKey{OwnerID: "client-1", SecurityID: "SEC-1", BusinessDate: h.date}
	require.NoError(t, h.stores.Quarantine.Add(context.Background(), key.String(), "rollback failed", time.Now()))

	result, err := h.validator.Validate(context.Background(), order("100"))
	require.NoError(t, err)
	assert.False(t, result.Approved)
	assert.Equal(t, domain.ReasonQuarantined, result.Reason)
	assert.True(t, h.limit(t, "client-1").ShortSellUsed.IsZero())
}

func TestValidateInputValidation(t *testing.T) {
	h := newHarness(t, 150*time.Millisecond)

	_, err := h.validator.Validate(context.Background(), order("0"))
	assert.True(t, domain.IsClass(err, domain.ClassValidation))

	bad := order("100")
	bad.ClientID = ""
	_, err = h.validator.Validate(context.Background(), bad)
	assert.True(t, domain.IsClass(err, domain.ClassValidation))

	unknown := order("100")
	unknown.SecurityID = "SEC-404"
	_, err = h.validator.Validate(context.Background(), unknown)
	assert.True(t, domain.IsClass(err, domain.ClassValidation))
}

func TestValidateLongSellSide(t *testing.T) {
	h := newHarness(t, 150*time.Millisecond)
	client := &domain.TradingLimit{
		Key:           domain.LimitKey{OwnerID: "client-1", SecurityID: "SEC-1", BusinessDate: h.date},
		LongSellLimit: d("1000"),
		// Short side exhausted; the long side must not be affected by it.
		ShortSellLimit: d("100"),
		ShortSellUsed:  d("100"),
	}
	require.NoError(t, h.stores.Limits.Save(context.Background(), nil, client))
	au := &domain.TradingLimit{
		Key:           domain.LimitKey{OwnerID: "au-1", SecurityID: "SEC-1", BusinessDate: h.date},
		LongSellLimit: d("5000"),
	}
	require.NoError(t, h.stores.Limits.Save(context.Background(), nil, au))

	longSell := order("600")
	longSell.Side = domain.SideLongSell
	result, err := h.validator.Validate(context.Background(), longSell)
	require.NoError(t, err)
	assert.True(t, result.Approved)
	assert.True(t, h.limit(t, "client-1").LongSellUsed.Equal(d("600")))
	assert.True(t, h.limit(t, "client-1").ShortSellUsed.Equal(d("100")))
}
