package position

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ims/internal/clock"
	"ims/internal/database"
	"ims/internal/domain"
	"ims/internal/keylock"
	"ims/internal/metrics"
	"ims/internal/repository"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestEngine(t *testing.T) (*Engine, *repository.Stores) {
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
	return NewEngine(db, stores, keylock.New(), clk, metrics.New(), time.Second), stores
}

func tradeEvent(securityID string, trade *domain.TradePayload) *domain.Event {
	return &domain.Event{
		EventID:      "ev-" + securityID + "-" + trade.Quantity.String(),
		Kind:         domain.EventTrade,
		SubType:      domain.SubtypeTrade,
		BusinessDate: "2026-08-24",
		SecurityID:   securityID,
		Payload:      trade,
	}
}

func TestApplyTradeCreatesPosition(t *testing.T) {
	engine, stores := newTestEngine(t)

	var written []domain.PositionKey
	engine.OnWrite(func(key domain.PositionKey) { written = append(written, key) })

	err := engine.ProcessEvent(context.Background(), tradeEvent("SEC-1", &domain.TradePayload{
		BookID:         "EQUITY-01",
		Quantity:       d("500"),
		SettlementDate: "2026-08-26",
	}))
	require.NoError(t, err)

	key := domain.PositionKey{BookID: "EQUITY-01", SecurityID: "SEC-1", BusinessDate: "2026-08-24"}
	pos, err := engine.GetPosition(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, pos.ContractualQty.Equal(d("500")))
	assert.True(t, pos.Receipt[2].Equal(d("500")), "T+2 settlement lands on ladder day 2")
	assert.True(t, pos.CurrentNetPosition.Equal(d("500")))
	assert.True(t, pos.ProjectedNetPosition.Equal(d("1000")))
	assert.Equal(t, int64(1), pos.Version)
	assert.Equal(t, []domain.PositionKey{key}, written)

	pending, err := stores.Outbox.Unpublished(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.SubtypePositionUpdated, pending[0].Event.SubType)
	assert.Equal(t, "SEC-1", pending[0].Event.SecurityID)
}

func TestApplyTradeSellBooksDelivery(t *testing.T) {
	engine, _ := newTestEngine(t)

	err := engine.ProcessEvent(context.Background(), tradeEvent("SEC-1", &domain.TradePayload{
		BookID:         "EQUITY-01",
		Quantity:       d("-200"),
		SettlementDate: "2026-08-24",
	}))
	require.NoError(t, err)

	pos, err := engine.GetPosition(context.Background(), domain.PositionKey{
		BookID: "EQUITY-01", SecurityID: "SEC-1", BusinessDate: "2026-08-24",
	})
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, pos.ContractualQty.Equal(d("-200")))
	assert.True(t, pos.Deliver[0].Equal(d("200")))
	assert.True(t, pos.NetSettlementToday.Equal(d("-200")))
}

func TestBasketExpansion(t *testing.T) {
	engine, stores := newTestEngine(t)

	require.NoError(t, stores.Securities.Upsert(context.Background(), &domain.Security{
		InternalID:      "BASKET-1",
		Type:            domain.SecurityETF,
		Market:          "US",
		Status:          domain.SecurityActive,
		IsBasketProduct: true,
	}))
	require.NoError(t, stores.Securities.Upsert(context.Background(), &domain.Security{
		InternalID: "SEC-A", Type: domain.SecurityEquity, Market: "US",
		Status: domain.SecurityActive, LotSize: d("100"),
	}))
	require.NoError(t, stores.Securities.Upsert(context.Background(), &domain.Security{
		InternalID: "SEC-B", Type: domain.SecurityEquity, Market: "US",
		Status: domain.SecurityActive, LotSize: d("1"),
	}))
	require.NoError(t, stores.Compositions.Upsert(context.Background(), &domain.IndexComposition{
		ParentSecurityID: "BASKET-1",
		EffectiveDate:    "2026-01-01",
		Constituents: []domain.IndexConstituent{
			{SecurityID: "SEC-A", Weight: d("0.305")},
			{SecurityID: "SEC-B", Weight: d("0.7")},
			{SecurityID: "SEC-C", Weight: d("0.0001")},
		},
	}))

	err := engine.ProcessEvent(context.Background(), tradeEvent("BASKET-1", &domain.TradePayload{
		BookID:         "EQUITY-01",
		Quantity:       d("1000"),
		SettlementDate: "2026-08-26",
		Expand:         true,
	}))
	require.NoError(t, err)

	// 305 rounds to the nearest 100-share lot.
	posA, err := engine.GetPosition(context.Background(), domain.PositionKey{
		BookID: "EQUITY-01", SecurityID: "SEC-A", BusinessDate: "2026-08-24",
	})
	require.NoError(t, err)
	require.NotNil(t, posA)
	assert.True(t, posA.ContractualQty.Equal(d("300")), "got %s", posA.ContractualQty)

	posB, err := engine.GetPosition(context.Background(), domain.PositionKey{
		BookID: "EQUITY-01", SecurityID: "SEC-B", BusinessDate: "2026-08-24",
	})
	require.NoError(t, err)
	require.NotNil(t, posB)
	assert.True(t, posB.ContractualQty.Equal(d("700")))

	// The sliver leg rounds to zero and the parent never gets a record.
	for _, id := range []string{"SEC-C", "BASKET-1"} {
		pos, err := engine.GetPosition(context.Background(), domain.PositionKey{
			BookID: "EQUITY-01", SecurityID: id, BusinessDate: "2026-08-24",
		})
		require.NoError(t, err)
		assert.Nil(t, pos, id)
	}
}

func TestStartOfDayOrdering(t *testing.T) {
	engine, _ := newTestEngine(t)
	key := domain.PositionKey{BookID: "EQUITY-01", SecurityID: "SEC-1", BusinessDate: "2026-08-24"}

	require.NoError(t, engine.ApplyStartOfDay(context.Background(), key, &domain.StartOfDayPayload{
		BookID:     "EQUITY-01",
		SettledQty: d("1000"),
	}))

	// A second snapshot before any intraday activity replaces the first.
	require.NoError(t, engine.ApplyStartOfDay(context.Background(), key, &domain.StartOfDayPayload{
		BookID:     "EQUITY-01",
		SettledQty: d("1100"),
	}))

	require.NoError(t, engine.ProcessEvent(context.Background(), tradeEvent("SEC-1", &domain.TradePayload{
		BookID:         "EQUITY-01",
		Quantity:       d("50"),
		SettlementDate: "2026-08-26",
	})))

	// After intraday activity a replayed snapshot would drop the deltas.
	err := engine.ApplyStartOfDay(context.Background(), key, &domain.StartOfDayPayload{
		BookID:     "EQUITY-01",
		SettledQty: d("1100"),
	})
	require.Error(t, err)
	assert.True(t, domain.IsClass(err, domain.ClassPermanent))

	pos, err := engine.GetPosition(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, pos.SettledQty.Equal(d("1100")))
	assert.True(t, pos.ContractualQty.Equal(d("50")))
}

func TestApplyDelta(t *testing.T) {
	engine, _ := newTestEngine(t)
	key := domain.PositionKey{BookID: "EQUITY-01", SecurityID: "SEC-1", BusinessDate: "2026-08-24"}

	ev := &domain.Event{
		EventID:      "ev-delta",
		Kind:         domain.EventPosition,
		SubType:      domain.SubtypePositionUpdate,
		BusinessDate: "2026-08-24",
		SecurityID:   "SEC-1",
		Payload: &domain.PositionDeltaPayload{
			BookID:         "EQUITY-01",
			SettledDelta:   d("100"),
			ReceiptDelta:   d("40"),
			SettlementDate: "2026-08-25",
			Provenance:     domain.ProvenanceBorrowed,
		},
	}
	require.NoError(t, engine.ProcessEvent(context.Background(), ev))

	pos, err := engine.GetPosition(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, pos.SettledQty.Equal(d("100")))
	assert.True(t, pos.Receipt[1].Equal(d("40")))
	assert.Equal(t, domain.ProvenanceBorrowed, pos.Provenance)
}

func TestQuarantinedKeyRefusesWrites(t *testing.T) {
	engine, stores := newTestEngine(t)
	key := domain.PositionKey{BookID: "EQUITY-01", SecurityID: "SEC-1", BusinessDate: "2026-08-24"}
	require.NoError(t, stores.Quarantine.Add(context.Background(), key.String(), "operator hold", time.Now()))

	err := engine.ProcessEvent(context.Background(), tradeEvent("SEC-1", &domain.TradePayload{
		BookID:         "EQUITY-01",
		Quantity:       d("500"),
		SettlementDate: "2026-08-26",
	}))
	require.Error(t, err)
	assert.True(t, domain.IsClass(err, domain.ClassQuarantine))

	_, err = engine.GetPosition(context.Background(), key)
	assert.Error(t, err, "quarantine blocks reads too")
}

func TestRolloverStartOfDay(t *testing.T) {
	engine, stores := newTestEngine(t)
	ctx := context.Background()

	// Friday's close, rolling into Monday: three calendar days pass, so
	// ladder days 0-2 settle and the remaining slots shift down.
	prior := domain.NewPosition(domain.PositionKey{
		BookID: "EQUITY-01", SecurityID: "SEC-1", BusinessDate: "2026-08-21",
	})
	prior.SettledQty = d("1000")
	prior.ContractualQty = d("500")
	prior.Receipt[0] = d("200")
	prior.Receipt[1] = d("100")
	prior.Deliver[2] = d("50")
	prior.Receipt[3] = d("70")
	prior.Receipt[4] = d("30")
	prior.IsHypothecatable = true
	require.NoError(t, stores.Positions.Save(ctx, nil, prior))

	count, err := engine.RolloverStartOfDay(ctx, "EQUITY-01", "2026-08-24")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	rolled, err := engine.GetPosition(ctx, domain.PositionKey{
		BookID: "EQUITY-01", SecurityID: "SEC-1", BusinessDate: "2026-08-24",
	})
	require.NoError(t, err)
	require.NotNil(t, rolled)
	// 200 + 100 - 50 = 250 moved from contractual into settled.
	assert.True(t, rolled.SettledQty.Equal(d("1250")), "got %s", rolled.SettledQty)
	assert.True(t, rolled.ContractualQty.Equal(d("250")), "got %s", rolled.ContractualQty)
	assert.True(t, rolled.Receipt[0].Equal(d("70")), "day-3 slot shifts to day 0")
	assert.True(t, rolled.Receipt[1].Equal(d("30")))
	assert.True(t, rolled.Receipt[2].IsZero())
	assert.True(t, rolled.CurrentNetPosition.Equal(d("1500")), "net carries over unchanged")
	assert.True(t, rolled.IsStartOfDay)
	assert.True(t, rolled.IsHypothecatable)
}

func TestRolloverSkipsIntradayActivity(t *testing.T) {
	engine, stores := newTestEngine(t)
	ctx := context.Background()

	for _, sec := range []string{"SEC-1", "SEC-2"} {
		prior := domain.NewPosition(domain.PositionKey{
			BookID: "EQUITY-01", SecurityID: sec, BusinessDate: "2026-08-21",
		})
		prior.SettledQty = d("1000")
		require.NoError(t, stores.Positions.Save(ctx, nil, prior))
	}

	// SEC-2 already traded on the target date; rolling over it would
	// discard the intraday delta.
	require.NoError(t, engine.ProcessEvent(ctx, tradeEvent("SEC-2", &domain.TradePayload{
		BookID:         "EQUITY-01",
		Quantity:       d("75"),
		SettlementDate: "2026-08-26",
	})))

	count, err := engine.RolloverStartOfDay(ctx, "EQUITY-01", "2026-08-24")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "only the untouched key rolls")

	kept, err := engine.GetPosition(ctx, domain.PositionKey{
		BookID: "EQUITY-01", SecurityID: "SEC-2", BusinessDate: "2026-08-24",
	})
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.True(t, kept.ContractualQty.Equal(d("75")), "intraday trade survives")
	assert.False(t, kept.IsStartOfDay)
}

func TestUnknownPayloadIsPermanent(t *testing.T) {
	engine, _ := newTestEngine(t)
	err := engine.ProcessEvent(context.Background(), &domain.Event{
		EventID:      "ev-x",
		Kind:         domain.EventMarket,
		SubType:      domain.SubtypePriceUpdate,
		BusinessDate: "2026-08-24",
		SecurityID:   "SEC-1",
		Payload:      nil,
	})
	require.Error(t, err)
	assert.True(t, domain.IsClass(err, domain.ClassPermanent))
}
