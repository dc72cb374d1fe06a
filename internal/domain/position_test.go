package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestPositionRecalculate(t *testing.T) {
	pos := NewPosition(PositionKey{
		BookID:       "EQUITY-01",
		SecurityID:   "SEC-1",
		BusinessDate: "2026-08-24",
	})
	pos.SettledQty = d("1000")
	pos.ContractualQty = d("-300")
	pos.Receipt[0] = d("200")
	pos.Receipt[2] = d("50")
	pos.Deliver[0] = d("120")
	pos.Deliver[4] = d("30")

	pos.Recalculate("2026-08-24")

	assert.True(t, pos.NetSettlementToday.Equal(d("80")), "receipt[0] - deliver[0]")
	assert.True(t, pos.TotalReceipts.Equal(d("250")))
	assert.True(t, pos.TotalDeliveries.Equal(d("150")))
	assert.True(t, pos.ProjectedSettledQty.Equal(d("1080")))
	assert.True(t, pos.CurrentNetPosition.Equal(d("700")))
	assert.True(t, pos.ProjectedNetPosition.Equal(d("800")))
	assert.Equal(t, CalcValid, pos.CalculationStatus)
	assert.Equal(t, Date("2026-08-24"), pos.CalculationDate)
}

func TestSettlementLadderWindow(t *testing.T) {
	pos := NewPosition(PositionKey{
		BookID:       "EQUITY-01",
		SecurityID:   "SEC-1",
		BusinessDate: "2026-08-24",
	})
	ladder := pos.Ladder()

	ladder.AddReceipt("2026-08-26", d("100"))
	assert.True(t, pos.Receipt[2].Equal(d("100")))

	// Outside the five-day window in both directions: silently dropped.
	ladder.AddReceipt("2026-08-29", d("999"))
	ladder.AddDelivery("2026-08-23", d("999"))
	for i := 0; i < LadderDepth; i++ {
		assert.True(t, pos.Deliver[i].IsZero(), "slot %d", i)
	}

	assert.True(t, ladder.NetForDay(2).Equal(d("100")))
	assert.True(t, ladder.NetForDay(-1).IsZero())
	assert.True(t, ladder.NetForDay(LadderDepth).IsZero())
	assert.Equal(t, Date("2026-08-28"), ladder.SettlementDateForDay(4))
}

func TestLocateTransitions(t *testing.T) {
	req := &LocateRequest{State: LocatePending}
	assert.True(t, req.CanTransition(LocateApproved))
	assert.True(t, req.CanTransition(LocateRejected))
	assert.True(t, req.CanTransition(LocateCancelled))
	assert.False(t, req.CanTransition(LocateExpired))

	req.State = LocateApproved
	assert.True(t, req.CanTransition(LocateExpired))
	assert.False(t, req.CanTransition(LocateRejected))

	req.State = LocateRejected
	assert.False(t, req.CanTransition(LocateApproved))
	assert.False(t, req.CanTransition(LocateExpired))
}

func TestAvailabilityInvariants(t *testing.T) {
	av := &InventoryAvailability{
		Key: AvailabilityKey{
			SecurityID:      "SEC-1",
			CalculationType: CalcLocate,
			BusinessDate:    "2026-08-24",
		},
		GrossQuantity:     d("1000"),
		AvailableQuantity: d("800"),
		ReservedQuantity:  d("200"),
	}
	require.NoError(t, av.CheckInvariants())

	av.ReservedQuantity = d("300")
	assert.Error(t, av.CheckInvariants(), "available + reserved above gross")

	av.ReservedQuantity = d("0")
	av.AvailableQuantity = d("-1")
	assert.Error(t, av.CheckInvariants())
}

func TestErrorClassification(t *testing.T) {
	assert.Equal(t, ClassValidation, Classify(NewValidation("bad input")))
	assert.Equal(t, ClassConflict, Classify(NewConflict("stale", nil)))
	assert.Equal(t, ClassTimeout, Classify(NewTimeout("deadline")))
	assert.Equal(t, ClassQuarantine, Classify(NewQuarantine("rollback failed")))

	// Unclassified errors default to Transient so they get retried.
	assert.Equal(t, ClassTransient, Classify(assert.AnError))
	assert.Equal(t, ErrorClass(""), Classify(nil))

	wrapped := NewPermanent("outer", NewValidation("inner"))
	assert.Equal(t, ClassPermanent, Classify(wrapped))
	assert.True(t, IsClass(wrapped, ClassPermanent))
}

func TestEventRoundTrip(t *testing.T) {
	ev := &Event{
		EventID:      "ev-1",
		Kind:         EventTrade,
		SubType:      SubtypeTrade,
		BusinessDate: "2026-08-24",
		SecurityID:   "SEC-1",
		Payload: &TradePayload{
			BookID:         "EQUITY-01",
			Quantity:       d("500"),
			SettlementDate: "2026-08-26",
		},
	}

	raw, err := ev.MarshalJSON()
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, decoded.UnmarshalJSON(raw))
	trade, ok := decoded.Payload.(*TradePayload)
	require.True(t, ok)
	assert.Equal(t, "EQUITY-01", trade.BookID)
	assert.True(t, trade.Quantity.Equal(d("500")))
}
