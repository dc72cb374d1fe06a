package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"ims/internal/domain"
)

func TestIsBusinessDay(t *testing.T) {
	cal := NewCalendar("US", 2, []domain.Date{"2026-09-07"})

	assert.True(t, cal.IsBusinessDay("2026-08-24"), "Monday")
	assert.False(t, cal.IsBusinessDay("2026-08-22"), "Saturday")
	assert.False(t, cal.IsBusinessDay("2026-08-23"), "Sunday")
	assert.False(t, cal.IsBusinessDay("2026-09-07"), "Labor Day holiday")
}

func TestAddBusinessDays(t *testing.T) {
	cal := NewCalendar("US", 2, []domain.Date{"2026-09-07"})

	// Friday + 1 skips the weekend.
	assert.Equal(t, domain.Date("2026-08-24"), cal.AddBusinessDays("2026-08-21", 1))
	// Friday Sep 4 + 1 skips the weekend and the Monday holiday.
	assert.Equal(t, domain.Date("2026-09-08"), cal.AddBusinessDays("2026-09-04", 1))
	// Backwards over a weekend.
	assert.Equal(t, domain.Date("2026-08-21"), cal.AddBusinessDays("2026-08-24", -1))
	assert.Equal(t, domain.Date("2026-08-26"), cal.AddBusinessDays("2026-08-24", 2))
}

func TestWithinBusinessDays(t *testing.T) {
	cal := NewCalendar("US", 2, nil)

	assert.True(t, cal.WithinBusinessDays("2026-08-26", "2026-08-24", 2))
	assert.True(t, cal.WithinBusinessDays("2026-08-21", "2026-08-24", 2), "backwards window")
	assert.False(t, cal.WithinBusinessDays("2026-08-31", "2026-08-24", 2))
}

func TestSystemCalendarFallback(t *testing.T) {
	sys := NewSystem([]*Calendar{NewCalendar("JP", 2, nil)})
	assert.Equal(t, "JP", sys.Calendar("JP").Market)
	assert.Equal(t, "", sys.Calendar("XX").Market, "unknown markets get the fallback calendar")
	assert.Equal(t, 2, sys.Calendar("XX").SettlementDays)
}

func TestFrozenClock(t *testing.T) {
	start := time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC)
	f := NewFrozen(start)
	f.SetCalendar(NewCalendar("US", 2, nil))

	assert.Equal(t, start, f.Now())
	assert.Equal(t, domain.Date("2026-08-24"), f.Today("US"))

	f.Advance(24 * time.Hour)
	assert.Equal(t, domain.Date("2026-08-25"), f.Today("US"))
	assert.Equal(t, "US", f.Calendar("US").Market)
}
