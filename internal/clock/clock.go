// Package clock abstracts wall-clock time and per-market business calendars
// so the engines stay deterministic under test.
package clock

import (
	"sync"
	"time"

	"ims/internal/domain"
)

// Clock supplies the current instant and the business date for a market.
type Clock interface {
	Now() time.Time
	Today(market string) domain.Date
	Calendar(market string) *Calendar
}

// Calendar is a per-market business calendar. Weekends plus the configured
// holiday list are non-business days. Settlement offsets count calendar
// days unless the market marks otherwise; SettlementDays is the market's
// standard cycle (T+2 for US/JP/TW by default).
type Calendar struct {
	Market         string
	SettlementDays int
	holidays       map[domain.Date]struct{}
}

// NewCalendar builds a calendar for a market.
func NewCalendar(market string, settlementDays int, holidays []domain.Date) *Calendar {
	set := make(map[domain.Date]struct{}, len(holidays))
	for _, h := range holidays {
		set[h] = struct{}{}
	}
	if settlementDays <= 0 {
		settlementDays = 2
	}
	return &Calendar{Market: market, SettlementDays: settlementDays, holidays: set}
}

// IsBusinessDay reports whether the date is a trading day.
func (c *Calendar) IsBusinessDay(d domain.Date) bool {
	wd := d.Time().Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	_, holiday := c.holidays[d]
	return !holiday
}

// AddBusinessDays shifts a date by n business days (n may be negative).
func (c *Calendar) AddBusinessDays(d domain.Date, n int) domain.Date {
	step := 1
	if n < 0 {
		step = -1
		n = -n
	}
	for n > 0 {
		d = d.AddDays(step)
		if c.IsBusinessDay(d) {
			n--
		}
	}
	return d
}

// WithinBusinessDays reports whether candidate lies within n business days
// of ref in either direction.
func (c *Calendar) WithinBusinessDays(candidate, ref domain.Date, n int) bool {
	low := c.AddBusinessDays(ref, -n)
	high := c.AddBusinessDays(ref, n)
	return candidate >= low && candidate <= high
}

// System is the production clock. Business dates roll at UTC midnight; a
// per-market cutover is a policy concern layered in configuration.
type System struct {
	mu        sync.RWMutex
	calendars map[string]*Calendar
	fallback  *Calendar
}

// NewSystem creates a system clock with the given market calendars.
func NewSystem(calendars []*Calendar) *System {
	s := &System{
		calendars: make(map[string]*Calendar, len(calendars)),
		fallback:  NewCalendar("", 2, nil),
	}
	for _, c := range calendars {
		s.calendars[c.Market] = c
	}
	return s
}

func (s *System) Now() time.Time { return time.Now().UTC() }

func (s *System) Today(market string) domain.Date {
	d := domain.DateOf(s.Now())
	cal := s.Calendar(market)
	// Roll forward to the next trading day when the wall-clock date is a
	// weekend or holiday.
	if !cal.IsBusinessDay(d) {
		d = cal.AddBusinessDays(d, 1)
	}
	return d
}

func (s *System) Calendar(market string) *Calendar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.calendars[market]; ok {
		return c
	}
	return s.fallback
}

// Frozen is a fixed-instant clock for tests.
type Frozen struct {
	mu        sync.Mutex
	now       time.Time
	calendars map[string]*Calendar
	fallback  *Calendar
}

// NewFrozen creates a frozen clock at the given instant.
func NewFrozen(now time.Time) *Frozen {
	return &Frozen{
		now:       now.UTC(),
		calendars: make(map[string]*Calendar),
		fallback:  NewCalendar("", 2, nil),
	}
}

// SetCalendar registers a market calendar on the frozen clock.
func (f *Frozen) SetCalendar(c *Calendar) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calendars[c.Market] = c
}

// Advance moves the frozen instant forward.
func (f *Frozen) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *Frozen) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Frozen) Today(market string) domain.Date {
	return domain.DateOf(f.Now())
}

func (f *Frozen) Calendar(market string) *Calendar {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.calendars[market]; ok {
		return c
	}
	return f.fallback
}
