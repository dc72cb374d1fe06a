package domain

import (
	"fmt"
	"time"
)

// DateLayout is the wire and storage format for business dates.
const DateLayout = "2006-01-02"

// Date is a business date in YYYY-MM-DD form. It identifies the trading day
// a record applies to, not the wall-clock date it was written on.
type Date string

// ParseDate validates and normalizes a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return "", fmt.Errorf("invalid business date %q: %w", s, err)
	}
	return Date(t.Format(DateLayout)), nil
}

// DateOf truncates a timestamp to its UTC calendar date.
func DateOf(t time.Time) Date {
	return Date(t.UTC().Format(DateLayout))
}

// Time returns the date at midnight UTC. Invalid dates return the zero time.
func (d Date) Time() time.Time {
	t, err := time.Parse(DateLayout, string(d))
	if err != nil {
		return time.Time{}
	}
	return t
}

// AddDays returns the date shifted by n calendar days.
func (d Date) AddDays(n int) Date {
	return DateOf(d.Time().AddDate(0, 0, n))
}

// DaysUntil returns the number of calendar days from d to other.
// Negative when other precedes d.
func (d Date) DaysUntil(other Date) int {
	return int(other.Time().Sub(d.Time()).Hours() / 24)
}

// IsZero reports whether the date is unset.
func (d Date) IsZero() bool { return d == "" }

func (d Date) String() string { return string(d) }
