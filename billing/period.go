package billing

import (
	"fmt"
	"time"
)

// =============================================================================
// MONTH PERIOD - One calendar month of billing
// =============================================================================

// MonthPeriod identifies one calendar month. Invoice assembly always runs
// over exactly one month; a reservation spanning a month boundary
// contributes separately to each month it touches.
type MonthPeriod struct {
	Year  int
	Month time.Month
}

// FirstDay returns the first calendar day of the month (midnight UTC).
// This is the reference date for recurring fee lines.
func (p MonthPeriod) FirstDay() time.Time {
	return Date(p.Year, p.Month, 1)
}

// Interval returns the month as a half-open [first, first-of-next) interval.
func (p MonthPeriod) Interval() Interval {
	start := p.FirstDay()
	return Interval{Start: start, End: start.AddDate(0, 1, 0)}
}

// Contains reports whether instant t falls within the month.
func (p MonthPeriod) Contains(t time.Time) bool {
	iv := p.Interval()
	return !t.Before(iv.Start) && t.Before(iv.End)
}

func (p MonthPeriod) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// Validate rejects malformed (year, month) pairs at the API boundary.
func (p MonthPeriod) Validate() error {
	if p.Month < time.January || p.Month > time.December {
		return &ValidationError{Field: "month", Reason: fmt.Sprintf("out of range: %d", int(p.Month))}
	}
	if p.Year < 1999 || p.Year > 2999 {
		return &ValidationError{Field: "year", Reason: fmt.Sprintf("out of range: %d", p.Year)}
	}
	return nil
}
