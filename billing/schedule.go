/*
schedule.go - Time accounting for reservations

PURPOSE:
  Translates a reservation's (start date, block count) into a concrete
  start instant, nominal end instant, and a capped end instant. Pure
  functions: no clock reads, no side effects, deterministic.

SCHEDULING RULES (fixed, not configurable):
  - Start instant = 16:00 on the start date.
  - Block length = 12 hours; nominal end = start + 12 x blocks hours.
  - End cap: if the nominal end's clock time is strictly later than 09:00,
    the end is truncated back to 09:00 of that same calendar day.

  With a 16:00 start, odd block counts land at 04:00 (kept) and even block
  counts land at 16:00 (truncated to 09:00). The resulting table:

    blocks  nominal  billable  ends
    1       12h      12h       04:00 next day
    2       24h      17h       09:00 next day
    3       36h      36h       04:00 two days later
    4       48h      41h       09:00 two days later
    6       72h      65h       09:00 three days later

BLOCK BOUNDS:
  Block counts outside [1, 14] are a validation error, never a computed
  zero.
*/
package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SCHEDULING CONSTANTS
// =============================================================================

const (
	// CheckInHour is the local start time of every reservation.
	CheckInHour = 16

	// CheckOutHour is the cap applied to end instants that run past it.
	CheckOutHour = 9

	// BlockHours is the fixed length of one reservation block.
	BlockHours = 12

	// MinBlocks and MaxBlocks bound the block count of a reservation.
	MinBlocks = 1
	MaxBlocks = 14
)

// =============================================================================
// BOOKING SCHEDULE - Derived start/end instants
// =============================================================================

// BookingSchedule is the concrete timing derived from (start date, blocks).
type BookingSchedule struct {
	Start      time.Time
	NominalEnd time.Time
	End        time.Time // nominal end after the 09:00 cap

	// RawHours is (End - Start) in hours, before maintenance deduction.
	RawHours decimal.Decimal
}

// Interval returns the effective [Start, End) interval.
func (b BookingSchedule) Interval() Interval {
	return Interval{Start: b.Start, End: b.End}
}

// ComputeSchedule derives the booking schedule for a reservation.
// startDate is interpreted as a calendar date; its time-of-day is ignored.
func ComputeSchedule(startDate time.Time, blocks int) (BookingSchedule, error) {
	if blocks < MinBlocks || blocks > MaxBlocks {
		return BookingSchedule{}, &ValidationError{
			Field:  "blocks",
			Reason: fmt.Sprintf("must be between %d and %d, got %d", MinBlocks, MaxBlocks, blocks),
		}
	}

	day := DateOf(startDate)
	start := day.Add(CheckInHour * time.Hour)
	nominal := start.Add(time.Duration(blocks) * BlockHours * time.Hour)
	end := capEnd(nominal)

	hours := decimal.NewFromFloat(end.Sub(start).Hours())

	return BookingSchedule{
		Start:      start,
		NominalEnd: nominal,
		End:        end,
		RawHours:   hours,
	}, nil
}

// capEnd truncates an end instant to 09:00 of its own calendar day when
// its clock time runs strictly past 09:00. Ends at or before 09:00 keep
// their nominal instant.
func capEnd(nominal time.Time) time.Time {
	clock := nominal.Hour()*60 + nominal.Minute()
	if clock > CheckOutHour*60 {
		return DateOf(nominal).Add(CheckOutHour * time.Hour)
	}
	return nominal
}
