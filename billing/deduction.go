/*
deduction.go - Maintenance overlap deduction

PURPOSE:
  Given a reservation interval and the set of maintenance windows, computes
  billable hours = raw hours - overlapping maintenance hours, floored at
  zero, at calendar-day granularity. Day granularity keeps month-boundary
  attribution exact when a reservation or an invoice period spans multiple
  days.

ALGORITHM:
  1. Partition [S, E) into calendar-day segments.
  2. For each segment, clip every maintenance window to the segment, union
     the clipped pieces, and subtract the union's length.
  3. Segment billable = max(0, segment raw - segment maintenance).
  4. Total billable = sum over segments.

  Unioning before subtracting means two maintenance windows that happen to
  overlap each other deduct their covered time once, not twice. When
  windows are disjoint (the normal case) the union equals the per-window
  sum, so the documented scenarios are unchanged.

INVOICING CONTRACT:
  The deduction amount is retained per segment and in aggregate; the
  invoice line surfaces it as maintenance_deduction_hours rather than
  subtracting it silently.
*/
package billing

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// INTERVAL - Half-open [Start, End) time interval
// =============================================================================

type Interval struct {
	Start time.Time
	End   time.Time
}

// IsEmpty reports whether the interval covers no time.
func (i Interval) IsEmpty() bool { return !i.Start.Before(i.End) }

// Hours returns the interval's length in hours.
func (i Interval) Hours() decimal.Decimal {
	if i.IsEmpty() {
		return decimal.Zero
	}
	return decimal.NewFromFloat(i.End.Sub(i.Start).Hours())
}

// Clip returns the intersection of two intervals. An empty result has
// Start == End.
func (i Interval) Clip(o Interval) Interval {
	start := i.Start
	if o.Start.After(start) {
		start = o.Start
	}
	end := i.End
	if o.End.Before(end) {
		end = o.End
	}
	if end.Before(start) {
		end = start
	}
	return Interval{Start: start, End: end}
}

// Overlaps reports whether two half-open intervals intersect.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

// =============================================================================
// DAY SEGMENTS
// =============================================================================

// DaySegment is the intersection of the reservation interval with one
// calendar day's [00:00, 24:00) boundary.
type DaySegment struct {
	Day              time.Time // midnight UTC
	Interval         Interval
	RawHours         decimal.Decimal
	MaintenanceHours decimal.Decimal
	BillableHours    decimal.Decimal
}

// SplitByDay partitions an interval into calendar-day segments.
func SplitByDay(iv Interval) []DaySegment {
	if iv.IsEmpty() {
		return nil
	}

	var segments []DaySegment
	day := DateOf(iv.Start)
	for day.Before(iv.End) {
		next := day.AddDate(0, 0, 1)
		seg := iv.Clip(Interval{Start: day, End: next})
		if !seg.IsEmpty() {
			segments = append(segments, DaySegment{
				Day:      day,
				Interval: seg,
				RawHours: seg.Hours(),
			})
		}
		day = next
	}
	return segments
}

// =============================================================================
// DEDUCTION
// =============================================================================

// DeductionResult carries the per-day breakdown and the aggregates the
// invoice line needs.
type DeductionResult struct {
	Segments      []DaySegment
	RawHours      decimal.Decimal
	DeductedHours decimal.Decimal
	BillableHours decimal.Decimal
}

// Deduct computes billable hours for interval iv after subtracting the
// overlap with the given maintenance windows.
func Deduct(iv Interval, windows []Interval) DeductionResult {
	result := DeductionResult{
		RawHours:      decimal.Zero,
		DeductedHours: decimal.Zero,
		BillableHours: decimal.Zero,
	}

	for _, seg := range SplitByDay(iv) {
		maintenance := overlapHours(seg.Interval, windows)

		seg.MaintenanceHours = maintenance
		seg.BillableHours = seg.RawHours.Sub(maintenance)
		if seg.BillableHours.IsNegative() {
			seg.BillableHours = decimal.Zero
		}

		result.Segments = append(result.Segments, seg)
		result.RawHours = result.RawHours.Add(seg.RawHours)
		result.DeductedHours = result.DeductedHours.Add(maintenance)
		result.BillableHours = result.BillableHours.Add(seg.BillableHours)
	}

	return result
}

// overlapHours returns the total hours of seg covered by the union of the
// windows clipped to seg.
func overlapHours(seg Interval, windows []Interval) decimal.Decimal {
	var clipped []Interval
	for _, w := range windows {
		c := seg.Clip(w)
		if !c.IsEmpty() {
			clipped = append(clipped, c)
		}
	}
	if len(clipped) == 0 {
		return decimal.Zero
	}

	sort.Slice(clipped, func(i, j int) bool {
		return clipped[i].Start.Before(clipped[j].Start)
	})

	total := decimal.Zero
	current := clipped[0]
	for _, c := range clipped[1:] {
		if c.Start.After(current.End) {
			total = total.Add(current.Hours())
			current = c
			continue
		}
		if c.End.After(current.End) {
			current.End = c.End
		}
	}
	total = total.Add(current.Hours())
	return total
}
