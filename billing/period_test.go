package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/billing-engine/billing"
)

func TestMonthPeriod_Interval(t *testing.T) {
	// GIVEN: A calendar month
	// WHEN: Its half-open interval is derived
	// THEN: It runs from the first day to the first day of the next month,
	//       including the December-to-January rollover

	feb := billing.MonthPeriod{Year: 2026, Month: time.February}
	iv := feb.Interval()
	assert.Equal(t, billing.Date(2026, time.February, 1), iv.Start)
	assert.Equal(t, billing.Date(2026, time.March, 1), iv.End)

	dec := billing.MonthPeriod{Year: 2026, Month: time.December}
	iv = dec.Interval()
	assert.Equal(t, billing.Date(2027, time.January, 1), iv.End)
}

func TestMonthPeriod_String(t *testing.T) {
	p := billing.MonthPeriod{Year: 2026, Month: time.March}
	assert.Equal(t, "2026-03", p.String())
}

func TestMonthPeriod_Validate(t *testing.T) {
	require.NoError(t, billing.MonthPeriod{Year: 2026, Month: time.June}.Validate())

	for _, p := range []billing.MonthPeriod{
		{Year: 2026, Month: 0},
		{Year: 2026, Month: 13},
		{Year: 1998, Month: time.June},
		{Year: 3000, Month: time.June},
	} {
		assert.Error(t, p.Validate(), "%+v should be invalid", p)
	}
}
