// Package recurrence computes the next execution instant for a recurring
// schedule. It is pure: no state, deterministic for identical inputs.
package recurrence

import (
	"time"

	"postflow/internal/domain"
)

// Next returns the instant of execution number executionCount+1 for the
// pattern anchored at base, and whether the recurrence still has one.
//
// Daily advances interval days per occurrence, weekly interval weeks,
// monthly interval calendar months with the day-of-month clamped to the
// target month's last day (Jan 31 -> Feb 28/29, back to the 31st in March).
// Custom patterns are not handled here; the registry advances them from
// their cron expression.
//
// The recurrence is exhausted when executionCount has reached the pattern's
// max occurrences or the computed instant falls past its end date.
func Next(base time.Time, p domain.RecurringPattern, executionCount int) (time.Time, bool) {
	if p.MaxOccurrences > 0 && executionCount >= p.MaxOccurrences {
		return time.Time{}, false
	}

	interval := p.Interval
	if interval < 1 {
		interval = 1
	}
	steps := interval * (executionCount + 1)

	var next time.Time
	switch p.Type {
	case domain.PatternDaily:
		next = base.AddDate(0, 0, steps)
	case domain.PatternWeekly:
		next = base.AddDate(0, 0, 7*steps)
	case domain.PatternMonthly:
		next = addMonthsClamped(base, steps)
	default:
		return time.Time{}, false
	}

	if p.EndDate != nil && next.After(*p.EndDate) {
		return time.Time{}, false
	}
	return next, true
}

// addMonthsClamped advances base by months whole calendar months. Unlike
// time.AddDate it never rolls into the following month: the base day is
// clamped to the target month's last day, anchored on the base day so a
// schedule on the 31st returns to the 31st whenever the month allows it.
func addMonthsClamped(base time.Time, months int) time.Time {
	year, month, day := base.Date()
	m := int(month) + months
	year += (m - 1) / 12
	m = (m-1)%12 + 1

	if last := lastDayOfMonth(year, time.Month(m)); day > last {
		day = last
	}
	h, min, sec := base.Clock()
	return time.Date(year, time.Month(m), day, h, min, sec, base.Nanosecond(), base.Location())
}

func lastDayOfMonth(year int, month time.Month) int {
	// Day 0 of the following month.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
