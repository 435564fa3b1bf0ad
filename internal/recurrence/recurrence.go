// Package recurrence computes the next occurrence of a recurring task.
// NextRun is a pure function of its inputs and never reads the clock.
package recurrence

import (
	"errors"
	"fmt"
	"time"

	"github.com/t77yq/task-scheduler/internal/model"
)

// ErrInvalidPattern is returned for an unrecognized recurrence pattern
var ErrInvalidPattern = errors.New("invalid recurrence pattern")

// NextRun returns the run time following from for the given pattern.
// The result is always strictly after from.
//
// Monthly advances the calendar month and clamps the day-of-month to the
// last valid day of the target month, so Jan 31 yields Feb 28 (or Feb 29
// in a leap year) rather than overflowing into March.
func NextRun(pattern model.RecurrencePattern, from time.Time) (time.Time, error) {
	from = from.UTC()

	switch pattern {
	case model.RecurrenceDaily:
		return from.Add(24 * time.Hour), nil
	case model.RecurrenceWeekly:
		return from.Add(7 * 24 * time.Hour), nil
	case model.RecurrenceMonthly:
		return nextMonth(from), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
}

// Valid reports whether pattern is a recognized recurrence pattern
func Valid(pattern model.RecurrencePattern) bool {
	switch pattern {
	case model.RecurrenceDaily, model.RecurrenceWeekly, model.RecurrenceMonthly:
		return true
	}
	return false
}

func nextMonth(from time.Time) time.Time {
	year, month, day := from.Date()
	month++
	if month > time.December {
		month = time.January
		year++
	}

	if last := lastDayOfMonth(year, month); day > last {
		day = last
	}

	return time.Date(year, month, day,
		from.Hour(), from.Minute(), from.Second(), from.Nanosecond(), time.UTC)
}

func lastDayOfMonth(year int, month time.Month) int {
	// Day zero of the following month normalizes to the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
