// Package delivery implements the scheduled delivery engine: the daily
// trigger, the per-cycle dispatch algorithm and the bounded retry of
// failed records.
package delivery

import "time"

// DayStart truncates t to midnight of its calendar date in loc.
func DayStart(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// NextRun returns the next occurrence of hour:minute in loc strictly
// after now.
func NextRun(now time.Time, hour, minute int, loc *time.Location) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
