// Package schedule computes next-occurrence instants for recurring reminders.
//
// All date arithmetic happens in a fixed UTC+5 wall clock (PKT). Inputs and
// outputs are UTC instants; the zone conversion is internal.
package schedule

import (
	"fmt"
	"time"
)

// Local is the fixed delivery timezone. Reminders are authored against PKT
// wall-clock times; there is no per-reminder timezone.
var Local = time.FixedZone("PKT", 5*60*60)

// ParseTimeOfDay parses a "HH:MM" wall-clock string.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	if _, perr := time.Parse("15:04", s); perr != nil {
		return 0, 0, fmt.Errorf("time must be HH:MM, got %q", s)
	}
	_, _ = fmt.Sscanf(s, "%d:%d", &hour, &minute)
	return hour, minute, nil
}

// NextDaily returns the next weekday occurrence after now: one local calendar
// day forward at timeOfDay, with Saturday pushed to Monday (+2) and Sunday to
// Monday (+1). Daily reminders therefore fire Monday through Friday only.
func NextDaily(now time.Time, timeOfDay string) (time.Time, error) {
	hour, minute, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(Local)
	next := time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, Local)
	switch next.Weekday() {
	case time.Saturday:
		next = next.AddDate(0, 0, 2)
	case time.Sunday:
		next = next.AddDate(0, 0, 1)
	}
	return next.UTC(), nil
}

// FirstDaily returns the first Monday-Friday occurrence of timeOfDay strictly
// after now. Used when a daily reminder is created without an explicit
// schedule_at.
func FirstDaily(now time.Time, timeOfDay string) (time.Time, error) {
	hour, minute, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(Local)
	cand := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, Local)
	if !cand.After(local) {
		cand = cand.AddDate(0, 0, 1)
	}
	for cand.Weekday() == time.Saturday || cand.Weekday() == time.Sunday {
		cand = cand.AddDate(0, 0, 1)
	}
	return cand.UTC(), nil
}

// FirstWeekly returns the first occurrence of timeOfDay on dayOfWeek
// (Sunday=0) strictly after now.
func FirstWeekly(now time.Time, dayOfWeek int, timeOfDay string) (time.Time, error) {
	hour, minute, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return time.Time{}, err
	}
	if dayOfWeek < 0 || dayOfWeek > 6 {
		return time.Time{}, fmt.Errorf("day of week must be 0-6, got %d", dayOfWeek)
	}
	local := now.In(Local)
	cand := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, Local)
	for int(cand.Weekday()) != dayOfWeek || !cand.After(local) {
		cand = cand.AddDate(0, 0, 1)
	}
	return cand.UTC(), nil
}

// NextWeekly returns the occurrence exactly seven local calendar days after
// now, at timeOfDay. The weekday is not re-derived from the reminder's
// configured day: if schedule_at ever disagreed with day_of_week, the drift
// carries forward unchanged.
func NextWeekly(now time.Time, timeOfDay string) (time.Time, error) {
	hour, minute, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(Local)
	next := time.Date(local.Year(), local.Month(), local.Day()+7, hour, minute, 0, 0, Local)
	return next.UTC(), nil
}
