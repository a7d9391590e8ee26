// Package scheduler fires due reminders and prompts on a polling loop and
// advances persistent background tasks between sessions.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cora-labs/cora/internal/types"
)

// Recurrence grammar: daily | weekdays | weekly | monthly | hourly |
// interval:<N minutes>, N in [1,1440]. window_start/window_end (HH:MM)
// apply only to hourly.

// ValidateRecurrence checks a recurrence expression.
func ValidateRecurrence(r string) error {
	switch r {
	case "", "daily", "weekdays", "weekly", "monthly", "hourly":
		return nil
	}
	if n, ok := parseInterval(r); ok {
		if n < 1 || n > 1440 {
			return types.Contractf("interval minutes must be 1..1440, got %d", n)
		}
		return nil
	}
	return types.Contractf("unknown recurrence %q", r)
}

func parseInterval(r string) (int, bool) {
	rest, ok := strings.CutPrefix(r, "interval:")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}

// NextOccurrence computes the next due time for a recurring item, strictly
// after both the item's current due time and now, preserving the series'
// alignment. Hourly recurrences are clamped into the item's HH:MM window.
func NextOccurrence(it *types.ScheduledItem, now time.Time) (time.Time, error) {
	if err := ValidateRecurrence(it.Recurrence); err != nil {
		return time.Time{}, err
	}
	if it.Recurrence == "" {
		return time.Time{}, types.Contractf("item %s has no recurrence", it.ID)
	}

	next := it.DueAt
	step := func(t time.Time) time.Time {
		switch it.Recurrence {
		case "daily":
			return t.AddDate(0, 0, 1)
		case "weekdays":
			t = t.AddDate(0, 0, 1)
			for t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
				t = t.AddDate(0, 0, 1)
			}
			return t
		case "weekly":
			return t.AddDate(0, 0, 7)
		case "monthly":
			return t.AddDate(0, 1, 0)
		case "hourly":
			return t.Add(time.Hour)
		default:
			n, _ := parseInterval(it.Recurrence)
			return t.Add(time.Duration(n) * time.Minute)
		}
	}

	for !next.After(now) || !next.After(it.DueAt) {
		next = step(next)
	}
	if it.Recurrence == "hourly" {
		return clampToWindow(next, it.WindowStart, it.WindowEnd)
	}
	return next, nil
}

// clampToWindow moves t into the [start, end] HH:MM window: before the
// window snaps to window start, after it rolls to the next day's start.
func clampToWindow(t time.Time, start, end string) (time.Time, error) {
	if start == "" || end == "" {
		return t, nil
	}
	sh, sm, err := parseHHMM(start)
	if err != nil {
		return time.Time{}, err
	}
	eh, em, err := parseHHMM(end)
	if err != nil {
		return time.Time{}, err
	}
	dayStart := time.Date(t.Year(), t.Month(), t.Day(), sh, sm, 0, 0, t.Location())
	dayEnd := time.Date(t.Year(), t.Month(), t.Day(), eh, em, 0, 0, t.Location())

	if t.Before(dayStart) {
		return dayStart, nil
	}
	if t.After(dayEnd) {
		return dayStart.AddDate(0, 0, 1), nil
	}
	return t, nil
}

func parseHHMM(s string) (int, int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, types.Contractf("bad HH:MM window %q", s)
	}
	return h, m, nil
}
