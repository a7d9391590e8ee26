package scheduler

import (
	"testing"
	"time"

	"github.com/cora-labs/cora/internal/types"
)

func TestValidateRecurrence(t *testing.T) {
	valid := []string{"", "daily", "weekdays", "weekly", "monthly", "hourly", "interval:1", "interval:90", "interval:1440"}
	for _, r := range valid {
		if err := ValidateRecurrence(r); err != nil {
			t.Errorf("ValidateRecurrence(%q) = %v, want nil", r, err)
		}
	}
	invalid := []string{"yearly", "interval:0", "interval:1441", "interval:abc", "interval:", "every tuesday"}
	for _, r := range invalid {
		if err := ValidateRecurrence(r); err == nil {
			t.Errorf("ValidateRecurrence(%q) accepted", r)
		}
	}
}

func mustNext(t *testing.T, it *types.ScheduledItem, now time.Time) time.Time {
	t.Helper()
	next, err := NextOccurrence(it, now)
	if err != nil {
		t.Fatalf("NextOccurrence: %v", err)
	}
	return next
}

func TestNextOccurrenceDaily(t *testing.T) {
	due := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) // Monday
	it := &types.ScheduledItem{DueAt: due, Recurrence: "daily"}

	next := mustNext(t, it, due.Add(time.Minute))
	if want := due.AddDate(0, 0, 1); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	// fired late: next still lands after now, keeping the 09:00 alignment
	next = mustNext(t, it, due.AddDate(0, 0, 3).Add(time.Hour))
	if want := due.AddDate(0, 0, 4); !next.Equal(want) {
		t.Errorf("late next = %v, want %v", next, want)
	}
}

func TestNextOccurrenceIsStrictlyLater(t *testing.T) {
	due := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for _, r := range []string{"daily", "weekdays", "weekly", "monthly", "hourly", "interval:30"} {
		it := &types.ScheduledItem{DueAt: due, Recurrence: r}
		// now well before due: next must still move past the current due time
		next := mustNext(t, it, due.Add(-48*time.Hour))
		if !next.After(due) {
			t.Errorf("%s: next %v not after due %v", r, next, due)
		}
	}
}

func TestNextOccurrenceWeekdaysSkipsWeekend(t *testing.T) {
	friday := time.Date(2026, 3, 6, 17, 0, 0, 0, time.UTC)
	it := &types.ScheduledItem{DueAt: friday, Recurrence: "weekdays"}
	next := mustNext(t, it, friday.Add(time.Minute))
	if next.Weekday() != time.Monday {
		t.Errorf("next after Friday = %v (%s), want Monday", next, next.Weekday())
	}
	if want := friday.AddDate(0, 0, 3); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextOccurrenceMonthly(t *testing.T) {
	due := time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)
	it := &types.ScheduledItem{DueAt: due, Recurrence: "monthly"}
	next := mustNext(t, it, due.Add(time.Second))
	if want := time.Date(2026, 2, 15, 8, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextOccurrenceHourlyWindow(t *testing.T) {
	due := time.Date(2026, 3, 2, 16, 30, 0, 0, time.UTC)
	it := &types.ScheduledItem{
		DueAt:       due,
		Recurrence:  "hourly",
		WindowStart: "09:00",
		WindowEnd:   "17:00",
	}

	// 17:30 falls past the window: rolls to the next day's window start
	next := mustNext(t, it, due.Add(time.Minute))
	if want := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	// inside the window: untouched
	it.DueAt = time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	next = mustNext(t, it, it.DueAt.Add(time.Minute))
	if want := time.Date(2026, 3, 2, 11, 30, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("in-window next = %v, want %v", next, want)
	}
}

func TestNextOccurrenceInterval(t *testing.T) {
	due := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	it := &types.ScheduledItem{DueAt: due, Recurrence: "interval:45"}
	next := mustNext(t, it, due)
	if want := due.Add(45 * time.Minute); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextOccurrenceRequiresRecurrence(t *testing.T) {
	it := &types.ScheduledItem{DueAt: time.Now()}
	if _, err := NextOccurrence(it, time.Now()); err == nil {
		t.Error("one-shot item produced a next occurrence")
	}
}

func TestBadWindowRejected(t *testing.T) {
	it := &types.ScheduledItem{
		DueAt:       time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC),
		Recurrence:  "hourly",
		WindowStart: "25:00",
		WindowEnd:   "17:00",
	}
	if _, err := NextOccurrence(it, it.DueAt.Add(time.Minute)); err == nil {
		t.Error("bad HH:MM window accepted")
	}
}
