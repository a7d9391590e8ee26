package act

import (
	"sync"
	"time"
)

// Fatigue defaults: activation units available per user inside the rolling
// window, shared across every concurrent loop for that user.
const (
	DefaultFatigueBudget = 2.5
	FatigueWindow        = 30 * time.Minute
)

type spendEntry struct {
	at    time.Time
	units float64
}

// Fatigue is a per-user rolling-window budget on action dispatch.
type Fatigue struct {
	mu     sync.Mutex
	window time.Duration
	budget float64
	spent  map[string][]spendEntry
}

// NewFatigue creates a tracker with the default window and budget.
func NewFatigue() *Fatigue {
	return &Fatigue{
		window: FatigueWindow,
		budget: DefaultFatigueBudget,
		spent:  make(map[string][]spendEntry),
	}
}

// Spend debits units from the user's window. Returns false without
// spending when the remaining budget cannot cover the cost.
func (f *Fatigue) Spend(userID string, units float64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	remaining := f.budget - f.usedLocked(userID)
	if units > remaining {
		return false
	}
	f.spent[userID] = append(f.spent[userID], spendEntry{at: time.Now(), units: units})
	return true
}

// Remaining returns the user's unspent budget in the current window.
func (f *Fatigue) Remaining(userID string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.budget - f.usedLocked(userID)
}

func (f *Fatigue) usedLocked(userID string) float64 {
	cutoff := time.Now().Add(-f.window)
	entries := f.spent[userID]
	kept := entries[:0]
	var used float64
	for _, e := range entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
			used += e.units
		}
	}
	f.spent[userID] = kept
	return used
}
