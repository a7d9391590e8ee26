// Package ephemeral is the in-memory store for short-lived state: working
// memory rings, gists, facts, and per-thread detector state. Entries expire
// on TTL and are reaped by a periodic sweep.
package ephemeral

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cora-labs/cora/internal/types"
)

// TTLs for each layer.
const (
	GistTTL    = 30 * time.Minute
	FactTTL    = 24 * time.Hour
	WorkingTTL = 24 * time.Hour
	StateTTL   = 24 * time.Hour

	// WorkingTurns is the ring size per thread.
	WorkingTurns = 4

	// gistMergeWindow: gists with identical content inside this window
	// merge instead of duplicating.
	gistMergeWindow = 5 * time.Minute
)

// Store holds all ephemeral state for the process.
type Store struct {
	mu      sync.RWMutex
	working map[string][]types.Turn // thread_id -> ring of last N turns
	gists   []gistEntry
	facts   map[string]factEntry
	state   map[string]stateEntry
}

type gistEntry struct {
	gist    types.Gist
	expires time.Time
}

type factEntry struct {
	fact    types.Fact
	expires time.Time
}

type stateEntry struct {
	value   any
	expires time.Time
}

// New creates an empty ephemeral store.
func New() *Store {
	return &Store{
		working: make(map[string][]types.Turn),
		facts:   make(map[string]factEntry),
		state:   make(map[string]stateEntry),
	}
}

// PushTurn appends a turn to a thread's working memory ring, evicting the
// oldest once the ring holds WorkingTurns entries.
func (s *Store) PushTurn(threadID string, turn types.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	ring := append(s.working[threadID], turn)
	if len(ring) > WorkingTurns {
		ring = ring[len(ring)-WorkingTurns:]
	}
	s.working[threadID] = ring
}

// Recent returns up to n most recent turns for a thread, oldest first.
func (s *Store) Recent(threadID string, n int) []types.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ring := s.working[threadID]
	if n <= 0 || n > len(ring) {
		n = len(ring)
	}
	out := make([]types.Turn, n)
	copy(out, ring[len(ring)-n:])
	return out
}

// StoreGist stores a gist. A gist with identical content stored within the
// merge window reinforces the existing entry, keeping the max confidence.
func (s *Store) StoreGist(g types.Gist) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	for i := range s.gists {
		existing := &s.gists[i]
		if existing.gist.Content == g.Content &&
			g.CreatedAt.Sub(existing.gist.CreatedAt) < gistMergeWindow {
			if g.Confidence > existing.gist.Confidence {
				existing.gist.Confidence = g.Confidence
			}
			existing.expires = g.CreatedAt.Add(GistTTL)
			return
		}
	}
	s.gists = append(s.gists, gistEntry{gist: g, expires: g.CreatedAt.Add(GistTTL)})
}

// SearchGists returns up to limit unexpired gists matching query, best
// match first. Matching is keyword overlap against gist content.
func (s *Store) SearchGists(query string, limit int) []types.Gist {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	type scored struct {
		gist  types.Gist
		score float64
	}
	var candidates []scored
	for _, e := range s.gists {
		if now.After(e.expires) {
			continue
		}
		score := keywordOverlap(query, e.gist.Content)
		if score > 0 || query == "" {
			candidates = append(candidates, scored{gist: e.gist, score: score})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].gist.CreatedAt.After(candidates[j].gist.CreatedAt)
	})

	if limit <= 0 || limit > len(candidates) {
		limit = len(candidates)
	}
	out := make([]types.Gist, limit)
	for i := 0; i < limit; i++ {
		out[i] = candidates[i].gist
	}
	return out
}

// StoreFact upserts a fact by key. Confidence is required; idempotent on key.
func (s *Store) StoreFact(f types.Fact) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	f.Key = snakeCase(f.Key)
	s.facts[f.Key] = factEntry{fact: f, expires: f.CreatedAt.Add(FactTTL)}
}

// GetFact returns the fact stored under key, if present and unexpired.
func (s *Store) GetFact(key string) (types.Fact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.facts[snakeCase(key)]
	if !ok || time.Now().After(e.expires) {
		return types.Fact{}, false
	}
	return e.fact, true
}

// SearchFacts returns up to limit unexpired facts matching query.
func (s *Store) SearchFacts(query string, limit int) []types.Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	type scored struct {
		fact  types.Fact
		score float64
	}
	var candidates []scored
	for _, e := range s.facts {
		if now.After(e.expires) {
			continue
		}
		score := keywordOverlap(query, e.fact.Key+" "+e.fact.Value)
		if score > 0 || query == "" {
			candidates = append(candidates, scored{fact: e.fact, score: score})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].fact.Key < candidates[j].fact.Key
	})

	if limit <= 0 || limit > len(candidates) {
		limit = len(candidates)
	}
	out := make([]types.Fact, limit)
	for i := 0; i < limit; i++ {
		out[i] = candidates[i].fact
	}
	return out
}

// FactCount returns the number of unexpired facts.
func (s *Store) FactCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	count := 0
	for _, e := range s.facts {
		if !now.After(e.expires) {
			count++
		}
	}
	return count
}

// SetState stores arbitrary component state under key with the default
// state TTL (used for per-thread boundary-detector state).
func (s *Store) SetState(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[key] = stateEntry{value: value, expires: time.Now().Add(StateTTL)}
}

// GetState returns the state stored under key, if present and unexpired.
func (s *Store) GetState(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.state[key]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.value, true
}

// Sweep removes expired entries. Returns the number removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0

	var gists []gistEntry
	for _, e := range s.gists {
		if now.After(e.expires) {
			removed++
			continue
		}
		gists = append(gists, e)
	}
	s.gists = gists

	for k, e := range s.facts {
		if now.After(e.expires) {
			delete(s.facts, k)
			removed++
		}
	}
	for k, e := range s.state {
		if now.After(e.expires) {
			delete(s.state, k)
			removed++
		}
	}
	return removed
}

// keywordOverlap counts how many query words occur in text (lowercased).
func keywordOverlap(query, text string) float64 {
	if query == "" {
		return 0
	}
	textLower := strings.ToLower(text)
	matches := 0
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if len(w) < 3 {
			continue
		}
		if strings.Contains(textLower, w) {
			matches++
		}
	}
	return float64(matches)
}

// snakeCase normalizes a fact key: lowercase, spaces and dashes to
// underscores.
func snakeCase(key string) string {
	key = strings.TrimSpace(strings.ToLower(key))
	key = strings.ReplaceAll(key, " ", "_")
	key = strings.ReplaceAll(key, "-", "_")
	return key
}
