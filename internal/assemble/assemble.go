// Package assemble merges retrieval results from every memory layer into a
// single context snapshot under a token budget. Layers are queried in
// parallel; each gets a fixed share of the budget and no layer that returned
// results is starved completely.
package assemble

import (
	"context"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cora-labs/cora/internal/ephemeral"
	"github.com/cora-labs/cora/internal/logging"
	"github.com/cora-labs/cora/internal/store"
	"github.com/cora-labs/cora/internal/types"
)

// Budget shares per layer, fractions of the total token budget.
const (
	ShareWorking  = 0.20
	ShareGists    = 0.15
	ShareFacts    = 0.10
	ShareEpisodes = 0.30
	ShareConcepts = 0.25
)

// DefaultBudget is the token budget when the caller does not set one.
const DefaultBudget = 2000

// activationDepth bounds spreading activation from retrieved concepts.
const activationDepth = 2

// Snapshot is the assembled, read-only context for one exchange.
type Snapshot struct {
	Topic string
	Query string

	Turns    []types.Turn
	Gists    []types.Gist
	Facts    []types.Fact
	Episodes []store.ScoredEpisode
	Concepts []store.ScoredConcept

	Budget int
}

// Warmth is a 0..1 signal of how much local context exists for the topic:
// saturating in the density of retrieved gists, facts, episodes and turns.
func (s *Snapshot) Warmth() float64 {
	density := float64(len(s.Gists)+len(s.Facts)+len(s.Turns)) + 2*float64(len(s.Episodes))
	return 1 - math.Exp(-0.25*density)
}

// MemoryConfidence averages the confidence/score of everything retrieved.
func (s *Snapshot) MemoryConfidence() float64 {
	var sum float64
	var n int
	for _, g := range s.Gists {
		sum += g.Confidence
		n++
	}
	for _, f := range s.Facts {
		sum += f.Confidence
		n++
	}
	for _, e := range s.Episodes {
		sum += e.Score
		n++
	}
	for _, c := range s.Concepts {
		sum += c.Score
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Assembler retrieves from the ephemeral layers and the persistent store.
type Assembler struct {
	eph *ephemeral.Store
	db  *store.DB
}

// New creates an assembler over the two stores.
func New(eph *ephemeral.Store, db *store.DB) *Assembler {
	return &Assembler{eph: eph, db: db}
}

// Assemble retrieves candidates from all layers in parallel and trims each
// layer to its budget share. Ordering within a layer is score descending,
// then created_at descending, so repeated calls over the same state yield
// the same snapshot.
func (a *Assembler) Assemble(ctx context.Context, threadID, topic, query string, queryEmb []float32, budget int) (*Snapshot, error) {
	if budget <= 0 {
		budget = DefaultBudget
	}
	snap := &Snapshot{Topic: topic, Query: query, Budget: budget}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		snap.Turns = a.eph.Recent(threadID, ephemeral.WorkingTurns)
		return nil
	})
	g.Go(func() error {
		snap.Gists = a.eph.SearchGists(query, 10)
		return nil
	})
	g.Go(func() error {
		snap.Facts = a.eph.SearchFacts(query, 10)
		return nil
	})
	g.Go(func() error {
		episodes, err := a.db.SearchEpisodes(query, queryEmb, 8)
		if err != nil {
			logging.Warn("assemble", "episode retrieval: %v", err)
			return nil // degraded, not fatal
		}
		snap.Episodes = episodes
		return nil
	})
	g.Go(func() error {
		concepts, err := a.db.SearchConcepts(queryEmb, 8)
		if err != nil {
			logging.Warn("assemble", "concept retrieval: %v", err)
			return nil
		}
		snap.Concepts = concepts
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	a.spreadFromConcepts(snap)
	sortSnapshot(snap)
	trimSnapshot(snap, budget)
	return snap, nil
}

// spreadFromConcepts seeds spreading activation from the retrieved concepts
// and persists the resulting activation scores. Newly activated neighbors
// join the candidate set so related knowledge surfaces even without a
// direct vector hit.
func (a *Assembler) spreadFromConcepts(snap *Snapshot) {
	if len(snap.Concepts) == 0 {
		return
	}
	seeds := make(map[string]float64, len(snap.Concepts))
	seen := make(map[string]bool, len(snap.Concepts))
	for _, c := range snap.Concepts {
		seeds[c.Concept.ID] = c.Score
		seen[c.Concept.ID] = true
	}
	act, err := a.db.SpreadActivation(seeds, activationDepth, false)
	if err != nil {
		logging.Debug("assemble", "spread activation: %v", err)
		return
	}
	if err := a.db.ApplyActivation(act); err != nil {
		logging.Debug("assemble", "apply activation: %v", err)
	}
	for id, energy := range act {
		if seen[id] {
			continue
		}
		c, err := a.db.GetConcept(id)
		if err != nil {
			continue
		}
		snap.Concepts = append(snap.Concepts, store.ScoredConcept{Concept: c, Score: energy})
	}
}

func sortSnapshot(s *Snapshot) {
	sort.SliceStable(s.Gists, func(i, j int) bool {
		if s.Gists[i].Confidence != s.Gists[j].Confidence {
			return s.Gists[i].Confidence > s.Gists[j].Confidence
		}
		return s.Gists[i].CreatedAt.After(s.Gists[j].CreatedAt)
	})
	sort.SliceStable(s.Facts, func(i, j int) bool {
		if s.Facts[i].Confidence != s.Facts[j].Confidence {
			return s.Facts[i].Confidence > s.Facts[j].Confidence
		}
		return s.Facts[i].CreatedAt.After(s.Facts[j].CreatedAt)
	})
	sort.SliceStable(s.Episodes, func(i, j int) bool {
		if s.Episodes[i].Score != s.Episodes[j].Score {
			return s.Episodes[i].Score > s.Episodes[j].Score
		}
		return s.Episodes[i].Episode.CreatedAt.After(s.Episodes[j].Episode.CreatedAt)
	})
	sort.SliceStable(s.Concepts, func(i, j int) bool {
		if s.Concepts[i].Score != s.Concepts[j].Score {
			return s.Concepts[i].Score > s.Concepts[j].Score
		}
		return s.Concepts[i].Concept.FirstLearned.After(s.Concepts[j].Concept.FirstLearned)
	})
}

// trimSnapshot cuts each layer to its token share. A layer that returned at
// least one result always keeps its first entry, even when the share is too
// small for it.
func trimSnapshot(s *Snapshot, budget int) {
	s.Turns = trimSlice(s.Turns, int(float64(budget)*ShareWorking), func(t types.Turn) int {
		return tokens(t.Content)
	})
	s.Gists = trimSlice(s.Gists, int(float64(budget)*ShareGists), func(g types.Gist) int {
		return tokens(g.Content)
	})
	s.Facts = trimSlice(s.Facts, int(float64(budget)*ShareFacts), func(f types.Fact) int {
		return tokens(f.Key + f.Value)
	})
	s.Episodes = trimSlice(s.Episodes, int(float64(budget)*ShareEpisodes), func(e store.ScoredEpisode) int {
		return tokens(e.Episode.Gist + e.Episode.Outcome)
	})
	s.Concepts = trimSlice(s.Concepts, int(float64(budget)*ShareConcepts), func(c store.ScoredConcept) int {
		return tokens(c.Concept.Name + c.Concept.Definition)
	})
}

func trimSlice[T any](items []T, share int, cost func(T) int) []T {
	if len(items) == 0 {
		return items
	}
	spent := 0
	for i, item := range items {
		spent += cost(item)
		if spent > share && i > 0 {
			return items[:i]
		}
	}
	return items
}

// tokens approximates token count as len/4, the usual heuristic for
// English text.
func tokens(s string) int {
	n := len(s) / 4
	if n == 0 && s != "" {
		n = 1
	}
	return n
}

// RecentTurnWindow reports whether any turn is newer than d. Used by the
// router's CLARIFY suppression.
func (s *Snapshot) RecentTurnWindow(d time.Duration) bool {
	for _, t := range s.Turns {
		if time.Since(t.Timestamp) < d {
			return true
		}
	}
	return false
}
