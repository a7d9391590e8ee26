package assemble

import (
	"strings"
	"testing"
	"time"

	"github.com/cora-labs/cora/internal/store"
	"github.com/cora-labs/cora/internal/types"
)

func TestWarmth(t *testing.T) {
	empty := &Snapshot{}
	if got := empty.Warmth(); got != 0 {
		t.Errorf("empty Warmth = %v, want 0", got)
	}

	sparse := &Snapshot{Gists: []types.Gist{{}}}
	rich := &Snapshot{
		Turns:    make([]types.Turn, 4),
		Gists:    make([]types.Gist, 5),
		Facts:    make([]types.Fact, 5),
		Episodes: make([]store.ScoredEpisode, 4),
	}
	if sparse.Warmth() >= rich.Warmth() {
		t.Errorf("sparse %v >= rich %v", sparse.Warmth(), rich.Warmth())
	}
	if w := rich.Warmth(); w <= 0 || w > 1 {
		t.Errorf("Warmth = %v, want (0,1]", w)
	}

	// episodes count double
	withEpisode := &Snapshot{Episodes: []store.ScoredEpisode{{}}}
	withGist := &Snapshot{Gists: []types.Gist{{}}}
	if withEpisode.Warmth() <= withGist.Warmth() {
		t.Error("an episode should warm the context more than a gist")
	}
}

func TestMemoryConfidence(t *testing.T) {
	empty := &Snapshot{}
	if got := empty.MemoryConfidence(); got != 0 {
		t.Errorf("empty MemoryConfidence = %v, want 0", got)
	}

	snap := &Snapshot{
		Gists:    []types.Gist{{Confidence: 0.8}},
		Facts:    []types.Fact{{Confidence: 0.6}},
		Episodes: []store.ScoredEpisode{{Score: 0.4}},
	}
	want := (0.8 + 0.6 + 0.4) / 3
	if got := snap.MemoryConfidence(); got != want {
		t.Errorf("MemoryConfidence = %v, want %v", got, want)
	}
}

func TestSortSnapshotIsDeterministic(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := &Snapshot{
		Gists: []types.Gist{
			{Content: "old high", Confidence: 0.9, CreatedAt: base},
			{Content: "low", Confidence: 0.3, CreatedAt: base.Add(time.Hour)},
			{Content: "new high", Confidence: 0.9, CreatedAt: base.Add(2 * time.Hour)},
		},
		Facts: []types.Fact{
			{Key: "b", Confidence: 0.5, CreatedAt: base},
			{Key: "a", Confidence: 0.7, CreatedAt: base},
		},
	}
	sortSnapshot(snap)
	if snap.Gists[0].Content != "new high" || snap.Gists[1].Content != "old high" || snap.Gists[2].Content != "low" {
		t.Errorf("gist order: %v %v %v", snap.Gists[0].Content, snap.Gists[1].Content, snap.Gists[2].Content)
	}
	if snap.Facts[0].Key != "a" {
		t.Errorf("fact order: %v first, want a", snap.Facts[0].Key)
	}

	// sorting again changes nothing
	first := snap.Gists[0].Content
	sortSnapshot(snap)
	if snap.Gists[0].Content != first {
		t.Error("re-sort reordered an already sorted snapshot")
	}
}

func TestTrimSliceKeepsFirstEntry(t *testing.T) {
	long := strings.Repeat("x", 400) // ~100 tokens each
	gists := []types.Gist{{Content: long}, {Content: long}, {Content: long}}

	trimmed := trimSlice(gists, 10, func(g types.Gist) int { return tokens(g.Content) })
	if len(trimmed) != 1 {
		t.Errorf("kept %d entries under a too-small share, want 1", len(trimmed))
	}

	trimmed = trimSlice(gists, 250, func(g types.Gist) int { return tokens(g.Content) })
	if len(trimmed) != 2 {
		t.Errorf("kept %d entries, want 2", len(trimmed))
	}

	var none []types.Gist
	if got := trimSlice(none, 100, func(g types.Gist) int { return 1 }); len(got) != 0 {
		t.Errorf("empty layer grew entries: %v", got)
	}
}

func TestTrimSnapshotShares(t *testing.T) {
	long := strings.Repeat("y", 2000)
	snap := &Snapshot{
		Turns:    []types.Turn{{Content: long}, {Content: long}},
		Gists:    []types.Gist{{Content: long}, {Content: long}},
		Episodes: []store.ScoredEpisode{{Episode: &types.Episode{Gist: long}}, {Episode: &types.Episode{Gist: long}}},
	}
	trimSnapshot(snap, 1000)
	if len(snap.Turns) != 1 || len(snap.Gists) != 1 || len(snap.Episodes) != 1 {
		t.Errorf("layers not trimmed to shares: turns=%d gists=%d episodes=%d",
			len(snap.Turns), len(snap.Gists), len(snap.Episodes))
	}
}

func TestTokens(t *testing.T) {
	if got := tokens(""); got != 0 {
		t.Errorf("tokens(\"\") = %d", got)
	}
	if got := tokens("ab"); got != 1 {
		t.Errorf("tokens short = %d, want 1", got)
	}
	if got := tokens(strings.Repeat("z", 40)); got != 10 {
		t.Errorf("tokens = %d, want 10", got)
	}
}

func TestRecentTurnWindow(t *testing.T) {
	snap := &Snapshot{Turns: []types.Turn{{Timestamp: time.Now().Add(-10 * time.Minute)}}}
	if !snap.RecentTurnWindow(time.Hour) {
		t.Error("10-minute-old turn not inside a 1h window")
	}
	if snap.RecentTurnWindow(time.Minute) {
		t.Error("10-minute-old turn inside a 1m window")
	}
}
