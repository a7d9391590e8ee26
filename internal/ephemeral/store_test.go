package ephemeral

import (
	"testing"
	"time"

	"github.com/cora-labs/cora/internal/types"
)

func TestWorkingMemoryRing(t *testing.T) {
	s := New()
	for _, content := range []string{"one", "two", "three", "four", "five"} {
		s.PushTurn("t1", types.Turn{Role: "user", Content: content})
	}

	turns := s.Recent("t1", 0)
	if len(turns) != WorkingTurns {
		t.Fatalf("ring holds %d turns, want %d", len(turns), WorkingTurns)
	}
	if turns[0].Content != "two" || turns[3].Content != "five" {
		t.Errorf("ring evicted wrong end: %v", turns)
	}

	if got := s.Recent("t1", 2); len(got) != 2 || got[1].Content != "five" {
		t.Errorf("Recent(2) = %v", got)
	}
	if got := s.Recent("unknown", 4); len(got) != 0 {
		t.Errorf("unknown thread returned %v", got)
	}
}

func TestGistMergeKeepsMaxConfidence(t *testing.T) {
	s := New()
	s.StoreGist(types.Gist{Content: "user prefers mornings", Confidence: 0.5})
	s.StoreGist(types.Gist{Content: "user prefers mornings", Confidence: 0.8})
	s.StoreGist(types.Gist{Content: "user prefers mornings", Confidence: 0.3})

	got := s.SearchGists("mornings", 10)
	if len(got) != 1 {
		t.Fatalf("expected 1 merged gist, got %d", len(got))
	}
	if got[0].Confidence != 0.8 {
		t.Errorf("Confidence = %v, want 0.8", got[0].Confidence)
	}
}

func TestSearchGistsRanksOverlap(t *testing.T) {
	s := New()
	s.StoreGist(types.Gist{Content: "discussed the garden irrigation project", Confidence: 0.7})
	s.StoreGist(types.Gist{Content: "talked about taxes", Confidence: 0.7})

	got := s.SearchGists("irrigation garden", 1)
	if len(got) != 1 || got[0].Content != "discussed the garden irrigation project" {
		t.Errorf("SearchGists = %v", got)
	}

	// empty query returns everything, newest first
	if all := s.SearchGists("", 0); len(all) != 2 {
		t.Errorf("empty query returned %d gists, want 2", len(all))
	}
}

func TestFactKeyNormalization(t *testing.T) {
	s := New()
	s.StoreFact(types.Fact{Key: "Coffee Order", Value: "flat white", Confidence: 0.9})

	f, ok := s.GetFact("coffee-order")
	if !ok {
		t.Fatal("normalized key lookup failed")
	}
	if f.Key != "coffee_order" || f.Value != "flat white" {
		t.Errorf("fact = %+v", f)
	}

	// same key upserts
	s.StoreFact(types.Fact{Key: "coffee_order", Value: "espresso", Confidence: 0.9})
	if s.FactCount() != 1 {
		t.Errorf("FactCount = %d, want 1", s.FactCount())
	}
	f, _ = s.GetFact("coffee_order")
	if f.Value != "espresso" {
		t.Errorf("Value = %s, want espresso", f.Value)
	}
}

func TestSearchFactsMatchesKeyAndValue(t *testing.T) {
	s := New()
	s.StoreFact(types.Fact{Key: "dog_name", Value: "Biscuit", Confidence: 0.9})
	s.StoreFact(types.Fact{Key: "car_model", Value: "outback", Confidence: 0.9})

	got := s.SearchFacts("biscuit", 5)
	if len(got) != 1 || got[0].Key != "dog_name" {
		t.Errorf("SearchFacts = %v", got)
	}
}

func TestStateRoundTrip(t *testing.T) {
	s := New()
	type custom struct{ N int }
	s.SetState("boundary:t1", &custom{N: 7})

	v, ok := s.GetState("boundary:t1")
	if !ok {
		t.Fatal("state missing")
	}
	if c, ok := v.(*custom); !ok || c.N != 7 {
		t.Errorf("state = %#v", v)
	}
	if _, ok := s.GetState("missing"); ok {
		t.Error("unexpected hit for missing key")
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	s := New()
	// backdate one gist past its TTL
	s.StoreGist(types.Gist{Content: "old", CreatedAt: time.Now().Add(-GistTTL - time.Minute)})
	s.StoreGist(types.Gist{Content: "fresh"})
	s.StoreFact(types.Fact{Key: "stale", Value: "x", CreatedAt: time.Now().Add(-FactTTL - time.Minute)})

	if removed := s.Sweep(); removed != 2 {
		t.Errorf("Sweep removed %d, want 2", removed)
	}
	if got := s.SearchGists("", 0); len(got) != 1 || got[0].Content != "fresh" {
		t.Errorf("gists after sweep = %v", got)
	}
	if s.FactCount() != 0 {
		t.Errorf("FactCount = %d, want 0", s.FactCount())
	}
}
