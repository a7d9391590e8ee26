package consolidate

import (
	"math"
	"testing"

	"github.com/cora-labs/cora/internal/store"
	"github.com/cora-labs/cora/internal/types"
)

func TestClamp01(t *testing.T) {
	tests := []struct{ in, want float64 }{
		{0, 0.5}, // omitted confidence
		{-0.3, 0},
		{1.4, 1},
		{0.7, 0.7},
		{1, 1},
	}
	for _, tt := range tests {
		if got := clamp01(tt.in); got != tt.want {
			t.Errorf("clamp01(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRelationType(t *testing.T) {
	tests := []struct {
		in   string
		want types.RelationType
	}{
		{"is-a", types.RelIsA},
		{" Part-Of ", types.RelPartOf},
		{"contradicts", types.RelContradicts},
		{"sounds-like", types.RelRelatedTo}, // unknown falls back
		{"", types.RelRelatedTo},
	}
	for _, tt := range tests {
		if got := relationType(tt.in); got != tt.want {
			t.Errorf("relationType(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestScoreSalience(t *testing.T) {
	w := DefaultSalienceWeights()

	flat := scoreSalience(w, types.SalienceFactors{Emotional: 0.5, Commitment: 0.5, Novelty: 0.5, Unresolved: 0.5})
	if math.Abs(flat-0.5) > 1e-9 {
		t.Errorf("flat factors = %v, want 0.5", flat)
	}

	charged := scoreSalience(w, types.SalienceFactors{Emotional: 1, Commitment: 1, Novelty: 1, Unresolved: 1})
	if math.Abs(charged-1.0) > 1e-9 {
		t.Errorf("saturated factors = %v, want 1.0", charged)
	}

	// unresolved carries the smallest weight
	unresolvedOnly := scoreSalience(w, types.SalienceFactors{Emotional: 0.01, Commitment: 0.01, Novelty: 0.01, Unresolved: 1})
	emotionalOnly := scoreSalience(w, types.SalienceFactors{Emotional: 1, Commitment: 0.01, Novelty: 0.01, Unresolved: 0.01})
	if unresolvedOnly >= emotionalOnly {
		t.Errorf("unresolved %v >= emotional %v", unresolvedOnly, emotionalOnly)
	}

	custom := SalienceWeights{Emotional: 1, Commitment: 0, Novelty: 0, Unresolved: 0}
	if got := scoreSalience(custom, types.SalienceFactors{Emotional: 0.8, Novelty: 1}); math.Abs(got-0.8) > 1e-9 {
		t.Errorf("custom weighting = %v, want 0.8", got)
	}
}

func TestMergeStyle(t *testing.T) {
	// first observation is adopted as-is
	first := mergeStyle(nil, map[string]float64{"formality": 0.8, "humor": 0.2})
	if first["formality"] != 0.8 || first["humor"] != 0.2 {
		t.Errorf("first observation not adopted: %v", first)
	}
	if _, ok := first["warmth"]; ok {
		t.Error("unobserved dimension materialized")
	}

	// later observations blend, they do not overwrite
	blended := mergeStyle(first, map[string]float64{"formality": 0.3})
	want := 0.8 + 0.2*(0.3-0.8)
	if math.Abs(blended["formality"]-want) > 1e-9 {
		t.Errorf("formality = %v, want %v", blended["formality"], want)
	}
	if blended["humor"] != 0.2 {
		t.Errorf("unobserved dimension changed: %v", blended["humor"])
	}

	// out-of-range observations clamp, unknown dimensions drop
	odd := mergeStyle(nil, map[string]float64{"verbosity": 1.7, "directness": -0.4, "sarcasm": 0.9})
	if odd["verbosity"] != 1 || odd["directness"] != 0 {
		t.Errorf("clamping failed: %v", odd)
	}
	if _, ok := odd["sarcasm"]; ok {
		t.Error("unknown dimension kept")
	}
}

func TestTraitCategoriesHaveHalfLives(t *testing.T) {
	for _, cat := range traitCategories {
		if !store.KnownTraitCategory(cat) {
			t.Errorf("prompt offers category %q with no tuned half-life", cat)
		}
	}
}

func TestOrDefault(t *testing.T) {
	if got := orDefault("", "fallback"); got != "fallback" {
		t.Errorf("orDefault empty = %q", got)
	}
	if got := orDefault("set", "fallback"); got != "set" {
		t.Errorf("orDefault set = %q", got)
	}
}
