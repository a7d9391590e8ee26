package regulate

import (
	"math"
	"testing"

	"github.com/cora-labs/cora/internal/router"
	"github.com/cora-labs/cora/internal/types"
)

func TestBetterMode(t *testing.T) {
	if _, ok := betterMode(&types.RoutingDecision{}); ok {
		t.Error("unreflected decision produced a verdict")
	}

	appropriate := &types.RoutingDecision{
		SelectedMode: types.ModeRespond,
		Reflection:   map[string]any{"appropriate": true},
	}
	if mode, ok := betterMode(appropriate); !ok || mode != types.ModeRespond {
		t.Errorf("appropriate verdict = %v/%v", mode, ok)
	}

	corrected := &types.RoutingDecision{
		SelectedMode: types.ModeRespond,
		Reflection:   map[string]any{"appropriate": false, "better_mode": "ACT"},
	}
	if mode, ok := betterMode(corrected); !ok || mode != types.ModeAct {
		t.Errorf("corrected verdict = %v/%v", mode, ok)
	}

	vague := &types.RoutingDecision{
		SelectedMode: types.ModeRespond,
		Reflection:   map[string]any{"appropriate": false},
	}
	if _, ok := betterMode(vague); ok {
		t.Error("inappropriate verdict with no better mode produced one")
	}
}

func TestCollectPressure(t *testing.T) {
	reg := &RoutingRegulator{}
	decisions := []*types.RoutingDecision{
		{
			SelectedMode:   types.ModeRespond,
			Confidence:     0.7,
			SignalSnapshot: map[string]float64{"imperative_verb_count": 2, "context_warmth": 0},
			Reflection:     map[string]any{"appropriate": false, "better_mode": "ACT"},
		},
		{
			// unreflected, low confidence: small pressure against the winner
			SelectedMode:   types.ModeClarify,
			Confidence:     0.1,
			SignalSnapshot: map[string]float64{"question_mark_count": 1},
		},
		{
			// reflected as appropriate: no pressure
			SelectedMode:   types.ModeRespond,
			Confidence:     0.9,
			SignalSnapshot: map[string]float64{"context_warmth": 0.8},
			Reflection:     map[string]any{"appropriate": true},
		},
	}

	pressure := reg.collectPressure(decisions)

	if got := pressure["ACT.imperative_verb_count"]; math.Abs(got-0.01) > 1e-9 {
		t.Errorf("ACT pressure = %v, want 0.01", got)
	}
	if got := pressure["RESPOND.imperative_verb_count"]; math.Abs(got+0.01) > 1e-9 {
		t.Errorf("RESPOND pressure = %v, want -0.01", got)
	}
	if got := pressure["CLARIFY.question_mark_count"]; math.Abs(got+0.001) > 1e-9 {
		t.Errorf("CLARIFY pressure = %v, want -0.001", got)
	}
	if _, ok := pressure["ACT.context_warmth"]; ok {
		t.Error("zero-valued signal produced pressure")
	}
	if _, ok := pressure["RESPOND.context_warmth"]; ok {
		t.Error("appropriate decision produced pressure")
	}
}

func TestReplayConfidence(t *testing.T) {
	weights := router.DefaultWeights()
	decisions := []*types.RoutingDecision{
		{SignalSnapshot: map[string]float64{"greeting_pattern": 1, "message_length_norm": 0.05}},
		{SignalSnapshot: map[string]float64{"question_mark_count": 1, "context_warmth": 0.9, "memory_confidence": 0.8}},
		{SignalSnapshot: nil}, // skipped
	}

	avg := replayConfidence(decisions, weights)
	if avg <= 0 || avg > 1 {
		t.Errorf("replay confidence = %v, want (0,1]", avg)
	}

	// identical inputs replay identically
	if again := replayConfidence(decisions, weights); again != avg {
		t.Errorf("replay not deterministic: %v vs %v", avg, again)
	}

	if got := replayConfidence(nil, weights); got != 0 {
		t.Errorf("empty replay = %v, want 0", got)
	}
}
