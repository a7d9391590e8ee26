package router

import (
	"testing"

	"github.com/cora-labs/cora/internal/assemble"
	"github.com/cora-labs/cora/internal/config"
	"github.com/cora-labs/cora/internal/types"
)

// stubTools is a canned ToolInfo.
type stubTools struct {
	triggers      int
	actionCapable bool
	searchLike    bool
}

func (s stubTools) TriggerMatches(string) int { return s.triggers }
func (s stubTools) HasActionCapable() bool    { return s.actionCapable }
func (s stubTools) HasSearchLike() bool       { return s.searchLike }

func collect(content string, tools ToolInfo) map[string]float64 {
	return CollectSignals(content, &assemble.Snapshot{}, "", 0, tools, false)
}

func TestGreetingRoutesToAcknowledge(t *testing.T) {
	weights := DefaultWeights()
	for _, msg := range []string{"hey", "good morning!", "thanks", "ok cool"} {
		ev := Evaluate(collect(msg, nil), weights)
		if ev.Selected != types.ModeAcknowledge {
			t.Errorf("%q routed to %s, want ACKNOWLEDGE (scores %v)", msg, ev.Selected, ev.Scores)
		}
	}
}

func TestQuestionWithWarmContextRoutesToRespond(t *testing.T) {
	snap := &assemble.Snapshot{
		Facts: []types.Fact{{Key: "a", Confidence: 0.9}, {Key: "b", Confidence: 0.9}},
		Gists: []types.Gist{{Content: "x", Confidence: 0.8}, {Content: "y", Confidence: 0.8}, {Content: "z", Confidence: 0.8}},
	}
	signals := CollectSignals("what did we decide about the deck repair last week?", snap, types.ModeRespond, 4, nil, false)
	ev := Evaluate(signals, DefaultWeights())
	if ev.Selected != types.ModeRespond {
		t.Errorf("routed to %s, want RESPOND (scores %v)", ev.Selected, ev.Scores)
	}
}

func TestColdContextQuestionRoutesToClarify(t *testing.T) {
	signals := collect("why?", nil)
	ev := Evaluate(signals, DefaultWeights())
	if ev.Selected != types.ModeClarify {
		t.Errorf("routed to %s, want CLARIFY (scores %v)", ev.Selected, ev.Scores)
	}
}

func TestClarifySuppressionFlipsAwayFromClarify(t *testing.T) {
	weights := DefaultWeights()
	base := CollectSignals("why?", &assemble.Snapshot{}, types.ModeClarify, 1, nil, false)
	suppressed := CollectSignals("why?", &assemble.Snapshot{}, types.ModeClarify, 1, nil, true)

	if ev := Evaluate(base, weights); ev.Selected != types.ModeClarify {
		t.Fatalf("setup: unsuppressed routed to %s", ev.Selected)
	}
	if ev := Evaluate(suppressed, weights); ev.Selected == types.ModeClarify {
		t.Error("CLARIFY selected twice in a row with nothing new learned")
	}
}

func TestFreshnessOverrideNeedsSearchTool(t *testing.T) {
	weights := DefaultWeights()
	content := "what's the weather like right now"

	// search-like tool registered: deterministic ACT override
	signals := collect(content, stubTools{searchLike: true})
	ev := Evaluate(signals, weights)
	mode, overridden := ApplyOverrides(ev, signals)
	if mode != types.ModeAct {
		t.Errorf("mode = %s, want ACT", mode)
	}
	if ev.Selected != types.ModeAct && !overridden {
		t.Error("override did not report itself")
	}

	// no search tool: no override
	signals = collect(content, stubTools{})
	ev = Evaluate(signals, weights)
	if _, overridden := ApplyOverrides(ev, signals); overridden {
		t.Error("override fired without a search-like tool")
	}
}

func TestFreshnessWordBoundaries(t *testing.T) {
	tests := []struct {
		content string
		want    float64
	}{
		{"what should I do right now", 0.9},
		{"I know the answer", 0},       // "know" is not "now"
		{"the snow is falling", 0},     // "snow" is not "now"
		{"what's the latest on this?", 0.8},
		{"do it now", 0.7},
	}
	for _, tt := range tests {
		if got := freshnessRisk(tt.content); got != tt.want {
			t.Errorf("freshnessRisk(%q) = %v, want %v", tt.content, got, tt.want)
		}
	}
}

func TestEvaluateInvariants(t *testing.T) {
	signals := collect("can you remind me about the dentist tomorrow?", stubTools{triggers: 1, actionCapable: true})
	weights := DefaultWeights()

	a := Evaluate(signals, weights)
	b := Evaluate(signals, weights)
	if a.Selected != b.Selected || a.Margin != b.Margin {
		t.Error("Evaluate is not deterministic over identical inputs")
	}

	if len(a.Scores) != len(types.Modes) {
		t.Errorf("scores for %d modes, want %d", len(a.Scores), len(types.Modes))
	}
	top := a.Scores[string(a.Selected)]
	for mode, score := range a.Scores {
		if score > top {
			t.Errorf("selected %s does not carry the max score (%s=%v > %v)", a.Selected, mode, score, top)
		}
	}
	if a.Margin < 0 {
		t.Errorf("Margin = %v, want >= 0", a.Margin)
	}
	if a.Confidence < 0 || a.Confidence > 1 {
		t.Errorf("Confidence = %v, want 0..1", a.Confidence)
	}
}

func TestGreetingDetection(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{"hey", true},
		{"Good morning!", true},
		{"hey can you book me a flight to denver for next tuesday", false},
		{"hello there", true},
		{"what is the capital of france", false},
	}
	for _, tt := range tests {
		if got := isGreeting(tt.content); got != tt.want {
			t.Errorf("isGreeting(%q) = %v, want %v", tt.content, got, tt.want)
		}
	}
}

func TestWeightCacheFallsBackToDefaults(t *testing.T) {
	defaults := config.Weights{"RESPOND.question_mark_count": 1.0}
	cache := config.NewWeightCache(nil, defaults)
	got := cache.Current()
	if got["RESPOND.question_mark_count"] != 1.0 {
		t.Errorf("Current() = %v, want defaults", got)
	}
}
