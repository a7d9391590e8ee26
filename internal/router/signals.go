// Package router scores each inbound message against the four handling
// modes (RESPOND, ACT, CLARIFY, ACKNOWLEDGE) using a deterministic weighted
// sum over ~17 signals, with a small-LLM tie-breaker when the margin is too
// thin to trust.
package router

import (
	"strings"

	"github.com/tsawler/prose/v3"

	"github.com/cora-labs/cora/internal/assemble"
	"github.com/cora-labs/cora/internal/types"
)

// ToolInfo is what the router needs to know about the action registry.
type ToolInfo interface {
	TriggerMatches(content string) int
	HasActionCapable() bool
	HasSearchLike() bool
}

// greetingPatterns match short social openers.
var greetingPatterns = []string{
	"hey", "hi", "hello", "yo", "sup", "howdy", "hiya",
	"good morning", "good afternoon", "good evening", "morning", "evening",
	"thanks", "thank you", "thx", "ok", "okay", "cool", "nice", "got it",
}

// freshnessPhrases score how time-sensitive a message is. Longest phrases
// are checked first; the maximum matched score wins.
var freshnessPhrases = []struct {
	phrase string
	score  float64
}{
	{"right now", 0.9},
	{"at the moment", 0.9},
	{"as of today", 0.9},
	{"currently", 0.8},
	{"latest", 0.8},
	{"current", 0.8},
	{"today", 0.7},
	{"now", 0.7},
	{"tonight", 0.7},
	{"this week", 0.6},
}

// CollectSignals derives the router's signal vector from the message, the
// assembled context, and the previous mode. All values are normalized to
// 0..1 so weights compare across signals. The snapshot also carries the
// flags the deterministic overrides need, so a stored decision replays
// without external state.
func CollectSignals(content string, snap *assemble.Snapshot, prevMode types.Mode, turnsInTopic int, tools ToolInfo, clarifySuppressed bool) map[string]float64 {
	s := make(map[string]float64, 20)

	s["context_warmth"] = snap.Warmth()
	s["memory_confidence"] = snap.MemoryConfidence()
	s["fact_count"] = normCount(len(snap.Facts), 5)
	s["episode_count"] = normCount(len(snap.Episodes), 5)
	s["concept_count"] = normCount(len(snap.Concepts), 5)
	s["turns_in_topic"] = normCount(turnsInTopic, 10)

	s["previous_mode_respond"] = boolSignal(prevMode == types.ModeRespond)
	s["previous_mode_act"] = boolSignal(prevMode == types.ModeAct)
	s["previous_mode_clarify"] = boolSignal(prevMode == types.ModeClarify)
	s["previous_mode_acknowledge"] = boolSignal(prevMode == types.ModeAcknowledge)

	s["question_mark_count"] = normCount(strings.Count(content, "?"), 2)
	s["exclamation_count"] = normCount(strings.Count(content, "!"), 2)
	s["imperative_verb_count"] = normCount(countImperatives(content), 2)
	s["greeting_pattern"] = boolSignal(isGreeting(content))
	s["freshness_risk"] = freshnessRisk(content)
	s["message_length_norm"] = normCount(len(content), 200)
	s["first_person_count"] = normCount(countFirstPerson(content), 3)

	if tools != nil {
		s["tool_trigger_count"] = normCount(tools.TriggerMatches(content), 2)
		s["tool_action_available"] = boolSignal(tools.HasActionCapable())
		s["tool_search_available"] = boolSignal(tools.HasSearchLike())
	} else {
		s["tool_trigger_count"] = 0
		s["tool_action_available"] = 0
		s["tool_search_available"] = 0
	}
	s["clarify_suppressed"] = boolSignal(clarifySuppressed)

	return s
}

func normCount(n, saturation int) float64 {
	if n <= 0 {
		return 0
	}
	v := float64(n) / float64(saturation)
	if v > 1 {
		return 1
	}
	return v
}

func boolSignal(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// isGreeting reports whether the message is a short social opener.
func isGreeting(content string) bool {
	msg := strings.ToLower(strings.TrimSpace(content))
	msg = strings.Trim(msg, "!.?, ")
	if len(msg) > 25 {
		return false
	}
	for _, p := range greetingPatterns {
		if msg == p || strings.HasPrefix(msg, p+" ") {
			return true
		}
	}
	return false
}

// freshnessRisk is the keyword heuristic for time-sensitive queries.
// Multi-word phrases match as substrings; single words match on word
// boundaries so "know" does not count as "now".
func freshnessRisk(content string) float64 {
	lower := strings.ToLower(content)
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '\'')
	}) {
		words[w] = true
	}

	risk := 0.0
	for _, fp := range freshnessPhrases {
		matched := false
		if strings.Contains(fp.phrase, " ") {
			matched = strings.Contains(lower, fp.phrase)
		} else {
			matched = words[fp.phrase]
		}
		if matched && fp.score > risk {
			risk = fp.score
		}
	}
	return risk
}

// countImperatives counts base-form verbs (VB) opening a clause, the usual
// POS shape of a command.
func countImperatives(content string) int {
	doc, err := prose.NewDocument(content)
	if err != nil {
		return 0
	}
	count := 0
	clauseStart := true
	for _, tok := range doc.Tokens() {
		switch tok.Tag {
		case ".", ":", ",", "CC":
			clauseStart = true
			continue
		}
		if clauseStart && tok.Tag == "VB" {
			count++
		}
		clauseStart = false
	}
	return count
}

func countFirstPerson(content string) int {
	count := 0
	for _, w := range strings.Fields(strings.ToLower(content)) {
		w = strings.Trim(w, ".,!?")
		switch w {
		case "i", "me", "my", "mine", "i'm", "i've", "i'll":
			count++
		}
	}
	return count
}
