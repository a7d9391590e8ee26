package router

import "github.com/cora-labs/cora/internal/config"

// DefaultWeights is the boot-time router weight vector, keyed
// "MODE.signal". The routing stability regulator owns the live copy in the
// store and nudges it within its daily clamp; these values only seed a
// fresh deployment.
func DefaultWeights() config.Weights {
	return config.Weights{
		// RESPOND: the default conversational path. Warm context and real
		// questions pull toward a substantive reply.
		"RESPOND.context_warmth":      0.80,
		"RESPOND.memory_confidence":   0.50,
		"RESPOND.question_mark_count": 1.00,
		"RESPOND.message_length_norm": 0.60,
		"RESPOND.episode_count":       0.30,
		"RESPOND.concept_count":       0.20,
		"RESPOND.first_person_count":  0.30,
		"RESPOND.turns_in_topic":      0.20,

		// ACT: commands, tool triggers, and time-sensitive asks.
		"ACT.imperative_verb_count": 1.20,
		"ACT.tool_trigger_count":    1.50,
		"ACT.freshness_risk":        1.30,
		"ACT.tool_action_available": 0.30,
		"ACT.message_length_norm":   0.20,

		// CLARIFY: cold context plus an actual question. The question
		// weight outscores RESPOND's; the warmth and confidence
		// negatives hand the exchange back to RESPOND once context
		// exists.
		"CLARIFY.question_mark_count": 1.20,
		"CLARIFY.message_length_norm": -0.40,
		"CLARIFY.context_warmth":      -0.80,
		"CLARIFY.memory_confidence":   -0.50,
		"CLARIFY.fact_count":          -0.40,
		"CLARIFY.imperative_verb_count": 0.20,
		// loop guard: CLARIFY right after CLARIFY with nothing new learned
		"CLARIFY.clarify_suppressed": -10.0,

		// ACKNOWLEDGE: greetings and short social closers.
		"ACKNOWLEDGE.greeting_pattern":          2.00,
		"ACKNOWLEDGE.exclamation_count":         0.30,
		"ACKNOWLEDGE.message_length_norm":       -0.50,
		"ACKNOWLEDGE.previous_mode_acknowledge": -0.30,
	}
}
