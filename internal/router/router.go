package router

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/cora-labs/cora/internal/assemble"
	"github.com/cora-labs/cora/internal/config"
	"github.com/cora-labs/cora/internal/logging"
	"github.com/cora-labs/cora/internal/queue"
	"github.com/cora-labs/cora/internal/store"
	"github.com/cora-labs/cora/internal/types"
)

const (
	// TieMargin triggers the LLM tie-breaker below this score gap.
	TieMargin = 0.08

	// FreshnessActFloor forces ACT when a search-like tool exists.
	FreshnessActFloor = 0.9

	// FreshnessTiebreakFloor re-examines a RESPOND pick via the
	// tie-breaker when the query looks time-sensitive.
	FreshnessTiebreakFloor = 0.7

	// overrideBump lifts the selected mode's recorded score just above the
	// deterministic winner when a tie-break or override flips the choice,
	// keeping scores[selected] = max(scores) true for every stored row.
	overrideBump = 0.05

	tiebreakTimeout = 10 * time.Second

	// clarifyEchoWindow bounds the CLARIFY loop guard: a repeated message
	// only suppresses CLARIFY while the original exchange is this recent.
	clarifyEchoWindow = 10 * time.Minute
)

// Tiebreaker is the small-LLM binary chooser. *llm.Client satisfies it via
// GenerateSmall; nil disables tie-breaking.
type Tiebreaker interface {
	GenerateSmall(ctx context.Context, prompt string) (string, error)
}

// Publisher receives the routing event. *bus.Bus satisfies it.
type Publisher interface {
	Publish(key string, ev types.StreamEvent) error
}

// Evaluation is the deterministic scorer's output.
type Evaluation struct {
	Scores     map[string]float64
	Selected   types.Mode
	RunnerUp   types.Mode
	Margin     float64
	Confidence float64
}

// Evaluate computes mode scores from a signal vector and weights. It is
// pure: the regulator replays stored decisions through it.
func Evaluate(signals map[string]float64, weights config.Weights) Evaluation {
	scores := make(map[string]float64, len(types.Modes))
	for _, mode := range types.Modes {
		var score float64
		for name, value := range signals {
			score += weights[string(mode)+"."+name] * value
		}
		scores[string(mode)] = score
	}

	// deterministic rank: score desc, mode declaration order on ties
	ranked := make([]types.Mode, len(types.Modes))
	copy(ranked, types.Modes)
	sort.SliceStable(ranked, func(i, j int) bool {
		return scores[string(ranked[i])] > scores[string(ranked[j])]
	})

	ev := Evaluation{
		Scores:   scores,
		Selected: ranked[0],
		RunnerUp: ranked[1],
		Margin:   scores[string(ranked[0])] - scores[string(ranked[1])],
	}
	if top := scores[string(ev.Selected)]; top > 0 {
		ev.Confidence = ev.Margin / top
		if ev.Confidence > 1 {
			ev.Confidence = 1
		}
	}
	return ev
}

// ApplyOverrides applies the deterministic edge rules to an evaluation:
// ACT wins outright when freshness risk is extreme and a search-like tool
// is registered. Returns the final mode and whether an override fired.
func ApplyOverrides(ev Evaluation, signals map[string]float64) (types.Mode, bool) {
	if signals["freshness_risk"] >= FreshnessActFloor && signals["tool_search_available"] > 0 {
		return types.ModeAct, ev.Selected != types.ModeAct
	}
	return ev.Selected, false
}

// Router turns signals into a persisted RoutingDecision.
type Router struct {
	db      *store.DB
	weights *config.WeightCache
	tools   ToolInfo
	tie     Tiebreaker
	bus     Publisher
	queues  *queue.Manager
}

// New creates a router. tie, bus and queues may be nil.
func New(db *store.DB, weights *config.WeightCache, tools ToolInfo, tie Tiebreaker, bus Publisher, queues *queue.Manager) *Router {
	return &Router{db: db, weights: weights, tools: tools, tie: tie, bus: bus, queues: queues}
}

// Route scores one inbound message, applies overrides and the tie-breaker,
// persists the decision with full signal and weight snapshots, and
// publishes the outcome on the user's stream.
func (r *Router) Route(ctx context.Context, userID, topicName, exchangeID, content string, snap *assemble.Snapshot, prevMode types.Mode, turnsInTopic int, newInfo bool) (*types.RoutingDecision, error) {
	// a stale thread resets the loop guard: repeating an old question hours
	// later deserves a fresh clarification
	suppressClarify := prevMode == types.ModeClarify && !newInfo && snap.RecentTurnWindow(clarifyEchoWindow)
	signals := CollectSignals(content, snap, prevMode, turnsInTopic, r.tools, suppressClarify)
	weights := r.weights.Current()

	ev := Evaluate(signals, weights)
	selected, overridden := ApplyOverrides(ev, signals)

	tiebreakerUsed := false
	if !overridden && r.tie != nil && r.needsTiebreak(ev, signals) {
		if picked, ok := r.tiebreak(ctx, content, ev); ok {
			selected = picked
			tiebreakerUsed = true
		}
	}

	scores := ev.Scores
	if selected != ev.Selected {
		// keep the audit invariant: the recorded winner carries the top score
		scores = make(map[string]float64, len(ev.Scores))
		for k, v := range ev.Scores {
			scores[k] = v
		}
		scores[string(selected)] = scores[string(ev.Selected)] + overrideBump
	}
	margin := topMargin(scores)

	d := &types.RoutingDecision{
		Topic:           topicName,
		ExchangeID:      exchangeID,
		SelectedMode:    selected,
		Confidence:      confidence(scores, margin),
		Scores:          scores,
		TiebreakerUsed:  tiebreakerUsed,
		Margin:          margin,
		EffectiveMargin: ev.Margin,
		SignalSnapshot:  signals,
		WeightSnapshot:  map[string]float64(weights),
	}
	if err := r.db.InsertRoutingDecision(d); err != nil {
		return nil, err
	}
	if r.queues != nil {
		// hand the decision to the idle reflection worker
		r.queues.Enqueue(queue.QueueReflection, &queue.Item{ID: d.ID, Payload: []byte(d.ID)})
	}

	if r.bus != nil {
		r.bus.Publish(types.UserStreamKey(userID), types.StreamEvent{
			Type:       "status",
			Content:    "routing",
			Topic:      topicName,
			ExchangeID: exchangeID,
			Payload:    map[string]any{"selected_mode": string(selected), "confidence": d.Confidence},
		})
	}
	logging.Debug("router", "%s margin=%.3f conf=%.2f tiebreak=%v", selected, d.Margin, d.Confidence, tiebreakerUsed)
	return d, nil
}

func (r *Router) needsTiebreak(ev Evaluation, signals map[string]float64) bool {
	if ev.Margin < TieMargin {
		return true
	}
	return ev.Selected == types.ModeRespond &&
		signals["freshness_risk"] >= FreshnessTiebreakFloor &&
		signals["tool_action_available"] > 0
}

// tiebreak asks the small model to pick between the top two candidates.
// On any failure the deterministic choice stands.
func (r *Router) tiebreak(ctx context.Context, content string, ev Evaluation) (types.Mode, bool) {
	ctx, cancel := context.WithTimeout(ctx, tiebreakTimeout)
	defer cancel()

	prompt := "A personal assistant must pick how to handle this message:\n\n" +
		content + "\n\nAnswer with exactly one word, " +
		string(ev.Selected) + " or " + string(ev.RunnerUp) + ".\n" +
		string(ev.Selected) + " = " + modeGloss(ev.Selected) + "\n" +
		string(ev.RunnerUp) + " = " + modeGloss(ev.RunnerUp)

	raw, err := r.tie.GenerateSmall(ctx, prompt)
	if err != nil {
		logging.Debug("router", "tiebreak failed: %v", err)
		return ev.Selected, false
	}
	answer := strings.ToUpper(strings.TrimSpace(raw))
	for _, candidate := range []types.Mode{ev.Selected, ev.RunnerUp} {
		if strings.Contains(answer, string(candidate)) {
			return candidate, candidate != ev.Selected
		}
	}
	return ev.Selected, false
}

func modeGloss(m types.Mode) string {
	switch m {
	case types.ModeRespond:
		return "answer directly from what is already known"
	case types.ModeAct:
		return "take actions or look something up first"
	case types.ModeClarify:
		return "ask a clarifying question before anything else"
	default:
		return "give a brief social acknowledgement"
	}
}

func topMargin(scores map[string]float64) float64 {
	var values []float64
	for _, v := range scores {
		values = append(values, v)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(values)))
	if len(values) < 2 {
		return 0
	}
	return values[0] - values[1]
}

func confidence(scores map[string]float64, margin float64) float64 {
	var top float64
	first := true
	for _, v := range scores {
		if first || v > top {
			top = v
			first = false
		}
	}
	if top <= 0 {
		return 0
	}
	c := margin / top
	if c > 1 {
		return 1
	}
	if c < 0 {
		return 0
	}
	return c
}
