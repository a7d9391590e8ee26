package regulate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/cora-labs/cora/internal/ephemeral"
	"github.com/cora-labs/cora/internal/llm"
	"github.com/cora-labs/cora/internal/logging"
	"github.com/cora-labs/cora/internal/queue"
	"github.com/cora-labs/cora/internal/store"
	"github.com/cora-labs/cora/internal/types"
)

const (
	// ReflectInterval is how often the worker checks for idle capacity.
	ReflectInterval = 5 * time.Minute

	// idleCPUThreshold gates reflection: above this system load the
	// worker stays out of the way of the interactive path.
	idleCPUThreshold = 30.0

	// reflectBatch is how many decisions one idle window reviews.
	reflectBatch = 10

	// driftEvery makes roughly one in N idle windows produce a drift
	// gist instead of only reviewing decisions.
	driftEvery = 6
)

// Reflector reviews routing decisions after the fact, during idle time,
// producing the reflections the routing regulator learns from. It also
// occasionally drifts: a free-associative pass over recent episodes that
// lands as a session gist.
type Reflector struct {
	db     *store.DB
	eph    *ephemeral.Store
	llm    *llm.Client
	queues *queue.Manager

	// cpuPercent is swappable for tests.
	cpuPercent func() (float64, error)

	windows int
}

// NewReflector creates the idle reflection worker. queues may be nil, in
// which case decisions are found by scanning the store alone.
func NewReflector(db *store.DB, eph *ephemeral.Store, client *llm.Client, queues *queue.Manager) *Reflector {
	return &Reflector{
		db:     db,
		eph:    eph,
		llm:    client,
		queues: queues,
		cpuPercent: func() (float64, error) {
			vals, err := cpu.Percent(time.Second, false)
			if err != nil || len(vals) == 0 {
				return 100, err
			}
			return vals[0], nil
		},
	}
}

// Run ticks the idle check until the context ends.
func (r *Reflector) Run(ctx context.Context) error {
	ticker := time.NewTicker(ReflectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			load, err := r.cpuPercent()
			if err != nil {
				logging.Debug("reflect", "cpu sample: %v", err)
				continue
			}
			if load >= idleCPUThreshold {
				continue
			}
			r.windows++
			r.reviewDecisions(ctx)
			// drift only when there is truly nothing queued to review
			if r.windows%driftEvery == 0 && r.queueEmpty() {
				r.drift(ctx)
			}
		}
	}
}

type reflection struct {
	Appropriate bool   `json:"appropriate"`
	BetterMode  string `json:"better_mode"`
	Reason      string `json:"reason"`
}

// reviewDecisions judges a batch of unreflected routing decisions. Queued
// decisions go first; whatever batch budget is left goes to a store scan
// that catches decisions dropped from the queue.
func (r *Reflector) reviewDecisions(ctx context.Context) {
	reviewed := r.drainQueue(ctx, reflectBatch)

	decisions, err := r.db.UnreflectedDecisions(reflectBatch - reviewed)
	if err != nil {
		logging.Warn("reflect", "unreflected decisions: %v", err)
		return
	}
	for _, d := range decisions {
		if r.reflectOne(ctx, d) {
			reviewed++
		}
	}
	if reviewed > 0 {
		logging.Debug("reflect", "reviewed %d routing decisions", reviewed)
	}
}

// drainQueue reviews up to budget decisions from the reflection queue.
// Items whose decision is gone or already reflected are acked and skipped;
// an LLM failure leaves the lease to expire so the item redelivers.
func (r *Reflector) drainQueue(ctx context.Context, budget int) int {
	if r.queues == nil {
		return 0
	}
	reviewed := 0
	for reviewed < budget {
		item := r.queues.TryDequeue(queue.QueueReflection)
		if item == nil {
			break
		}
		d, err := r.db.GetRoutingDecision(item.ID)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && d.Reflection != nil) {
			r.queues.Ack(queue.QueueReflection, item.ID)
			continue
		}
		if err != nil {
			logging.Warn("reflect", "decision %s: %v", item.ID, err)
			r.queues.Nack(queue.QueueReflection, item.ID)
			break
		}
		if r.reflectOne(ctx, d) {
			r.queues.Ack(queue.QueueReflection, item.ID)
			reviewed++
		}
	}
	return reviewed
}

// reflectOne asks the model to judge a single decision and writes the
// verdict back. Write-once: losing a race to another worker counts as done.
func (r *Reflector) reflectOne(ctx context.Context, d *types.RoutingDecision) bool {
	prompt := fmt.Sprintf(`A message router picked mode %s (confidence %.2f) for a message on topic %q.
Signals: %s
Was this mode appropriate? Reply with JSON only:
{"appropriate":true,"better_mode":"RESPOND|ACT|CLARIFY|ACKNOWLEDGE","reason":"one sentence"}
Set better_mode only when appropriate is false.`,
		d.SelectedMode, d.Confidence, d.Topic, topSignals(d.SignalSnapshot))

	var v reflection
	if err := r.llm.GenerateJSON(ctx, prompt, &v); err != nil {
		logging.Debug("reflect", "decision %s: %v", d.ID, err)
		return false
	}
	out := map[string]any{"appropriate": v.Appropriate, "reason": v.Reason}
	if !v.Appropriate && v.BetterMode != "" {
		out["better_mode"] = v.BetterMode
	}
	if err := r.db.SetRoutingReflection(d.ID, out); err != nil {
		if types.KindOf(err) != types.ErrContract {
			logging.Warn("reflect", "decision %s: %v", d.ID, err)
			return false
		}
	}
	return true
}

func (r *Reflector) queueEmpty() bool {
	return r.queues == nil || r.queues.Len(queue.QueueReflection) == 0
}

// drift free-associates over recent episodes and stores the thought as a
// gist, so idle time leaves a trace the next assembly can pick up.
func (r *Reflector) drift(ctx context.Context) {
	episodes, err := r.db.RecentEpisodes("", 5)
	if err != nil || len(episodes) == 0 {
		return
	}
	var gists string
	for _, ep := range episodes {
		gists += "- " + ep.Gist + "\n"
	}
	thought, err := r.llm.GenerateSmall(ctx, fmt.Sprintf(
		"Here are recent episodes from conversations with the user:\n%sWrite one sentence connecting them, or noting something worth bringing up later.", gists))
	if err != nil || thought == "" {
		return
	}
	r.eph.StoreGist(types.Gist{Content: thought, Type: "drift", Confidence: 0.4})
	logging.Debug("reflect", "drift gist: %s", logging.Truncate(thought, 120))
}

// topSignals renders the nonzero signals compactly for the prompt.
func topSignals(signals map[string]float64) string {
	out := ""
	for name, v := range signals {
		if v == 0 {
			continue
		}
		out += fmt.Sprintf("%s=%.2f ", name, v)
	}
	return out
}
