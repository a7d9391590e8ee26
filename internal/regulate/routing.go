// Package regulate hosts the slow loops that tune the fast ones: the
// routing stability regulator nudges router weights from reflected
// decisions, the topic stability regulator adjusts boundary sensitivity
// from split feedback, and the reflection worker reviews routing decisions
// during idle time.
package regulate

import (
	"context"
	"math"
	"time"

	"github.com/cora-labs/cora/internal/config"
	"github.com/cora-labs/cora/internal/logging"
	"github.com/cora-labs/cora/internal/router"
	"github.com/cora-labs/cora/internal/store"
	"github.com/cora-labs/cora/internal/types"
)

const (
	// RoutingInterval is the routing regulator's cadence.
	RoutingInterval = 24 * time.Hour

	// MaxWeightStep bounds how far one weight can move per run.
	MaxWeightStep = 0.02

	// WeightCooldown is how long a weight rests after being changed.
	WeightCooldown = 48 * time.Hour

	// replayWindow is how many recent decisions the candidate weights are
	// replayed against before they can be accepted.
	replayWindow = 100

	// lowConfidence marks decisions that count as evidence even without a
	// reflection verdict.
	lowConfidence = 0.2
)

// weightMeta tracks per-weight cooldowns across runs, stored as the
// router_weights_meta config record.
type weightMeta struct {
	LastChanged map[string]time.Time `json:"last_changed"`
}

// RoutingRegulator is the slow loop that owns the router weight record.
type RoutingRegulator struct {
	db      *store.DB
	weights *config.WeightCache
}

// NewRoutingRegulator creates the regulator.
func NewRoutingRegulator(db *store.DB, weights *config.WeightCache) *RoutingRegulator {
	return &RoutingRegulator{db: db, weights: weights}
}

// Run ticks the regulator on its daily cadence.
func (r *RoutingRegulator) Run(ctx context.Context) error {
	ticker := time.NewTicker(RoutingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := r.Adjust(now); err != nil {
				logging.Warn("regulate", "routing adjustment: %v", err)
			}
		}
	}
}

// Adjust computes pressure on each weight from reflected and low-confidence
// decisions, proposes a clamped update, replays recent history with it, and
// applies it only when aggregate confidence does not drop.
func (r *RoutingRegulator) Adjust(now time.Time) error {
	decisions, err := r.db.RecentDecisions(replayWindow)
	if err != nil {
		return err
	}
	if len(decisions) == 0 {
		return nil
	}

	pressure := r.collectPressure(decisions)
	if len(pressure) == 0 {
		logging.Debug("regulate", "no routing pressure this cycle")
		return nil
	}

	var meta weightMeta
	r.db.GetConfigRecord(config.KeyWeightMeta, &meta)
	if meta.LastChanged == nil {
		meta.LastChanged = make(map[string]time.Time)
	}

	current := r.weights.Current()
	candidate := make(config.Weights, len(current))
	for k, v := range current {
		candidate[k] = v
	}

	changed := 0
	for key, p := range pressure {
		if last, ok := meta.LastChanged[key]; ok && now.Sub(last) < WeightCooldown {
			continue
		}
		step := math.Max(-MaxWeightStep, math.Min(MaxWeightStep, p))
		if step == 0 {
			continue
		}
		candidate[key] = current[key] + step
		meta.LastChanged[key] = now
		changed++
	}
	if changed == 0 {
		return nil
	}

	before := replayConfidence(decisions, current)
	after := replayConfidence(decisions, candidate)
	if after < before {
		logging.Info("regulate", "rejected weight update: replay confidence %.3f -> %.3f", before, after)
		return nil
	}

	if err := r.weights.Apply(candidate, config.WriterRoutingRegulator); err != nil {
		return err
	}
	if err := r.db.SetConfigRecord(config.KeyWeightMeta, meta, config.WriterRoutingRegulator); err != nil {
		logging.Warn("regulate", "weight meta: %v", err)
	}
	logging.Info("regulate", "adjusted %d router weights, replay confidence %.3f -> %.3f", changed, before, after)
	return nil
}

// collectPressure turns decision evidence into per-weight deltas. A
// reflection naming a better mode pushes that mode's active signals up and
// the selected mode's down; an unreflected low-confidence decision applies
// a fraction of the same pressure against the winner.
func (r *RoutingRegulator) collectPressure(decisions []*types.RoutingDecision) map[string]float64 {
	pressure := make(map[string]float64)
	for _, d := range decisions {
		better, ok := betterMode(d)
		if ok && better != d.SelectedMode {
			for name, value := range d.SignalSnapshot {
				if value == 0 {
					continue
				}
				pressure[string(better)+"."+name] += 0.005 * value
				pressure[string(d.SelectedMode)+"."+name] -= 0.005 * value
			}
			continue
		}
		if !ok && d.Confidence < lowConfidence {
			for name, value := range d.SignalSnapshot {
				if value == 0 {
					continue
				}
				pressure[string(d.SelectedMode)+"."+name] -= 0.001 * value
			}
		}
	}
	return pressure
}

// betterMode reads the reflection verdict off a decision.
func betterMode(d *types.RoutingDecision) (types.Mode, bool) {
	if d.Reflection == nil {
		return "", false
	}
	if ok, _ := d.Reflection["appropriate"].(bool); ok {
		return d.SelectedMode, true
	}
	if m, _ := d.Reflection["better_mode"].(string); m != "" {
		return types.Mode(m), true
	}
	return "", false
}

// replayConfidence replays stored decisions through the pure scorer with a
// weight vector and averages the resulting confidence.
func replayConfidence(decisions []*types.RoutingDecision, weights config.Weights) float64 {
	var sum float64
	var n int
	for _, d := range decisions {
		if len(d.SignalSnapshot) == 0 {
			continue
		}
		ev := router.Evaluate(d.SignalSnapshot, weights)
		router.ApplyOverrides(ev, d.SignalSnapshot)
		sum += ev.Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
