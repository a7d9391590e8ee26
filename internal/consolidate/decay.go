package consolidate

import (
	"context"
	"fmt"
	"time"

	"github.com/cora-labs/cora/internal/ephemeral"
	"github.com/cora-labs/cora/internal/llm"
	"github.com/cora-labs/cora/internal/logging"
	"github.com/cora-labs/cora/internal/store"
)

// DecayInterval is the cadence of the aging pass.
const DecayInterval = 30 * time.Minute

// identityDriftWindow bounds which episodes feed identity drift: only ones
// consolidated since the previous pass.
const identityDriftWindow = DecayInterval

// Decay ages every memory layer and drifts identity toward recent
// emotional tone.
type Decay struct {
	db  *store.DB
	eph *ephemeral.Store
	llm *llm.Client
}

// NewDecay wires the decay engine. llm may be nil to skip moment
// enrichment.
func NewDecay(db *store.DB, eph *ephemeral.Store, client *llm.Client) *Decay {
	return &Decay{db: db, eph: eph, llm: client}
}

// Run ticks the aging pass until the context ends.
func (d *Decay) Run(ctx context.Context) error {
	ticker := time.NewTicker(DecayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			d.Pass(ctx, now)
		}
	}
}

// Pass runs one aging sweep. Each stage is independent; a failing stage is
// logged and the rest still run.
func (d *Decay) Pass(ctx context.Context, now time.Time) {
	if n, err := d.db.DecayEpisodes(now, DecayInterval.Hours()); err != nil {
		logging.Warn("decay", "episodes: %v", err)
	} else if n > 0 {
		logging.Debug("decay", "aged %d episodes", n)
	}

	if n, err := d.db.DecayConcepts(DecayInterval.Hours()); err != nil {
		logging.Warn("decay", "concepts: %v", err)
	} else if n > 0 {
		logging.Debug("decay", "aged %d concepts", n)
	}

	if err := d.db.RelaxIdentity(now); err != nil {
		logging.Warn("decay", "relax identity: %v", err)
	}
	d.driftIdentity(now)

	if swept := d.eph.Sweep(); swept > 0 {
		logging.Debug("decay", "swept %d expired ephemeral entries", swept)
	}
	if n, err := d.db.ExpireTasks(now); err == nil && n > 0 {
		logging.Info("decay", "expired %d persistent tasks", n)
	}

	d.enrichMoments(ctx)
}

// driftIdentity nudges the emotional dimensions toward the tone of
// episodes consolidated since the last pass. The store caps drift per day,
// so a single intense session cannot reshape the personality.
func (d *Decay) driftIdentity(now time.Time) {
	episodes, err := d.db.RecentEpisodes("", 10)
	if err != nil {
		logging.Warn("decay", "recent episodes: %v", err)
		return
	}
	var valence, intensity float64
	var n int
	for _, ep := range episodes {
		if now.Sub(ep.CreatedAt) > identityDriftWindow {
			continue
		}
		valence += ep.Emotion.Valence
		intensity += ep.Emotion.Intensity
		n++
	}
	if n == 0 {
		return
	}
	valence /= float64(n)
	intensity /= float64(n)

	// valence in [-1,1] maps to warmth activation in [0,1]
	if applied, err := d.db.DriftIdentity("warmth", (valence+1)/2, now); err == nil && applied != 0 {
		logging.Debug("decay", "warmth drift %+.4f", applied)
	}
	if applied, err := d.db.DriftIdentity("emotional_intensity", intensity, now); err == nil && applied != 0 {
		logging.Debug("decay", "emotional_intensity drift %+.4f", applied)
	}
}

// enrichMoments seals pinned moments with a short generated reflection.
func (d *Decay) enrichMoments(ctx context.Context) {
	if d.llm == nil {
		return
	}
	pending, err := d.db.MomentsAwaitingEnrichment(5)
	if err != nil {
		logging.Warn("decay", "pending moments: %v", err)
		return
	}
	for _, m := range pending {
		enrichment, err := d.llm.GenerateSmall(ctx, fmt.Sprintf(
			"The user pinned this moment to keep. Write one sentence on why it might matter to them later.\nMoment: %s", m.Content))
		if err != nil {
			continue
		}
		emb, err := d.llm.Embed(ctx, m.Content+" "+enrichment)
		if err != nil {
			continue
		}
		if err := d.db.EnrichMoment(m.ID, enrichment, emb); err != nil {
			logging.Warn("decay", "enrich moment %s: %v", m.ID, err)
			continue
		}
		logging.Debug("decay", "sealed moment %s", m.ID)
	}
}
