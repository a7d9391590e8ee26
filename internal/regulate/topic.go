package regulate

import (
	"context"
	"time"

	"github.com/cora-labs/cora/internal/config"
	"github.com/cora-labs/cora/internal/logging"
	"github.com/cora-labs/cora/internal/store"
)

const (
	// TopicInterval is the topic regulator's cadence.
	TopicInterval = 24 * time.Hour

	// boundaryStep is how far the accumulator base moves per run.
	boundaryStep = 0.1

	// Accumulator base stays inside these rails no matter what the
	// feedback says.
	boundaryBaseMin = 1.0
	boundaryBaseMax = 4.0

	// falseSplitTolerance is the false-split share of all splits above
	// which the detector is considered trigger-happy.
	falseSplitTolerance = 0.2
)

// TopicRegulator is the slow loop that owns the boundary base parameters.
// False splits (quick re-merges) push the base up, making splits harder;
// user corrections (missed splits) push it down.
type TopicRegulator struct {
	db       *store.DB
	boundary *config.BoundaryCache
}

// NewTopicRegulator creates the regulator.
func NewTopicRegulator(db *store.DB, boundary *config.BoundaryCache) *TopicRegulator {
	return &TopicRegulator{db: db, boundary: boundary}
}

// Run ticks the regulator on its daily cadence.
func (r *TopicRegulator) Run(ctx context.Context) error {
	ticker := time.NewTicker(TopicInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := r.Adjust(now); err != nil {
				logging.Warn("regulate", "topic adjustment: %v", err)
			}
		}
	}
}

// Adjust reads the last day's split feedback from the interaction log and
// moves the accumulator base one step at most.
func (r *TopicRegulator) Adjust(now time.Time) error {
	since := now.Add(-TopicInterval)
	splits, err := r.db.CountInteractions("topic_split", since)
	if err != nil {
		return err
	}
	falseSplits, err := r.db.CountInteractions("topic_false_split", since)
	if err != nil {
		return err
	}
	corrections, err := r.db.CountInteractions("topic_correction", since)
	if err != nil {
		return err
	}

	p := r.boundary.Current()
	base := p.AccumulatorBase

	switch {
	case splits > 0 && float64(falseSplits)/float64(splits) > falseSplitTolerance:
		base += boundaryStep
	case corrections > falseSplits:
		base -= boundaryStep
	default:
		logging.Debug("regulate", "topic boundary steady: splits=%d false=%d corrections=%d", splits, falseSplits, corrections)
		return nil
	}

	if base < boundaryBaseMin {
		base = boundaryBaseMin
	}
	if base > boundaryBaseMax {
		base = boundaryBaseMax
	}
	if base == p.AccumulatorBase {
		return nil
	}

	p.AccumulatorBase = base
	if err := r.boundary.Apply(p, config.WriterTopicRegulator); err != nil {
		return err
	}
	logging.Info("regulate", "boundary base -> %.2f (splits=%d false=%d corrections=%d)", base, splits, falseSplits, corrections)
	return nil
}
