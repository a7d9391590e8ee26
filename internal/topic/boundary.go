// Package topic assigns inbound messages to semantic attractors and decides
// when a conversation has crossed a topic boundary.
//
// The boundary detector keeps per-thread state in the ephemeral store (24h
// TTL): a NEWMA pair of fast/slow EWMAs over topic similarity, a rolling
// z-score window for transient surprise, and a leaky accumulator that fires
// once enough drift evidence has built up. The base parameters are owned by
// the topic stability regulator and read through a cached view.
package topic

import (
	"math"

	"github.com/cora-labs/cora/internal/config"
	"github.com/cora-labs/cora/internal/ephemeral"
	"github.com/cora-labs/cora/internal/logging"
)

const (
	// ColdStartSamples is how many messages a thread needs before the
	// adaptive detector takes over from the static threshold.
	ColdStartSamples = 5

	// StaticThreshold attaches messages during cold start: attach when
	// s* >= threshold, otherwise split.
	StaticThreshold = 0.55

	// surpriseWindow is the rolling window size for the z-score.
	surpriseWindow = 20

	// cooldownMessages suppresses refiring right after a boundary.
	cooldownMessages = 3

	// minStdDev floors the window deviation so early, flat windows do not
	// produce unbounded z-scores.
	minStdDev = 0.05
)

// detectorState is the per-thread detector memory.
type detectorState struct {
	Samples     int
	MuFast      float64
	MuSlow      float64
	Window      []float64
	Accumulator float64
	Cooldown    int

	// split bookkeeping for the stability regulator's false-split signal
	PrevTopic       string
	SplitFromTopic  string
	MessagesSinceSplit int
}

// Detector evaluates one similarity sample per inbound message.
type Detector struct {
	eph    *ephemeral.Store
	params *config.BoundaryCache
}

// NewDetector creates a detector reading base parameters through params.
func NewDetector(eph *ephemeral.Store, params *config.BoundaryCache) *Detector {
	return &Detector{eph: eph, params: params}
}

func stateKey(threadID string) string { return "boundary:" + threadID }

func (d *Detector) load(threadID string) *detectorState {
	if v, ok := d.eph.GetState(stateKey(threadID)); ok {
		if st, ok := v.(*detectorState); ok {
			return st
		}
	}
	return &detectorState{}
}

func (d *Detector) save(threadID string, st *detectorState) {
	d.eph.SetState(stateKey(threadID), st)
}

// Observe feeds the best-topic similarity for one message and reports
// whether a topic boundary fires. During cold start the static threshold
// applies; afterwards the NEWMA divergence and transient surprise feed the
// leaky accumulator, and a sharp break (similarity below the static
// threshold with an extreme negative z) fires immediately.
func (d *Detector) Observe(threadID string, sim float64) bool {
	p := d.params.Current()
	st := d.load(threadID)
	st.Samples++

	// surprise against the window as it stood before this message
	z := zScore(st.Window, sim)

	st.MuFast = p.AlphaFast*sim + (1-p.AlphaFast)*st.MuFast
	if st.Samples == 1 {
		st.MuFast, st.MuSlow = sim, sim
	} else {
		st.MuSlow = p.AlphaSlow*sim + (1-p.AlphaSlow)*st.MuSlow
	}

	st.Window = append(st.Window, sim)
	if len(st.Window) > surpriseWindow {
		st.Window = st.Window[len(st.Window)-surpriseWindow:]
	}

	fired := false
	switch {
	case st.Cooldown > 0:
		st.Cooldown--
	case st.Samples <= ColdStartSamples:
		fired = sim < StaticThreshold
	default:
		divergence := st.MuSlow - st.MuFast
		contribution := clamp((divergence-p.DivergenceThreshold)+(-z-p.ZThreshold), 0, 1)
		st.Accumulator = math.Max(0, st.Accumulator*(1-p.LeakRate)+contribution)
		logging.Debug("topic", "thread=%s sim=%.3f d=%.3f z=%.2f A=%.2f", threadID, sim, divergence, z, st.Accumulator)

		// sharp break: an abrupt similarity collapse fires without
		// waiting for the accumulator
		if sim < StaticThreshold && z <= -2*p.ZThreshold {
			fired = true
		} else if st.Accumulator >= p.AccumulatorBase {
			fired = true
		}
	}

	if fired {
		st.Accumulator = 0
		st.Cooldown = cooldownMessages
	}
	d.save(threadID, st)
	return fired
}

// NoteAssignment records which topic the message landed on, tracking
// re-merges after a split. It returns true when this assignment exposes a
// false split: a boundary fired, and within the cooldown window the thread
// went straight back to the topic it split from.
func (d *Detector) NoteAssignment(threadID, topicName string, split bool) bool {
	st := d.load(threadID)
	falseSplit := false
	if split {
		st.SplitFromTopic = st.PrevTopic
		st.MessagesSinceSplit = 0
	} else if st.SplitFromTopic != "" {
		st.MessagesSinceSplit++
		if topicName == st.SplitFromTopic && st.MessagesSinceSplit <= cooldownMessages {
			falseSplit = true
			st.SplitFromTopic = ""
		} else if st.MessagesSinceSplit > cooldownMessages {
			st.SplitFromTopic = ""
		}
	}
	st.PrevTopic = topicName
	d.save(threadID, st)
	return falseSplit
}

// Samples returns how many messages the detector has seen for a thread.
func (d *Detector) Samples(threadID string) int {
	return d.load(threadID).Samples
}

func zScore(window []float64, sample float64) float64 {
	if len(window) < 2 {
		return 0
	}
	var sum float64
	for _, v := range window {
		sum += v
	}
	mean := sum / float64(len(window))
	var variance float64
	for _, v := range window {
		variance += (v - mean) * (v - mean)
	}
	std := math.Sqrt(variance / float64(len(window)))
	if std < minStdDev {
		std = minStdDev
	}
	return (sample - mean) / std
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
