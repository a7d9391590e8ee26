package config

import (
	"sync"
	"time"

	"github.com/cora-labs/cora/internal/logging"
	"github.com/cora-labs/cora/internal/store"
)

// Weights maps "MODE.signal" to a router weight.
type Weights map[string]float64

// WeightCache serves router weights from the store with a bounded-staleness
// cache. Apply is the only write path; the store enforces that just the
// routing regulator may use it.
type WeightCache struct {
	db       *store.DB
	defaults Weights

	mu      sync.Mutex
	cached  Weights
	fetched time.Time
}

// NewWeightCache creates a cache backed by db, falling back to defaults when
// no record has been written yet.
func NewWeightCache(db *store.DB, defaults Weights) *WeightCache {
	return &WeightCache{db: db, defaults: defaults}
}

// Current returns the effective weights, refreshing from the store when the
// cache is older than CacheTTL. The returned map must not be mutated.
func (c *WeightCache) Current() Weights {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && time.Since(c.fetched) < CacheTTL {
		return c.cached
	}

	var w Weights
	if c.db != nil {
		if err := c.db.GetConfigRecord(KeyRouterWeights, &w); err != nil || len(w) == 0 {
			w = nil
		}
	}
	if w == nil {
		w = c.defaults
	}
	c.cached = w
	c.fetched = time.Now()
	return c.cached
}

// Apply persists new weights as writer and invalidates the cache. Writers
// other than the routing regulator are refused by the store.
func (c *WeightCache) Apply(w Weights, writer string) error {
	if err := c.db.SetConfigRecord(KeyRouterWeights, w, writer); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}

// Invalidate forces the next Current to hit the store.
func (c *WeightCache) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// BoundaryParams are the topic boundary detector's base parameters, the
// slow-loop knobs owned by the topic stability regulator.
type BoundaryParams struct {
	AccumulatorBase     float64 `json:"accumulator_base"`     // A fires at this level
	LeakRate            float64 `json:"leak_rate"`            // per-message accumulator leak
	AlphaFast           float64 `json:"alpha_fast"`           // NEWMA fast EWMA
	AlphaSlow           float64 `json:"alpha_slow"`           // NEWMA slow EWMA
	DivergenceThreshold float64 `json:"divergence_threshold"` // tau_d
	ZThreshold          float64 `json:"z_threshold"`          // tau_z
}

// DefaultBoundaryParams returns the boot-time detector parameters.
func DefaultBoundaryParams() BoundaryParams {
	return BoundaryParams{
		AccumulatorBase:     2.0,
		LeakRate:            0.1,
		AlphaFast:           0.1,
		AlphaSlow:           0.01,
		DivergenceThreshold: 0.05,
		ZThreshold:          2.0,
	}
}

// BoundaryCache serves boundary base parameters with the same staleness
// contract as WeightCache.
type BoundaryCache struct {
	db *store.DB

	mu      sync.Mutex
	cached  *BoundaryParams
	fetched time.Time
}

// NewBoundaryCache creates a cache backed by db.
func NewBoundaryCache(db *store.DB) *BoundaryCache {
	return &BoundaryCache{db: db}
}

// Current returns the effective boundary parameters.
func (c *BoundaryCache) Current() BoundaryParams {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && time.Since(c.fetched) < CacheTTL {
		return *c.cached
	}

	p := DefaultBoundaryParams()
	if c.db != nil {
		var stored BoundaryParams
		if err := c.db.GetConfigRecord(KeyTopicBoundary, &stored); err == nil && stored.AccumulatorBase > 0 {
			p = stored
		}
	}
	c.cached = &p
	c.fetched = time.Now()
	return p
}

// Apply persists new parameters as writer and invalidates the cache.
func (c *BoundaryCache) Apply(p BoundaryParams, writer string) error {
	if err := c.db.SetConfigRecord(KeyTopicBoundary, p, writer); err != nil {
		return err
	}
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
	logging.Info("config", "boundary base params updated by %s: base=%.2f leak=%.2f", writer, p.AccumulatorBase, p.LeakRate)
	return nil
}
