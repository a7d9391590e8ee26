package store

import (
	"math"
	"time"

	"github.com/cora-labs/cora/internal/types"
)

// MaxDailyIdentityDrift bounds how far one dimension can move per day.
const MaxDailyIdentityDrift = 0.02

// identityBaselines seed the six dimensions on first boot.
var identityBaselines = map[string]float64{
	"curiosity":           0.7,
	"assertiveness":       0.5,
	"warmth":              0.7,
	"playfulness":         0.5,
	"skepticism":          0.4,
	"emotional_intensity": 0.4,
}

// SeedIdentity inserts the six dimensions if absent. Existing rows keep
// their drifted state.
func (s *DB) SeedIdentity() error {
	now := time.Now()
	for _, dim := range types.IdentityDimensions {
		baseline := identityBaselines[dim]
		_, err := s.db.Exec(`
			INSERT OR IGNORE INTO identity_vectors
				(dimension, baseline_weight, current_activation, updated_at)
			VALUES (?, ?, ?, ?)
		`, dim, baseline, baseline, now)
		if err != nil {
			return err
		}
	}
	return nil
}

// Identity returns all dimensions keyed by name.
func (s *DB) Identity() (map[string]types.IdentityVector, error) {
	rows, err := s.db.Query(`
		SELECT dimension, baseline_weight, current_activation, min_cap, max_cap,
		       plasticity_rate, inertia_rate, drift_today, drift_date, updated_at
		FROM identity_vectors
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]types.IdentityVector)
	for rows.Next() {
		var v types.IdentityVector
		if err := rows.Scan(&v.Dimension, &v.BaselineWeight, &v.CurrentActivation,
			&v.MinCap, &v.MaxCap, &v.PlasticityRate, &v.InertiaRate,
			&v.DriftToday, &v.DriftDate, &v.UpdatedAt); err != nil {
			return nil, err
		}
		out[v.Dimension] = v
	}
	return out, rows.Err()
}

// DriftIdentity nudges a dimension toward target, subject to plasticity,
// the hard min/max caps, and the daily drift bound. Returns the applied
// delta, which may be zero when today's budget is spent.
func (s *DB) DriftIdentity(dimension string, target float64, now time.Time) (float64, error) {
	all, err := s.Identity()
	if err != nil {
		return 0, err
	}
	v, ok := all[dimension]
	if !ok {
		return 0, types.Validationf("unknown identity dimension %q", dimension)
	}

	today := now.Format("2006-01-02")
	driftToday := v.DriftToday
	if v.DriftDate != today {
		driftToday = 0
	}

	desired := v.PlasticityRate * (target - v.CurrentActivation)
	budget := MaxDailyIdentityDrift - math.Abs(driftToday)
	if budget <= 0 {
		return 0, nil
	}
	if math.Abs(desired) > budget {
		if desired > 0 {
			desired = budget
		} else {
			desired = -budget
		}
	}

	next := v.CurrentActivation + desired
	if next < v.MinCap {
		next = v.MinCap
	}
	if next > v.MaxCap {
		next = v.MaxCap
	}
	applied := next - v.CurrentActivation

	_, err = s.db.Exec(`
		UPDATE identity_vectors
		SET current_activation = ?, drift_today = ?, drift_date = ?, updated_at = ?
		WHERE dimension = ?
	`, next, driftToday+math.Abs(applied), today, now, dimension)
	return applied, err
}

// RelaxIdentity pulls every dimension back toward its baseline by the
// inertia rate. Runs during consolidation so drift without reinforcement
// fades.
func (s *DB) RelaxIdentity(now time.Time) error {
	_, err := s.db.Exec(`
		UPDATE identity_vectors
		SET current_activation = baseline_weight + inertia_rate * (current_activation - baseline_weight),
		    updated_at = ?
	`, now)
	return err
}
