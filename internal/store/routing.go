package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cora-labs/cora/internal/types"
	"github.com/google/uuid"
)

// InsertRoutingDecision persists a routing decision together with the
// signal and weight snapshots that produced it, in a single transaction so
// the audit record can never be split from its inputs.
func (s *DB) InsertRoutingDecision(d *types.RoutingDecision) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	scores, _ := json.Marshal(d.Scores)
	signals, _ := json.Marshal(d.SignalSnapshot)
	weights, _ := json.Marshal(d.WeightSnapshot)

	_, err := s.db.Exec(`
		INSERT INTO routing_decisions (id, topic, exchange_id, selected_mode, router_confidence,
			scores, tiebreaker_used, margin, effective_margin, signal_snapshot, weight_snapshot, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, nullable(d.Topic), nullable(d.ExchangeID), string(d.SelectedMode), d.Confidence,
		string(scores), d.TiebreakerUsed, d.Margin, d.EffectiveMargin,
		string(signals), string(weights), d.CreatedAt)
	return err
}

// SetRoutingReflection appends the post-hoc reflection to a decision. The
// reflection is write-once; a second write is rejected.
func (s *DB) SetRoutingReflection(id string, reflection map[string]any) error {
	blob, err := json.Marshal(reflection)
	if err != nil {
		return types.Validationf("reflection not serializable: %v", err)
	}
	res, err := s.db.Exec(`
		UPDATE routing_decisions SET reflection = ? WHERE id = ? AND reflection IS NULL
	`, string(blob), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.Contractf("routing decision %s missing or already reflected", id)
	}
	return nil
}

// GetRoutingDecision returns one decision by ID.
func (s *DB) GetRoutingDecision(id string) (*types.RoutingDecision, error) {
	out, err := s.queryDecisions(routingSelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, sql.ErrNoRows
	}
	return out[0], nil
}

// UnreflectedDecisions returns decisions that have not yet been reviewed,
// oldest first.
func (s *DB) UnreflectedDecisions(limit int) ([]*types.RoutingDecision, error) {
	return s.queryDecisions(`
		`+routingSelect+` WHERE reflection IS NULL ORDER BY created_at ASC LIMIT ?
	`, limit)
}

// RecentDecisions returns the latest decisions, newest first.
func (s *DB) RecentDecisions(limit int) ([]*types.RoutingDecision, error) {
	return s.queryDecisions(routingSelect+` ORDER BY created_at DESC LIMIT ?`, limit)
}

const routingSelect = `
	SELECT id, COALESCE(topic,''), COALESCE(exchange_id,''), selected_mode, router_confidence,
	       scores, tiebreaker_used, margin, effective_margin, signal_snapshot, weight_snapshot,
	       reflection, created_at
	FROM routing_decisions`

func (s *DB) queryDecisions(q string, args ...any) ([]*types.RoutingDecision, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.RoutingDecision
	for rows.Next() {
		var d types.RoutingDecision
		var mode, scores, signals, weights string
		var reflection *string
		if err := rows.Scan(&d.ID, &d.Topic, &d.ExchangeID, &mode, &d.Confidence,
			&scores, &d.TiebreakerUsed, &d.Margin, &d.EffectiveMargin,
			&signals, &weights, &reflection, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.SelectedMode = types.Mode(mode)
		json.Unmarshal([]byte(scores), &d.Scores)
		json.Unmarshal([]byte(signals), &d.SignalSnapshot)
		json.Unmarshal([]byte(weights), &d.WeightSnapshot)
		if reflection != nil {
			json.Unmarshal([]byte(*reflection), &d.Reflection)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
