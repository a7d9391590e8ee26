package store

import (
	"database/sql"
	"math"
	"time"

	"github.com/cora-labs/cora/internal/types"
)

// traitHalfLives gives per-category confidence half-lives. Stable
// categories fade slowly; mood barely outlives the day.
var traitHalfLives = map[string]time.Duration{
	"identity":   0, // never decays
	"preference": 90 * 24 * time.Hour,
	"habit":      60 * 24 * time.Hour,
	"interest":   30 * 24 * time.Hour,
	"mood":       24 * time.Hour,
	"general":    45 * 24 * time.Hour,
}

// KnownTraitCategory reports whether a category carries a tuned half-life.
// Extraction prompts should only offer categories this accepts.
func KnownTraitCategory(category string) bool {
	_, ok := traitHalfLives[category]
	return ok
}

// UpsertTrait stores or reinforces a user trait. An existing trait with the
// same key gains a reinforcement; a conflicting value records the conflict
// and adopts the new value only when it is more confident. Explicit traits
// are never overwritten by inferred ones.
func (s *DB) UpsertTrait(t types.UserTrait) error {
	if err := s.checkDim(t.Embedding); err != nil {
		return err
	}
	now := time.Now()
	if t.LastReinforcedAt.IsZero() {
		t.LastReinforcedAt = now
	}
	if t.Category == "" {
		t.Category = "general"
	}
	if t.Source == "" {
		t.Source = types.TraitInferred
	}

	existing, err := s.GetTrait(t.UserID, t.Key)
	if err == sql.ErrNoRows {
		_, err := s.db.Exec(`
			INSERT INTO user_traits (user_id, trait_key, trait_value, category, confidence,
				reinforcement_count, last_reinforced_at, is_literal, source, embedding)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?)
		`, t.UserID, t.Key, t.Value, t.Category, t.Confidence,
			t.LastReinforcedAt, t.IsLiteral, string(t.Source), EncodeEmbedding(t.Embedding))
		return err
	}
	if err != nil {
		return err
	}

	if existing.Source == types.TraitExplicit && t.Source == types.TraitInferred {
		// explicit wins; inferred evidence only reinforces
		_, err := s.db.Exec(`
			UPDATE user_traits SET reinforcement_count = reinforcement_count + 1, last_reinforced_at = ?
			WHERE user_id = ? AND trait_key = ?
		`, now, t.UserID, t.Key)
		return err
	}

	if existing.Value != t.Value {
		value := existing.Value
		confidence := existing.Confidence
		if t.Confidence > existing.Confidence || t.Source == types.TraitExplicit {
			value = t.Value
			confidence = t.Confidence
		}
		_, err := s.db.Exec(`
			UPDATE user_traits SET trait_value = ?, confidence = ?, last_conflict_at = ?,
				last_reinforced_at = ?, source = ?, embedding = COALESCE(?, embedding)
			WHERE user_id = ? AND trait_key = ?
		`, value, confidence, now, now, string(t.Source), EncodeEmbedding(t.Embedding), t.UserID, t.Key)
		return err
	}

	confidence := existing.Confidence + 0.1*(1-existing.Confidence)
	_, err = s.db.Exec(`
		UPDATE user_traits SET confidence = ?, reinforcement_count = reinforcement_count + 1,
			last_reinforced_at = ?
		WHERE user_id = ? AND trait_key = ?
	`, confidence, now, t.UserID, t.Key)
	return err
}

// GetTrait returns one trait for a user.
func (s *DB) GetTrait(userID, key string) (*types.UserTrait, error) {
	row := s.db.QueryRow(traitSelect+` WHERE user_id = ? AND trait_key = ?`, userID, key)
	return scanTrait(row)
}

const traitSelect = `
	SELECT user_id, trait_key, trait_value, category, confidence, reinforcement_count,
	       last_reinforced_at, last_conflict_at, is_literal, source, embedding
	FROM user_traits`

func scanTrait(row rowScanner) (*types.UserTrait, error) {
	var t types.UserTrait
	var source string
	var conflictAt sql.NullTime
	var blob []byte
	err := row.Scan(&t.UserID, &t.Key, &t.Value, &t.Category, &t.Confidence,
		&t.ReinforcementCount, &t.LastReinforcedAt, &conflictAt, &t.IsLiteral, &source, &blob)
	if err != nil {
		return nil, err
	}
	t.Source = types.TraitSource(source)
	if conflictAt.Valid {
		t.LastConflictAt = &conflictAt.Time
	}
	t.Embedding = DecodeEmbedding(blob)
	return &t, nil
}

// ListTraits returns a user's traits with time-decayed effective confidence,
// most confident first. Stored confidence is untouched; decay applies at
// read time using the category half-life.
func (s *DB) ListTraits(userID string, minConfidence float64) ([]types.UserTrait, error) {
	rows, err := s.db.Query(traitSelect+` WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now()
	var out []types.UserTrait
	for rows.Next() {
		t, err := scanTrait(rows)
		if err != nil {
			return nil, err
		}
		t.Confidence = effectiveConfidence(*t, now)
		if t.Confidence >= minConfidence {
			out = append(out, *t)
		}
	}
	// most confident first
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Confidence > out[j-1].Confidence; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, rows.Err()
}

// effectiveConfidence applies exponential decay by category half-life.
func effectiveConfidence(t types.UserTrait, now time.Time) float64 {
	halfLife, ok := traitHalfLives[t.Category]
	if !ok {
		halfLife = traitHalfLives["general"]
	}
	if halfLife == 0 {
		return t.Confidence
	}
	age := now.Sub(t.LastReinforcedAt)
	if age <= 0 {
		return t.Confidence
	}
	return t.Confidence * math.Exp(-math.Ln2*age.Hours()/halfLife.Hours())
}
