package store

import (
	"time"

	"github.com/cora-labs/cora/internal/types"
	"github.com/google/uuid"
)

// PinMoment bookmarks a message for a user. The moment starts in the
// enriching state until a background pass adds context.
func (s *DB) PinMoment(userID, content string) (*types.Moment, error) {
	now := time.Now()
	m := &types.Moment{
		ID:        uuid.NewString(),
		UserID:    userID,
		Content:   content,
		State:     types.MomentEnriching,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Exec(`
		INSERT INTO moments (id, user_id, content, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.UserID, m.Content, string(m.State), m.CreatedAt, m.UpdatedAt)
	return m, err
}

// EnrichMoment attaches the generated enrichment and embedding, sealing the
// moment. Only enriching moments can be sealed.
func (s *DB) EnrichMoment(id, enrichment string, embedding []float32) error {
	if err := s.checkDim(embedding); err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE moments SET enrichment = ?, embedding = ?, state = 'sealed', updated_at = ?
		WHERE id = ? AND state = 'enriching'
	`, enrichment, EncodeEmbedding(embedding), time.Now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.Contractf("moment %s not found or not enriching", id)
	}
	var rowid int64
	if s.db.QueryRow(`SELECT rowid FROM moments WHERE id = ?`, id).Scan(&rowid) == nil {
		s.upsertVec("moment_vec", rowid, id, embedding)
	}
	return nil
}

// MomentsAwaitingEnrichment returns enriching moments across all users,
// oldest first, for the background enrichment pass.
func (s *DB) MomentsAwaitingEnrichment(limit int) ([]*types.Moment, error) {
	rows, err := s.db.Query(momentSelect+`
		WHERE state = 'enriching' ORDER BY created_at ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Moment
	for rows.Next() {
		m, err := scanMoment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ForgetMoment soft-deletes a moment. Forgotten moments never surface in
// search.
func (s *DB) ForgetMoment(id string) error {
	_, err := s.db.Exec(`UPDATE moments SET state = 'forgotten', updated_at = ? WHERE id = ?`,
		time.Now(), id)
	return err
}

// ListMoments returns a user's sealed and enriching moments, newest first.
func (s *DB) ListMoments(userID string, limit int) ([]*types.Moment, error) {
	rows, err := s.db.Query(momentSelect+`
		WHERE user_id = ? AND state != 'forgotten'
		ORDER BY created_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Moment
	for rows.Next() {
		m, err := scanMoment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SearchMoments returns a user's sealed moments nearest the query embedding.
func (s *DB) SearchMoments(userID string, queryEmb []float32, limit int) ([]*types.Moment, error) {
	rows, err := s.db.Query(momentSelect+`
		WHERE user_id = ? AND state = 'sealed' AND embedding IS NOT NULL
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type scored struct {
		m   *types.Moment
		sim float64
	}
	var candidates []scored
	for rows.Next() {
		m, err := scanMoment(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, scored{m: m, sim: cosineSim(queryEmb, m.Embedding)})
	}
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].sim > candidates[j-1].sim; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]*types.Moment, len(candidates))
	for i, c := range candidates {
		out[i] = c.m
	}
	return out, rows.Err()
}

const momentSelect = `
	SELECT id, user_id, content, COALESCE(enrichment,''), state, embedding, created_at, updated_at
	FROM moments`

func scanMoment(row rowScanner) (*types.Moment, error) {
	var m types.Moment
	var state string
	var blob []byte
	err := row.Scan(&m.ID, &m.UserID, &m.Content, &m.Enrichment, &state, &blob,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.State = types.MomentState(state)
	m.Embedding = DecodeEmbedding(blob)
	return &m, nil
}
