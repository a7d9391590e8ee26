package store

import (
	"database/sql"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/cora-labs/cora/internal/logging"
	"github.com/cora-labs/cora/internal/types"
	"github.com/google/uuid"
)

// Hybrid search and decay parameters for episodic memory.
const (
	// HybridAlpha weights vector similarity against BM25 in hybrid search.
	HybridAlpha = 0.6

	// EpisodeDecayLambda is the per-hour freshness decay rate.
	EpisodeDecayLambda = 0.05

	// EpisodeSlowDecayLambda is the per-hour salience decay rate, so even
	// a re-accessed episode eventually fades.
	EpisodeSlowDecayLambda = 0.01
)

// InsertEpisode persists a consolidated episode. Consolidation is idempotent
// per root cycle: a second episode for the same root_cycle_id returns the
// existing one untouched.
func (s *DB) InsertEpisode(e *types.Episode) (*types.Episode, error) {
	if existing, err := s.GetEpisodeByRootCycle(e.RootCycleID); err == nil {
		return existing, nil
	} else if err != sql.ErrNoRows {
		return nil, err
	}
	if err := s.checkDim(e.Embedding); err != nil {
		return nil, err
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.LastAccessedAt.IsZero() {
		e.LastAccessedAt = e.CreatedAt
	}
	e.Freshness = e.Salience

	intent, _ := json.Marshal(e.Intent)
	ctx, _ := json.Marshal(e.Context)
	emotion, _ := json.Marshal(e.Emotion)
	loops, _ := json.Marshal(e.OpenLoops)
	factors, _ := json.Marshal(e.SalienceFactors)

	_, err := s.db.Exec(`
		INSERT INTO episodes (id, root_cycle_id, topic, gist, intent, context, action, emotion,
			outcome, open_loops, salience_factors, salience, freshness, embedding,
			access_count, created_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, e.ID, e.RootCycleID, e.Topic, e.Gist, string(intent), string(ctx),
		nullable(e.Action), string(emotion), nullable(e.Outcome), string(loops),
		string(factors), e.Salience, e.Freshness, EncodeEmbedding(e.Embedding),
		e.CreatedAt, e.LastAccessedAt)
	if err != nil {
		// UNIQUE(root_cycle_id) race: return the winner
		if existing, gerr := s.GetEpisodeByRootCycle(e.RootCycleID); gerr == nil {
			return existing, nil
		}
		return nil, err
	}

	if s.ftsAvailable {
		if _, err := s.db.Exec(`INSERT INTO episode_fts(episode_id, gist) VALUES (?, ?)`, e.ID, e.Gist); err != nil {
			logging.Debug("store", "episode fts insert: %v", err)
		}
	}
	var rowid int64
	if s.db.QueryRow(`SELECT rowid FROM episodes WHERE id = ?`, e.ID).Scan(&rowid) == nil {
		s.upsertVec("episode_vec", rowid, e.ID, e.Embedding)
	}
	return e, nil
}

// GetEpisodeByRootCycle returns the episode consolidated from a root cycle.
func (s *DB) GetEpisodeByRootCycle(rootCycleID string) (*types.Episode, error) {
	return s.scanEpisode(s.db.QueryRow(episodeSelect+` WHERE root_cycle_id = ?`, rootCycleID))
}

// GetEpisode returns an episode by ID.
func (s *DB) GetEpisode(id string) (*types.Episode, error) {
	return s.scanEpisode(s.db.QueryRow(episodeSelect+` WHERE id = ?`, id))
}

const episodeSelect = `
	SELECT id, root_cycle_id, topic, gist, COALESCE(intent,'{}'), COALESCE(context,'{}'),
	       COALESCE(action,''), COALESCE(emotion,'{}'), COALESCE(outcome,''),
	       COALESCE(open_loops,'[]'), COALESCE(salience_factors,'{}'),
	       salience, freshness, embedding, access_count, created_at, last_accessed_at
	FROM episodes`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *DB) scanEpisode(row rowScanner) (*types.Episode, error) {
	var e types.Episode
	var intent, ctx, emotion, loops, factors string
	var blob []byte
	err := row.Scan(&e.ID, &e.RootCycleID, &e.Topic, &e.Gist, &intent, &ctx,
		&e.Action, &emotion, &e.Outcome, &loops, &factors,
		&e.Salience, &e.Freshness, &blob, &e.AccessCount, &e.CreatedAt, &e.LastAccessedAt)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(intent), &e.Intent)
	json.Unmarshal([]byte(ctx), &e.Context)
	json.Unmarshal([]byte(emotion), &e.Emotion)
	json.Unmarshal([]byte(loops), &e.OpenLoops)
	json.Unmarshal([]byte(factors), &e.SalienceFactors)
	e.Embedding = DecodeEmbedding(blob)
	return &e, nil
}

// ScoredEpisode is a hybrid search hit.
type ScoredEpisode struct {
	Episode *types.Episode
	Score   float64 // alpha*cosine + (1-alpha)*bm25_norm
}

// SearchEpisodes runs hybrid retrieval: vector similarity blended with BM25
// keyword relevance, Score = alpha*cos + (1-alpha)*bm25. Retrieved episodes
// have access_count and last_accessed_at bumped in the same transaction that
// returns them.
func (s *DB) SearchEpisodes(query string, queryEmb []float32, limit int) ([]ScoredEpisode, error) {
	if limit <= 0 {
		limit = 5
	}

	vecScores := make(map[string]float64)
	if s.vecAvailable && len(queryEmb) > 0 {
		hits, err := s.knn("episode_vec", queryEmb, limit*4)
		if err != nil {
			logging.Debug("store", "episode knn: %v", err)
		}
		for _, h := range hits {
			vecScores[h.key] = h.score
		}
	}

	textScores := make(map[string]float64)
	if s.ftsAvailable && strings.TrimSpace(query) != "" {
		rows, err := s.db.Query(`
			SELECT episode_id, bm25(episode_fts) FROM episode_fts
			WHERE episode_fts MATCH ? ORDER BY bm25(episode_fts) LIMIT ?
		`, ftsQuery(query), limit*4)
		if err == nil {
			for rows.Next() {
				var id string
				var rank float64
				if rows.Scan(&id, &rank) == nil {
					// bm25() returns negative ranks, better = more negative
					textScores[id] = 1.0 / (1.0 + math.Exp(rank))
				}
			}
			rows.Close()
		}
	}

	// Fall back to a full scan when neither index produced candidates.
	if len(vecScores) == 0 && len(textScores) == 0 {
		return s.scanSearchEpisodes(query, queryEmb, limit)
	}

	ids := make(map[string]bool)
	for id := range vecScores {
		ids[id] = true
	}
	for id := range textScores {
		ids[id] = true
	}

	var scored []ScoredEpisode
	for id := range ids {
		e, err := s.GetEpisode(id)
		if err != nil {
			continue
		}
		scored = append(scored, ScoredEpisode{
			Episode: e,
			Score:   HybridAlpha*vecScores[id] + (1-HybridAlpha)*textScores[id],
		})
	}
	sortEpisodes(scored)
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, s.markEpisodesAccessed(scored)
}

// scanSearchEpisodes is the index-free fallback: Go-side cosine plus keyword
// overlap over all episodes.
func (s *DB) scanSearchEpisodes(query string, queryEmb []float32, limit int) ([]ScoredEpisode, error) {
	rows, err := s.db.Query(episodeSelect + ` ORDER BY last_accessed_at DESC LIMIT 500`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	queryWords := strings.Fields(strings.ToLower(query))
	var scored []ScoredEpisode
	for rows.Next() {
		e, err := s.scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		var cos float64
		if len(queryEmb) > 0 && len(e.Embedding) > 0 {
			cos = cosineSim(queryEmb, e.Embedding)
		}
		var kw float64
		if len(queryWords) > 0 {
			gistLower := strings.ToLower(e.Gist)
			matched := 0
			for _, w := range queryWords {
				if len(w) >= 3 && strings.Contains(gistLower, w) {
					matched++
				}
			}
			kw = float64(matched) / float64(len(queryWords))
		}
		score := HybridAlpha*cos + (1-HybridAlpha)*kw
		if score > 0 {
			scored = append(scored, ScoredEpisode{Episode: e, Score: score})
		}
	}
	sortEpisodes(scored)
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, s.markEpisodesAccessed(scored)
}

func sortEpisodes(scored []ScoredEpisode) {
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Episode.CreatedAt.After(scored[j].Episode.CreatedAt)
	})
}

// markEpisodesAccessed bumps access tracking for retrieved episodes in one
// transaction so retrieval and reinforcement stay atomic.
func (s *DB) markEpisodesAccessed(scored []ScoredEpisode) error {
	if len(scored) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	now := time.Now()
	for _, se := range scored {
		if _, err := tx.Exec(`
			UPDATE episodes SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?
		`, now, se.Episode.ID); err != nil {
			tx.Rollback()
			return err
		}
		se.Episode.AccessCount++
		se.Episode.LastAccessedAt = now
	}
	return tx.Commit()
}

// RecentEpisodes returns the newest episodes, optionally scoped to a topic.
func (s *DB) RecentEpisodes(topic string, limit int) ([]*types.Episode, error) {
	q := episodeSelect + ` ORDER BY created_at DESC LIMIT ?`
	args := []any{limit}
	if topic != "" {
		q = episodeSelect + ` WHERE topic = ? ORDER BY created_at DESC LIMIT ?`
		args = []any{topic, limit}
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Episode
	for rows.Next() {
		e, err := s.scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DecayEpisodes ages every episode over the elapsed interval. The math runs
// in Go: the bundled SQLite has no EXP().
//
//	salience  *= exp(-lambda_s * hours)
//	freshness  = salience * exp(-lambda_e * hours_since_last_access)
//
// Salience decay composes: decaying h1 then h2 equals decaying h1+h2 once.
// Freshness always re-derives from last_accessed_at, so an access re-bases
// it.
func (s *DB) DecayEpisodes(now time.Time, hours float64) (int, error) {
	if hours <= 0 {
		return 0, nil
	}
	rows, err := s.db.Query(`SELECT id, salience, last_accessed_at FROM episodes`)
	if err != nil {
		return 0, err
	}
	type aged struct {
		id                  string
		salience, freshness float64
	}
	slowFactor := math.Exp(-EpisodeSlowDecayLambda * hours)
	var updates []aged
	for rows.Next() {
		var a aged
		var lastAccess time.Time
		if err := rows.Scan(&a.id, &a.salience, &lastAccess); err != nil {
			rows.Close()
			return 0, err
		}
		a.salience *= slowFactor
		sinceAccess := now.Sub(lastAccess).Hours()
		if sinceAccess < 0 {
			sinceAccess = 0
		}
		a.freshness = a.salience * math.Exp(-EpisodeDecayLambda*sinceAccess)
		updates = append(updates, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(updates) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	for _, u := range updates {
		if _, err := tx.Exec(`UPDATE episodes SET salience = ?, freshness = ? WHERE id = ?`,
			u.salience, u.freshness, u.id); err != nil {
			tx.Rollback()
			return 0, err
		}
	}
	return len(updates), tx.Commit()
}

// ftsQuery quotes each term so user punctuation cannot break FTS5 syntax.
func ftsQuery(query string) string {
	words := strings.Fields(query)
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ReplaceAll(w, `"`, "")
		if w != "" {
			quoted = append(quoted, `"`+w+`"`)
		}
	}
	return strings.Join(quoted, " OR ")
}
