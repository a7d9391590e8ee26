package store

import (
	"database/sql"
	"time"

	"github.com/cora-labs/cora/internal/llm"
	"github.com/cora-labs/cora/internal/types"
	"github.com/google/uuid"
)

// GetTopic returns a topic by name.
func (s *DB) GetTopic(name string) (*types.Topic, error) {
	return s.scanTopic(s.db.QueryRow(`
		SELECT topic_id, name, message_count, rolling_embedding, avg_salience, last_updated
		FROM topics WHERE name = ?
	`, name))
}

func (s *DB) scanTopic(row *sql.Row) (*types.Topic, error) {
	var t types.Topic
	var blob []byte
	if err := row.Scan(&t.TopicID, &t.Name, &t.MessageCount, &blob, &t.AvgSalience, &t.LastUpdated); err != nil {
		return nil, err
	}
	t.RollingEmbedding = DecodeEmbedding(blob)
	return &t, nil
}

// UpsertTopic folds a message embedding and salience into the named topic.
// The rolling embedding is a count-weighted running mean, re-normalized to
// unit length after every update.
func (s *DB) UpsertTopic(name string, embedding []float32, salience float64) (*types.Topic, error) {
	if err := s.checkDim(embedding); err != nil {
		return nil, err
	}

	existing, err := s.GetTopic(name)
	if err == sql.ErrNoRows {
		t := &types.Topic{
			TopicID:          uuid.NewString(),
			Name:             name,
			MessageCount:     1,
			RollingEmbedding: llm.RollingMean(nil, embedding, 0),
			AvgSalience:      salience,
			LastUpdated:      time.Now(),
		}
		_, err := s.db.Exec(`
			INSERT INTO topics (topic_id, name, message_count, rolling_embedding, avg_salience, last_updated)
			VALUES (?, ?, ?, ?, ?, ?)
		`, t.TopicID, t.Name, t.MessageCount, EncodeEmbedding(t.RollingEmbedding), t.AvgSalience, t.LastUpdated)
		return t, err
	}
	if err != nil {
		return nil, err
	}

	existing.RollingEmbedding = llm.RollingMean(existing.RollingEmbedding, embedding, existing.MessageCount)
	existing.AvgSalience = (existing.AvgSalience*float64(existing.MessageCount) + salience) / float64(existing.MessageCount+1)
	existing.MessageCount++
	existing.LastUpdated = time.Now()

	_, err = s.db.Exec(`
		UPDATE topics SET message_count = ?, rolling_embedding = ?, avg_salience = ?, last_updated = ?
		WHERE topic_id = ?
	`, existing.MessageCount, EncodeEmbedding(existing.RollingEmbedding), existing.AvgSalience,
		existing.LastUpdated, existing.TopicID)
	return existing, err
}

// NearestTopic returns the topic whose rolling embedding is most similar to
// query, with its cosine similarity. Returns nil when no topics exist.
func (s *DB) NearestTopic(query []float32) (*types.Topic, float64, error) {
	rows, err := s.db.Query(`
		SELECT topic_id, name, message_count, rolling_embedding, avg_salience, last_updated
		FROM topics WHERE rolling_embedding IS NOT NULL
	`)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var best *types.Topic
	bestSim := -1.0
	for rows.Next() {
		var t types.Topic
		var blob []byte
		if err := rows.Scan(&t.TopicID, &t.Name, &t.MessageCount, &blob, &t.AvgSalience, &t.LastUpdated); err != nil {
			return nil, 0, err
		}
		t.RollingEmbedding = DecodeEmbedding(blob)
		sim := cosineSim(query, t.RollingEmbedding)
		if sim > bestSim {
			bestSim = sim
			tc := t
			best = &tc
		}
	}
	if best == nil {
		return nil, 0, rows.Err()
	}
	return best, bestSim, rows.Err()
}
