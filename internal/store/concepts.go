package store

import (
	"database/sql"
	"math"
	"time"

	"github.com/cora-labs/cora/internal/logging"
	"github.com/cora-labs/cora/internal/types"
	"github.com/google/uuid"
)

// Semantic graph parameters.
const (
	// ConceptDecayLambda is the per-hour strength decay rate, scaled by
	// (1 - decay_resistance) so entrenched concepts fade slower.
	ConceptDecayLambda = 0.03

	// ActivationDecayPerLevel attenuates spreading activation per BFS hop.
	ActivationDecayPerLevel = 0.7

	// ActivationEpsilon prunes activation below this threshold.
	ActivationEpsilon = 0.05

	// ReinforceStep is the strength gain per reinforcement, scaled by the
	// evidence confidence.
	ReinforceStep = 0.1

	// WeakEdgeFloor is the minimum edge strength that conducts activation
	// unless weak edges are explicitly included.
	WeakEdgeFloor = 0.3
)

// GetConcept returns a concept by ID.
func (s *DB) GetConcept(id string) (*types.Concept, error) {
	return s.scanConcept(s.db.QueryRow(conceptSelect+` WHERE id = ?`, id))
}

// GetConceptByName returns a concept by its unique name.
func (s *DB) GetConceptByName(name string) (*types.Concept, error) {
	return s.scanConcept(s.db.QueryRow(conceptSelect+` WHERE concept_name = ?`, name))
}

const conceptSelect = `
	SELECT id, concept_name, concept_type, COALESCE(definition,''), embedding,
	       abstraction_level, strength, activation_score, access_count,
	       consolidation_count, confidence, utility_score, decay_resistance,
	       version, first_learned, last_accessed, last_reinforced
	FROM semantic_concepts`

func (s *DB) scanConcept(row rowScanner) (*types.Concept, error) {
	var c types.Concept
	var blob []byte
	err := row.Scan(&c.ID, &c.Name, &c.Type, &c.Definition, &blob,
		&c.AbstractionLevel, &c.Strength, &c.ActivationScore, &c.AccessCount,
		&c.ConsolidationCount, &c.Confidence, &c.UtilityScore, &c.DecayResistance,
		&c.Version, &c.FirstLearned, &c.LastAccessed, &c.LastReinforced)
	if err != nil {
		return nil, err
	}
	c.Embedding = DecodeEmbedding(blob)
	return &c, nil
}

// UpsertConcept creates a concept or reinforces the existing one with the
// same name. Concurrent reinforcement uses optimistic versioning: a stale
// write is retried once against the fresh row.
func (s *DB) UpsertConcept(c *types.Concept) (*types.Concept, error) {
	if err := s.checkDim(c.Embedding); err != nil {
		return nil, err
	}

	existing, err := s.GetConceptByName(c.Name)
	if err == sql.ErrNoRows {
		return s.insertConcept(c)
	}
	if err != nil {
		return nil, err
	}

	merged, err := s.reinforceConcept(existing, c)
	if err == errStaleVersion {
		existing, err = s.GetConceptByName(c.Name)
		if err != nil {
			return nil, err
		}
		merged, err = s.reinforceConcept(existing, c)
		if err == errStaleVersion {
			return nil, types.Transient(errStaleVersion)
		}
	}
	return merged, err
}

func (s *DB) insertConcept(c *types.Concept) (*types.Concept, error) {
	now := time.Now()
	out := *c
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.Strength < 1 {
		out.Strength = 1
	}
	if out.Confidence == 0 {
		out.Confidence = 0.5
	}
	if out.DecayResistance < 0.5 {
		out.DecayResistance = 0.5
	}
	if out.AbstractionLevel == 0 {
		out.AbstractionLevel = 1
	}
	out.Version = 1
	out.ConsolidationCount = 1
	out.FirstLearned = now
	out.LastAccessed = now
	out.LastReinforced = now

	_, err := s.db.Exec(`
		INSERT INTO semantic_concepts (id, concept_name, concept_type, definition, embedding,
			abstraction_level, strength, activation_score, access_count, consolidation_count,
			confidence, utility_score, decay_resistance, version,
			first_learned, last_accessed, last_reinforced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?)
	`, out.ID, out.Name, out.Type, out.Definition, EncodeEmbedding(out.Embedding),
		out.AbstractionLevel, out.Strength, out.ActivationScore, out.ConsolidationCount,
		out.Confidence, out.UtilityScore, out.DecayResistance, out.Version,
		out.FirstLearned, out.LastAccessed, out.LastReinforced)
	if err != nil {
		// UNIQUE(concept_name) race: reinforce the winner instead
		if existing, gerr := s.GetConceptByName(out.Name); gerr == nil {
			return s.reinforceConcept(existing, c)
		}
		return nil, err
	}
	s.mirrorConceptVec(&out)
	return &out, nil
}

var errStaleVersion = types.Contractf("concept version changed concurrently")

// reinforceConcept merges new evidence into an existing concept. Strength
// grows by ReinforceStep * confidence (capped at 10), decay resistance creeps
// toward 1, and the definition is replaced only when the new evidence is more
// confident.
func (s *DB) reinforceConcept(existing, evidence *types.Concept) (*types.Concept, error) {
	out := *existing
	out.Strength += ReinforceStep * evidence.Confidence
	if out.Strength > 10 {
		out.Strength = 10
	}
	out.ConsolidationCount++
	out.DecayResistance += 0.02
	if out.DecayResistance > 1 {
		out.DecayResistance = 1
	}
	if evidence.Confidence > out.Confidence {
		out.Confidence = evidence.Confidence
		if evidence.Definition != "" {
			out.Definition = evidence.Definition
		}
	}
	if len(evidence.Embedding) > 0 {
		out.Embedding = evidence.Embedding
	}
	now := time.Now()
	out.LastReinforced = now
	out.LastAccessed = now
	out.Version = existing.Version + 1

	res, err := s.db.Exec(`
		UPDATE semantic_concepts
		SET strength = ?, consolidation_count = ?, decay_resistance = ?, confidence = ?,
		    definition = ?, embedding = ?, last_reinforced = ?, last_accessed = ?, version = ?
		WHERE id = ? AND version = ?
	`, out.Strength, out.ConsolidationCount, out.DecayResistance, out.Confidence,
		out.Definition, EncodeEmbedding(out.Embedding), out.LastReinforced, out.LastAccessed,
		out.Version, out.ID, existing.Version)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errStaleVersion
	}
	s.mirrorConceptVec(&out)
	return &out, nil
}

func (s *DB) mirrorConceptVec(c *types.Concept) {
	if len(c.Embedding) == 0 {
		return
	}
	var rowid int64
	if s.db.QueryRow(`SELECT rowid FROM semantic_concepts WHERE id = ?`, c.ID).Scan(&rowid) == nil {
		s.upsertVec("concept_vec", rowid, c.ID, c.Embedding)
	}
}

// ScoredConcept is a concept retrieval hit.
type ScoredConcept struct {
	Concept *types.Concept
	Score   float64
}

// SearchConcepts returns concepts nearest to the query embedding.
func (s *DB) SearchConcepts(queryEmb []float32, limit int) ([]ScoredConcept, error) {
	if limit <= 0 {
		limit = 10
	}

	if s.vecAvailable && len(queryEmb) > 0 {
		hits, err := s.knn("concept_vec", queryEmb, limit)
		if err == nil && len(hits) > 0 {
			var out []ScoredConcept
			for _, h := range hits {
				c, err := s.GetConcept(h.key)
				if err != nil {
					continue
				}
				out = append(out, ScoredConcept{Concept: c, Score: h.score})
			}
			return out, nil
		}
		if err != nil {
			logging.Debug("store", "concept knn: %v", err)
		}
	}

	// Full scan fallback.
	rows, err := s.db.Query(conceptSelect + ` WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScoredConcept
	for rows.Next() {
		c, err := s.scanConcept(rows)
		if err != nil {
			return nil, err
		}
		sim := cosineSim(queryEmb, c.Embedding)
		out = append(out, ScoredConcept{Concept: c, Score: sim})
	}
	sortConcepts(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, rows.Err()
}

func sortConcepts(out []ScoredConcept) {
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Score > out[j-1].Score; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
}

// UpsertRelationship creates or strengthens a semantic edge. (source,
// target, type) is unique; re-asserting an edge keeps the max strength.
func (s *DB) UpsertRelationship(r types.ConceptRelationship) error {
	_, err := s.db.Exec(`
		INSERT INTO semantic_relationships (source_concept_id, target_concept_id, relationship_type, strength, bidirectional)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_concept_id, target_concept_id, relationship_type)
		DO UPDATE SET strength = MAX(strength, excluded.strength),
		              bidirectional = bidirectional OR excluded.bidirectional
	`, r.SourceID, r.TargetID, string(r.Type), r.Strength, r.Bidirectional)
	return err
}

// Relationships returns all edges touching a concept (outgoing, plus
// incoming bidirectional edges).
func (s *DB) Relationships(conceptID string) ([]types.ConceptRelationship, error) {
	rows, err := s.db.Query(`
		SELECT source_concept_id, target_concept_id, relationship_type, strength, bidirectional
		FROM semantic_relationships
		WHERE source_concept_id = ? OR (target_concept_id = ? AND bidirectional = 1)
	`, conceptID, conceptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ConceptRelationship
	for rows.Next() {
		var r types.ConceptRelationship
		var relType string
		if err := rows.Scan(&r.SourceID, &r.TargetID, &relType, &r.Strength, &r.Bidirectional); err != nil {
			return nil, err
		}
		r.Type = types.RelationType(relType)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Activation maps concept IDs to their activation level after spreading.
type Activation map[string]float64

// SpreadActivation runs breadth-first activation from the seed concepts.
// Each hop attenuates by ActivationDecayPerLevel times the edge strength;
// activation below ActivationEpsilon does not propagate. Bidirectional edges
// conduct both ways. A node reached by multiple paths keeps its maximum.
// Edges below WeakEdgeFloor do not conduct unless includeWeak is set.
func (s *DB) SpreadActivation(seeds map[string]float64, maxDepth int, includeWeak bool) (Activation, error) {
	if maxDepth <= 0 {
		maxDepth = 3
	}
	activation := make(Activation)
	frontier := make(map[string]float64)
	for id, a := range seeds {
		if a >= ActivationEpsilon {
			activation[id] = a
			frontier[id] = a
		}
	}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		next := make(map[string]float64)
		for id, energy := range frontier {
			edges, err := s.Relationships(id)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if !includeWeak && e.Strength < WeakEdgeFloor {
					continue
				}
				neighbor := e.TargetID
				if neighbor == id {
					neighbor = e.SourceID
				}
				spread := energy * ActivationDecayPerLevel * e.Strength
				if spread < ActivationEpsilon {
					continue
				}
				if spread > activation[neighbor] {
					activation[neighbor] = spread
					next[neighbor] = spread
				}
			}
		}
		frontier = next
	}

	return activation, nil
}

// ApplyActivation persists activation scores and bumps access tracking for
// the activated set.
func (s *DB) ApplyActivation(act Activation) error {
	if len(act) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	now := time.Now()
	for id, a := range act {
		if a > 1 {
			a = 1
		}
		if _, err := tx.Exec(`
			UPDATE semantic_concepts
			SET activation_score = ?, access_count = access_count + 1, last_accessed = ?
			WHERE id = ?
		`, a, now, id); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// DecayConcepts weakens concept strength and activation over the elapsed
// interval. The math runs in Go: the bundled SQLite has no EXP().
//
//	strength *= exp(-lambda * (1 - decay_resistance) * hours)
//
// Because the factor is exponential in elapsed hours, consecutive passes
// compose: decay(h1) then decay(h2) equals decay(h1+h2). Concepts that fall
// below strength 0.1 are pruned along with their edges (ON DELETE CASCADE).
func (s *DB) DecayConcepts(hours float64) (int, error) {
	if hours <= 0 {
		return 0, nil
	}
	rows, err := s.db.Query(`SELECT id, strength, activation_score, decay_resistance FROM semantic_concepts`)
	if err != nil {
		return 0, err
	}
	type aged struct {
		id                   string
		strength, activation float64
	}
	activationFactor := math.Exp(-ConceptDecayLambda * hours)
	var updates []aged
	for rows.Next() {
		var a aged
		var resistance float64
		if err := rows.Scan(&a.id, &a.strength, &a.activation, &resistance); err != nil {
			rows.Close()
			return 0, err
		}
		a.strength *= math.Exp(-ConceptDecayLambda * (1 - resistance) * hours)
		a.activation *= activationFactor
		updates = append(updates, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	if len(updates) > 0 {
		tx, err := s.db.Begin()
		if err != nil {
			return 0, err
		}
		for _, u := range updates {
			if _, err := tx.Exec(`UPDATE semantic_concepts SET strength = ?, activation_score = ? WHERE id = ?`,
				u.strength, u.activation, u.id); err != nil {
				tx.Rollback()
				return 0, err
			}
		}
		if err := tx.Commit(); err != nil {
			return 0, err
		}
	}

	res, err := s.db.Exec(`DELETE FROM semantic_concepts WHERE strength < 0.1`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Info("store", "pruned %d decayed concepts", n)
	}
	return int(n), nil
}
