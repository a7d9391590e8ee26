// Package store is the persistent layer: a SQLite database holding the
// interaction log, message cycles, topics, episodes, the semantic concept
// graph, routing decisions, scheduled items, persistent tasks, traits,
// identity vectors, moments, and config records.
//
// Vector search uses sqlite-vec vec0 virtual tables (unit-normalized
// embeddings, so L2 distance maps to cosine). When the extension is not
// compiled in, searches fall back to Go-side full scans.
package store

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/cora-labs/cora/internal/logging"
	"github.com/cora-labs/cora/internal/types"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto() // registers the vec0 virtual table with go-sqlite3
}

// DB wraps the SQLite database connection.
type DB struct {
	db           *sql.DB
	path         string
	vecAvailable bool
	ftsAvailable bool
	vecDim       int // embedding dimension (0 = not yet determined)
	defaultDim   int
}

// Open opens or creates the database under statePath. defaultDim is the
// embedding dimension to assume before any embedding has been stored; once
// rows exist, the dimension is read back from them and mismatched
// embeddings are rejected.
func Open(statePath string, defaultDim int) (*DB, error) {
	dbPath := filepath.Join(statePath, "cora.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if defaultDim <= 0 {
		defaultDim = 768
	}
	s := &DB{db: db, path: dbPath, defaultDim: defaultDim}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		logging.Warn("store", "sqlite-vec not available: %v, falling back to full scan", err)
	} else {
		logging.Info("store", "sqlite-vec %s loaded", vecVersion)
		s.vecAvailable = true
	}

	s.introspectDim()
	if s.vecAvailable {
		if err := s.ensureVecTables(); err != nil {
			logging.Warn("store", "vec init: %v", err)
			s.vecAvailable = false
		}
	}

	return s, nil
}

// Close closes the database connection.
func (s *DB) Close() error {
	return s.db.Close()
}

// Dim returns the embedding dimension the store is operating with.
func (s *DB) Dim() int {
	if s.vecDim > 0 {
		return s.vecDim
	}
	return s.defaultDim
}

// introspectDim reads the embedding dimension from existing rows. Episode
// embeddings win over concept embeddings; absent both, the configured
// default applies until the first write.
func (s *DB) introspectDim() {
	for _, q := range []string{
		`SELECT embedding FROM episodes WHERE embedding IS NOT NULL AND LENGTH(embedding) > 0 LIMIT 1`,
		`SELECT embedding FROM semantic_concepts WHERE embedding IS NOT NULL AND LENGTH(embedding) > 0 LIMIT 1`,
	} {
		var blob []byte
		if err := s.db.QueryRow(q).Scan(&blob); err == nil && len(blob) >= 4 {
			s.vecDim = len(blob) / 4
			logging.Info("store", "embedding dimension %d (from stored rows)", s.vecDim)
			return
		}
	}
}

// checkDim validates an embedding against the store's dimension, fixing the
// dimension on first use.
func (s *DB) checkDim(emb []float32) error {
	if len(emb) == 0 {
		return nil
	}
	if s.vecDim == 0 {
		s.vecDim = len(emb)
		if s.vecAvailable {
			if err := s.ensureVecTables(); err != nil {
				logging.Warn("store", "vec init: %v", err)
				s.vecAvailable = false
			}
		}
		return nil
	}
	if len(emb) != s.vecDim {
		return types.Contractf("embedding dim %d does not match store dim %d", len(emb), s.vecDim)
	}
	return nil
}

// ensureVecTables creates the vec0 indexes for the current dimension.
func (s *DB) ensureVecTables() error {
	dim := s.vecDim
	if dim == 0 {
		dim = s.defaultDim
	}
	for _, table := range []string{"episode_vec", "concept_vec", "moment_vec"} {
		_, err := s.db.Exec(fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(
				embedding float[%d],
				+row_key TEXT
			)
		`, table, dim))
		if err != nil {
			return fmt.Errorf("failed to create %s(float[%d]): %w", table, dim, err)
		}
	}
	return nil
}

// upsertVec mirrors an embedding into a vec0 table. vec0 does not reliably
// support INSERT OR REPLACE; DELETE + INSERT is used instead. Best effort:
// failures degrade to full-scan search.
func (s *DB) upsertVec(table string, rowid int64, key string, emb []float32) {
	if !s.vecAvailable || len(emb) == 0 {
		return
	}
	serialized, err := sqlite_vec.SerializeFloat32(normalized(emb))
	if err != nil {
		return
	}
	s.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE rowid = ?`, table), rowid)
	if _, err := s.db.Exec(fmt.Sprintf(`INSERT INTO %s(rowid, embedding, row_key) VALUES (?, ?, ?)`, table), rowid, serialized, key); err != nil {
		logging.Debug("store", "vec upsert into %s failed: %v", table, err)
	}
}

// knn runs a vec0 KNN query and returns (key, cosine similarity) pairs.
func (s *DB) knn(table string, query []float32, limit int) ([]scoredKey, error) {
	serialized, err := sqlite_vec.SerializeFloat32(normalized(query))
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT row_key, distance FROM %s
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance
	`, table), serialized, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []scoredKey
	for rows.Next() {
		var key string
		var dist float64
		if rows.Scan(&key, &dist) == nil {
			out = append(out, scoredKey{key: key, score: l2ToCosineSim(dist)})
		}
	}
	return out, rows.Err()
}

type scoredKey struct {
	key   string
	score float64
}

// EncodeEmbedding serializes a float32 vector to a little-endian blob.
func EncodeEmbedding(emb []float32) []byte {
	if len(emb) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(emb))
	for i, v := range emb {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeEmbedding deserializes a little-endian blob to a float32 vector.
func DecodeEmbedding(blob []byte) []float32 {
	if len(blob) < 4 {
		return nil
	}
	emb := make([]float32, len(blob)/4)
	for i := range emb {
		emb[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return emb
}

// normalized returns a unit-length copy of v. Normalizing before storing in
// vec0 makes L2 distance equivalent to cosine distance:
//
//	cosine_dist = L2_dist² / 2   (for unit vectors)
func normalized(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// l2ToCosineSim converts an L2 distance (on normalized vectors) to cosine
// similarity: cosine_sim = 1 - L2²/2.
func l2ToCosineSim(l2dist float64) float64 {
	return 1.0 - (l2dist*l2dist)/2.0
}

// cosineSim computes cosine similarity between two stored embeddings.
func cosineSim(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Stats returns row counts for the main tables.
func (s *DB) Stats() (map[string]int, error) {
	stats := make(map[string]int)
	tables := []string{
		"interaction_log", "message_cycles", "topics", "episodes",
		"semantic_concepts", "semantic_relationships", "routing_decisions",
		"scheduled_items", "persistent_tasks", "user_traits",
		"identity_vectors", "moments",
	}
	for _, table := range tables {
		var count int
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			return nil, err
		}
		stats[table] = count
	}
	return stats, nil
}
