// Package config loads runtime configuration with the precedence
// environment > .env file > config records in the persistent store >
// hardcoded defaults, and mediates access to the regulator-owned records
// (router weights, boundary base parameters) through cached single-writer
// views.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/cora-labs/cora/internal/logging"
)

// Config record keys in the persistent store.
const (
	KeyRouterWeights   = "router_weights"
	KeyTopicBoundary   = "topic_boundary_base"
	KeySalienceWeights = "salience_weights"
	KeyWeightMeta      = "router_weights_meta"
)

// Single-writer identities for regulator-owned records.
const (
	WriterRoutingRegulator = "routing_regulator"
	WriterTopicRegulator   = "topic_regulator"
)

// CacheTTL is how long readers may serve a cached regulator-owned record
// before refreshing from the store.
const CacheTTL = 60 * time.Second

// Config is the process configuration, resolved once at boot.
type Config struct {
	StatePath string // directory for the SQLite database

	OllamaURL       string
	EmbedModel      string
	GenModel        string
	TiebreakerModel string
	EmbedDim        int // assumed until the store learns the real dimension

	HTTPAddr     string // stream outlet listen address
	ManifestPath string // tool/skill manifest (YAML); empty = skills only

	CriticEnabled bool // ACT verification critic (opt-in)

	DigestWorkers int
}

// Load resolves configuration. A .env file in the working directory is
// folded in first; variables already set in the environment win over it.
func Load() *Config {
	if err := godotenv.Load(); err == nil {
		logging.Debug("config", "loaded .env")
	}

	cfg := &Config{
		StatePath:       envOr("CORA_STATE", "state"),
		OllamaURL:       envOr("OLLAMA_URL", "http://localhost:11434"),
		EmbedModel:      envOr("EMBED_MODEL", "nomic-embed-text"),
		GenModel:        envOr("GEN_MODEL", "llama3.2"),
		TiebreakerModel: envOr("TIEBREAKER_MODEL", ""),
		EmbedDim:        envInt("EMBED_DIM", 768),
		HTTPAddr:        envOr("HTTP_ADDR", ":8736"),
		ManifestPath:    envOr("CORA_MANIFEST", ""),
		CriticEnabled:   os.Getenv("ACT_CRITIC") == "true",
		DigestWorkers:   envInt("DIGEST_WORKERS", 2),
	}
	if cfg.TiebreakerModel == "" {
		cfg.TiebreakerModel = cfg.GenModel
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logging.Warn("config", "%s=%q is not an integer, using %d", key, v, fallback)
		return fallback
	}
	return n
}
