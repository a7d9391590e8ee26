package store

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/cora-labs/cora/internal/types"
)

// Single-writer authorities for mutable config records. A record owned by
// one writer rejects writes from any other; unlisted keys are open.
var configAuthorities = map[string]string{
	"router_weights":      "routing_regulator",
	"topic_boundary_base": "topic_regulator",
}

// authorityFor resolves the owning writer of a key. Per-user style records
// share one owner across the prefix.
func authorityFor(key string) (string, bool) {
	if owner, ok := configAuthorities[key]; ok {
		return owner, true
	}
	if strings.HasPrefix(key, "comm_style:") {
		return "memory_chunker", true
	}
	return "", false
}

// StyleRecordKey names the config record holding a user's running
// communication style scores. The memory chunker is its only writer.
func StyleRecordKey(userID string) string {
	return "comm_style:" + userID
}

// GetConfigRecord loads a JSON config record into out. Returns sql.ErrNoRows
// when the key has never been written.
func (s *DB) GetConfigRecord(key string, out any) error {
	var value string
	err := s.db.QueryRow(`SELECT value FROM config_records WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(value), out)
}

// SetConfigRecord writes a JSON config record. Keys with a registered
// authority accept writes only from that writer; anything else is an
// authority violation, not a transient failure.
func (s *DB) SetConfigRecord(key string, value any, writer string) error {
	if owner, ok := authorityFor(key); ok && writer != owner {
		return types.Authorityf("config key %q is owned by %s, not %s", key, owner, writer)
	}
	blob, err := json.Marshal(value)
	if err != nil {
		return types.Validationf("config value for %q not serializable: %v", key, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO config_records (key, value, updated_at, updated_by)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value,
			updated_at = excluded.updated_at, updated_by = excluded.updated_by
	`, key, string(blob), time.Now(), writer)
	return err
}

