package store

import "github.com/cora-labs/cora/internal/logging"

// migrate creates the base schema and applies incremental migrations.
func (s *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Append-only audit log. Rows are never mutated or deleted.
	CREATE TABLE IF NOT EXISTS interaction_log (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		topic TEXT,
		exchange_id TEXT,
		thread_id TEXT,
		session_id TEXT,
		payload TEXT,
		metadata TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_interaction_log_thread ON interaction_log(thread_id);
	CREATE INDEX IF NOT EXISTS idx_interaction_log_type ON interaction_log(event_type);
	CREATE INDEX IF NOT EXISTS idx_interaction_log_created ON interaction_log(created_at);

	CREATE TABLE IF NOT EXISTS threads (
		thread_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'active',
		current_topic TEXT,
		topic_history TEXT,
		exchange_count INTEGER NOT NULL DEFAULT 0,
		last_activity DATETIME NOT NULL,
		summary TEXT,
		UNIQUE(user_id, channel_id)
	);

	CREATE TABLE IF NOT EXISTS message_cycles (
		cycle_id TEXT PRIMARY KEY,
		parent_cycle_id TEXT,
		root_cycle_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		topic TEXT,
		cycle_type TEXT NOT NULL,
		source TEXT,
		content TEXT NOT NULL,
		intent TEXT,
		metadata TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		depth INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_message_cycles_root ON message_cycles(root_cycle_id);
	CREATE INDEX IF NOT EXISTS idx_message_cycles_thread ON message_cycles(thread_id);
	CREATE INDEX IF NOT EXISTS idx_message_cycles_status ON message_cycles(status);

	CREATE TABLE IF NOT EXISTS topics (
		topic_id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		message_count INTEGER NOT NULL DEFAULT 0,
		rolling_embedding BLOB,
		avg_salience REAL NOT NULL DEFAULT 0,
		last_updated DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS episodes (
		id TEXT PRIMARY KEY,
		root_cycle_id TEXT NOT NULL UNIQUE,
		topic TEXT NOT NULL,
		gist TEXT NOT NULL,
		intent TEXT,
		context TEXT,
		action TEXT,
		emotion TEXT,
		outcome TEXT,
		open_loops TEXT,
		salience_factors TEXT,
		salience REAL NOT NULL,
		freshness REAL NOT NULL,
		embedding BLOB,
		access_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		last_accessed_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_episodes_topic ON episodes(topic);
	CREATE INDEX IF NOT EXISTS idx_episodes_salience ON episodes(salience);
	CREATE INDEX IF NOT EXISTS idx_episodes_accessed ON episodes(last_accessed_at);

	CREATE TABLE IF NOT EXISTS semantic_concepts (
		id TEXT PRIMARY KEY,
		concept_name TEXT NOT NULL UNIQUE,
		concept_type TEXT NOT NULL,
		definition TEXT,
		embedding BLOB,
		abstraction_level INTEGER NOT NULL DEFAULT 1,
		strength REAL NOT NULL DEFAULT 1,
		activation_score REAL NOT NULL DEFAULT 0,
		access_count INTEGER NOT NULL DEFAULT 0,
		consolidation_count INTEGER NOT NULL DEFAULT 0,
		confidence REAL NOT NULL DEFAULT 0.5,
		utility_score REAL NOT NULL DEFAULT 0,
		decay_resistance REAL NOT NULL DEFAULT 0.5,
		version INTEGER NOT NULL DEFAULT 1,
		first_learned DATETIME NOT NULL,
		last_accessed DATETIME NOT NULL,
		last_reinforced DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_concepts_name ON semantic_concepts(concept_name);
	CREATE INDEX IF NOT EXISTS idx_concepts_strength ON semantic_concepts(strength);

	CREATE TABLE IF NOT EXISTS semantic_relationships (
		source_concept_id TEXT NOT NULL,
		target_concept_id TEXT NOT NULL,
		relationship_type TEXT NOT NULL,
		strength REAL NOT NULL DEFAULT 0.5,
		bidirectional INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (source_concept_id, target_concept_id, relationship_type),
		FOREIGN KEY (source_concept_id) REFERENCES semantic_concepts(id) ON DELETE CASCADE,
		FOREIGN KEY (target_concept_id) REFERENCES semantic_concepts(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_relationships_source ON semantic_relationships(source_concept_id);
	CREATE INDEX IF NOT EXISTS idx_relationships_target ON semantic_relationships(target_concept_id);

	CREATE TABLE IF NOT EXISTS routing_decisions (
		id TEXT PRIMARY KEY,
		topic TEXT,
		exchange_id TEXT,
		selected_mode TEXT NOT NULL,
		router_confidence REAL NOT NULL,
		scores TEXT NOT NULL,
		tiebreaker_used INTEGER NOT NULL DEFAULT 0,
		margin REAL NOT NULL,
		effective_margin REAL NOT NULL,
		signal_snapshot TEXT NOT NULL,
		weight_snapshot TEXT NOT NULL,
		reflection TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_routing_created ON routing_decisions(created_at);
	CREATE INDEX IF NOT EXISTS idx_routing_reflection ON routing_decisions(reflection) WHERE reflection IS NULL;

	CREATE TABLE IF NOT EXISTS scheduled_items (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		item_type TEXT NOT NULL,
		message TEXT NOT NULL,
		due_at DATETIME NOT NULL,
		recurrence TEXT,
		window_start TEXT,
		window_end TEXT,
		group_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		fail_count INTEGER NOT NULL DEFAULT 0,
		last_fired_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_scheduled_due ON scheduled_items(status, due_at);
	CREATE INDEX IF NOT EXISTS idx_scheduled_group ON scheduled_items(group_id);

	CREATE TABLE IF NOT EXISTS persistent_tasks (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		thread_id TEXT,
		goal TEXT NOT NULL,
		scope TEXT,
		status TEXT NOT NULL DEFAULT 'PROPOSED',
		priority INTEGER NOT NULL DEFAULT 2,
		progress TEXT,
		iterations_used INTEGER NOT NULL DEFAULT 0,
		max_iterations INTEGER NOT NULL DEFAULT 20,
		fatigue_budget REAL NOT NULL DEFAULT 2.5,
		expires_at DATETIME NOT NULL,
		next_run_after DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		last_activity DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_due ON persistent_tasks(status, next_run_after);

	CREATE TABLE IF NOT EXISTS user_traits (
		user_id TEXT NOT NULL,
		trait_key TEXT NOT NULL,
		trait_value TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT 'general',
		confidence REAL NOT NULL,
		reinforcement_count INTEGER NOT NULL DEFAULT 1,
		last_reinforced_at DATETIME NOT NULL,
		last_conflict_at DATETIME,
		is_literal INTEGER NOT NULL DEFAULT 0,
		source TEXT NOT NULL DEFAULT 'inferred',
		embedding BLOB,
		PRIMARY KEY (user_id, trait_key)
	);

	CREATE TABLE IF NOT EXISTS identity_vectors (
		dimension TEXT PRIMARY KEY,
		baseline_weight REAL NOT NULL,
		current_activation REAL NOT NULL,
		min_cap REAL NOT NULL DEFAULT 0.1,
		max_cap REAL NOT NULL DEFAULT 0.9,
		plasticity_rate REAL NOT NULL DEFAULT 0.05,
		inertia_rate REAL NOT NULL DEFAULT 0.9,
		drift_today REAL NOT NULL DEFAULT 0,
		drift_date TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS moments (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		content TEXT NOT NULL,
		enrichment TEXT,
		state TEXT NOT NULL DEFAULT 'enriching',
		embedding BLOB,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_moments_user ON moments(user_id, state);

	CREATE TABLE IF NOT EXISTS config_records (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		updated_by TEXT NOT NULL DEFAULT ''
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.runMigrations()
}

// runMigrations applies incremental schema changes.
func (s *DB) runMigrations() error {
	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		version = 1
	}

	// Migration v2: FTS5 index for episode hybrid search. Non-fatal when
	// FTS5 is not compiled in; hybrid search falls back to a Go-side scan.
	if version < 2 {
		migrations := []string{
			`CREATE VIRTUAL TABLE IF NOT EXISTS episode_fts USING fts5(
				episode_id UNINDEXED,
				gist
			)`,
			`INSERT INTO episode_fts(episode_id, gist) SELECT id, gist FROM episodes`,
		}
		ok := true
		for _, stmt := range migrations {
			if _, err := s.db.Exec(stmt); err != nil {
				logging.Warn("store", "migration v2 (FTS5 may be unavailable): %v", err)
				ok = false
				break
			}
		}
		s.ftsAvailable = ok
		s.db.Exec("INSERT INTO schema_version (version) VALUES (2)")
	} else {
		var n int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM episode_fts LIMIT 1`).Scan(&n); err == nil {
			s.ftsAvailable = true
		}
	}

	// Migration v3: track consecutive scheduler failures.
	if version < 3 {
		s.db.Exec("ALTER TABLE scheduled_items ADD COLUMN fail_count INTEGER NOT NULL DEFAULT 0")
		s.db.Exec("INSERT INTO schema_version (version) VALUES (3)")
	}

	return nil
}
