package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cora-labs/cora/internal/types"
	"github.com/google/uuid"
)

// LogInteraction appends an event to the interaction log. The log is
// append-only; there are no update or delete paths.
func (s *DB) LogInteraction(ev types.InteractionEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	payload, _ := json.Marshal(ev.Payload)
	metadata, _ := json.Marshal(ev.Metadata)

	_, err := s.db.Exec(`
		INSERT INTO interaction_log (id, event_type, topic, exchange_id, thread_id, session_id, payload, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.EventType, nullable(ev.Topic), nullable(ev.ExchangeID),
		nullable(ev.ThreadID), nullable(ev.SessionID), string(payload), string(metadata), ev.CreatedAt)
	return err
}

// CountInteractions counts events of one type since a point in time.
func (s *DB) CountInteractions(eventType string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM interaction_log WHERE event_type = ? AND created_at >= ?
	`, eventType, since).Scan(&n)
	return n, err
}

// GetOrCreateThread returns the thread for a (user, channel) pair, creating
// it on first contact.
func (s *DB) GetOrCreateThread(userID, channelID string) (*types.Thread, error) {
	t, err := s.scanThread(s.db.QueryRow(`
		SELECT thread_id, user_id, channel_id, state, COALESCE(current_topic,''),
		       COALESCE(topic_history,'[]'), exchange_count, last_activity, COALESCE(summary,'')
		FROM threads WHERE user_id = ? AND channel_id = ?
	`, userID, channelID))
	if err == nil {
		return t, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	t = &types.Thread{
		ThreadID:     uuid.NewString(),
		UserID:       userID,
		ChannelID:    channelID,
		State:        "active",
		LastActivity: time.Now(),
	}
	_, err = s.db.Exec(`
		INSERT INTO threads (thread_id, user_id, channel_id, state, exchange_count, last_activity)
		VALUES (?, ?, ?, ?, 0, ?)
	`, t.ThreadID, t.UserID, t.ChannelID, t.State, t.LastActivity)
	if err != nil {
		// lost a race; read whoever won
		return s.scanThread(s.db.QueryRow(`
			SELECT thread_id, user_id, channel_id, state, COALESCE(current_topic,''),
			       COALESCE(topic_history,'[]'), exchange_count, last_activity, COALESCE(summary,'')
			FROM threads WHERE user_id = ? AND channel_id = ?
		`, userID, channelID))
	}
	return t, nil
}

// GetThread returns a thread by ID.
func (s *DB) GetThread(threadID string) (*types.Thread, error) {
	return s.scanThread(s.db.QueryRow(`
		SELECT thread_id, user_id, channel_id, state, COALESCE(current_topic,''),
		       COALESCE(topic_history,'[]'), exchange_count, last_activity, COALESCE(summary,'')
		FROM threads WHERE thread_id = ?
	`, threadID))
}

func (s *DB) scanThread(row *sql.Row) (*types.Thread, error) {
	var t types.Thread
	var history string
	err := row.Scan(&t.ThreadID, &t.UserID, &t.ChannelID, &t.State, &t.CurrentTopic,
		&history, &t.ExchangeCount, &t.LastActivity, &t.Summary)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(history), &t.TopicHistory)
	return &t, nil
}

// TouchThread bumps a thread's exchange count and activity timestamp. When
// topic differs from the thread's current topic, the old topic is appended
// to the history.
func (s *DB) TouchThread(threadID, topic string) error {
	t, err := s.GetThread(threadID)
	if err != nil {
		return err
	}
	history := t.TopicHistory
	if topic != "" && topic != t.CurrentTopic {
		if t.CurrentTopic != "" {
			history = append(history, t.CurrentTopic)
		}
	} else {
		topic = t.CurrentTopic
	}
	historyJSON, _ := json.Marshal(history)
	_, err = s.db.Exec(`
		UPDATE threads
		SET exchange_count = exchange_count + 1, last_activity = ?, current_topic = ?, topic_history = ?
		WHERE thread_id = ?
	`, time.Now(), nullable(topic), string(historyJSON), threadID)
	return err
}

// InsertCycle persists a new message cycle. Root/parent linkage is
// validated: a cycle with no parent must be its own root.
func (s *DB) InsertCycle(c *types.MessageCycle) error {
	if c.CycleID == "" {
		c.CycleID = uuid.NewString()
	}
	if c.ParentCycleID == "" && c.RootCycleID == "" {
		c.RootCycleID = c.CycleID
	}
	if c.ParentCycleID == "" && c.RootCycleID != c.CycleID {
		return types.Contractf("root cycle %s must equal cycle id %s when parent is empty", c.RootCycleID, c.CycleID)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Status == "" {
		c.Status = types.CyclePending
	}
	intent, _ := json.Marshal(c.Intent)
	metadata, _ := json.Marshal(c.Metadata)

	_, err := s.db.Exec(`
		INSERT INTO message_cycles (cycle_id, parent_cycle_id, root_cycle_id, user_id, thread_id,
			topic, cycle_type, source, content, intent, metadata, status, depth, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.CycleID, nullable(c.ParentCycleID), c.RootCycleID, c.UserID, c.ThreadID,
		nullable(c.Topic), string(c.CycleType), nullable(c.Source), c.Content,
		string(intent), string(metadata), string(c.Status), c.Depth, c.CreatedAt)
	return err
}

// SpawnChildCycle creates a follow-up cycle under parent, inheriting its
// root and incrementing depth.
func (s *DB) SpawnChildCycle(parent *types.MessageCycle, cycleType types.CycleType, content string) (*types.MessageCycle, error) {
	child := &types.MessageCycle{
		CycleID:       uuid.NewString(),
		ParentCycleID: parent.CycleID,
		RootCycleID:   parent.RootCycleID,
		UserID:        parent.UserID,
		ThreadID:      parent.ThreadID,
		Topic:         parent.Topic,
		CycleType:     cycleType,
		Content:       content,
		Status:        types.CyclePending,
		Depth:         parent.Depth + 1,
		CreatedAt:     time.Now(),
	}
	if err := s.InsertCycle(child); err != nil {
		return nil, err
	}
	return child, nil
}

// UpdateCycleStatus transitions a cycle, stamping completed_at on terminal
// states.
func (s *DB) UpdateCycleStatus(cycleID string, status types.CycleStatus) error {
	if status == types.CycleCompleted || status == types.CycleFailed {
		_, err := s.db.Exec(`UPDATE message_cycles SET status = ?, completed_at = ? WHERE cycle_id = ?`,
			string(status), time.Now(), cycleID)
		return err
	}
	_, err := s.db.Exec(`UPDATE message_cycles SET status = ? WHERE cycle_id = ?`, string(status), cycleID)
	return err
}

// GetCycle returns a cycle by ID.
func (s *DB) GetCycle(cycleID string) (*types.MessageCycle, error) {
	row := s.db.QueryRow(`
		SELECT cycle_id, COALESCE(parent_cycle_id,''), root_cycle_id, user_id, thread_id,
		       COALESCE(topic,''), cycle_type, COALESCE(source,''), content,
		       COALESCE(intent,'{}'), COALESCE(metadata,'{}'), status, depth, created_at, completed_at
		FROM message_cycles WHERE cycle_id = ?
	`, cycleID)

	var c types.MessageCycle
	var intent, metadata, cycleType, status string
	var completedAt sql.NullTime
	err := row.Scan(&c.CycleID, &c.ParentCycleID, &c.RootCycleID, &c.UserID, &c.ThreadID,
		&c.Topic, &cycleType, &c.Source, &c.Content, &intent, &metadata, &status, &c.Depth,
		&c.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	c.CycleType = types.CycleType(cycleType)
	c.Status = types.CycleStatus(status)
	json.Unmarshal([]byte(intent), &c.Intent)
	json.Unmarshal([]byte(metadata), &c.Metadata)
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	return &c, nil
}

// CyclesSinceLastConsolidation counts completed user cycles on a thread
// created after the most recent episode for that thread's cycles.
func (s *DB) CyclesSinceLastConsolidation(threadID string) (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM message_cycles mc
		WHERE mc.thread_id = ? AND mc.cycle_type = 'user' AND mc.status = 'completed'
		AND mc.created_at > COALESCE(
			(SELECT MAX(e.created_at) FROM episodes e
			 JOIN message_cycles root ON root.cycle_id = e.root_cycle_id
			 WHERE root.thread_id = ?),
			'1970-01-01')
	`, threadID, threadID).Scan(&count)
	return count, err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
