package store

import (
	"database/sql"
	"time"

	"github.com/cora-labs/cora/internal/types"
	"github.com/google/uuid"
)

// InsertScheduledItem persists a reminder or prompt. A new series gets its
// own ID as GroupID.
func (s *DB) InsertScheduledItem(it *types.ScheduledItem) error {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.GroupID == "" {
		it.GroupID = it.ID
	}
	if it.Status == "" {
		it.Status = types.SchedPending
	}
	_, err := s.db.Exec(`
		INSERT INTO scheduled_items (id, user_id, item_type, message, due_at, recurrence,
			window_start, window_end, group_id, status, fail_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, it.ID, it.UserID, it.ItemType, it.Message, it.DueAt, nullable(it.Recurrence),
		nullable(it.WindowStart), nullable(it.WindowEnd), it.GroupID, string(it.Status))
	return err
}

// DueScheduledItems returns pending items whose due time has passed.
func (s *DB) DueScheduledItems(now time.Time, limit int) ([]*types.ScheduledItem, error) {
	rows, err := s.db.Query(scheduledSelect+`
		WHERE status = 'pending' AND due_at <= ?
		ORDER BY due_at ASC LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanScheduledItems(rows)
}

// ListScheduledItems returns a user's pending items, soonest first.
func (s *DB) ListScheduledItems(userID string, limit int) ([]*types.ScheduledItem, error) {
	rows, err := s.db.Query(scheduledSelect+`
		WHERE user_id = ? AND status = 'pending'
		ORDER BY due_at ASC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanScheduledItems(rows)
}

const scheduledSelect = `
	SELECT id, user_id, item_type, message, due_at, COALESCE(recurrence,''),
	       COALESCE(window_start,''), COALESCE(window_end,''), group_id, status,
	       fail_count, last_fired_at
	FROM scheduled_items`

func scanScheduledItems(rows *sql.Rows) ([]*types.ScheduledItem, error) {
	var out []*types.ScheduledItem
	for rows.Next() {
		var it types.ScheduledItem
		var status string
		var lastFired sql.NullTime
		if err := rows.Scan(&it.ID, &it.UserID, &it.ItemType, &it.Message, &it.DueAt,
			&it.Recurrence, &it.WindowStart, &it.WindowEnd, &it.GroupID, &status,
			&it.FailCount, &lastFired); err != nil {
			return nil, err
		}
		it.Status = types.ScheduledItemStatus(status)
		if lastFired.Valid {
			it.LastFiredAt = &lastFired.Time
		}
		out = append(out, &it)
	}
	return out, rows.Err()
}

// ClaimScheduledItem transitions a pending item to fired, returning false if
// another worker already claimed it. This is the double-fire guard.
func (s *DB) ClaimScheduledItem(id string, now time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE scheduled_items SET status = 'fired', last_fired_at = ?
		WHERE id = ? AND status = 'pending'
	`, now, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecordScheduleFailure re-arms a failed delivery for retry. After three
// consecutive failures the item is marked failed and stops retrying.
func (s *DB) RecordScheduleFailure(id string, retryAt time.Time) error {
	_, err := s.db.Exec(`
		UPDATE scheduled_items
		SET fail_count = fail_count + 1,
		    status = CASE WHEN fail_count + 1 > 3 THEN 'failed' ELSE 'pending' END,
		    due_at = ?
		WHERE id = ?
	`, retryAt, id)
	return err
}

// CancelScheduledSeries cancels every pending item in a group.
func (s *DB) CancelScheduledSeries(groupID string) (int, error) {
	res, err := s.db.Exec(`
		UPDATE scheduled_items SET status = 'cancelled'
		WHERE group_id = ? AND status = 'pending'
	`, groupID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
