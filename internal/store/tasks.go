package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cora-labs/cora/internal/types"
	"github.com/google/uuid"
)

// Persistent task defaults.
const (
	// TaskLifetime is how long a task may live before expiring.
	TaskLifetime = 14 * 24 * time.Hour

	// TaskCoverageDone is the coverage estimate at which a task completes.
	TaskCoverageDone = 0.95
)

// validTaskTransitions encodes the task lifecycle.
var validTaskTransitions = map[types.TaskStatus][]types.TaskStatus{
	types.TaskProposed:   {types.TaskAccepted, types.TaskCancelled, types.TaskExpired},
	types.TaskAccepted:   {types.TaskInProgress, types.TaskPaused, types.TaskCancelled, types.TaskExpired},
	types.TaskInProgress: {types.TaskPaused, types.TaskCompleted, types.TaskCancelled, types.TaskExpired},
	types.TaskPaused:     {types.TaskInProgress, types.TaskCancelled, types.TaskExpired},
}

// InsertTask persists a new persistent task in PROPOSED state.
func (s *DB) InsertTask(t *types.PersistentTask) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.Status == "" {
		t.Status = types.TaskProposed
	}
	if t.Priority == 0 {
		t.Priority = 2
	}
	if t.MaxIterations == 0 {
		t.MaxIterations = 20
	}
	if t.FatigueBudget == 0 {
		t.FatigueBudget = 2.5
	}
	if t.ExpiresAt.IsZero() {
		t.ExpiresAt = now.Add(TaskLifetime)
	}
	if t.NextRunAfter.IsZero() {
		t.NextRunAfter = now
	}
	t.LastActivity = now
	progress, _ := json.Marshal(t.Progress)

	_, err := s.db.Exec(`
		INSERT INTO persistent_tasks (id, account_id, thread_id, goal, scope, status, priority,
			progress, iterations_used, max_iterations, fatigue_budget,
			expires_at, next_run_after, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.AccountID, nullable(t.ThreadID), t.Goal, nullable(t.Scope), string(t.Status),
		t.Priority, string(progress), t.IterationsUsed, t.MaxIterations, t.FatigueBudget,
		t.ExpiresAt, t.NextRunAfter, t.CreatedAt, t.LastActivity)
	return err
}

// GetTask returns a task by ID.
func (s *DB) GetTask(id string) (*types.PersistentTask, error) {
	return scanTask(s.db.QueryRow(taskSelect+` WHERE id = ?`, id))
}

const taskSelect = `
	SELECT id, account_id, COALESCE(thread_id,''), goal, COALESCE(scope,''), status, priority,
	       COALESCE(progress,'{}'), iterations_used, max_iterations, fatigue_budget,
	       expires_at, next_run_after, created_at, last_activity
	FROM persistent_tasks`

func scanTask(row rowScanner) (*types.PersistentTask, error) {
	var t types.PersistentTask
	var status, progress string
	err := row.Scan(&t.ID, &t.AccountID, &t.ThreadID, &t.Goal, &t.Scope, &status, &t.Priority,
		&progress, &t.IterationsUsed, &t.MaxIterations, &t.FatigueBudget,
		&t.ExpiresAt, &t.NextRunAfter, &t.CreatedAt, &t.LastActivity)
	if err != nil {
		return nil, err
	}
	t.Status = types.TaskStatus(status)
	json.Unmarshal([]byte(progress), &t.Progress)
	return &t, nil
}

// TransitionTask moves a task along the lifecycle. Invalid transitions are
// rejected as contract violations.
func (s *DB) TransitionTask(id string, to types.TaskStatus) error {
	t, err := s.GetTask(id)
	if err != nil {
		return err
	}
	allowed := false
	for _, next := range validTaskTransitions[t.Status] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return types.Contractf("task %s cannot go %s -> %s", id, t.Status, to)
	}
	_, err = s.db.Exec(`
		UPDATE persistent_tasks SET status = ?, last_activity = ? WHERE id = ? AND status = ?
	`, string(to), time.Now(), id, string(t.Status))
	return err
}

// RecordTaskIteration folds one scheduler-driven work session into a task:
// iterations and progress advance, and the next run is pushed out. Crossing
// the coverage threshold or exhausting iterations completes or pauses the
// task respectively.
func (s *DB) RecordTaskIteration(id string, progress types.TaskProgress, nextRun time.Time) (*types.PersistentTask, error) {
	t, err := s.GetTask(id)
	if err != nil {
		return nil, err
	}
	t.IterationsUsed++
	t.Progress = progress
	t.NextRunAfter = nextRun
	t.LastActivity = time.Now()

	switch {
	case progress.CoverageEstimate >= TaskCoverageDone:
		t.Status = types.TaskCompleted
	case t.IterationsUsed >= t.MaxIterations:
		t.Status = types.TaskPaused
	}

	blob, _ := json.Marshal(t.Progress)
	_, err = s.db.Exec(`
		UPDATE persistent_tasks
		SET iterations_used = ?, progress = ?, next_run_after = ?, last_activity = ?, status = ?
		WHERE id = ?
	`, t.IterationsUsed, string(blob), t.NextRunAfter, t.LastActivity, string(t.Status), t.ID)
	return t, err
}

// RunnableTasks returns accepted or in-progress tasks due for another
// iteration, highest priority first.
func (s *DB) RunnableTasks(now time.Time, limit int) ([]*types.PersistentTask, error) {
	rows, err := s.db.Query(taskSelect+`
		WHERE status IN ('ACCEPTED','IN_PROGRESS') AND next_run_after <= ? AND expires_at > ?
		ORDER BY priority ASC, next_run_after ASC LIMIT ?
	`, now, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTasks returns a user's non-terminal tasks.
func (s *DB) ListTasks(accountID string) ([]*types.PersistentTask, error) {
	rows, err := s.db.Query(taskSelect+`
		WHERE account_id = ? AND status NOT IN ('COMPLETED','CANCELLED','EXPIRED')
		ORDER BY priority ASC, created_at ASC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]*types.PersistentTask, error) {
	var out []*types.PersistentTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ExpireTasks marks overdue non-terminal tasks EXPIRED.
func (s *DB) ExpireTasks(now time.Time) (int, error) {
	res, err := s.db.Exec(`
		UPDATE persistent_tasks SET status = 'EXPIRED', last_activity = ?
		WHERE expires_at <= ? AND status NOT IN ('COMPLETED','CANCELLED','EXPIRED')
	`, now, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
