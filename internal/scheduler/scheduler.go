package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/cora-labs/cora/internal/act"
	"github.com/cora-labs/cora/internal/logging"
	"github.com/cora-labs/cora/internal/queue"
	"github.com/cora-labs/cora/internal/store"
	"github.com/cora-labs/cora/internal/types"
)

const (
	// PollInterval is how often due items are scanned.
	PollInterval = 60 * time.Second

	// taskRunInterval spaces persistent-task work sessions.
	taskRunInterval = 15 * time.Minute

	// taskSessionIters bounds one scheduler-driven ACT session. The
	// row's max_iterations bounds the lifetime total.
	taskSessionIters = 5

	failureBackoff = 2 * time.Minute
)

// Publisher delivers stream events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(key string, ev types.StreamEvent) error
}

// Scheduler polls scheduled_items and advances persistent tasks.
type Scheduler struct {
	db     *store.DB
	queues *queue.Manager
	bus    Publisher
	loop   *act.Loop
}

// New creates a scheduler. loop may be nil to disable task advancement.
func New(db *store.DB, queues *queue.Manager, bus Publisher, loop *act.Loop) *Scheduler {
	return &Scheduler{db: db, queues: queues, bus: bus, loop: loop}
}

// Run is the supervised polling loop.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.Tick(ctx, now)
			s.AdvanceTasks(ctx, now)
		}
	}
}

// Tick fires every due item once. Items are claimed with a compare-and-set
// so a second scheduler instance can never double-fire.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	due, err := s.db.DueScheduledItems(now, 50)
	if err != nil {
		logging.Warn("scheduler", "due scan: %v", err)
		return
	}
	for _, it := range due {
		claimed, err := s.db.ClaimScheduledItem(it.ID, now)
		if err != nil || !claimed {
			continue
		}
		if err := s.fire(ctx, it, now); err != nil {
			logging.Warn("scheduler", "fire %s: %v", it.ID, err)
			if err := s.db.RecordScheduleFailure(it.ID, now.Add(failureBackoff)); err != nil {
				logging.Warn("scheduler", "record failure %s: %v", it.ID, err)
			}
			continue
		}
		if it.Recurrence != "" {
			s.respawn(it, now)
		}
	}
}

// fire delivers one item: notifications go straight to the user's stream,
// prompts become scheduled message cycles through the normal pipeline.
func (s *Scheduler) fire(_ context.Context, it *types.ScheduledItem, now time.Time) error {
	switch it.ItemType {
	case "prompt":
		cycle := &types.MessageCycle{
			CycleID:   uuid.NewString(),
			UserID:    it.UserID,
			ThreadID:  "scheduled:" + it.UserID,
			CycleType: types.CycleScheduled,
			Source:    "scheduler",
			Content:   it.Message,
			Status:    types.CyclePending,
			CreatedAt: now,
		}
		cycle.RootCycleID = cycle.CycleID
		if err := s.db.InsertCycle(cycle); err != nil {
			return err
		}
		payload, _ := json.Marshal(cycle)
		s.queues.Enqueue(queue.QueuePrompt, &queue.Item{ID: cycle.CycleID, Payload: payload})
		return nil
	default: // notification
		return s.bus.Publish(types.UserStreamKey(it.UserID), types.StreamEvent{
			Type:     "notification",
			Content:  it.Message,
			OutputID: uuid.NewString(),
			Payload:  map[string]any{"scheduled_item_id": it.ID, "group_id": it.GroupID},
		})
	}
}

// respawn inserts the next occurrence as a new row in the same series: the
// fired row stays as history, the series keeps its group_id, and the new
// due time is strictly later.
func (s *Scheduler) respawn(it *types.ScheduledItem, now time.Time) {
	next, err := NextOccurrence(it, now)
	if err != nil {
		logging.Warn("scheduler", "recurrence on %s: %v", it.ID, err)
		return
	}
	successor := &types.ScheduledItem{
		UserID:      it.UserID,
		ItemType:    it.ItemType,
		Message:     it.Message,
		DueAt:       next,
		Recurrence:  it.Recurrence,
		WindowStart: it.WindowStart,
		WindowEnd:   it.WindowEnd,
		GroupID:     it.GroupID,
		Status:      types.SchedPending,
	}
	if err := s.db.InsertScheduledItem(successor); err != nil {
		logging.Warn("scheduler", "respawn %s: %v", it.ID, err)
	}
}

// AdvanceTasks expires stale persistent tasks, queues runnable ones, and
// works the queue. The queue's lease gives each session at-least-once
// delivery: a session that dies mid-run resurfaces after the visibility
// timeout instead of being lost until the next poll finds the row again.
func (s *Scheduler) AdvanceTasks(ctx context.Context, now time.Time) {
	if n, err := s.db.ExpireTasks(now); err == nil && n > 0 {
		logging.Info("scheduler", "expired %d persistent tasks", n)
	}
	if s.loop == nil {
		return
	}

	tasks, err := s.db.RunnableTasks(now, 3)
	if err != nil {
		logging.Warn("scheduler", "runnable tasks: %v", err)
		return
	}
	for _, t := range tasks {
		s.queues.Enqueue(queue.QueuePersistentTask, &queue.Item{ID: t.ID, Payload: []byte(t.ID)})
	}

	for {
		item := s.queues.TryDequeue(queue.QueuePersistentTask)
		if item == nil {
			return
		}
		t, err := s.db.GetTask(item.ID)
		if err != nil {
			logging.Warn("scheduler", "task %s: %v", item.ID, err)
			s.queues.Ack(queue.QueuePersistentTask, item.ID)
			continue
		}
		// re-check runnability: the row may have advanced since enqueue
		if t.Status != types.TaskAccepted && t.Status != types.TaskInProgress {
			s.queues.Ack(queue.QueuePersistentTask, item.ID)
			continue
		}
		if t.Status == types.TaskAccepted {
			if err := s.db.TransitionTask(t.ID, types.TaskInProgress); err != nil {
				logging.Warn("scheduler", "start task %s: %v", t.ID, err)
				s.queues.Ack(queue.QueuePersistentTask, item.ID)
				continue
			}
		}
		s.advance(ctx, t, now)
		s.queues.Ack(queue.QueuePersistentTask, item.ID)
	}
}

func (s *Scheduler) advance(ctx context.Context, t *types.PersistentTask, now time.Time) {
	iters := taskSessionIters
	if remaining := t.MaxIterations - t.IterationsUsed; remaining < iters {
		iters = remaining
	}
	if iters <= 0 {
		iters = 1
	}

	out, err := s.loop.Run(ctx, act.Invocation{
		UserID:      t.AccountID,
		ThreadID:    t.ThreadID,
		Request:     t.Goal,
		Context:     "Resumed background task.\nScope: " + t.Scope + "\nPrevious progress: " + t.Progress.LastSummary,
		Mode:        "persistent",
		BudgetIters: iters,
	})
	if err != nil {
		logging.Warn("scheduler", "task %s session: %v", t.ID, err)
		return
	}

	progress := types.TaskProgress{
		LastSummary:      out.Summary,
		CoverageEstimate: out.Coverage,
		Steps:            stepDAG(t.Progress.Steps, out.Steps),
	}
	if progress.LastSummary == "" {
		progress.LastSummary = t.Progress.LastSummary
	}
	if out.TaskComplete && progress.CoverageEstimate < store.TaskCoverageDone {
		progress.CoverageEstimate = 1.0
	}

	updated, err := s.db.RecordTaskIteration(t.ID, progress, now.Add(taskRunInterval))
	if err != nil {
		logging.Warn("scheduler", "record task %s: %v", t.ID, err)
		return
	}
	if updated.Status == types.TaskCompleted {
		artifact := out.Response
		if artifact == "" {
			artifact = progress.LastSummary
		}
		s.bus.Publish(types.UserStreamKey(t.AccountID), types.StreamEvent{
			Type:     "task",
			Content:  artifact,
			OutputID: uuid.NewString(),
			Payload:  map[string]any{"task_id": t.ID, "goal": t.Goal, "status": string(updated.Status)},
		})
		logging.Info("scheduler", "task %s completed", t.ID)
	}
}

// stepDAG folds this session's steps into the task's step-level state.
func stepDAG(prior map[string]any, steps []act.Step) map[string]any {
	dag := prior
	if dag == nil {
		dag = make(map[string]any)
	}
	for _, s := range steps {
		state := "done"
		if s.Err != "" {
			state = "failed"
		}
		dag[s.Action.Type] = state
	}
	return dag
}
