package act

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cora-labs/cora/internal/config"
	"github.com/cora-labs/cora/internal/ephemeral"
	"github.com/cora-labs/cora/internal/store"
	"github.com/cora-labs/cora/internal/types"
)

// SkillDeps wires the innate skills to the stores. ValidateRecurrence is
// injected from the scheduler so the recurrence grammar lives in one place.
type SkillDeps struct {
	Eph                *ephemeral.Store
	DB                 *store.DB
	Embed              func(ctx context.Context, text string) ([]float32, error)
	ValidateRecurrence func(string) error
	RecordCorrection   func(threadID, topicName string)
}

// RegisterSkills installs the innate skills on a registry. Call before
// Seal.
func RegisterSkills(reg *Registry, deps SkillDeps) error {
	skills := []struct {
		h    Handler
		spec config.ToolSpec
	}{
		{&rememberSkill{deps}, config.ToolSpec{Kind: "skill", TriggerPhrases: []string{"remember"}, Cost: 0.1}},
		{&recallSkill{deps}, config.ToolSpec{Kind: "skill", TriggerPhrases: []string{"recall", "what do you know"}, ParallelSafe: true, Cost: 0.1}},
		{&scheduleSkill{deps}, config.ToolSpec{Kind: "skill", TriggerPhrases: []string{"remind me", "schedule"}, ActionCapable: true, Cost: 0.2}},
		{&listRemindersSkill{deps}, config.ToolSpec{Kind: "skill", TriggerPhrases: []string{"my reminders"}, ParallelSafe: true, Cost: 0.1}},
		{&cancelReminderSkill{deps}, config.ToolSpec{Kind: "skill", TriggerPhrases: []string{"cancel the reminder", "stop reminding"}, ActionCapable: true, Cost: 0.1}},
		{&createTaskSkill{deps}, config.ToolSpec{Kind: "skill", ActionCapable: true, Cost: 0.3}},
		{&listTasksSkill{deps}, config.ToolSpec{Kind: "skill", TriggerPhrases: []string{"my tasks"}, ParallelSafe: true, Cost: 0.1}},
		{&pinMomentSkill{deps}, config.ToolSpec{Kind: "skill", TriggerPhrases: []string{"pin this", "save this moment"}, Cost: 0.1}},
		{&listMomentsSkill{deps}, config.ToolSpec{Kind: "skill", TriggerPhrases: []string{"my moments"}, ParallelSafe: true, Cost: 0.1}},
		{&forgetMomentSkill{deps}, config.ToolSpec{Kind: "skill", TriggerPhrases: []string{"forget that moment"}, ActionCapable: true, Cost: 0.1}},
		{&topicCorrectionSkill{deps}, config.ToolSpec{Kind: "skill", TriggerPhrases: []string{"different topic", "change of subject"}, Cost: 0.1}},
	}
	for _, s := range skills {
		if err := reg.Register(s.h, s.spec); err != nil {
			return err
		}
	}
	return nil
}

func param(params map[string]any, key string) string {
	if v, ok := params[key]; ok {
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
	return ""
}

// rememberSkill stores a fact in short-term memory.
type rememberSkill struct{ deps SkillDeps }

func (s *rememberSkill) Name() string { return "remember" }

func (s *rememberSkill) Invoke(_ context.Context, params map[string]any) (Result, error) {
	key, value := param(params, "key"), param(params, "value")
	if key == "" || value == "" {
		return Result{}, types.Contractf("remember requires key and value")
	}
	prev, had := s.deps.Eph.GetFact(key)
	s.deps.Eph.StoreFact(types.Fact{Key: key, Value: value, Confidence: 0.9})
	out := "remembered " + key
	if had && prev.Value != value {
		out = fmt.Sprintf("updated %s (was %q)", key, prev.Value)
	}
	return Result{Output: out, Structured: map[string]any{"key": key}}, nil
}

// recallSkill searches the memory layers for a query.
type recallSkill struct{ deps SkillDeps }

func (s *recallSkill) Name() string { return "recall" }

func (s *recallSkill) Invoke(ctx context.Context, params map[string]any) (Result, error) {
	query := param(params, "query")
	if query == "" {
		return Result{}, types.Contractf("recall requires query")
	}
	var queryEmb []float32
	if s.deps.Embed != nil {
		queryEmb, _ = s.deps.Embed(ctx, query)
	}
	var lines []string
	for _, f := range s.deps.Eph.SearchFacts(query, 3) {
		lines = append(lines, fmt.Sprintf("fact %s: %s", f.Key, f.Value))
	}
	for _, g := range s.deps.Eph.SearchGists(query, 3) {
		lines = append(lines, "gist: "+g.Content)
	}
	if episodes, err := s.deps.DB.SearchEpisodes(query, queryEmb, 3); err == nil {
		for _, e := range episodes {
			lines = append(lines, "episode: "+e.Episode.Gist)
		}
	}
	if queryEmb != nil {
		if moments, err := s.deps.DB.SearchMoments(param(params, "user_id"), queryEmb, 3); err == nil {
			for _, m := range moments {
				lines = append(lines, "moment: "+m.Content)
			}
		}
	}
	if len(lines) == 0 {
		return Result{Output: "nothing relevant in memory"}, nil
	}
	return Result{Output: strings.Join(lines, "\n")}, nil
}

// scheduleSkill creates a reminder or recurring prompt.
type scheduleSkill struct{ deps SkillDeps }

func (s *scheduleSkill) Name() string { return "schedule_reminder" }

func (s *scheduleSkill) Invoke(_ context.Context, params map[string]any) (Result, error) {
	message := param(params, "message")
	if message == "" {
		return Result{}, types.Contractf("schedule_reminder requires message")
	}
	recurrence := param(params, "recurrence")
	if recurrence != "" && s.deps.ValidateRecurrence != nil {
		if err := s.deps.ValidateRecurrence(recurrence); err != nil {
			return Result{}, err
		}
	}

	due := time.Now().Add(time.Hour)
	if at := param(params, "due_at"); at != "" {
		parsed, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return Result{}, types.Contractf("due_at must be RFC3339: %v", err)
		}
		due = parsed
	} else if mins := param(params, "due_in_minutes"); mins != "" {
		var n int
		if _, err := fmt.Sscanf(mins, "%d", &n); err != nil || n <= 0 {
			return Result{}, types.Contractf("due_in_minutes must be a positive integer")
		}
		due = time.Now().Add(time.Duration(n) * time.Minute)
	}

	itemType := param(params, "item_type")
	if itemType != "prompt" {
		itemType = "notification"
	}
	item := &types.ScheduledItem{
		UserID:      param(params, "user_id"),
		ItemType:    itemType,
		Message:     message,
		DueAt:       due,
		Recurrence:  recurrence,
		WindowStart: param(params, "window_start"),
		WindowEnd:   param(params, "window_end"),
	}
	if err := s.deps.DB.InsertScheduledItem(item); err != nil {
		return Result{}, err
	}
	return Result{
		Output:     fmt.Sprintf("scheduled %q for %s", message, due.Format(time.RFC3339)),
		Structured: map[string]any{"id": item.ID, "due_at": due},
	}, nil
}

// listRemindersSkill reports a user's pending reminders, soonest first.
type listRemindersSkill struct{ deps SkillDeps }

func (s *listRemindersSkill) Name() string { return "list_reminders" }

func (s *listRemindersSkill) Invoke(_ context.Context, params map[string]any) (Result, error) {
	items, err := s.deps.DB.ListScheduledItems(param(params, "user_id"), 20)
	if err != nil {
		return Result{}, err
	}
	if len(items) == 0 {
		return Result{Output: "no pending reminders"}, nil
	}
	var lines []string
	for _, it := range items {
		line := fmt.Sprintf("%s at %s: %s", it.ID[:8], it.DueAt.Format("Mon Jan 2 15:04"), it.Message)
		if it.Recurrence != "" {
			line += " (" + it.Recurrence + ")"
		}
		lines = append(lines, line)
	}
	return Result{Output: strings.Join(lines, "\n")}, nil
}

// cancelReminderSkill cancels a reminder and, for a recurring one, the whole
// series behind it.
type cancelReminderSkill struct{ deps SkillDeps }

func (s *cancelReminderSkill) Name() string { return "cancel_reminder" }

func (s *cancelReminderSkill) Invoke(_ context.Context, params map[string]any) (Result, error) {
	groupID := param(params, "group_id")
	if groupID == "" {
		groupID = param(params, "id")
	}
	if groupID == "" {
		return Result{}, types.Contractf("cancel_reminder requires group_id")
	}
	n, err := s.deps.DB.CancelScheduledSeries(groupID)
	if err != nil {
		return Result{}, err
	}
	if n == 0 {
		return Result{Output: "no pending reminders matched"}, nil
	}
	return Result{
		Output:     fmt.Sprintf("cancelled %d reminder(s)", n),
		Structured: map[string]any{"cancelled": n},
	}, nil
}

// createTaskSkill opens a persistent background task.
type createTaskSkill struct{ deps SkillDeps }

func (s *createTaskSkill) Name() string { return "persistent_task:create" }

func (s *createTaskSkill) Invoke(_ context.Context, params map[string]any) (Result, error) {
	goal := param(params, "goal")
	if goal == "" {
		return Result{}, types.Contractf("persistent_task:create requires goal")
	}
	task := &types.PersistentTask{
		AccountID: param(params, "user_id"),
		ThreadID:  param(params, "thread_id"),
		Goal:      goal,
		Scope:     param(params, "scope"),
		Status:    types.TaskAccepted,
	}
	if err := s.deps.DB.InsertTask(task); err != nil {
		return Result{}, err
	}
	return Result{
		Output:     "created persistent task " + task.ID,
		Structured: map[string]any{"task_id": task.ID},
	}, nil
}

// listTasksSkill reports a user's open tasks.
type listTasksSkill struct{ deps SkillDeps }

func (s *listTasksSkill) Name() string { return "list_tasks" }

func (s *listTasksSkill) Invoke(_ context.Context, params map[string]any) (Result, error) {
	tasks, err := s.deps.DB.ListTasks(param(params, "user_id"))
	if err != nil {
		return Result{}, err
	}
	if len(tasks) == 0 {
		return Result{Output: "no open tasks"}, nil
	}
	var lines []string
	for _, t := range tasks {
		lines = append(lines, fmt.Sprintf("%s [%s] %.0f%%: %s", t.ID[:8], t.Status, t.Progress.CoverageEstimate*100, t.Goal))
	}
	return Result{Output: strings.Join(lines, "\n")}, nil
}

// pinMomentSkill bookmarks a message for enrichment.
type pinMomentSkill struct{ deps SkillDeps }

func (s *pinMomentSkill) Name() string { return "pin_moment" }

func (s *pinMomentSkill) Invoke(_ context.Context, params map[string]any) (Result, error) {
	content := param(params, "content")
	if content == "" {
		return Result{}, types.Contractf("pin_moment requires content")
	}
	m, err := s.deps.DB.PinMoment(param(params, "user_id"), content)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: "pinned moment " + m.ID, Structured: map[string]any{"moment_id": m.ID}}, nil
}

// listMomentsSkill reports a user's pinned moments, newest first.
type listMomentsSkill struct{ deps SkillDeps }

func (s *listMomentsSkill) Name() string { return "list_moments" }

func (s *listMomentsSkill) Invoke(_ context.Context, params map[string]any) (Result, error) {
	moments, err := s.deps.DB.ListMoments(param(params, "user_id"), 10)
	if err != nil {
		return Result{}, err
	}
	if len(moments) == 0 {
		return Result{Output: "no pinned moments"}, nil
	}
	var lines []string
	for _, m := range moments {
		line := fmt.Sprintf("%s (%s): %s", m.ID[:8], m.CreatedAt.Format("Jan 2"), m.Content)
		if m.Enrichment != "" {
			line += " [" + m.Enrichment + "]"
		}
		lines = append(lines, line)
	}
	return Result{Output: strings.Join(lines, "\n")}, nil
}

// forgetMomentSkill removes a pinned moment.
type forgetMomentSkill struct{ deps SkillDeps }

func (s *forgetMomentSkill) Name() string { return "forget_moment" }

func (s *forgetMomentSkill) Invoke(_ context.Context, params map[string]any) (Result, error) {
	id := param(params, "moment_id")
	if id == "" {
		return Result{}, types.Contractf("forget_moment requires moment_id")
	}
	if err := s.deps.DB.ForgetMoment(id); err != nil {
		return Result{}, err
	}
	return Result{Output: "forgot moment " + id}, nil
}

// topicCorrectionSkill records a user's manual topic correction, the missed
// split signal the topic regulator learns from.
type topicCorrectionSkill struct{ deps SkillDeps }

func (s *topicCorrectionSkill) Name() string { return "topic_correction" }

func (s *topicCorrectionSkill) Invoke(_ context.Context, params map[string]any) (Result, error) {
	if s.deps.RecordCorrection != nil {
		s.deps.RecordCorrection(param(params, "thread_id"), param(params, "topic"))
	}
	return Result{Output: "noted: this should have been a separate topic"}, nil
}
