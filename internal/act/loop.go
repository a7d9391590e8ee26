package act

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cora-labs/cora/internal/logging"
	"github.com/cora-labs/cora/internal/store"
	"github.com/cora-labs/cora/internal/types"
)

// Loop budgets.
const (
	DefaultBudgetIters = 7
	DefaultBudgetWall  = 60 * time.Second

	// repetitionLimit terminates the loop when the planner insists on the
	// same action this many times without new information.
	repetitionLimit = 3

	// demotionErrors demotes a tool after this many failures in one
	// invocation.
	demotionErrors = 2
)

// Action is one planner-proposed step.
type Action struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params"`
}

// Plan is the planner LLM's parsed output for one iteration.
type Plan struct {
	Actions      []Action `json:"actions"`
	Response     string   `json:"response"`
	Deep         bool     `json:"deep"`          // too big for one loop
	TaskComplete bool     `json:"task_complete"` // persistent mode only
	Coverage     float64  `json:"coverage_estimate"`
	Summary      string   `json:"summary"`
}

// Planner produces the next plan from the loop prompt. LLMPlanner is the
// production implementation.
type Planner interface {
	Plan(ctx context.Context, prompt string) (*Plan, error)
}

// JSONGenerator is the LLM surface the planner and critic need.
type JSONGenerator interface {
	GenerateJSON(ctx context.Context, prompt string, out any) error
}

// LLMPlanner asks the generation model for the next actions.
type LLMPlanner struct {
	LLM JSONGenerator
}

// Plan implements Planner.
func (p *LLMPlanner) Plan(ctx context.Context, prompt string) (*Plan, error) {
	var plan Plan
	if err := p.LLM.GenerateJSON(ctx, prompt, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// Step is one executed (or rejected) action with its outcome.
type Step struct {
	Action          Action `json:"action"`
	Result          string `json:"result,omitempty"`
	Err             string `json:"error,omitempty"`
	CostMS          int64  `json:"cost_ms"`
	Tokens          int    `json:"tokens"`
	NeedsEscalation bool   `json:"needs_escalation,omitempty"`
}

// Invocation describes one entry into the loop.
type Invocation struct {
	UserID   string
	ThreadID string
	Request  string
	Context  string // rendered context snapshot for the planner
	Mode     string // "interactive" or "persistent"

	BudgetIters int           // 0 = DefaultBudgetIters
	BudgetWall  time.Duration // 0 = DefaultBudgetWall

	History []Step // persistent tasks resume with prior steps
}

// Outcome is the loop's terminal state.
type Outcome struct {
	Steps             []Step
	Response          string
	TerminationReason string // "" (planner finished), budget, timeout, repetition, fatigue, tool_failure
	EscalatedTaskID   string
	Coverage          float64
	Summary           string
	TaskComplete      bool
	Escalations       []Step // critic-flagged steps needing user attention
}

// Loop runs the iterative planner/executor.
type Loop struct {
	registry *Registry
	planner  Planner
	fatigue  *Fatigue
	db       *store.DB
	critic   *Critic // nil = disabled
}

// NewLoop wires a loop. critic may be nil.
func NewLoop(registry *Registry, planner Planner, fatigue *Fatigue, db *store.DB, critic *Critic) *Loop {
	return &Loop{registry: registry, planner: planner, fatigue: fatigue, db: db, critic: critic}
}

// Run executes the loop for one invocation. It always returns a usable
// Outcome; the error is non-nil only for failures outside the loop's own
// policy terminations (which are not errors).
func (l *Loop) Run(ctx context.Context, inv Invocation) (*Outcome, error) {
	iters := inv.BudgetIters
	if iters <= 0 {
		iters = DefaultBudgetIters
	}
	wall := inv.BudgetWall
	if wall <= 0 {
		wall = DefaultBudgetWall
	}
	start := time.Now()
	deadline := start.Add(wall)

	out := &Outcome{Steps: append([]Step(nil), inv.History...)}
	visited := make(map[string]int)
	toolErrors := make(map[string]int)
	demoted := make(map[string]bool)
	deep := false
	actionCount := 0

	for planCalls := 0; planCalls < iters; planCalls++ {
		planCtx, cancel := context.WithDeadline(ctx, deadline)
		plan, err := l.planner.Plan(planCtx, l.buildPrompt(inv, out.Steps))
		cancel()
		if err != nil {
			if types.KindOf(err) == types.ErrValidation {
				// malformed plan: safest default is to stop planning and
				// let the generator compose from what we have
				logging.Warn("act", "planner output invalid: %v", err)
				out.TerminationReason = ""
				break
			}
			return out, err
		}
		if plan.Deep {
			deep = true
		}
		out.Coverage = plan.Coverage
		out.Summary = plan.Summary
		out.TaskComplete = plan.TaskComplete

		if len(plan.Actions) == 0 {
			out.Response = plan.Response
			break
		}

		stop := l.dispatchAll(ctx, inv, plan.Actions, out, visited, toolErrors, demoted, &actionCount, iters, deadline)
		if stop {
			break
		}
		if actionCount >= iters {
			out.TerminationReason = "budget"
			break
		}
		if time.Now().After(deadline) {
			out.TerminationReason = "timeout"
			break
		}
	}
	if out.TerminationReason == "" && out.Response == "" && actionCount >= iters {
		out.TerminationReason = "budget"
	}

	l.maybeEscalate(inv, out, deep, iters)
	return out, nil
}

// dispatchAll executes a plan's actions. Parallel-safe runs execute
// concurrently; everything else is sequential. Returns true when the loop
// must terminate.
func (l *Loop) dispatchAll(ctx context.Context, inv Invocation, actions []Action, out *Outcome, visited map[string]int, toolErrors map[string]int, demoted map[string]bool, actionCount *int, iters int, deadline time.Time) bool {
	i := 0
	for i < len(actions) {
		// batch up consecutive parallel-safe actions
		j := i
		for j < len(actions) && l.parallelSafe(actions[j]) {
			j++
		}
		var batch []Action
		if j > i+1 {
			batch = actions[i:j]
		} else {
			batch = actions[i : i+1]
			j = i + 1
		}
		i = j

		if stop := l.checkBudgets(out, actionCount, len(batch), iters, deadline, inv.UserID, batch); stop {
			return true
		}

		// fingerprints are recorded before dispatch, on this goroutine:
		// the goroutines below must never touch the visited map
		dup := make([]bool, len(batch))
		for bi, action := range batch {
			fp := fingerprint(action)
			visited[fp]++
			dup[bi] = visited[fp] > 1
		}

		steps := make([]Step, len(batch))
		if len(batch) > 1 {
			g, gctx := errgroup.WithContext(ctx)
			for bi, action := range batch {
				g.Go(func() error {
					steps[bi] = l.execute(gctx, inv, action, dup[bi], deadline)
					return nil
				})
			}
			g.Wait()
		} else {
			steps[0] = l.execute(ctx, inv, batch[0], dup[0], deadline)
		}

		for _, step := range steps {
			*actionCount++
			out.Steps = append(out.Steps, step)
			if step.Err != "" {
				toolErrors[step.Action.Type]++
				if toolErrors[step.Action.Type] > demotionErrors {
					demoted[step.Action.Type] = true
					out.TerminationReason = "tool_failure"
					logging.Warn("act", "tool %s demoted after repeated errors", step.Action.Type)
					return true
				}
				continue
			}
			if visited[fingerprint(step.Action)] >= repetitionLimit {
				out.TerminationReason = "repetition"
				return true
			}
		}
	}
	return false
}

// checkBudgets enforces iteration, wall, and fatigue budgets before a
// batch dispatches. Returns true when the loop must stop.
func (l *Loop) checkBudgets(out *Outcome, actionCount *int, batchSize, iters int, deadline time.Time, userID string, batch []Action) bool {
	if *actionCount >= iters {
		out.TerminationReason = "budget"
		return true
	}
	if time.Now().After(deadline) {
		out.TerminationReason = "timeout"
		return true
	}
	if l.fatigue != nil {
		var cost float64
		for _, a := range batch {
			if _, spec, err := l.registry.Resolve(a.Type); err == nil {
				cost += spec.Cost
			}
		}
		if cost > 0 && !l.fatigue.Spend(userID, cost) {
			out.TerminationReason = "fatigue"
			return true
		}
	}
	return false
}

// execute runs one action with its per-call timeout and critic. dup marks
// an action whose fingerprint was already seen; it is skipped unrun.
func (l *Loop) execute(ctx context.Context, inv Invocation, action Action, dup bool, deadline time.Time) Step {
	step := Step{Action: action}
	started := time.Now()
	defer func() { step.CostMS = time.Since(started).Milliseconds() }()

	if dup {
		step.Result = "(skipped: already performed this exact action)"
		return step
	}

	handler, spec, err := l.registry.Resolve(action.Type)
	if err != nil {
		step.Err = err.Error()
		return step
	}

	timeout := time.Duration(spec.TimeoutSeconds) * time.Second
	if until := time.Until(deadline); until < timeout {
		timeout = until
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := handler.Invoke(callCtx, action.Params)
	if err != nil {
		if callCtx.Err() == context.Canceled {
			step.Result = "cancelled"
		}
		step.Err = err.Error()
		return step
	}

	if spec.Kind == "tool" {
		step.Result = "[TOOL:" + spec.Name + "]" + result.Output + "[/TOOL]"
	} else if result.Output != "" {
		step.Result = result.Output
	} else if result.Structured != nil {
		blob, _ := json.Marshal(result.Structured)
		step.Result = string(blob)
	}
	step.Tokens = len(step.Result) / 4

	if l.critic != nil {
		l.critic.Review(ctx, inv.Request, &step)
	}
	return step
}

// maybeEscalate creates a persistent task when the loop terminated with
// nothing produced and the request was deep (flagged by the planner, or the
// budget ran out without a conclusion).
func (l *Loop) maybeEscalate(inv Invocation, out *Outcome, deep bool, iters int) {
	if inv.Mode == "persistent" || l.db == nil {
		return
	}
	produced := out.Response != ""
	exhausted := out.TerminationReason == "budget" || out.TerminationReason == "timeout" ||
		out.TerminationReason == "fatigue" || out.TerminationReason == "repetition"
	if produced || !(deep || exhausted) {
		return
	}
	if alreadyEscalated(out.Steps) {
		return
	}

	task := &types.PersistentTask{
		AccountID: inv.UserID,
		ThreadID:  inv.ThreadID,
		Goal:      inv.Request,
		Scope:     summarizeSteps(out.Steps),
		Status:    types.TaskAccepted,
	}
	if err := l.db.InsertTask(task); err != nil {
		logging.Warn("act", "escalation insert failed: %v", err)
		return
	}
	out.EscalatedTaskID = task.ID
	out.Steps = append(out.Steps, Step{
		Action: Action{Type: "persistent_task:create", Params: map[string]any{"goal": inv.Request}},
		Result: "created persistent task " + task.ID,
	})
	logging.Info("act", "escalated to persistent task %s (%s)", task.ID, out.TerminationReason)
}

func alreadyEscalated(steps []Step) bool {
	for _, s := range steps {
		if s.Action.Type == "persistent_task:create" && s.Err == "" {
			return true
		}
	}
	return false
}

func (l *Loop) parallelSafe(a Action) bool {
	_, spec, err := l.registry.Resolve(a.Type)
	return err == nil && spec.ParallelSafe
}

// buildPrompt renders the planner prompt from the request, the context
// snapshot, the available actions, and the history so far.
func (l *Loop) buildPrompt(inv Invocation, steps []Step) string {
	var b strings.Builder
	b.WriteString("You are the action planner for a personal assistant.\n")
	b.WriteString("Request: " + inv.Request + "\n")
	if inv.Context != "" {
		b.WriteString("\nContext:\n" + inv.Context + "\n")
	}
	b.WriteString("\nAvailable actions: " + strings.Join(l.registry.Names(), ", ") + "\n")
	if len(steps) > 0 {
		b.WriteString("\nHistory so far:\n")
		for _, s := range steps {
			if s.Err != "" {
				fmt.Fprintf(&b, "- %s -> ERROR: %s\n", s.Action.Type, s.Err)
			} else {
				fmt.Fprintf(&b, "- %s -> %s\n", s.Action.Type, logging.Truncate(s.Result, 300))
			}
		}
	}
	b.WriteString(`
Reply with JSON only:
{"actions":[{"type":"...","params":{...}}],"response":"...","deep":false,"task_complete":false,"coverage_estimate":0.0,"summary":"..."}
Return an empty actions array when no further action is needed.`)
	return b.String()
}

// fingerprint identifies an action by type plus canonicalized params, for
// dedup across iterations.
func fingerprint(a Action) string {
	keys := make([]string, 0, len(a.Params))
	for k := range a.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha1.New()
	h.Write([]byte(a.Type))
	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%v", k, a.Params[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// summarizeSteps renders act history as a compact scope description.
func summarizeSteps(steps []Step) string {
	if len(steps) == 0 {
		return "no prior progress"
	}
	var b strings.Builder
	for _, s := range steps {
		b.WriteString("- " + s.Action.Type)
		if s.Err != "" {
			b.WriteString(" (failed)")
		}
		b.WriteString("\n")
	}
	return b.String()
}
