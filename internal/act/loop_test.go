package act

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/cora-labs/cora/internal/config"
	"github.com/cora-labs/cora/internal/types"
)

// scriptedPlanner returns canned plans in order, repeating the last one.
type scriptedPlanner struct {
	plans []*Plan
	calls int
}

func (p *scriptedPlanner) Plan(_ context.Context, _ string) (*Plan, error) {
	i := p.calls
	p.calls++
	if i >= len(p.plans) {
		i = len(p.plans) - 1
	}
	return p.plans[i], nil
}

// fakeHandler records invocations and returns canned output.
type fakeHandler struct {
	name    string
	output  string
	err     error
	invokes int
}

func (h *fakeHandler) Name() string { return h.name }

func (h *fakeHandler) Invoke(_ context.Context, _ map[string]any) (Result, error) {
	h.invokes++
	if h.err != nil {
		return Result{}, h.err
	}
	return Result{Output: h.output}, nil
}

func testRegistry(t *testing.T, handlers ...*fakeHandler) *Registry {
	t.Helper()
	reg := NewRegistry()
	for _, h := range handlers {
		if err := reg.Register(h, config.ToolSpec{Kind: "skill"}); err != nil {
			t.Fatalf("Register(%s): %v", h.name, err)
		}
	}
	reg.Seal()
	return reg
}

func TestLoopStopsOnEmptyActions(t *testing.T) {
	echo := &fakeHandler{name: "echo", output: "done"}
	planner := &scriptedPlanner{plans: []*Plan{
		{Actions: []Action{{Type: "echo", Params: map[string]any{"n": 1}}}},
		{Actions: nil, Response: "all set"},
	}}
	loop := NewLoop(testRegistry(t, echo), planner, nil, nil, nil)

	out, err := loop.Run(context.Background(), Invocation{UserID: "u", Request: "do the thing"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Response != "all set" {
		t.Errorf("Response = %q, want %q", out.Response, "all set")
	}
	if out.TerminationReason != "" {
		t.Errorf("TerminationReason = %q, want clean exit", out.TerminationReason)
	}
	if len(out.Steps) != 1 || echo.invokes != 1 {
		t.Errorf("steps = %d, invokes = %d, want 1/1", len(out.Steps), echo.invokes)
	}
}

func TestLoopIterationBudget(t *testing.T) {
	echo := &fakeHandler{name: "echo", output: "ok"}
	// planner never concludes: a fresh action every call
	plans := make([]*Plan, 10)
	for i := range plans {
		plans[i] = &Plan{Actions: []Action{{Type: "echo", Params: map[string]any{"n": i}}}}
	}
	planner := &scriptedPlanner{plans: plans}
	loop := NewLoop(testRegistry(t, echo), planner, nil, nil, nil)

	out, err := loop.Run(context.Background(), Invocation{UserID: "u", Request: "loop forever", BudgetIters: 3})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.TerminationReason != "budget" {
		t.Errorf("TerminationReason = %q, want budget", out.TerminationReason)
	}
	if echo.invokes > 3 {
		t.Errorf("invokes = %d, want <= 3", echo.invokes)
	}
}

func TestLoopRepetitionGuard(t *testing.T) {
	echo := &fakeHandler{name: "echo", output: "same"}
	same := &Plan{Actions: []Action{{Type: "echo", Params: map[string]any{"q": "identical"}}}}
	planner := &scriptedPlanner{plans: []*Plan{same}}
	loop := NewLoop(testRegistry(t, echo), planner, nil, nil, nil)

	out, err := loop.Run(context.Background(), Invocation{UserID: "u", Request: "spin"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.TerminationReason != "repetition" {
		t.Errorf("TerminationReason = %q, want repetition", out.TerminationReason)
	}
	// only the first identical action actually runs; repeats are skipped
	if echo.invokes != 1 {
		t.Errorf("invokes = %d, want 1", echo.invokes)
	}
	for _, s := range out.Steps[1:] {
		if !strings.Contains(s.Result, "skipped") {
			t.Errorf("repeat step not skipped: %q", s.Result)
		}
	}
}

func TestLoopToolDemotion(t *testing.T) {
	broken := &fakeHandler{name: "broken", err: types.Transient(fmt.Errorf("boom"))}
	plans := make([]*Plan, 10)
	for i := range plans {
		plans[i] = &Plan{Actions: []Action{{Type: "broken", Params: map[string]any{"n": i}}}}
	}
	planner := &scriptedPlanner{plans: plans}
	loop := NewLoop(testRegistry(t, broken), planner, nil, nil, nil)

	out, err := loop.Run(context.Background(), Invocation{UserID: "u", Request: "use the broken tool"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.TerminationReason != "tool_failure" {
		t.Errorf("TerminationReason = %q, want tool_failure", out.TerminationReason)
	}
	if broken.invokes != demotionErrors+1 {
		t.Errorf("invokes = %d, want %d", broken.invokes, demotionErrors+1)
	}
}

func TestLoopFatigueBudget(t *testing.T) {
	echo := &fakeHandler{name: "echo", output: "ok"}
	plans := make([]*Plan, 10)
	for i := range plans {
		plans[i] = &Plan{Actions: []Action{{Type: "echo", Params: map[string]any{"n": i}}}}
	}
	planner := &scriptedPlanner{plans: plans}
	loop := NewLoop(testRegistry(t, echo), planner, NewFatigue(), nil, nil)

	out, err := loop.Run(context.Background(), Invocation{UserID: "u", Request: "grind", BudgetIters: 10})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.TerminationReason != "fatigue" {
		t.Errorf("TerminationReason = %q, want fatigue", out.TerminationReason)
	}
	// default cost 0.5 against a 2.5 budget: five actions, not six
	if echo.invokes != 5 {
		t.Errorf("invokes = %d, want 5", echo.invokes)
	}
}

// concurrentHandler counts invocations under a lock so parallel batches can
// call it from several goroutines.
type concurrentHandler struct {
	name string
	mu   sync.Mutex
	n    int
}

func (h *concurrentHandler) Name() string { return h.name }

func (h *concurrentHandler) Invoke(_ context.Context, _ map[string]any) (Result, error) {
	h.mu.Lock()
	h.n++
	h.mu.Unlock()
	return Result{Output: "ok"}, nil
}

func (h *concurrentHandler) invoked() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}

func parallelRegistry(t *testing.T, h Handler) *Registry {
	t.Helper()
	reg := NewRegistry()
	if err := reg.Register(h, config.ToolSpec{Kind: "skill", ParallelSafe: true}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	reg.Seal()
	return reg
}

func TestLoopParallelBatch(t *testing.T) {
	fetch := &concurrentHandler{name: "fetch"}
	batch := make([]Action, 16)
	for i := range batch {
		batch[i] = Action{Type: "fetch", Params: map[string]any{"n": i}}
	}
	planner := &scriptedPlanner{plans: []*Plan{
		{Actions: batch},
		{Actions: nil, Response: "all fetched"},
	}}
	loop := NewLoop(parallelRegistry(t, fetch), planner, nil, nil, nil)

	out, err := loop.Run(context.Background(), Invocation{UserID: "u", Request: "fan out", BudgetIters: 20})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Response != "all fetched" {
		t.Errorf("Response = %q, TerminationReason = %q", out.Response, out.TerminationReason)
	}
	if fetch.invoked() != 16 {
		t.Errorf("invokes = %d, want 16", fetch.invoked())
	}
	if len(out.Steps) != 16 {
		t.Errorf("steps = %d, want 16", len(out.Steps))
	}
}

func TestLoopParallelBatchDedupes(t *testing.T) {
	fetch := &concurrentHandler{name: "fetch"}
	same := Action{Type: "fetch", Params: map[string]any{"q": "identical"}}
	planner := &scriptedPlanner{plans: []*Plan{
		{Actions: []Action{same, same}},
		{Actions: nil, Response: "done"},
	}}
	loop := NewLoop(parallelRegistry(t, fetch), planner, nil, nil, nil)

	out, err := loop.Run(context.Background(), Invocation{UserID: "u", Request: "fan out", BudgetIters: 10})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// identical fingerprints within one parallel batch run exactly once
	if fetch.invoked() != 1 {
		t.Errorf("invokes = %d, want 1", fetch.invoked())
	}
	if len(out.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(out.Steps))
	}
	skipped := 0
	for _, s := range out.Steps {
		if strings.Contains(s.Result, "skipped") {
			skipped++
		}
	}
	if skipped != 1 {
		t.Errorf("skipped = %d, want 1", skipped)
	}
	if out.Response != "done" {
		t.Errorf("Response = %q, TerminationReason = %q", out.Response, out.TerminationReason)
	}
}

func TestLoopUnknownAction(t *testing.T) {
	planner := &scriptedPlanner{plans: []*Plan{
		{Actions: []Action{{Type: "no_such_action"}}},
		{Actions: nil, Response: "gave up"},
	}}
	loop := NewLoop(testRegistry(t), planner, nil, nil, nil)

	out, err := loop.Run(context.Background(), Invocation{UserID: "u", Request: "x"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.Steps) != 1 || out.Steps[0].Err == "" {
		t.Errorf("expected a recorded error step, got %+v", out.Steps)
	}
	if out.Response != "gave up" {
		t.Errorf("Response = %q", out.Response)
	}
}

func TestFatigueWindow(t *testing.T) {
	f := NewFatigue()
	for i := 0; i < 5; i++ {
		if !f.Spend("u", 0.5) {
			t.Fatalf("spend %d refused below budget", i+1)
		}
	}
	if f.Spend("u", 0.5) {
		t.Error("spend allowed past budget")
	}
	if got := f.Remaining("u"); got != 0 {
		t.Errorf("Remaining = %v, want 0", got)
	}
	// budgets are per user
	if !f.Spend("other", 1.0) {
		t.Error("second user's budget affected by first")
	}
}

func TestFingerprintCanonicalizesParams(t *testing.T) {
	a := fingerprint(Action{Type: "x", Params: map[string]any{"a": 1, "b": "two"}})
	b := fingerprint(Action{Type: "x", Params: map[string]any{"b": "two", "a": 1}})
	if a != b {
		t.Error("param order changed the fingerprint")
	}
	c := fingerprint(Action{Type: "x", Params: map[string]any{"a": 2, "b": "two"}})
	if a == c {
		t.Error("different params produced the same fingerprint")
	}
}
