package act

import (
	"context"
	"fmt"

	"github.com/cora-labs/cora/internal/logging"
)

// Critic verifies action results against the original request. Minor
// problems with a proposed correction are patched in place; anything worse
// flags the step for user escalation. Opt-in via ACT_CRITIC=true.
type Critic struct {
	LLM JSONGenerator
}

type verdict struct {
	Verified   bool   `json:"verified"`
	Severity   string `json:"severity"` // minor, major
	Correction string `json:"correction"`
	Reason     string `json:"reason"`
}

// Review checks one step and mutates it with the verdict. Failures of the
// critic itself leave the step untouched.
func (c *Critic) Review(ctx context.Context, request string, step *Step) {
	if step.Err != "" || step.Result == "" {
		return
	}
	prompt := fmt.Sprintf(`Verify this action result against the user's request.
Request: %s
Action: %s
Result: %s

Reply with JSON only: {"verified":bool,"severity":"minor|major","correction":"corrected result or null","reason":"..."}`,
		request, step.Action.Type, logging.Truncate(step.Result, 600))

	var v verdict
	if err := c.LLM.GenerateJSON(ctx, prompt, &v); err != nil {
		logging.Debug("act", "critic failed on %s: %v", step.Action.Type, err)
		return
	}
	if v.Verified {
		return
	}
	if v.Severity == "minor" && v.Correction != "" && v.Correction != "null" {
		step.Result = v.Correction
		logging.Debug("act", "critic corrected %s: %s", step.Action.Type, v.Reason)
		return
	}
	step.NeedsEscalation = true
	logging.Warn("act", "critic flagged %s for escalation: %s", step.Action.Type, v.Reason)
}
