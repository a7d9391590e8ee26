package digest

import (
	"fmt"
	"strings"

	"github.com/cora-labs/cora/internal/assemble"
)

// Render flattens a memory snapshot into the prompt block the generator and
// the planner both see. Empty layers are omitted.
func Render(snap *assemble.Snapshot) string {
	if snap == nil {
		return ""
	}
	var b strings.Builder
	if snap.Topic != "" {
		fmt.Fprintf(&b, "Topic: %s\n", snap.Topic)
	}
	if len(snap.Turns) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, t := range snap.Turns {
			fmt.Fprintf(&b, "  %s: %s\n", t.Role, t.Content)
		}
	}
	if len(snap.Facts) > 0 {
		b.WriteString("Known facts:\n")
		for _, f := range snap.Facts {
			fmt.Fprintf(&b, "  %s: %s\n", f.Key, f.Value)
		}
	}
	if len(snap.Gists) > 0 {
		b.WriteString("Session notes:\n")
		for _, g := range snap.Gists {
			fmt.Fprintf(&b, "  - %s\n", g.Content)
		}
	}
	if len(snap.Episodes) > 0 {
		b.WriteString("Relevant past episodes:\n")
		for _, e := range snap.Episodes {
			line := e.Episode.Gist
			if e.Episode.Outcome != "" {
				line += " (outcome: " + e.Episode.Outcome + ")"
			}
			fmt.Fprintf(&b, "  - %s\n", line)
		}
	}
	if len(snap.Concepts) > 0 {
		b.WriteString("Concepts in play:\n")
		for _, c := range snap.Concepts {
			if c.Concept.Definition != "" {
				fmt.Fprintf(&b, "  - %s: %s\n", c.Concept.Name, c.Concept.Definition)
			} else {
				fmt.Fprintf(&b, "  - %s\n", c.Concept.Name)
			}
		}
	}
	return b.String()
}
