package orchestrator

import (
	"strings"

	"github.com/miridih-ejkim/mmiai/internal/state"
)

// singlePrompt renders a query that does not depend on another step
func singlePrompt(q state.Query) string {
	if q.Goal == "" {
		return q.Query
	}
	return "Goal: " + q.Goal + "\n\n" + q.Query
}

// chainedPrompt renders a sequential step after the first. With a context hint
// the previous output is framed as reference material for that hint.
func chainedPrompt(q state.Query, previous string) string {
	var b strings.Builder
	if q.Goal != "" {
		b.WriteString("Goal: ")
		b.WriteString(q.Goal)
		b.WriteString("\n\n")
	}
	if q.ContextHint != "" {
		b.WriteString("reference: ")
		b.WriteString(q.ContextHint)
		b.WriteString("\n\n")
	}
	b.WriteString("Previous step output:\n")
	b.WriteString(previous)
	b.WriteString("\n\nCurrent request:\n")
	b.WriteString(q.Query)
	return b.String()
}
