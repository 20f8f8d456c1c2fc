package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/miridih-ejkim/mmiai/internal/planner"
	"github.com/miridih-ejkim/mmiai/internal/state"
	"github.com/miridih-ejkim/mmiai/internal/util"
)

const classifySystemPrompt = `You route user requests to specialized workers.
Reply with a single JSON object:
{
  "type": "simple" | "agent" | "clarify" | "ambiguous",
  "reasoning": "for simple: the complete direct answer; otherwise a short rationale",
  "targets": ["worker ids, only for agent"],
  "queries": {"<worker id>": "query" or {"query": "...", "goal": "...", "context_hint": "..."}},
  "execution_mode": "parallel" | "sequential",
  "clarify_question": "only for clarify",
  "candidates": [{"label": "...", "description": "...", "targets": [], "queries": {}, "execution_mode": "parallel"}]
}
Use "simple" when no worker is needed. Use "sequential" when a later worker needs an earlier worker's output,
and set context_hint on the later query to say what it should take from that output.
Use "clarify" when the request cannot be answered without more information and "ambiguous" when it has
several plausible interpretations (offer 2-3 candidates).`

// Classifier implements planner.Classifier
type Classifier struct {
	client *Client
}

// NewClassifier creates a Classifier
func NewClassifier(client *Client) *Classifier {
	return &Classifier{client: client}
}

func (c *Classifier) Classify(ctx context.Context, req planner.ClassifyRequest) (*state.ExecutionPlan, error) {
	var b strings.Builder
	b.WriteString("Available workers:\n")
	if len(req.Workers) == 0 {
		b.WriteString("(none)\n")
	}
	for _, w := range req.Workers {
		fmt.Fprintf(&b, "- %s (%s): %s\n", w.ID, w.Name, w.Description)
	}
	if req.PreviousFeedback != "" {
		b.WriteString("\nThe previous attempt was rejected. Feedback:\n")
		b.WriteString(req.PreviousFeedback)
		b.WriteString("\n")
	}
	b.WriteString("\nUser message:\n")
	b.WriteString(req.Message)

	reply, err := c.client.complete(ctx, "classify", classifySystemPrompt, b.String())
	if err != nil {
		return nil, err
	}
	return parsePlan(reply)
}

func parsePlan(reply string) (*state.ExecutionPlan, error) {
	raw := util.ExtractJSONObject(reply)
	if raw == "" {
		return nil, fmt.Errorf("classifier reply has no JSON object")
	}
	var plan state.ExecutionPlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("failed to parse classifier reply: %w", err)
	}
	plan.Type = state.PlanType(strings.ToLower(strings.TrimSpace(string(plan.Type))))
	return &plan, nil
}
