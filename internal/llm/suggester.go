package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/miridih-ejkim/mmiai/internal/gate"
	"github.com/miridih-ejkim/mmiai/internal/state"
	"github.com/miridih-ejkim/mmiai/internal/util"
)

const suggestSystemPrompt = `A worker's result did not satisfy the user. Propose 2-3 ways to improve it.
Reply with JSON: {"suggestions": [{"action": "refine" | "reroute", "label": "...", "query": "...", "target": "..."}]}
"refine" rewrites the query for the same worker. "reroute" sends the request to one of the available workers (set target).`

// Suggester implements gate.Suggester
type Suggester struct {
	client *Client
}

// NewSuggester creates a Suggester
func NewSuggester(client *Client) *Suggester {
	return &Suggester{client: client}
}

func (s *Suggester) Suggest(ctx context.Context, req gate.SuggestRequest) ([]state.Suggestion, error) {
	available := "(none)"
	if len(req.AvailableWorkers) > 0 {
		available = strings.Join(req.AvailableWorkers, ", ")
	}
	user := fmt.Sprintf("User request:\n%s\n\nResult from %s (score %.2f):\n%s\n\nAvailable workers: %s",
		req.Message, req.Source, req.Score, req.Excerpt, available)

	reply, err := s.client.complete(ctx, "suggest", suggestSystemPrompt, user)
	if err != nil {
		return nil, err
	}
	raw := util.ExtractJSONObject(reply)
	if raw == "" {
		return nil, fmt.Errorf("suggester reply has no JSON object")
	}
	var parsed struct {
		Suggestions []state.Suggestion `json:"suggestions"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse suggester reply: %w", err)
	}
	return parsed.Suggestions, nil
}
