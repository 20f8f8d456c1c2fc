package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/miridih-ejkim/mmiai/internal/util"
)

const scoreSystemPrompt = `You grade how well a result answers a user's request.
Reply with JSON: {"score": <number between 0 and 1>, "reason": "<one sentence>"}`

// Scorer implements gate.Scorer
type Scorer struct {
	client        *Client
	maxContentLen int
}

// NewScorer creates a Scorer
func NewScorer(client *Client) *Scorer {
	return &Scorer{client: client, maxContentLen: 6000}
}

func (s *Scorer) Score(ctx context.Context, message, content, source string) (float64, string, error) {
	user := fmt.Sprintf("User request:\n%s\n\nResult from %s:\n%s",
		message, source, util.TruncateString(content, s.maxContentLen, false))
	reply, err := s.client.complete(ctx, "score", scoreSystemPrompt, user)
	if err != nil {
		return 0, "", err
	}
	return parseScore(reply)
}

func parseScore(reply string) (float64, string, error) {
	var parsed struct {
		Score  *float64 `json:"score"`
		Reason string   `json:"reason"`
	}
	if raw := util.ExtractJSONObject(reply); raw != "" {
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil && parsed.Score != nil {
			return util.ClampScore(util.NormalizeScore(*parsed.Score)), parsed.Reason, nil
		}
	}
	// plain-text replies such as "7/10 - misses the totals"
	if v, ok := util.ParseScore(reply); ok {
		return v, util.TruncateString(reply, 200, true), nil
	}
	return 0, "", fmt.Errorf("scorer reply has no score: %q", util.TruncateString(reply, 80, false))
}
