package gate

import (
	"context"
	"strings"
)

// HeuristicScorer is a fast deterministic scorer used when no LLM scorer is
// configured. Very short answers score low.
type HeuristicScorer struct{}

func (HeuristicScorer) Score(ctx context.Context, message, content, source string) (float64, string, error) {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) < 8 {
		return 0.3, "response seems too short or empty", nil
	}
	return 0.85, "looks reasonable", nil
}
