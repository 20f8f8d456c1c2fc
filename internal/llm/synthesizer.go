package llm

import (
	"context"
	"fmt"

	"github.com/miridih-ejkim/mmiai/internal/state"
)

const synthesizeSystemPrompt = `Write the final answer to the user from the worker results below.
Answer in the user's language, keep facts from the results, and do not mention internal workers.`

// Synthesizer turns the final AgentResult into the user-facing reply
type Synthesizer struct {
	client *Client
}

// NewSynthesizer creates a Synthesizer
func NewSynthesizer(client *Client) *Synthesizer {
	return &Synthesizer{client: client}
}

// Synthesize returns direct answers unchanged and rewrites worker output
func (s *Synthesizer) Synthesize(ctx context.Context, message string, result state.AgentResult) (string, error) {
	if result.Source == state.SourceDirect {
		return result.Content, nil
	}
	user := fmt.Sprintf("User request:\n%s\n\nWorker results (%s):\n%s", message, result.Source, result.Content)
	return s.client.complete(ctx, "synthesize", synthesizeSystemPrompt, user)
}
