package gate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/miridih-ejkim/mmiai/internal/state"
)

const maxSuggestions = 3

// suggestions asks the suggester and sanitizes its answer, falling back to
// the static options when it fails or returns nothing usable
func (g *Gate) suggestions(ctx context.Context, message, excerpt, source string, score float64, others []string) []state.Suggestion {
	if g.suggester != nil {
		got, err := g.suggester.Suggest(ctx, SuggestRequest{
			Message:          message,
			Excerpt:          excerpt,
			Source:           source,
			Score:            score,
			AvailableWorkers: others,
		})
		if err != nil {
			g.logger.Warn("Suggester failed, using fallback suggestions", zap.Error(err))
		} else if clean := sanitize(got, others); len(clean) > 0 {
			return clean
		}
	}
	return g.fallbackSuggestions(message, others)
}

// sanitize drops reroutes to workers outside others and caps the list
func sanitize(in []state.Suggestion, others []string) []state.Suggestion {
	allowed := make(map[string]bool, len(others))
	for _, id := range others {
		allowed[id] = true
	}
	var out []state.Suggestion
	for _, s := range in {
		switch s.Action {
		case state.SuggestRefine:
			if s.Query == "" {
				continue
			}
		case state.SuggestReroute:
			if !allowed[s.Target] {
				continue
			}
		default:
			continue
		}
		out = append(out, s)
		if len(out) == maxSuggestions {
			break
		}
	}
	return out
}

func (g *Gate) fallbackSuggestions(message string, others []string) []state.Suggestion {
	out := []state.Suggestion{{
		Action: state.SuggestRefine,
		Label:  "Retry the same query",
		Query:  message,
	}}
	if len(others) > 0 {
		name := others[0]
		if g.workers != nil {
			name = g.workers.Name(others[0])
		}
		out = append(out, state.Suggestion{
			Action: state.SuggestReroute,
			Label:  fmt.Sprintf("Try %s instead", name),
			Query:  message,
			Target: others[0],
		})
	}
	return out
}
