package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/miridih-ejkim/mmiai/internal/state"
)

// ErrInvalidResume is returned for resume data the gate cannot act on
var ErrInvalidResume = errors.New("invalid resume data")

const dismissMessage = "Understood. I'll stop here; feel free to ask again with more detail."

// Resume applies the user's choice for a quality-gate suspension and returns
// the new result. ActionNew is handled by the caller.
func (g *Gate) Resume(ctx context.Context, data state.ResumeData, rc RunContext) (state.AgentResult, error) {
	switch data.Action {
	case state.ActionDismiss:
		return state.AgentResult{Source: state.SourceDirect, Content: dismissMessage, Success: true}, nil

	case state.ActionRefine:
		return g.refine(ctx, rc, withInstructions(rc.Message, data.Instructions))

	case state.ActionReroute:
		return g.reroute(ctx, rc, data.Target, withInstructions(rc.Message, data.Instructions))

	case state.ActionSuggestion:
		if data.SuggestionIndex == nil || *data.SuggestionIndex < 0 || *data.SuggestionIndex >= len(rc.Suggestions) {
			return state.AgentResult{}, fmt.Errorf("%w: suggestion index out of range", ErrInvalidResume)
		}
		s := rc.Suggestions[*data.SuggestionIndex]
		query := s.Query
		if query == "" {
			query = rc.Message
		}
		if s.Action == state.SuggestReroute {
			return g.reroute(ctx, rc, s.Target, query)
		}
		return g.refine(ctx, rc, query)

	default:
		return state.AgentResult{}, fmt.Errorf("%w: unsupported action %q", ErrInvalidResume, data.Action)
	}
}

// refine re-runs the workers that produced the suspended result
func (g *Gate) refine(ctx context.Context, rc RunContext, prompt string) (state.AgentResult, error) {
	var targets []string
	mode := state.ModeParallel
	if rc.Shared != nil {
		targets = rc.Shared.ExecutionTargets
		mode = rc.Shared.ExecutionMode
	}
	if len(targets) == 0 && rc.Source != "" && rc.Source != state.SourceMulti {
		targets = []string{rc.Source}
	}
	if len(targets) == 0 {
		return state.AgentResult{}, fmt.Errorf("%w: nothing to refine", ErrInvalidResume)
	}
	g.logger.Info("Refining result", zap.Strings("targets", targets))
	return g.execute(ctx, rc, targets, mode, prompt), nil
}

// reroute sends the request to a different enabled worker
func (g *Gate) reroute(ctx context.Context, rc RunContext, target, prompt string) (state.AgentResult, error) {
	if target == "" {
		return state.AgentResult{}, fmt.Errorf("%w: reroute needs a target", ErrInvalidResume)
	}
	if target == rc.Source {
		return state.AgentResult{}, fmt.Errorf("%w: reroute target %q produced the rejected result", ErrInvalidResume, target)
	}
	if g.workers == nil || !g.workers.IsEnabled(target) {
		return state.AgentResult{}, fmt.Errorf("%w: worker %q is not available", ErrInvalidResume, target)
	}
	g.logger.Info("Rerouting request", zap.String("from", rc.Source), zap.String("to", target))
	return g.execute(ctx, rc, []string{target}, state.ModeParallel, prompt), nil
}

func (g *Gate) execute(ctx context.Context, rc RunContext, targets []string, mode state.ExecutionMode, prompt string) state.AgentResult {
	queries := make(map[string]state.Query, len(targets))
	for _, t := range targets {
		queries[t] = state.Query{Query: prompt}
	}
	plan := &state.ExecutionPlan{
		Type:          state.PlanAgent,
		Targets:       append([]string(nil), targets...),
		Queries:       queries,
		ExecutionMode: mode,
	}
	return g.runner.Run(ctx, plan, prompt, rc.Shared)
}

func withInstructions(message, instructions string) string {
	instructions = strings.TrimSpace(instructions)
	if instructions == "" {
		return message
	}
	return message + "\n\nAdditional instructions: " + instructions
}
