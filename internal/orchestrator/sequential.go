package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/miridih-ejkim/mmiai/internal/state"
)

// runSequential runs targets in list order, chaining each step's output into
// the next prompt. A failed step chains its failure text.
func (o *Orchestrator) runSequential(ctx context.Context, plan *state.ExecutionPlan, targets []string, message string) []stepResult {
	o.logger.Debug("Starting sequential execution", zap.Strings("targets", targets))

	steps := make([]stepResult, 0, len(targets))
	previous := ""
	for i, target := range targets {
		q := plan.QueryFor(target, message)
		var prompt string
		if i == 0 {
			prompt = singlePrompt(q)
		} else {
			prompt = chainedPrompt(q, previous)
		}

		step := o.call(ctx, target, prompt, string(state.ModeSequential))
		steps = append(steps, step)
		if step.ok() {
			previous = step.output
		} else {
			previous = step.contribution()
		}
	}
	return steps
}
