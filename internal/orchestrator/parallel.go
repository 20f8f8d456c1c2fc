package orchestrator

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/miridih-ejkim/mmiai/internal/state"
)

// runParallel fans out one call per target and joins. Results keep target order.
func (o *Orchestrator) runParallel(ctx context.Context, plan *state.ExecutionPlan, targets []string, message string) []stepResult {
	o.logger.Debug("Starting parallel execution", zap.Strings("targets", targets))

	steps := make([]stepResult, len(targets))
	var g errgroup.Group
	if o.config.MaxConcurrency > 0 {
		g.SetLimit(o.config.MaxConcurrency)
	}
	for i, target := range targets {
		i, target := i, target
		prompt := singlePrompt(plan.QueryFor(target, message))
		g.Go(func() error {
			steps[i] = o.call(ctx, target, prompt, string(state.ModeParallel))
			return nil
		})
	}
	_ = g.Wait()
	return steps
}
