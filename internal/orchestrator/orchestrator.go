// Package orchestrator runs the workers named by an execution plan and folds
// their outputs into a single AgentResult.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/miridih-ejkim/mmiai/internal/metrics"
	"github.com/miridih-ejkim/mmiai/internal/state"
	"github.com/miridih-ejkim/mmiai/internal/tracing"
)

// Invoker runs one worker by id; *agents.Registry implements it
type Invoker interface {
	Invoke(ctx context.Context, id, prompt string) (string, error)
	IsEnabled(id string) bool
	Name(id string) string
}

// Config controls execution limits
type Config struct {
	MaxConcurrency int           // parallel fan-out limit, <= 0 means unbounded
	WorkerTimeout  time.Duration // per-call timeout, 0 disables
}

// Orchestrator executes plans against the worker registry
type Orchestrator struct {
	workers Invoker
	config  Config
	logger  *zap.Logger
}

// New creates an Orchestrator
func New(workers Invoker, config Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{workers: workers, config: config, logger: logger}
}

// stepResult is the outcome of one worker call
type stepResult struct {
	target string
	name   string
	output string
	err    error
}

func (s stepResult) ok() bool { return s.err == nil }

// contribution renders the step as a labelled block of the merged content
func (s stepResult) contribution() string {
	if s.err != nil {
		return fmt.Sprintf("[%s] failed: %v", s.name, s.err)
	}
	return fmt.Sprintf("[%s]\n%s", s.name, s.output)
}

// Run executes plan and returns exactly one AgentResult. Worker failures are
// folded into the result and never returned as errors.
func (o *Orchestrator) Run(ctx context.Context, plan *state.ExecutionPlan, message string, shared *state.SharedState) state.AgentResult {
	if plan == nil || plan.Type != state.PlanAgent {
		reasoning := ""
		if plan != nil {
			reasoning = plan.Reasoning
		}
		return state.AgentResult{Source: state.SourceDirect, Content: reasoning, Success: true}
	}

	var targets []string
	for _, id := range plan.Targets {
		if o.workers.IsEnabled(id) {
			targets = append(targets, id)
		}
	}
	if len(targets) == 0 {
		o.logger.Warn("No enabled targets in agent plan", zap.Strings("targets", plan.Targets))
		return state.AgentResult{Source: state.SourceMulti, Content: "", Success: false}
	}

	mode := plan.Mode()
	if shared != nil {
		shared.ExecutionTargets = append([]string(nil), targets...)
		shared.ExecutionMode = mode
	}

	if len(targets) == 1 {
		q := plan.QueryFor(targets[0], message)
		step := o.call(ctx, targets[0], singlePrompt(q), "single")
		if !step.ok() {
			return state.AgentResult{Source: targets[0], Content: "", Success: false}
		}
		return state.AgentResult{Source: targets[0], Content: step.output, Success: true}
	}

	var steps []stepResult
	if mode == state.ModeSequential {
		steps = o.runSequential(ctx, plan, targets, message)
	} else {
		steps = o.runParallel(ctx, plan, targets, message)
	}
	return merge(steps)
}

// call invokes one worker with timeout, tracing and metrics
func (o *Orchestrator) call(ctx context.Context, target, prompt, mode string) stepResult {
	ctx, span := tracing.StartSpan(ctx, "router.worker."+target)
	if o.config.WorkerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.WorkerTimeout)
		defer cancel()
	}

	start := time.Now()
	output, err := o.invoke(ctx, target, prompt)
	if err == nil && strings.TrimSpace(output) == "" {
		err = fmt.Errorf("empty response")
	}
	elapsed := time.Since(start)
	tracing.EndSpan(span, err)

	metrics.RecordWorkerMetrics(target, mode, err == nil, float64(elapsed.Milliseconds()))
	if err != nil {
		o.logger.Warn("Worker failed",
			zap.String("worker_id", target),
			zap.String("mode", mode),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
	} else {
		o.logger.Debug("Worker completed",
			zap.String("worker_id", target),
			zap.String("mode", mode),
			zap.Duration("elapsed", elapsed),
			zap.Int("output_len", len(output)),
		)
	}
	return stepResult{target: target, name: o.workers.Name(target), output: output, err: err}
}

// invoke runs the worker, turning a panic into an ordinary step failure
func (o *Orchestrator) invoke(ctx context.Context, target, prompt string) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Worker panicked",
				zap.String("worker_id", target),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			output, err = "", fmt.Errorf("worker panicked: %v", r)
		}
	}()
	return o.workers.Invoke(ctx, target, prompt)
}

// merge folds multi-target steps; success iff at least one step succeeded
func merge(steps []stepResult) state.AgentResult {
	blocks := make([]string, 0, len(steps))
	success := false
	for _, s := range steps {
		blocks = append(blocks, s.contribution())
		if s.ok() {
			success = true
		}
	}
	return state.AgentResult{
		Source:  state.SourceMulti,
		Content: strings.Join(blocks, "\n\n"),
		Success: success,
	}
}
