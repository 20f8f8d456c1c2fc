// Package workflow drives a run through planning, execution and scoring, and
// suspends it durably when the user has to answer.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/miridih-ejkim/mmiai/internal/gate"
	"github.com/miridih-ejkim/mmiai/internal/metrics"
	"github.com/miridih-ejkim/mmiai/internal/runstore"
	"github.com/miridih-ejkim/mmiai/internal/state"
	"github.com/miridih-ejkim/mmiai/internal/tracing"
)

// Config controls the engine loop
type Config struct {
	MaxIterations int
}

// Deps are the collaborators of an Engine. Archive is optional.
type Deps struct {
	Planner     Planner
	Executor    Executor
	Gate        QualityGate
	Synthesizer Synthesizer
	Store       runstore.Store
	Archive     Archive
	Logger      *zap.Logger
}

// Engine is the workflow runtime
type Engine struct {
	planner  Planner
	executor Executor
	gate     QualityGate
	synth    Synthesizer
	store    runstore.Store
	archive  Archive
	config   Config
	logger   *zap.Logger

	now   func() time.Time
	newID func() string
}

// New creates an Engine
func New(deps Deps, config Config) (*Engine, error) {
	if deps.Planner == nil || deps.Executor == nil || deps.Gate == nil || deps.Synthesizer == nil || deps.Store == nil {
		return nil, fmt.Errorf("workflow: planner, executor, gate, synthesizer and store are required")
	}
	if config.MaxIterations <= 0 {
		config.MaxIterations = 3
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		planner:  deps.Planner,
		executor: deps.Executor,
		gate:     deps.Gate,
		synth:    deps.Synthesizer,
		store:    deps.Store,
		archive:  deps.Archive,
		config:   config,
		logger:   logger,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}, nil
}

// Start creates a run for req and drives it until it completes, suspends or fails
func (e *Engine) Start(ctx context.Context, req StartRequest) (*Response, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	metrics.RunsStarted.WithLabelValues("start").Inc()

	run := state.NewRun(e.newID(), req.UserID, message, e.now())

	e.logger.Info("Starting run",
		zap.String("run_id", run.ID),
		zap.String("user_id", run.UserID),
	)
	if err := e.store.Save(ctx, run); err != nil {
		return e.fail(ctx, run, err)
	}
	return e.drive(ctx, run, nil, false)
}

// Resume routes req.Data to the step the run is paused at. The run is claimed
// in the store first, so only one of several concurrent resumes proceeds.
func (e *Engine) Resume(ctx context.Context, req ResumeRequest) (*Response, error) {
	run, err := e.store.Get(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	if req.UserID != "" && run.UserID != "" && req.UserID != run.UserID {
		return nil, runstore.ErrRunNotFound
	}
	if run.Status != state.RunStatusSuspended || run.Suspend == nil {
		return nil, fmt.Errorf("%w: status %s", ErrRunNotSuspended, run.Status)
	}
	if req.Step == "" {
		return nil, fmt.Errorf("%w: step is required", ErrInvalidResume)
	}
	if req.Step != run.SuspendedAt {
		return nil, fmt.Errorf("%w: run is paused at %s, got %s", ErrStepMismatch, run.SuspendedAt, req.Step)
	}

	run, err = e.store.Claim(ctx, req.RunID, req.Step)
	if err != nil {
		return nil, err
	}
	suspended := run.Clone()

	metrics.RunsStarted.WithLabelValues("resume").Inc()
	e.logger.Info("Resuming run",
		zap.String("run_id", run.ID),
		zap.String("step", string(run.SuspendedAt)),
		zap.String("action", string(req.Data.Action)),
	)

	if req.Data.Action == state.ActionNew {
		return e.restart(ctx, run, req.Data)
	}

	var resp *Response
	payload := run.Suspend
	switch run.SuspendedAt {
	case state.StepClassify:
		resp, err = e.resumeClassify(ctx, run, payload, req.Data)
	case state.StepQualityGate:
		resp, err = e.resumeQualityGate(ctx, run, payload, req.Data)
	default:
		err = fmt.Errorf("%w: unknown step %s", ErrInvalidResume, run.SuspendedAt)
	}
	if err != nil && resp == nil {
		// rejected before any work ran: hand the suspension back
		e.release(ctx, suspended)
	}
	return resp, err
}

// release puts a claimed run back in its suspended state
func (e *Engine) release(ctx context.Context, run *state.Run) {
	if err := e.store.Save(context.WithoutCancel(ctx), run); err != nil {
		e.logger.Warn("Failed to release claimed run", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// Get returns the live run, falling back to the archive for finished runs
func (e *Engine) Get(ctx context.Context, runID string) (*state.Run, error) {
	run, err := e.store.Get(ctx, runID)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, runstore.ErrRunNotFound) || e.archive == nil {
		return nil, err
	}
	archived, aerr := e.archive.Get(ctx, runID)
	if aerr != nil {
		return nil, aerr
	}
	return fromArchive(archived), nil
}

func (e *Engine) resumeClassify(ctx context.Context, run *state.Run, payload *state.SuspendPayload, data state.ResumeData) (*Response, error) {
	switch payload.HITLType {
	case state.HITLClarify:
		answer := strings.TrimSpace(data.UserAnswer)
		if answer == "" {
			return nil, fmt.Errorf("%w: user_answer is required", ErrInvalidResume)
		}
		run.Resumed(e.now())
		run.Message = run.Message + "\n" + answer
		return e.drive(ctx, run, nil, true)

	case state.HITLAmbiguous:
		if data.SelectedPlan == nil || *data.SelectedPlan < 0 || *data.SelectedPlan >= len(payload.Candidates) {
			return nil, fmt.Errorf("%w: selected_plan out of range", ErrInvalidResume)
		}
		plan := payload.Candidates[*data.SelectedPlan].ToPlan()
		run.Resumed(e.now())
		return e.drive(ctx, run, plan, true)

	default:
		return nil, fmt.Errorf("%w: unexpected suspension type %s", ErrInvalidResume, payload.HITLType)
	}
}

func (e *Engine) resumeQualityGate(ctx context.Context, run *state.Run, payload *state.SuspendPayload, data state.ResumeData) (*Response, error) {
	started := e.now()
	rc := gate.RunContext{
		Message:     run.Message,
		Shared:      &run.State,
		Suggestions: payload.Suggestions,
		Source:      payload.Source,
	}

	ctx, span := tracing.StartStepSpan(ctx, string(state.StepQualityGate), run.ID, run.Iteration)
	result, err := e.gate.Resume(ctx, data, rc)
	tracing.EndSpan(span, err)
	if err != nil {
		// invalid choices leave the run suspended
		return nil, err
	}

	run.Resumed(e.now())
	run.LastResult = &result
	return e.finish(ctx, run, result, started)
}

// restart abandons run and starts a fresh one
func (e *Engine) restart(ctx context.Context, run *state.Run, data state.ResumeData) (*Response, error) {
	message := strings.TrimSpace(data.UserAnswer)
	if message == "" {
		message = run.Message
	}

	run.Resumed(e.now())
	run.Status = state.RunStatusCompleted
	e.finalize(ctx, run)
	metrics.RecordRunMetrics(string(run.Status), run.Iteration, 0)
	e.logger.Info("Run abandoned for a new request", zap.String("run_id", run.ID))

	return e.Start(ctx, StartRequest{UserID: run.UserID, Message: message})
}

// drive runs Planning -> Execution -> Scoring until the run completes,
// suspends or exhausts its iterations. A pending plan skips planning for the
// first pass, and sameIteration continues the iteration that suspended.
func (e *Engine) drive(ctx context.Context, run *state.Run, pending *state.ExecutionPlan, sameIteration bool) (*Response, error) {
	started := e.now()

	for {
		if !sameIteration || run.Iteration == 0 {
			run.Iteration++
		}
		sameIteration = false

		plan := pending
		pending = nil
		if plan == nil {
			var err error
			plan, err = e.classify(ctx, run)
			if err != nil {
				return e.fail(ctx, run, err)
			}
		}

		switch plan.Type {
		case state.PlanClarify:
			return e.suspend(ctx, run, state.StepClassify, &state.SuspendPayload{
				HITLType: state.HITLClarify,
				Question: plan.ClarifyQuestion,
			}, started)
		case state.PlanAmbiguous:
			question := plan.ClarifyQuestion
			if question == "" {
				question = plan.Reasoning
			}
			return e.suspend(ctx, run, state.StepClassify, &state.SuspendPayload{
				HITLType:   state.HITLAmbiguous,
				Question:   question,
				Candidates: plan.Candidates,
			}, started)
		}

		result := e.execute(ctx, run, plan)
		run.LastResult = &result

		outcome := e.score(ctx, run, result)
		switch outcome.Decision {
		case gate.DecisionPass:
			return e.finish(ctx, run, outcome.Result, started)

		case gate.DecisionSuspend:
			return e.suspend(ctx, run, state.StepQualityGate, outcome.Payload, started)

		case gate.DecisionRetry:
			if run.Iteration >= e.config.MaxIterations {
				e.logger.Info("Iteration limit reached, finishing with last result",
					zap.String("run_id", run.ID),
					zap.Int("iteration", run.Iteration),
				)
				return e.finish(ctx, run, result, started)
			}
			e.logger.Info("Retrying run",
				zap.String("run_id", run.ID),
				zap.Int("iteration", run.Iteration),
				zap.Float64("score", outcome.Score),
			)
		}
	}
}

func (e *Engine) classify(ctx context.Context, run *state.Run) (*state.ExecutionPlan, error) {
	ctx, span := tracing.StartStepSpan(ctx, string(state.StepClassify), run.ID, run.Iteration)
	plan, err := e.planner.Classify(ctx, run.Message, run.State.PreviousFeedback)
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("Plan classified",
		zap.String("run_id", run.ID),
		zap.Int("iteration", run.Iteration),
		zap.String("type", string(plan.Type)),
		zap.Strings("targets", plan.Targets),
	)
	return plan, nil
}

func (e *Engine) execute(ctx context.Context, run *state.Run, plan *state.ExecutionPlan) state.AgentResult {
	ctx, span := tracing.StartStepSpan(ctx, "execute", run.ID, run.Iteration)
	defer span.End()
	return e.executor.Run(ctx, plan, run.Message, &run.State)
}

func (e *Engine) score(ctx context.Context, run *state.Run, result state.AgentResult) gate.Outcome {
	ctx, span := tracing.StartStepSpan(ctx, string(state.StepQualityGate), run.ID, run.Iteration)
	defer span.End()
	return e.gate.Evaluate(ctx, result, gate.RunContext{Message: run.Message, Shared: &run.State})
}

// finish synthesizes the reply and completes the run
func (e *Engine) finish(ctx context.Context, run *state.Run, result state.AgentResult, started time.Time) (*Response, error) {
	resp, err := e.complete(ctx, run, result)
	if err == nil {
		metrics.RecordRunMetrics(string(run.Status), run.Iteration, e.now().Sub(started).Seconds())
	}
	return resp, err
}

func (e *Engine) complete(ctx context.Context, run *state.Run, result state.AgentResult) (*Response, error) {
	ctx, span := tracing.StartStepSpan(ctx, "synthesize", run.ID, run.Iteration)
	text, err := e.synth.Synthesize(ctx, run.Message, result)
	tracing.EndSpan(span, err)
	if err != nil {
		return e.fail(ctx, run, fmt.Errorf("synthesize: %w", err))
	}

	run.Status = state.RunStatusCompleted
	run.Response = text
	run.UpdatedAt = e.now()
	e.finalize(ctx, run)

	e.logger.Info("Run completed",
		zap.String("run_id", run.ID),
		zap.Int("iterations", run.Iteration),
		zap.String("source", result.Source),
	)
	return &Response{Status: StatusCompleted, RunID: run.ID, Response: text}, nil
}

func (e *Engine) suspend(ctx context.Context, run *state.Run, step state.StepRef, payload *state.SuspendPayload, started time.Time) (*Response, error) {
	run.Suspended(step, payload, e.now())
	if err := e.store.Save(ctx, run); err != nil {
		return e.fail(ctx, run, fmt.Errorf("persist suspension: %w", err))
	}
	metrics.RecordRunMetrics(string(run.Status), run.Iteration, e.now().Sub(started).Seconds())

	e.logger.Info("Run suspended",
		zap.String("run_id", run.ID),
		zap.String("step", string(step)),
		zap.String("hitl_type", string(payload.HITLType)),
		zap.Int("iteration", run.Iteration),
	)
	return &Response{Status: StatusSuspended, RunID: run.ID, SuspendPayload: payload}, nil
}

// fail marks run failed and returns the infrastructure error
func (e *Engine) fail(ctx context.Context, run *state.Run, cause error) (*Response, error) {
	run.Status = state.RunStatusFailed
	run.Error = cause.Error()
	run.UpdatedAt = e.now()
	e.finalize(ctx, run)
	metrics.RecordRunMetrics(string(run.Status), run.Iteration, 0)

	e.logger.Error("Run failed", zap.String("run_id", run.ID), zap.Error(cause))
	return &Response{Status: StatusError, RunID: run.ID, Error: cause.Error()},
		fmt.Errorf("run %s: %w", run.ID, cause)
}

// finalize archives a terminal run and drops it from the live store. Without
// an archive the run stays in the store until its TTL.
func (e *Engine) finalize(ctx context.Context, run *state.Run) {
	// a cancelled request must not prevent bookkeeping
	ctx = context.WithoutCancel(ctx)

	if e.archive != nil {
		err := e.archive.Record(ctx, run, "")
		if err == nil {
			if err := e.store.Delete(ctx, run.ID); err != nil {
				e.logger.Warn("Failed to delete archived run", zap.String("run_id", run.ID), zap.Error(err))
			}
			return
		}
		e.logger.Warn("Failed to archive run", zap.String("run_id", run.ID), zap.Error(err))
	}
	if err := e.store.Save(ctx, run); err != nil {
		e.logger.Warn("Failed to persist terminal run", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func fromArchive(a *runstore.ArchivedRun) *state.Run {
	run := &state.Run{
		ID:        a.RunID,
		UserID:    a.UserID,
		Message:   a.Message,
		Status:    state.RunStatus(a.Status),
		Iteration: a.Iterations,
		Response:  a.Response,
		Error:     a.Error,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.FinishedAt,
	}
	run.State.ExecutionMode = state.ExecutionMode(a.ExecutionMode)
	if a.Targets != "" {
		run.State.ExecutionTargets = strings.Split(a.Targets, ",")
	}
	return run
}
