// Package gate scores agent results and decides whether a run passes, retries
// or pauses for the user.
package gate

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/miridih-ejkim/mmiai/internal/metrics"
	"github.com/miridih-ejkim/mmiai/internal/state"
	"github.com/miridih-ejkim/mmiai/internal/util"
)

// Mode selects the strategy applied to results below threshold. The two
// strategies never compose within one gate.
type Mode string

const (
	ModeRetry       Mode = "retry"       // loop back to planning with feedback
	ModeInteractive Mode = "interactive" // suspend and ask the user
)

// Decision is the outcome of Evaluate
type Decision string

const (
	DecisionPass    Decision = "pass"
	DecisionRetry   Decision = "retry"
	DecisionSuspend Decision = "suspend"
)

// Scorer rates how well content answers message. Scores are in [0,1].
type Scorer interface {
	Score(ctx context.Context, message, content, source string) (float64, string, error)
}

// SuggestRequest is the input of a Suggester
type SuggestRequest struct {
	Message          string
	Excerpt          string
	Source           string
	Score            float64
	AvailableWorkers []string
}

// Suggester proposes improvement options for a low-scoring result
type Suggester interface {
	Suggest(ctx context.Context, req SuggestRequest) ([]state.Suggestion, error)
}

// Runner re-executes a plan; *orchestrator.Orchestrator implements it
type Runner interface {
	Run(ctx context.Context, plan *state.ExecutionPlan, message string, shared *state.SharedState) state.AgentResult
}

// Workers is the view of the worker registry the gate needs
type Workers interface {
	EnabledIDs() []string
	IsEnabled(id string) bool
	Name(id string) string
}

// RunContext carries the run state the gate reads and writes
type RunContext struct {
	Message     string
	Shared      *state.SharedState
	Suggestions []state.Suggestion // offered by the suspension being resumed
	Source      string             // source of the suspended result
}

// Config for a Gate
type Config struct {
	Mode          Mode
	Threshold     float64
	ExcerptLength int
}

// Outcome is the result of Evaluate
type Outcome struct {
	Decision Decision
	Result   state.AgentResult
	Payload  *state.SuspendPayload
	Feedback string
	Score    float64
}

// Gate is the quality gate
type Gate struct {
	config    Config
	scorer    Scorer
	suggester Suggester
	runner    Runner
	workers   Workers
	logger    *zap.Logger
}

// New creates a Gate. A nil scorer falls back to HeuristicScorer and a nil
// suggester to the static suggestions.
func New(config Config, scorer Scorer, suggester Suggester, runner Runner, workers Workers, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if scorer == nil {
		scorer = HeuristicScorer{}
	}
	if config.Mode == "" {
		config.Mode = ModeInteractive
	}
	if config.ExcerptLength <= 0 {
		config.ExcerptLength = 500
	}
	return &Gate{
		config:    config,
		scorer:    scorer,
		suggester: suggester,
		runner:    runner,
		workers:   workers,
		logger:    logger,
	}
}

// Mode returns the configured strategy
func (g *Gate) Mode() Mode { return g.config.Mode }

// Evaluate decides what happens to result
func (g *Gate) Evaluate(ctx context.Context, result state.AgentResult, rc RunContext) Outcome {
	mode := string(g.config.Mode)

	if result.Source == state.SourceDirect {
		metrics.RecordGateDecision(mode, "skip", 0, false)
		g.setFeedback(rc, "")
		return Outcome{Decision: DecisionPass, Result: result, Score: 1}
	}

	excerpt := util.TruncateString(strings.TrimSpace(result.Content), g.config.ExcerptLength, true)

	if !result.Success || strings.TrimSpace(result.Content) == "" {
		reason := fmt.Sprintf("worker %s did not return a usable result", result.Source)
		g.logger.Info("Result failed before scoring",
			zap.String("source", result.Source),
			zap.String("mode", mode),
		)
		return g.reject(ctx, result, rc, reason, 0, excerpt, false)
	}

	score, reason, err := g.scorer.Score(ctx, rc.Message, result.Content, result.Source)
	if err != nil {
		g.logger.Warn("Scorer failed, using heuristic", zap.Error(err))
		score, reason, _ = HeuristicScorer{}.Score(ctx, rc.Message, result.Content, result.Source)
	}
	score = util.ClampScore(score)

	if score >= g.config.Threshold {
		metrics.RecordGateDecision(mode, string(DecisionPass), score, true)
		g.setFeedback(rc, "")
		g.logger.Debug("Result passed quality gate", zap.String("source", result.Source), zap.Float64("score", score))
		return Outcome{Decision: DecisionPass, Result: result, Score: score}
	}

	g.logger.Info("Result below quality threshold",
		zap.String("source", result.Source),
		zap.Float64("score", score),
		zap.Float64("threshold", g.config.Threshold),
		zap.String("reason", reason),
	)
	return g.reject(ctx, result, rc, reason, score, excerpt, true)
}

// reject builds the retry or suspend outcome for a result that did not pass
func (g *Gate) reject(ctx context.Context, result state.AgentResult, rc RunContext, reason string, score float64, excerpt string, scored bool) Outcome {
	if g.config.Mode == ModeRetry {
		feedback := retryFeedback(reason, excerpt, rc.Message)
		g.setFeedback(rc, feedback)
		metrics.RecordGateDecision(string(g.config.Mode), string(DecisionRetry), score, scored)
		return Outcome{
			Decision: DecisionRetry,
			Result:   state.AgentResult{Source: state.SourceRetry, Content: feedback, Success: false},
			Feedback: feedback,
			Score:    score,
		}
	}

	others := g.otherWorkers(result.Source, rc)
	payload := &state.SuspendPayload{
		Step:            state.StepQualityGate,
		HITLType:        state.HITLQuality,
		Reason:          reason,
		Score:           score,
		Source:          result.Source,
		Excerpt:         excerpt,
		Suggestions:     g.suggestions(ctx, rc.Message, excerpt, result.Source, score, others),
		AvailableAgents: others,
	}
	metrics.RecordGateDecision(string(g.config.Mode), string(DecisionSuspend), score, scored)
	return Outcome{Decision: DecisionSuspend, Result: result, Payload: payload, Score: score}
}

func (g *Gate) setFeedback(rc RunContext, feedback string) {
	if rc.Shared != nil {
		rc.Shared.PreviousFeedback = feedback
	}
}

// otherWorkers lists enabled workers that did not produce result
func (g *Gate) otherWorkers(source string, rc RunContext) []string {
	if g.workers == nil {
		return nil
	}
	exclude := map[string]bool{source: true}
	if rc.Shared != nil {
		for _, t := range rc.Shared.ExecutionTargets {
			exclude[t] = true
		}
	}
	var out []string
	for _, id := range g.workers.EnabledIDs() {
		if !exclude[id] {
			out = append(out, id)
		}
	}
	return out
}

func retryFeedback(reason, excerpt, message string) string {
	var b strings.Builder
	b.WriteString("Previous attempt was rejected: ")
	b.WriteString(reason)
	if excerpt != "" {
		b.WriteString("\nPrevious result: ")
		b.WriteString(excerpt)
	}
	b.WriteString("\nOriginal request: ")
	b.WriteString(message)
	return b.String()
}
