// Package planner turns a user message into a filtered execution plan.
package planner

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/miridih-ejkim/mmiai/internal/agents"
	"github.com/miridih-ejkim/mmiai/internal/metrics"
	"github.com/miridih-ejkim/mmiai/internal/state"
)

// ClassifyRequest is the input of the classification collaborator
type ClassifyRequest struct {
	Message          string
	Workers          []agents.Descriptor
	PreviousFeedback string
}

// Classifier decides whether and how to delegate a message
type Classifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (*state.ExecutionPlan, error)
}

// WorkerSet is the view of the registry the adapter needs
type WorkerSet interface {
	Describe() []agents.Descriptor
	IsEnabled(id string) bool
}

// Adapter wraps a Classifier and guarantees the plan only names enabled workers
type Adapter struct {
	classifier Classifier
	workers    WorkerSet
	logger     *zap.Logger
}

// NewAdapter creates an Adapter
func NewAdapter(classifier Classifier, workers WorkerSet, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{classifier: classifier, workers: workers, logger: logger}
}

// Classify asks the collaborator for a plan and filters it. A collaborator error
// is an infrastructure failure and is returned as is.
func (a *Adapter) Classify(ctx context.Context, message, previousFeedback string) (*state.ExecutionPlan, error) {
	plan, err := a.classifier.Classify(ctx, ClassifyRequest{
		Message:          message,
		Workers:          a.workers.Describe(),
		PreviousFeedback: previousFeedback,
	})
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	if plan == nil {
		return nil, fmt.Errorf("classify: empty plan")
	}

	filtered, downgraded := Filter(plan, a.workers.IsEnabled)
	metrics.PlansClassified.WithLabelValues(string(filtered.Type), fmt.Sprint(downgraded)).Inc()
	if downgraded {
		a.logger.Info("Plan downgraded to simple",
			zap.String("original_type", string(plan.Type)),
			zap.Strings("original_targets", plan.Targets),
		)
	}
	return filtered, nil
}

// Filter returns a copy of plan restricted to enabled workers. Agent plans that
// lose every target, and ambiguous plans that lose every candidate, become simple.
// Unknown plan types are treated as simple.
func Filter(plan *state.ExecutionPlan, enabled func(id string) bool) (*state.ExecutionPlan, bool) {
	out := plan.Clone()

	switch out.Type {
	case state.PlanSimple, state.PlanClarify:
		out.Targets = nil
		out.Queries = nil
		out.Candidates = nil
		if out.Type == state.PlanClarify && strings.TrimSpace(out.ClarifyQuestion) == "" {
			return asSimple(out), true
		}
		return out, false

	case state.PlanAgent:
		out.Targets, out.Queries = filterTargets(out.Targets, out.Queries, enabled)
		out.Candidates = nil
		if len(out.Targets) == 0 {
			return asSimple(out), true
		}
		out.ExecutionMode = out.Mode()
		return out, false

	case state.PlanAmbiguous:
		kept := out.Candidates[:0]
		for _, c := range out.Candidates {
			c.Targets, c.Queries = filterTargets(c.Targets, c.Queries, enabled)
			if len(c.Targets) > 0 {
				kept = append(kept, c)
			}
		}
		out.Candidates = kept
		out.Targets = nil
		out.Queries = nil
		switch len(kept) {
		case 0:
			return asSimple(out), true
		case 1:
			// a single interpretation needs no question
			return kept[0].ToPlan(), false
		}
		return out, false

	default:
		return asSimple(out), true
	}
}

func filterTargets(targets []string, queries map[string]state.Query, enabled func(string) bool) ([]string, map[string]state.Query) {
	seen := make(map[string]bool, len(targets))
	var keptTargets []string
	keptQueries := make(map[string]state.Query)
	for _, id := range targets {
		if seen[id] || !enabled(id) {
			continue
		}
		seen[id] = true
		keptTargets = append(keptTargets, id)
		if q, ok := queries[id]; ok {
			keptQueries[id] = q
		}
	}
	return keptTargets, keptQueries
}

func asSimple(p *state.ExecutionPlan) *state.ExecutionPlan {
	return &state.ExecutionPlan{
		Type:      state.PlanSimple,
		Reasoning: p.Reasoning,
	}
}
