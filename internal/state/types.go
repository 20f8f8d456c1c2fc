package state

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RunStatus is the coarse lifecycle state of a Run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSuspended RunStatus = "suspended"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// StepRef names the workflow step a suspended run is paused at
type StepRef string

const (
	StepClassify    StepRef = "classify"
	StepQualityGate StepRef = "quality-gate"
)

// ExecutionMode controls how multiple targets are invoked
type ExecutionMode string

const (
	ModeParallel   ExecutionMode = "parallel"
	ModeSequential ExecutionMode = "sequential"
)

// PlanType is the classification outcome
type PlanType string

const (
	PlanSimple    PlanType = "simple"
	PlanAgent     PlanType = "agent"
	PlanClarify   PlanType = "clarify"
	PlanAmbiguous PlanType = "ambiguous"
)

// Well-known AgentResult sources
const (
	SourceDirect = "direct"
	SourceRetry  = "retry"
	SourceMulti  = "multi"
)

// Query is the per-worker instruction of a plan. On the wire it is either a
// plain string or an object {query, goal, context_hint}.
type Query struct {
	Query       string `json:"query"`
	Goal        string `json:"goal,omitempty"`
	ContextHint string `json:"context_hint,omitempty"`
}

// Structured reports whether the query carries more than plain text
func (q Query) Structured() bool {
	return q.Goal != "" || q.ContextHint != ""
}

// MarshalJSON emits a plain string for unstructured queries
func (q Query) MarshalJSON() ([]byte, error) {
	if !q.Structured() {
		return json.Marshal(q.Query)
	}
	type alias Query
	return json.Marshal(alias(q))
}

// UnmarshalJSON accepts both the string and the object form
func (q *Query) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "\"") {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*q = Query{Query: s}
		return nil
	}
	type alias Query
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("invalid query: %w", err)
	}
	*q = Query(a)
	return nil
}

// PlanCandidate is one interpretation offered to the user for an ambiguous message
type PlanCandidate struct {
	Label         string           `json:"label"`
	Description   string           `json:"description,omitempty"`
	Targets       []string         `json:"targets"`
	Queries       map[string]Query `json:"queries,omitempty"`
	ExecutionMode ExecutionMode    `json:"execution_mode,omitempty"`
}

// ToPlan converts the candidate into an executable agent plan
func (c PlanCandidate) ToPlan() *ExecutionPlan {
	mode := c.ExecutionMode
	if mode == "" {
		mode = ModeParallel
	}
	return &ExecutionPlan{
		Type:          PlanAgent,
		Targets:       append([]string(nil), c.Targets...),
		Queries:       copyQueries(c.Queries),
		ExecutionMode: mode,
		Reasoning:     c.Description,
	}
}

// ExecutionPlan is the classification output. It is treated as immutable once built;
// helpers that narrow it return copies.
type ExecutionPlan struct {
	Type            PlanType         `json:"type"`
	Targets         []string         `json:"targets,omitempty"`
	Queries         map[string]Query `json:"queries,omitempty"`
	ExecutionMode   ExecutionMode    `json:"execution_mode,omitempty"`
	Reasoning       string           `json:"reasoning,omitempty"`
	ClarifyQuestion string           `json:"clarify_question,omitempty"`
	Candidates      []PlanCandidate  `json:"candidates,omitempty"`
}

// QueryFor returns the query for target, falling back to the original message
func (p *ExecutionPlan) QueryFor(target, fallback string) Query {
	if q, ok := p.Queries[target]; ok && strings.TrimSpace(q.Query) != "" {
		return q
	}
	if q, ok := p.Queries[target]; ok {
		q.Query = fallback
		return q
	}
	return Query{Query: fallback}
}

// Mode returns the execution mode, defaulting to parallel
func (p *ExecutionPlan) Mode() ExecutionMode {
	if p.ExecutionMode == ModeSequential {
		return ModeSequential
	}
	return ModeParallel
}

// Clone returns a deep copy of the plan
func (p *ExecutionPlan) Clone() *ExecutionPlan {
	if p == nil {
		return nil
	}
	out := *p
	out.Targets = append([]string(nil), p.Targets...)
	out.Queries = copyQueries(p.Queries)
	if p.Candidates != nil {
		out.Candidates = make([]PlanCandidate, len(p.Candidates))
		for i, c := range p.Candidates {
			c.Targets = append([]string(nil), c.Targets...)
			c.Queries = copyQueries(c.Queries)
			out.Candidates[i] = c
		}
	}
	return &out
}

func copyQueries(in map[string]Query) map[string]Query {
	if in == nil {
		return nil
	}
	out := make(map[string]Query, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// AgentResult is the single unit every branch of an iteration produces
type AgentResult struct {
	Source  string `json:"source"`
	Content string `json:"content"`
	Success bool   `json:"success"`
}

// SharedState is the engine-owned scratch space carried across iterations
type SharedState struct {
	ExecutionTargets []string      `json:"execution_targets,omitempty"`
	ExecutionMode    ExecutionMode `json:"execution_mode,omitempty"`
	PreviousFeedback string        `json:"previous_feedback,omitempty"`
}

// HITLType tags the kind of human input a suspension waits for
type HITLType string

const (
	HITLClarify   HITLType = "clarify"
	HITLAmbiguous HITLType = "ambiguous"
	HITLQuality   HITLType = "quality"
)

// SuggestionAction is what applying a suggestion does
type SuggestionAction string

const (
	SuggestRefine  SuggestionAction = "refine"
	SuggestReroute SuggestionAction = "reroute"
)

// Suggestion is an improvement option offered when a result fails the gate
type Suggestion struct {
	Action SuggestionAction `json:"action"`
	Label  string           `json:"label"`
	Query  string           `json:"query,omitempty"`
	Target string           `json:"target,omitempty"`
}

// SuspendPayload describes why a run paused and what the caller may answer with
type SuspendPayload struct {
	Step     StepRef  `json:"step"`
	HITLType HITLType `json:"hitl_type"`

	// classify
	Question   string          `json:"question,omitempty"`
	Candidates []PlanCandidate `json:"candidates,omitempty"`

	// quality-gate
	Reason          string       `json:"reason,omitempty"`
	Score           float64      `json:"score"`
	Source          string       `json:"source,omitempty"`
	Excerpt         string       `json:"excerpt,omitempty"`
	Suggestions     []Suggestion `json:"suggestions,omitempty"`
	AvailableAgents []string     `json:"available_agents,omitempty"`
}

// ResumeAction is the user's choice when resuming a quality-gate suspension
type ResumeAction string

const (
	ActionRefine     ResumeAction = "refine"
	ActionReroute    ResumeAction = "reroute"
	ActionDismiss    ResumeAction = "dismiss"
	ActionSuggestion ResumeAction = "suggestion"
	ActionNew        ResumeAction = "new"
)

// ResumeData is the input supplied with a resume call
type ResumeData struct {
	UserAnswer      string       `json:"user_answer,omitempty"`
	SelectedPlan    *int         `json:"selected_plan,omitempty"`
	Action          ResumeAction `json:"action,omitempty"`
	Instructions    string       `json:"instructions,omitempty"`
	Target          string       `json:"target,omitempty"`
	SuggestionIndex *int         `json:"suggestion_index,omitempty"`
}

// Run is one end-to-end execution of the workflow for a single user turn.
// It is also the serializable continuation persisted across suspensions.
type Run struct {
	ID             string          `json:"run_id"`
	UserID         string          `json:"user_id,omitempty"`
	Message        string          `json:"message"`
	Status         RunStatus       `json:"status"`
	Iteration      int             `json:"iteration_count"`
	State          SharedState     `json:"shared_state"`
	SuspendedAt    StepRef         `json:"suspended_at,omitempty"`
	Suspend        *SuspendPayload `json:"suspend_payload,omitempty"`
	LastResult     *AgentResult    `json:"last_result,omitempty"`
	Response       string          `json:"response,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	SuspendedSince time.Time       `json:"suspended_since,omitempty"`
}

// NewRun creates a running Run
func NewRun(id, userID, message string, now time.Time) *Run {
	return &Run{
		ID:        id,
		UserID:    userID,
		Message:   message,
		Status:    RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Suspended marks the run paused at step with payload
func (r *Run) Suspended(step StepRef, payload *SuspendPayload, now time.Time) {
	if payload != nil {
		payload.Step = step
	}
	r.Status = RunStatusSuspended
	r.SuspendedAt = step
	r.Suspend = payload
	r.SuspendedSince = now
	r.UpdatedAt = now
}

// Resumed clears the suspension and marks the run running again
func (r *Run) Resumed(now time.Time) {
	r.Status = RunStatusRunning
	r.SuspendedAt = ""
	r.Suspend = nil
	r.SuspendedSince = time.Time{}
	r.UpdatedAt = now
}

// IsTerminal reports whether the run reached completed or failed
func (r *Run) IsTerminal() bool {
	return r.Status == RunStatusCompleted || r.Status == RunStatusFailed
}

// Clone returns a deep copy safe to hand to in-memory stores
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	out.State.ExecutionTargets = append([]string(nil), r.State.ExecutionTargets...)
	if r.LastResult != nil {
		lr := *r.LastResult
		out.LastResult = &lr
	}
	if r.Suspend != nil {
		sp := *r.Suspend
		sp.Suggestions = append([]Suggestion(nil), r.Suspend.Suggestions...)
		sp.AvailableAgents = append([]string(nil), r.Suspend.AvailableAgents...)
		if r.Suspend.Candidates != nil {
			plan := ExecutionPlan{Candidates: r.Suspend.Candidates}
			sp.Candidates = plan.Clone().Candidates
		}
		out.Suspend = &sp
	}
	return &out
}
