package workflow

import (
	"context"
	"errors"

	"github.com/miridih-ejkim/mmiai/internal/gate"
	"github.com/miridih-ejkim/mmiai/internal/runstore"
	"github.com/miridih-ejkim/mmiai/internal/state"
)

// Response statuses
const (
	StatusCompleted = "completed"
	StatusSuspended = "suspended"
	StatusError     = "error"
)

var (
	// ErrInvalidInput is returned for a start request without a message
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidResume is returned for resume data that does not fit the paused step
	ErrInvalidResume = gate.ErrInvalidResume
	// ErrStepMismatch is returned when the resume names a step other than the paused one
	ErrStepMismatch = errors.New("resume step does not match suspended step")
	// ErrRunNotSuspended is returned when resuming a run that is not waiting for
	// input, or that another resume claimed first
	ErrRunNotSuspended = runstore.ErrRunNotSuspended
)

// StartRequest begins a new run
type StartRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// ResumeRequest continues a suspended run
type ResumeRequest struct {
	RunID  string           `json:"run_id"`
	UserID string           `json:"user_id"`
	Step   state.StepRef    `json:"step"`
	Data   state.ResumeData `json:"resume_data"`
}

// Response is returned by Start and Resume
type Response struct {
	Status         string                `json:"status"`
	RunID          string                `json:"run_id,omitempty"`
	Response       string                `json:"response,omitempty"`
	SuspendPayload *state.SuspendPayload `json:"suspend_payload,omitempty"`
	Error          string                `json:"error,omitempty"`
}

// Planner produces filtered plans; *planner.Adapter implements it
type Planner interface {
	Classify(ctx context.Context, message, previousFeedback string) (*state.ExecutionPlan, error)
}

// Executor runs a plan; *orchestrator.Orchestrator implements it
type Executor interface {
	Run(ctx context.Context, plan *state.ExecutionPlan, message string, shared *state.SharedState) state.AgentResult
}

// QualityGate scores results and applies gate resumes; *gate.Gate implements it
type QualityGate interface {
	Evaluate(ctx context.Context, result state.AgentResult, rc gate.RunContext) gate.Outcome
	Resume(ctx context.Context, data state.ResumeData, rc gate.RunContext) (state.AgentResult, error)
}

// Synthesizer writes the user-facing reply
type Synthesizer interface {
	Synthesize(ctx context.Context, message string, result state.AgentResult) (string, error)
}

// Archive stores finished runs; *runstore.Archive implements it
type Archive interface {
	runstore.Archiver
	Get(ctx context.Context, id string) (*runstore.ArchivedRun, error)
}
