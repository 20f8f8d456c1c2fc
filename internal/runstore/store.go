// Package runstore persists run continuations across suspend boundaries and
// archives finished runs.
package runstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/miridih-ejkim/mmiai/internal/state"
)

var (
	// ErrRunNotFound is returned when a run is absent or expired
	ErrRunNotFound = errors.New("run not found")
	// ErrRunNotSuspended is returned when a claim finds the run not waiting
	// for input, including when another resume claimed it first
	ErrRunNotSuspended = errors.New("run is not suspended")
)

// Store is the live run registry
type Store interface {
	Save(ctx context.Context, run *state.Run) error
	Get(ctx context.Context, id string) (*state.Run, error)
	Delete(ctx context.Context, id string) error
	// Claim atomically moves a suspended run to running and returns it as it
	// was before the claim. A non-empty step must match the paused step.
	// Only one of several concurrent claims succeeds; the rest get
	// ErrRunNotSuspended.
	Claim(ctx context.Context, id string, step state.StepRef) (*state.Run, error)
	// ListSuspendedBefore returns ids of runs suspended at or before t
	ListSuspendedBefore(ctx context.Context, t time.Time) ([]string, error)
}

func claimable(run *state.Run, step state.StepRef) error {
	if run.Status != state.RunStatusSuspended {
		return fmt.Errorf("%w: status %s", ErrRunNotSuspended, run.Status)
	}
	if step != "" && run.SuspendedAt != step {
		return fmt.Errorf("%w: paused at %s", ErrRunNotSuspended, run.SuspendedAt)
	}
	return nil
}
