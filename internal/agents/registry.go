// Package agents holds the closed registry of tool-using workers.
package agents

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/miridih-ejkim/mmiai/internal/pool"
)

var (
	ErrUnknownWorker  = errors.New("unknown worker")
	ErrWorkerDisabled = errors.New("worker disabled")
)

// Worker is a tool-capable delegate
type Worker struct {
	ID          string
	Name        string
	Description string
	ServiceID   string // tool backend; empty means the worker runs without tools
	Enabled     bool
}

// Descriptor is what the classifier sees about a worker
type Descriptor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Executor turns a prompt into text, optionally calling tools. tools is nil when
// the backend is unavailable.
type Executor interface {
	Execute(ctx context.Context, prompt string, tools pool.Handle) (string, error)
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, prompt string, tools pool.Handle) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, prompt string, tools pool.Handle) (string, error) {
	return f(ctx, prompt, tools)
}

// HandleSource hands out tool handles; *pool.Manager implements it
type HandleSource interface {
	Acquire(ctx context.Context, serviceID string) *pool.Lease
}

type registered struct {
	worker   Worker
	executor Executor
}

// Registry is the set of known workers, looked up by id. Membership is fixed at
// startup; only the enabled flag changes at runtime.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	workers map[string]*registered
	tools   HandleSource
	logger  *zap.Logger
}

// NewRegistry creates an empty registry. tools may be nil.
func NewRegistry(tools HandleSource, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		workers: make(map[string]*registered),
		tools:   tools,
		logger:  logger,
	}
}

// Register adds a worker; ids must be unique
func (r *Registry) Register(w Worker, exec Executor) error {
	if w.ID == "" {
		return fmt.Errorf("worker id is required")
	}
	if exec == nil {
		return fmt.Errorf("worker %q: executor is required", w.ID)
	}
	if w.Name == "" {
		w.Name = w.ID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[w.ID]; exists {
		return fmt.Errorf("worker %q already registered", w.ID)
	}
	r.workers[w.ID] = &registered{worker: w, executor: exec}
	r.order = append(r.order, w.ID)
	return nil
}

// Get returns the worker with id
func (r *Registry) Get(id string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.workers[id]
	if !ok {
		return Worker{}, false
	}
	return reg.worker, true
}

// Name returns the display name of id, or id itself when unknown
func (r *Registry) Name(id string) string {
	if w, ok := r.Get(id); ok {
		return w.Name
	}
	return id
}

// IsEnabled reports whether id is registered and enabled
func (r *Registry) IsEnabled(id string) bool {
	w, ok := r.Get(id)
	return ok && w.Enabled
}

// IsKnown reports whether id is registered
func (r *Registry) IsKnown(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Enabled returns the enabled workers in registration order
func (r *Registry) Enabled() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Worker, 0, len(r.order))
	for _, id := range r.order {
		if w := r.workers[id].worker; w.Enabled {
			out = append(out, w)
		}
	}
	return out
}

// EnabledIDs returns the ids of enabled workers in registration order
func (r *Registry) EnabledIDs() []string {
	ws := r.Enabled()
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.ID
	}
	return out
}

// Describe returns descriptors of the enabled workers for the classifier
func (r *Registry) Describe() []Descriptor {
	ws := r.Enabled()
	out := make([]Descriptor, len(ws))
	for i, w := range ws {
		out[i] = Descriptor{ID: w.ID, Name: w.Name, Description: w.Description}
	}
	return out
}

// SetEnabled toggles a worker at runtime
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	if reg.worker.Enabled != enabled {
		reg.worker.Enabled = enabled
		r.logger.Info("Worker toggled",
			zap.String("worker_id", id),
			zap.Bool("enabled", enabled),
		)
	}
	return nil
}

// ApplyToggles sets the enabled flag of every worker named in toggles. Unknown
// ids are reported but do not stop the others from applying.
func (r *Registry) ApplyToggles(toggles map[string]bool) error {
	var errs []error
	for id, enabled := range toggles {
		if err := r.SetEnabled(id, enabled); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Invoke runs worker id with prompt. The worker's tool handle is leased from
// the pool for the duration of the call; an unavailable backend means no tools.
func (r *Registry) Invoke(ctx context.Context, id, prompt string) (string, error) {
	r.mu.RLock()
	reg, ok := r.workers[id]
	var w Worker
	var exec Executor
	if ok {
		w, exec = reg.worker, reg.executor
	}
	r.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	if !w.Enabled {
		return "", fmt.Errorf("%w: %s", ErrWorkerDisabled, id)
	}

	var tools pool.Handle
	if w.ServiceID != "" && r.tools != nil {
		if lease := r.tools.Acquire(ctx, w.ServiceID); lease != nil {
			defer lease.Release()
			tools = lease
		} else {
			r.logger.Warn("Tool backend unavailable, running worker without tools",
				zap.String("worker_id", id),
				zap.String("service_id", w.ServiceID),
			)
		}
	}

	return exec.Execute(ctx, prompt, tools)
}
