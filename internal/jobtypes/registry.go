// Package jobtypes holds the registry of executable job types and the
// handler contract workers run them through.
package jobtypes

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/netauto/conductor/internal/domain/model"
)

// ExecContext is handed to a handler for one execution. It carries the
// payload plus the channels back into the orchestrator: progress reporting
// and the cooperative cancellation check.
type ExecContext struct {
	RunID         string
	Payload       json.RawMessage
	TargetDevices []string

	// Progress reports percent-complete and the current step. Safe to call
	// from the handler goroutine only.
	Progress func(percent float64, step string)

	// Cancelled reports whether cancellation was requested. Handlers check it
	// at safe checkpoints; a true result means stop and return ErrCancelled.
	Cancelled func() bool
}

// ErrCancelled is returned by handlers that observed a cancellation request
// at a checkpoint.
var ErrCancelled = fmt.Errorf("execution cancelled")

// Handler executes one job type. Execute returns the result document on
// success; any other error marks the run failed with execution_error.
type Handler interface {
	// Info describes the job type for listing and validation.
	Info() model.JobTypeInfo
	// Execute runs the job. Implementations must honor ctx cancellation and
	// poll ec.Cancelled at checkpoints.
	Execute(ctx context.Context, ec *ExecContext) (json.RawMessage, error)
}

// Registry maps job types to handlers. Registration happens at startup;
// lookups afterwards are read-only and safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[model.JobType]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[model.JobType]Handler)}
}

// Register adds a handler. Registering the same type twice is a programming
// error and panics at startup rather than shadowing silently.
func (r *Registry) Register(h Handler) {
	info := h.Info()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[info.Value]; exists {
		panic(fmt.Sprintf("job type %q registered twice", info.Value))
	}
	r.handlers[info.Value] = h
}

// Handler returns the handler for a job type.
func (r *Registry) Handler(t model.JobType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Registered reports whether a job type has a handler.
func (r *Registry) Registered(t model.JobType) bool {
	_, ok := r.Handler(t)
	return ok
}

// List returns the registered job types sorted by value.
func (r *Registry) List() []model.JobTypeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]model.JobTypeInfo, 0, len(r.handlers))
	for _, h := range r.handlers {
		infos = append(infos, h.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Value < infos[j].Value })
	return infos
}
