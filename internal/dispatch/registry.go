package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/lexflow/lexflow/internal/job"
)

// ProgressFunc reports handler progress. Percent is clamped to 0-100 and
// never moves backwards within one execution.
type ProgressFunc func(percent int, message string)

// HandlerFunc executes one job. It receives the stored job (including its
// payload) and a progress callback, and returns the result to persist. A
// returned error fails the job; there is no retry.
type HandlerFunc func(ctx context.Context, j *job.Job, report ProgressFunc) (json.RawMessage, error)

// Registry maps job types to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a job type. Registering the same type twice
// replaces the previous handler.
func (r *Registry) Register(jobType string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[jobType]; exists {
		slog.Warn("replacing job handler", "type", jobType)
	}
	r.handlers[jobType] = fn
}

// Get returns the handler for a job type.
func (r *Registry) Get(jobType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.handlers[jobType]
	return fn, ok
}

// Types returns the registered job types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
