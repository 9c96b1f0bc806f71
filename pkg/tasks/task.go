package tasks

import (
	"context"
	"fmt"
	"sync"

	"github.com/calyptra/drover/pkg/types"
)

// Task is the capability interface one job kind implements. Execute
// returns the job's structured result; it records LLMCall rows and
// RunArtifacts through its own dependencies and never returns prompt
// or response content.
type Task interface {
	Key() string
	Execute(ctx context.Context, run *types.Run, job *types.Job) (map[string]any, error)
}

// Registry is the dispatch table from task key to implementation.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Task)}
}

// Register adds a task implementation under its key.
func (r *Registry) Register(t Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.Key()] = t
}

// Get resolves a task key to its implementation.
func (r *Registry) Get(key string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[key]
	if !ok {
		return nil, fmt.Errorf("%w: no task registered for key %q", types.ErrNotFound, key)
	}
	return t, nil
}

// Keys lists the registered task keys.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.tasks))
	for k := range r.tasks {
		keys = append(keys, k)
	}
	return keys
}
