package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Registry errors.
var (
	// ErrDuplicateTask indicates a task name was registered twice.
	ErrDuplicateTask = errors.New("task already registered")

	// ErrTaskNotFound indicates no task is registered under the name.
	ErrTaskNotFound = errors.New("task not registered")
)

// Context is the per-invocation execution context handed to a task.
//
// Stdout and Stderr are scoped to one invocation; anything a task writes
// there is captured into Result.Output.
type Context struct {
	TaskID   string
	Worker   string
	Host     string
	Location string
	Stdout   io.Writer
	Stderr   io.Writer
}

// Func is a registered task implementation.
type Func func(ctx context.Context, tc *Context, p Params) (any, error)

// Registry maps task names to typed functions.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds fn under name.
func (r *Registry) Register(name string, fn Func) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("task name is required")
	}
	if fn == nil {
		return fmt.Errorf("task %q: function is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.funcs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, name)
	}
	r.funcs[name] = fn
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(name string, fn Func) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	return fn, nil
}

// Names returns the registered task names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
