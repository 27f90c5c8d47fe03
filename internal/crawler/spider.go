package crawler

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
)

// Output is a tagged value yielded by a callback: exactly one of Task or Record is set.
type Output struct {
	Task   *Task
	Record *Record
}

// NewTask wraps a child task for yielding.
func NewTask(t *Task) Output {
	return Output{Task: t}
}

// NewRecord wraps a record for yielding.
func NewRecord(r *Record) Output {
	return Output{Record: r}
}

// Valid reports whether exactly one variant is populated.
func (o Output) Valid() bool {
	return (o.Task != nil) != (o.Record != nil)
}

// Handler resolves a response into child tasks and records.
// Each call must return a fresh, finite sequence.
type Handler func(ctx context.Context, task *Task, resp *Response) iter.Seq[Output]

// Registry maps stable callback keys to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds key to h, replacing any existing handler.
func (r *Registry) Register(key string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key] = h
}

// Resolve returns the handler bound to key.
func (r *Registry) Resolve(key string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCallback, key)
	}
	return h, nil
}

// Keys lists registered callback keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Spider supplies seeds and callbacks for one crawl.
type Spider interface {
	Name() string
	Seeds(ctx context.Context) iter.Seq[*Task]
	Register(reg *Registry)
}

// RegistryFor builds a Registry populated by s.
func RegistryFor(s Spider) *Registry {
	reg := NewRegistry()
	s.Register(reg)
	return reg
}

// Yield builds a sequence from a fixed list of outputs.
func Yield(outputs ...Output) iter.Seq[Output] {
	return func(yield func(Output) bool) {
		for _, o := range outputs {
			if !yield(o) {
				return
			}
		}
	}
}
