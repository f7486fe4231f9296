// Package accum implements the accumulator registry the DAG driver merges
// per-task deltas into. Per the REDESIGN FLAGS, the registry is an
// injected value rather than a process-wide singleton: the DAG driver
// receives its *Registry through dagdriver.Env.Accumulators, and
// WithRegistry/FromContext let a caller carry one through a
// context.Context.
package accum

import (
	"context"
	"fmt"
	"sync"
)

// Mergeable combines a running value with a task's delta. Implementations
// must be commutative-associative so the at-least-once re-merge a
// re-executed deterministic task may trigger does not corrupt state.
type Mergeable interface {
	Merge(current, delta any) (any, error)
}

// Registry accumulates named values across a run's tasks.
type Registry struct {
	mu     sync.Mutex
	values map[string]any
	merge  map[string]Mergeable
}

// NewRegistry constructs an empty registry for one run.
func NewRegistry() *Registry {
	return &Registry{values: make(map[string]any), merge: make(map[string]Mergeable)}
}

// Register declares an accumulator name with its merge function and zero
// value. Calling Register twice for the same name is a programmer error.
func (r *Registry) Register(name string, zero any, m Mergeable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.values[name]; exists {
		panic(fmt.Sprintf("accumulator %q already registered", name))
	}
	r.values[name] = zero
	r.merge[name] = m
}

// MergeUpdates applies a task's accumulator deltas into the registry's
// current values, one name at a time, returning the first merge error.
func (r *Registry) MergeUpdates(updates map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, delta := range updates {
		m, ok := r.merge[name]
		if !ok {
			return fmt.Errorf("accumulator %q: no merge function registered", name)
		}
		merged, err := m.Merge(r.values[name], delta)
		if err != nil {
			return fmt.Errorf("accumulator %q: %w", name, err)
		}
		r.values[name] = merged
	}
	return nil
}

// Value returns an accumulator's current value.
func (r *Registry) Value(name string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[name]
	return v, ok
}

type contextKey struct{}

// WithRegistry returns a context carrying reg, scoped to one run.
func WithRegistry(ctx context.Context, reg *Registry) context.Context {
	return context.WithValue(ctx, contextKey{}, reg)
}

// FromContext retrieves the run's registry, if any was injected.
func FromContext(ctx context.Context) (*Registry, bool) {
	reg, ok := ctx.Value(contextKey{}).(*Registry)
	return reg, ok
}

// SumInt64 is a Mergeable for simple additive integer counters.
type SumInt64 struct{}

func (SumInt64) Merge(current, delta any) (any, error) {
	c, ok := current.(int64)
	if !ok {
		c = 0
	}
	d, ok := delta.(int64)
	if !ok {
		return nil, fmt.Errorf("SumInt64: delta is %T, want int64", delta)
	}
	return c + d, nil
}
