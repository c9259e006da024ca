package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Method is a job entry point: a named method of a model, called on rs.
type Method func(ctx context.Context, rs Records, args []any, kwargs map[string]any) (any, error)

// MethodOption configures a registered method.
type MethodOption func(*entry)

// RequiresIDs marks methods whose legacy calling convention passes the
// record ids as the first positional argument when the records are empty.
func RequiresIDs() MethodOption {
	return func(e *entry) { e.requiresIDs = true }
}

type entry struct {
	fn          Method
	requiresIDs bool
}

// Registry maps model and method names to Go functions.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]entry)}
}

func methodKey(model, method string) string { return model + "." + method }

// Register binds fn to model.name. model is resolved with ModelName. A later
// registration replaces an earlier one.
func (r *Registry) Register(model any, name string, fn Method, opts ...MethodOption) error {
	m, err := ModelName(model)
	if err != nil {
		return err
	}
	if name == "" || fn == nil {
		return fmt.Errorf("jobs: register %s: empty method", m)
	}
	e := entry{fn: fn}
	for _, o := range opts {
		o(&e)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[methodKey(m, name)] = e
	return nil
}

// MustRegister is Register that panics on error, for init-time wiring.
func (r *Registry) MustRegister(model any, name string, fn Method, opts ...MethodOption) {
	if err := r.Register(model, name, fn, opts...); err != nil {
		panic(err)
	}
}

func (r *Registry) lookup(model, method string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.methods[methodKey(model, method)]
	return e, ok
}

// Methods lists the registered "model.method" names, sorted.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.methods))
	for k := range r.methods {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// idsFromArg reads a record id list out of a decoded positional argument.
func idsFromArg(v any) ([]int64, bool) {
	switch x := v.(type) {
	case int64:
		return []int64{x}, true
	case int:
		return []int64{int64(x)}, true
	case []int64:
		return append([]int64(nil), x...), true
	case []any:
		out := make([]int64, 0, len(x))
		for _, item := range x {
			switch n := item.(type) {
			case int64:
				out = append(out, n)
			case int:
				out = append(out, int64(n))
			case float64:
				out = append(out, int64(n))
			default:
				return nil, false
			}
		}
		return out, true
	}
	return nil, false
}
