package jobs

import (
	"fmt"
	"reflect"
	"testing"
)

// SuperUserID is the user that passes every per-user check.
const SuperUserID int64 = 1

// Env is the tenant environment a call runs in: which database, as which
// user, with which context values.
type Env struct {
	Tenant string
	User   int64
	Values map[string]any
	// Su runs with superuser rights while keeping User as the author.
	Su bool
	// Cursor is the tenant connection of the running job, nil outside one.
	Cursor Cursor
	// TestMode runs deferred calls inline, as under go test.
	TestMode bool
}

func (e *Env) DB() string   { return e.Tenant }
func (e *Env) UID() int64   { return e.User }
func (e *Env) Lang() string {
	s, _ := e.Values["lang"].(string)
	return s
}

// Context returns the context values. Callers must not modify the map; use
// Frozen for a read-only view or WithContext for a changed copy.
func (e *Env) Context() map[string]any { return e.Values }

// Frozen returns a read-only view of the context values.
func (e *Env) Frozen() FrozenContext { return FrozenContext{m: e.Values} }

// WithContext returns a copy of e with kv merged over its context values.
func (e *Env) WithContext(kv map[string]any) *Env {
	c := *e
	c.Values = make(map[string]any, len(e.Values)+len(kv))
	for k, v := range e.Values {
		c.Values[k] = v
	}
	for k, v := range kv {
		c.Values[k] = v
	}
	return &c
}

// Sudo returns a copy of e with superuser rights.
func (e *Env) Sudo() *Env {
	c := *e
	c.Su = true
	return &c
}

// Browse returns the records of model with ids. model is a model name, a
// Records, a ModelNamer, or the reflect.Type of a ModelNamer.
func (e *Env) Browse(model any, ids ...int64) Records {
	name, err := ModelName(model)
	return Records{Model: name, IDs: ids, Env: e, err: err}
}

func (e *Env) testing() bool {
	return e.TestMode || testing.Testing()
}

// FrozenContext is a read-only view of context values.
type FrozenContext struct {
	m map[string]any
}

// Freeze wraps m without copying it.
func Freeze(m map[string]any) FrozenContext { return FrozenContext{m: m} }

func (f FrozenContext) Get(key string) (any, bool) {
	v, ok := f.m[key]
	return v, ok
}

func (f FrozenContext) Len() int { return len(f.m) }

// Map returns a mutable copy.
func (f FrozenContext) Map() map[string]any {
	out := make(map[string]any, len(f.m))
	for k, v := range f.m {
		out[k] = v
	}
	return out
}

// ModelNamer is implemented by types that stand for a model.
type ModelNamer interface {
	ModelName() string
}

var namerType = reflect.TypeOf((*ModelNamer)(nil)).Elem()

// ModelName resolves model to its canonical name.
func ModelName(model any) (string, error) {
	switch m := model.(type) {
	case string:
		if m == "" {
			return "", invalid("empty model name", nil)
		}
		return m, nil
	case Records:
		return ModelName(m.Model)
	case *Records:
		if m == nil {
			return "", invalid("nil records", nil)
		}
		return ModelName(m.Model)
	case ModelNamer:
		return ModelName(m.ModelName())
	case reflect.Type:
		if m != nil && m.Implements(namerType) {
			v := reflect.Zero(m)
			if m.Kind() == reflect.Pointer {
				// A nil receiver would panic on any field access.
				v = reflect.New(m.Elem())
			}
			return ModelName(v.Interface().(ModelNamer).ModelName())
		}
	}
	return "", invalid(fmt.Sprintf("cannot resolve model from %T", model), nil)
}

// Records is a record set: ids of one model in an environment.
type Records struct {
	Model string
	IDs   []int64
	Env   *Env

	err error
}

// Browse returns the records of the same model with other ids.
func (r Records) Browse(ids ...int64) Records {
	r.IDs = ids
	return r
}

// Sudo returns r in a superuser environment.
func (r Records) Sudo() Records {
	if r.Env != nil {
		r.Env = r.Env.Sudo()
	}
	return r
}

// Call binds method to r.
func (r Records) Call(method string, args ...any) Bound {
	return Bound{Records: r, Method: method, Args: args}
}

// Bound is a method of a record set with its arguments.
type Bound struct {
	Records Records
	Method  string
	Args    []any
	Kwargs  map[string]any
}

// With returns b with keyword arguments.
func (b Bound) With(kwargs map[string]any) Bound {
	b.Kwargs = kwargs
	return b
}
