// Package hctx carries per-attempt state between the queue runtime and the
// handler it invokes.
package hctx

import "context"

// State holds what the runtime knows about the running attempt plus the
// metadata a handler may hand back (progress, result).
type State struct {
	ID        string
	AttemptID string
	Type      string
	Queue     string
	Retry     int
	MaxRetry  int
	Headers   map[string]string

	Progress int
	Result   []byte
}

// New creates a fresh handler state container.
func New() *State { return &State{} }

type ctxKey struct{}

// WithState returns a child context carrying the given handler state.
func WithState(parent context.Context, s *State) context.Context {
	return context.WithValue(parent, ctxKey{}, s)
}

// From extracts the handler state from context if present.
func From(ctx context.Context) (*State, bool) {
	st, ok := ctx.Value(ctxKey{}).(*State)
	if !ok || st == nil {
		return nil, false
	}
	return st, true
}

// Header returns a header value of the running attempt, or "".
func (s *State) Header(name string) string {
	if s == nil || s.Headers == nil {
		return ""
	}
	return s.Headers[name]
}
