// Package execctx makes the running background job discoverable from any code
// that receives its context.Context.
//
// A frame is pushed with Enter and popped by the returned exit func. Frames
// live in the context, so two jobs running in the same process never see
// each other's frame.
package execctx

import (
	"context"
	"sync/atomic"
)

// Environment is the tenant environment a job was reconstructed in.
type Environment interface {
	DB() string
	UID() int64
	Lang() string
	Context() map[string]any
}

// Job identifies the running attempt.
type Job struct {
	// UUID is stable across retries; channel names derive from it.
	UUID string
	// TaskID is the queue's id for the task.
	TaskID string
	// AttemptID changes with every execution.
	AttemptID string
}

// Frame is one entry of the execution context.
type Frame struct {
	Job Job
	Env Environment

	parent *Frame
	exited atomic.Bool
}

// Parent returns the frame this one was entered inside of, or nil.
func (f *Frame) Parent() *Frame { return f.parent }

// Request is the request-like view of the frame. It never reports as
// present: code that checks for an HTTP request must take its non-HTTP path.
func (f *Frame) Request() Request { return jobRequest{env: f.Env} }

type frameKey struct{}

// Enter pushes a frame for job. The exit func pops it and is safe to call
// more than once; defer it right away.
func Enter(ctx context.Context, job Job, env Environment) (context.Context, func()) {
	f := &Frame{Job: job, Env: env, parent: Current(ctx)}
	return context.WithValue(ctx, frameKey{}, f), func() { f.exited.Store(true) }
}

// Current returns the innermost frame that has not exited, or nil outside a
// job.
func Current(ctx context.Context) *Frame {
	f, _ := ctx.Value(frameKey{}).(*Frame)
	for f != nil && f.exited.Load() {
		f = f.parent
	}
	return f
}

// IsActive reports whether ctx runs inside a job.
func IsActive(ctx context.Context) bool { return Current(ctx) != nil }
