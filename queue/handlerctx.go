package queue

import (
	"context"

	"github.com/UniQw/uniqw-jobs/internal/hctx"
)

// Request describes the attempt a handler is running.
type Request struct {
	// ID is stable across retries of the task.
	ID string
	// AttemptID changes with every execution.
	AttemptID string
	Type      string
	Queue     string
	Retry     int
	MaxRetry  int
	Headers   map[string]string
}

// Header returns one header value of the attempt, or "".
func (r Request) Header(name string) string { return r.Headers[name] }

// RequestFrom returns the attempt metadata when ctx comes from the server.
func RequestFrom(ctx context.Context) (Request, bool) {
	st, ok := hctx.From(ctx)
	if !ok {
		return Request{}, false
	}
	return Request{
		ID:        st.ID,
		AttemptID: st.AttemptID,
		Type:      st.Type,
		Queue:     st.Queue,
		Retry:     st.Retry,
		MaxRetry:  st.MaxRetry,
		Headers:   st.Headers,
	}, true
}

// SetProgress allows a handler to report progress (0..100) for the current task.
// It is a no-op if the context is not provided by the server.
func SetProgress(ctx context.Context, p int) {
	st, ok := hctx.From(ctx)
	if !ok {
		return
	}
	if p < 0 {
		p = 0
	} else if p > 100 {
		p = 100
	}
	st.Progress = p
}

// SetResult encodes v with the default encoder and attaches it as the handler
// result; last call wins.
func SetResult(ctx context.Context, v any) error {
	st, ok := hctx.From(ctx)
	if !ok {
		return nil
	}
	b, err := (&JSONEncoder{}).Encode(v)
	if err != nil {
		return err
	}
	st.Result = b
	return nil
}
