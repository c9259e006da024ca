package queue

import (
	"errors"
	"time"

	rtm "github.com/UniQw/uniqw-jobs/internal/runtime"
)

var (
	// ErrDuplicateTask is returned when Enqueue is called with an ID that already exists for the queue.
	ErrDuplicateTask = errors.New("uniqw: duplicate task id")
	// ErrUnknownState is returned when an invalid state is used.
	ErrUnknownState = errors.New("uniqw: unknown state")
	// ErrActiveState is returned when an operation is not allowed on the active state.
	ErrActiveState = errors.New("uniqw: operation not allowed on active state")
	// ErrTaskNotFound is returned when a task with the specified ID is not found.
	ErrTaskNotFound = errors.New("uniqw: task not found")
)

// Causes passed to OnTerminated hooks.
var (
	ErrTimeLimitExceeded = rtm.ErrTimeLimitExceeded
	ErrWorkerLost        = rtm.ErrWorkerLost
	ErrTerminated        = rtm.ErrTerminated
)

// SkipRetry tells the server to dead-letter the task without further attempts.
// Wrap it: fmt.Errorf("bad input: %w", queue.SkipRetry).
var SkipRetry = rtm.ErrSkipRetry

// RetryError schedules the next attempt after an explicit delay, optionally
// replacing the task headers.
type RetryError = rtm.RetryError

// RetryIn builds a RetryError.
func RetryIn(err error, delay time.Duration) *RetryError {
	return &RetryError{Err: err, Delay: delay}
}
