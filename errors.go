package jobs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoQueue is returned when a dispatch needs the queue and the app was
	// built without one.
	ErrNoQueue = errors.New("jobs: no queue configured")
	// ErrUnknownMethod is returned when a signature names a method nobody
	// registered.
	ErrUnknownMethod = errors.New("jobs: unknown method")
)

// InvalidSignatureError reports a call that cannot become a job signature,
// or a payload that does not decode into one. It is a programming error and
// is never retried.
type InvalidSignatureError struct {
	Reason string
	Err    error
}

func (e *InvalidSignatureError) Error() string {
	if e.Err != nil {
		return "jobs: invalid signature: " + e.Reason + ": " + e.Err.Error()
	}
	return "jobs: invalid signature: " + e.Reason
}

func (e *InvalidSignatureError) Unwrap() error { return e.Err }

func invalid(reason string, err error) error {
	return &InvalidSignatureError{Reason: reason, Err: err}
}

// FingerprintedError groups failures in error reports by Fingerprint rather
// than by message.
type FingerprintedError struct {
	Err         error
	Fingerprint []string
}

func (e *FingerprintedError) Error() string { return e.Err.Error() }

func (e *FingerprintedError) Unwrap() error { return e.Err }

// PanicError is a panic recovered from a job method.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// errorName is the Go type of err without the pointer star, e.g.
// "pgconn.PgError".
func errorName(err error) string {
	var fe *FingerprintedError
	if errors.As(err, &fe) {
		err = fe.Err
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}

// WorkerError is a failure seen by the worker rather than by the job: the
// hard time limit or the loss of the worker that ran it.
type WorkerError struct {
	Cause error
}

func (e *WorkerError) Error() string { return "job killed: " + e.Cause.Error() }

func (e *WorkerError) Unwrap() error { return e.Cause }
