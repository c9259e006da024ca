package jobs

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"time"

	"github.com/UniQw/uniqw-jobs/execctx"
	"github.com/UniQw/uniqw-jobs/pgstore"
	"github.com/UniQw/uniqw-jobs/queue"
	"github.com/UniQw/uniqw-jobs/until"
)

// Headers carried by job tasks.
const (
	jobUUIDHeader = "job_uuid"
	thenHeader    = "then"
)

// OutcomeKind tells what an attempt asks for next.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetry
	OutcomeFail
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeFail:
		return "fail"
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

// Outcome is the result of one attempt. Value is set on success; Signature
// and Delay on retry; Err on retry and failure.
type Outcome struct {
	Kind      OutcomeKind
	Value     any
	Signature Signature
	Delay     time.Duration
	Err       error
}

// Attempt is one execution of a job.
type Attempt struct {
	Signature Signature
	// JobUUID is stable across retries; every notification uses it.
	JobUUID   string
	TaskID    string
	AttemptID string
	// Retry counts the attempts before this one.
	Retry int
}

// Runner executes attempts: it opens the tenant cursor, calls the method
// inside an execution frame, commits, and classifies what went wrong.
type Runner struct {
	reg         *Registry
	store       Datastore
	notifier    *Notifier
	maxAttempts int
	minBackoff  time.Duration
	log         Logger
}

// Run executes a and never panics. Failures are reported through the
// notifier before Run returns, except when the attempt was cut off from
// outside: the termination observer reports those.
func (r *Runner) Run(ctx context.Context, a Attempt) Outcome {
	sig := a.Signature
	r.log.Infof("job start: job=%s db=%s uid=%d model=%s ids=%v method=%s retry=%d",
		a.JobUUID, sig.DB, sig.UID, sig.Model, sig.IDs, sig.Method, a.Retry)

	e, ok := r.reg.lookup(sig.Model, sig.Method)
	if !ok {
		err := fmt.Errorf("%w: %s.%s", ErrUnknownMethod, sig.Model, sig.Method)
		return r.fail(ctx, a, err)
	}
	value, err := r.invoke(ctx, a, e)
	if err != nil {
		return r.classify(ctx, a, err)
	}
	if cause := cutOff(ctx); cause != nil {
		r.log.Warnf("job cut off after it returned: job=%s cause=%v", a.JobUUID, cause)
		return Outcome{Kind: OutcomeFail, Err: cause}
	}
	if rs, ok := value.(Records); ok {
		value = rs.IDs
	}
	if err := r.notifier.ReportSuccess(ctx, sig.DB, sig.UID, a.JobUUID, value); err != nil {
		r.log.Errorf("success report failed: job=%s err=%v", a.JobUUID, err)
	}
	r.log.Debugf("job done: job=%s model=%s method=%s", a.JobUUID, sig.Model, sig.Method)
	return Outcome{Kind: OutcomeSuccess, Value: value}
}

func (r *Runner) invoke(ctx context.Context, a Attempt, e entry) (any, error) {
	sig := a.Signature
	cur, err := r.store.Open(ctx, sig.DB)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Rollback(context.WithoutCancel(ctx)) }()

	env := &Env{
		Tenant: sig.DB,
		User:   sig.UID,
		Values: cloneMap(sig.Context),
		Su:     sig.Su,
		Cursor: cur,
	}
	ids, args := append([]int64(nil), sig.IDs...), append([]any(nil), sig.Args...)
	if e.requiresIDs && len(ids) == 0 && len(args) > 0 {
		if x, ok := idsFromArg(args[0]); ok {
			ids, args = x, args[1:]
		}
	}
	rs := env.Browse(sig.Model, ids...)

	value, err := r.call(ctx, a, env, e.fn, rs, args, cloneMap(sig.Kwargs))
	if err != nil {
		return nil, err
	}
	// The worker already reported a killed attempt; its work is rolled back.
	if cause := cutOff(ctx); cause != nil {
		return nil, cause
	}
	if err := cur.Commit(ctx); err != nil {
		return nil, err
	}
	return value, nil
}

func (r *Runner) call(ctx context.Context, a Attempt, env *Env, fn Method, rs Records, args []any, kwargs map[string]any) (v any, err error) {
	job := execctx.Job{UUID: a.JobUUID, TaskID: a.TaskID, AttemptID: a.AttemptID}
	jctx, exit := execctx.Enter(ctx, job, env)
	defer exit()
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p, Stack: debug.Stack()}
		}
	}()
	return fn(withNotifier(jctx, r.notifier), rs, args, kwargs)
}

func (r *Runner) classify(ctx context.Context, a Attempt, err error) Outcome {
	sig := a.Signature
	switch cause := cutOff(ctx); {
	case cause != nil:
		r.log.Warnf("job cut off: job=%s cause=%v err=%v", a.JobUUID, cause, err)
		return Outcome{Kind: OutcomeFail, Err: err}
	case errors.Is(err, until.ErrSoftTimeLimit):
		err = &FingerprintedError{Err: err, Fingerprint: []string{"SoftTimeLimitExceeded", sig.Model, sig.Method}}
		return r.fail(ctx, a, err)
	case pgstore.IsTransient(err):
		if a.Retry+1 < r.maxAttempts {
			r.log.Infof("maybe retrying job: job=%s code=%s retry=%d", a.JobUUID, pgstore.Code(err), a.Retry+1)
			return Outcome{Kind: OutcomeRetry, Signature: sig, Delay: r.minBackoff, Err: err}
		}
		return r.fail(ctx, a, err)
	}
	return r.fail(ctx, a, err)
}

func (r *Runner) fail(ctx context.Context, a Attempt, err error) Outcome {
	sig := a.Signature
	if rerr := r.notifier.ReportFailure(ctx, sig.DB, sig.UID, a.JobUUID, err); rerr != nil {
		r.log.Errorf("failure report failed: job=%s err=%v", a.JobUUID, rerr)
	}
	r.log.Errorf("unhandled error in job: job=%s model=%s method=%s err=%v", a.JobUUID, sig.Model, sig.Method, err)
	return Outcome{Kind: OutcomeFail, Err: err}
}

// cutOff returns the cause when the worker ended the attempt from outside:
// the hard time limit or a terminate request.
func cutOff(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, queue.ErrTerminated) || errors.Is(cause, queue.ErrTimeLimitExceeded) {
		return cause
	}
	return nil
}

// cloneMap copies m so the method cannot alter the signature of later
// attempts. It never returns nil.
func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	maps.Copy(out, m)
	return out
}

// failed is a job error the queue must not retry. Its message is the
// original one.
type failed struct{ err error }

func (f failed) Error() string { return f.err.Error() }

func (f failed) Unwrap() []error { return []error{f.err, queue.SkipRetry} }
