package jobs

import (
	"context"
	"time"

	"github.com/UniQw/uniqw-jobs/execctx"
	"github.com/google/uuid"
)

type deferOptions struct {
	allowNested     bool
	allowTests      bool
	returnSignature bool
	queue           string
}

// DeferOption configures a Deferred.
type DeferOption func(*deferOptions)

// AllowNested dispatches even from inside a running job. By default a
// nested call runs inline, so a single worker never waits on itself.
func AllowNested() DeferOption {
	return func(o *deferOptions) { o.allowNested = true }
}

// AllowTests dispatches even under go test or in a TestMode environment.
// Only useful when the test runs a worker and watches the bus.
func AllowTests() DeferOption {
	return func(o *deferOptions) { o.allowTests = true }
}

// ReturnSignature makes Call return the prepared job instead of
// dispatching it, to build chains and groups.
func ReturnSignature() DeferOption {
	return func(o *deferOptions) { o.returnSignature = true }
}

// OnQueue routes the job to the named queue of the app namespace.
func OnQueue(name string) DeferOption {
	return func(o *deferOptions) { o.queue = name }
}

// Deferred requests background execution of bound calls.
type Deferred struct {
	app  *App
	opts deferOptions
}

// Deferred returns a gateway with opts.
func (a *App) Deferred(opts ...DeferOption) *Deferred {
	d := &Deferred{app: a}
	for _, o := range opts {
		o(&d.opts)
	}
	return d
}

// Defer is Deferred().Call.
func (a *App) Defer(ctx context.Context, b Bound) (*Result, error) {
	return a.Deferred().Call(ctx, b)
}

// Result is what a deferred call produced. A dispatched job has an ID; an
// inline run has its Value; ReturnSignature gives Prepared.
type Result struct {
	ID       string
	JobUUID  string
	Inline   bool
	Value    any
	Prepared *Prepared
}

// Call runs b in the background, or inline when nested or under test.
// Inline runs go through the same encode, decode and retry path as a
// worker does.
func (d *Deferred) Call(ctx context.Context, b Bound) (*Result, error) {
	sig, err := SignatureOf(b)
	if err != nil {
		return nil, err
	}
	switch {
	case !d.opts.allowNested && execctx.IsActive(ctx):
		d.app.log.Warnf("nested background call detected, running inline: %s", sig)
		return d.app.inline(ctx, sig)
	case !d.opts.allowTests && d.app.underTest(b.Records.Env):
		d.app.log.Infof("running the deferred job inline in tests: %s", sig)
		return d.app.inline(ctx, sig)
	}
	p := &Prepared{app: d.app, sig: sig, queue: d.app.lane(d.opts.queue)}
	if d.opts.returnSignature {
		return &Result{Prepared: p}, nil
	}
	return p.Dispatch(ctx)
}

func (a *App) underTest(env *Env) bool {
	return a.opts.TestMode || env.testing()
}

func (a *App) inline(ctx context.Context, sig Signature) (*Result, error) {
	wire, err := sig.Encode()
	if err != nil {
		return nil, err
	}
	if sig, err = DecodeSignature(wire); err != nil {
		return nil, err
	}
	att := Attempt{Signature: sig, JobUUID: uuid.NewString()}
	res := &Result{JobUUID: att.JobUUID, Inline: true}
	for {
		out := a.runner.Run(ctx, att)
		switch out.Kind {
		case OutcomeSuccess:
			res.Value = out.Value
			return res, nil
		case OutcomeRetry:
			if err := a.sleep(ctx, out.Delay); err != nil {
				return res, err
			}
			att.Retry++
			att.Signature = out.Signature
		default:
			return res, out.Err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
