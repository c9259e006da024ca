package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/UniQw/uniqw-jobs/queue"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Prepared is a job ready to dispatch. Its arguments are bound: every
// attempt replays the signature captured at preparation time.
type Prepared struct {
	app   *App
	sig   Signature
	queue string
	next  []*Prepared
}

// Signature returns the bound signature.
func (p *Prepared) Signature() Signature { return p.sig }

// Queue returns the qualified queue the job goes to.
func (p *Prepared) Queue() string { return p.queue }

// Then returns a copy of p followed by next: each job is dispatched by the
// worker once the previous one succeeded.
func (p *Prepared) Then(next ...*Prepared) *Prepared {
	c := *p
	c.next = append(append([]*Prepared(nil), p.next...), next...)
	return &c
}

type link struct {
	Queue   string          `json:"queue"`
	Payload json.RawMessage `json:"payload"`
}

// chain flattens the followers of p in dispatch order.
func (p *Prepared) chain() ([]link, error) {
	var out []link
	for _, n := range p.next {
		wire, err := n.sig.Encode()
		if err != nil {
			return nil, err
		}
		out = append(out, link{Queue: n.queue, Payload: wire})
		rest, err := n.chain()
		if err != nil {
			return nil, err
		}
		out = append(out, rest...)
	}
	return out, nil
}

// Dispatch enqueues p. Followers travel in a header of the task.
func (p *Prepared) Dispatch(ctx context.Context) (*Result, error) {
	wire, err := p.sig.Encode()
	if err != nil {
		return nil, err
	}
	rest, err := p.chain()
	if err != nil {
		return nil, err
	}
	return p.app.enqueue(ctx, p.queue, wire, rest)
}

// Group dispatches jobs concurrently. Results keep the order of jobs; the
// first error is returned after every dispatch finished.
func Group(ctx context.Context, jobs ...*Prepared) ([]*Result, error) {
	out := make([]*Result, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range jobs {
		g.Go(func() error {
			r, err := p.Dispatch(gctx)
			if err != nil {
				return fmt.Errorf("jobs: group member %d: %w", i, err)
			}
			out[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

func (a *App) enqueue(ctx context.Context, lane string, wire []byte, rest []link) (*Result, error) {
	if a.broker == nil {
		return nil, ErrNoQueue
	}
	id := uuid.NewString()
	opts := []queue.Option{
		queue.TaskID(id),
		queue.MaxRetry(a.opts.MaxAttempts - 1),
		queue.Header(jobUUIDHeader, id),
	}
	if len(rest) > 0 {
		b, err := json.Marshal(rest)
		if err != nil {
			return nil, err
		}
		opts = append(opts, queue.Header(thenHeader, string(b)))
	}
	if _, err := a.broker.Enqueue(ctx, lane, TaskName, json.RawMessage(wire), opts...); err != nil {
		return nil, fmt.Errorf("jobs: enqueue on %s: %w", lane, err)
	}
	a.log.Debugf("job queued: job=%s queue=%s", id, lane)
	return &Result{ID: id, JobUUID: id}, nil
}

// dispatchThen enqueues the first follower of a finished job, handing it
// the rest of the chain.
func (a *App) dispatchThen(ctx context.Context, raw, after string) {
	if raw == "" {
		return
	}
	var links []link
	if err := decodeAPI.UnmarshalFromString(raw, &links); err != nil {
		a.log.Errorf("bad chain header: job=%s err=%v", after, err)
		return
	}
	if len(links) == 0 {
		return
	}
	head := links[0]
	r, err := a.enqueue(ctx, head.Queue, head.Payload, links[1:])
	if err != nil {
		a.log.Errorf("chain dispatch failed: after=%s err=%v", after, err)
		return
	}
	a.log.Infof("chain dispatched: after=%s job=%s", after, r.ID)
}
