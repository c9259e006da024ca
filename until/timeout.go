package until

import (
	"context"
	"errors"
	"sync"
)

// ErrUnsupportedComposition is returned when two Timeout iterators are
// pulled from inside the same enclosing Timeout. Only linear nesting has a
// well defined signalling order; a tree (two branches joined by a zip) does
// not.
var ErrUnsupportedComposition = errors.New("until: tree-shaped timeout composition is not supported")

// link is what a Timeout hands to its source through the context: the chain
// to signal and the single nested Timeout allowed to use it.
type link struct {
	counter Counter

	mu    sync.Mutex
	child any
}

type linkKey struct{}

func (l *link) claim(owner any) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.child != nil && l.child != owner {
		return false
	}
	l.child = owner
	return true
}

func (l *link) release(owner any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.child == owner {
		l.child = nil
	}
}

type timeout[T any] struct {
	src Iterator[T]
	own Counter

	bound    bool
	finished bool
	parent   *link
	lk       *link

	closeOnce sync.Once
	closeErr  error
}

// Timeout yields the items of src until the soft time limit is delivered
// while pulling from src. Then it signals onTimeout, plus every enclosing
// Timeout it runs inside of, and ends as if src were exhausted.
//
// The enclosing Timeout is found in the context of the first Next, so the
// chain follows how iterators are consumed rather than how they were built.
// Once a chain has fired no Timeout in it pulls again. src is closed exactly
// once on every way out: exhaustion, timeout, error or Close.
//
// A nil onTimeout is replaced with a fresh EventCounter.
func Timeout[T any](src Iterator[T], onTimeout Counter) Iterator[T] {
	if onTimeout == nil {
		onTimeout = NewEventCounter("")
	}
	return &timeout[T]{src: src, own: onTimeout}
}

func (t *timeout[T]) bind(ctx context.Context) error {
	chain := t.own
	if parent, _ := ctx.Value(linkKey{}).(*link); parent != nil {
		if !parent.claim(t) {
			return ErrUnsupportedComposition
		}
		t.parent = parent
		chain = Or(parent.counter, t.own)
	}
	t.lk = &link{counter: chain}
	t.bound = true
	return nil
}

func (t *timeout[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if t.finished {
		return zero, Done
	}
	if !t.bound {
		if err := t.bind(ctx); err != nil {
			t.finish()
			return zero, err
		}
	}
	if t.lk.counter.Fired() {
		t.finish()
		return zero, Done
	}
	v, err := t.src.Next(context.WithValue(ctx, linkKey{}, t.lk))
	switch {
	case err == nil:
		return v, nil
	case errors.Is(err, ErrSoftTimeLimit):
		t.lk.counter.Signal()
		t.finish()
		return zero, Done
	case errors.Is(err, Done):
		t.finish()
		return zero, Done
	default:
		t.finish()
		return zero, err
	}
}

func (t *timeout[T]) finish() {
	t.finished = true
	if t.parent != nil {
		t.parent.release(t)
	}
	t.closeOnce.Do(func() { t.closeErr = t.src.Close() })
}

func (t *timeout[T]) Close() error {
	t.finish()
	return t.closeErr
}
