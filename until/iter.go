// Package until holds the cooperative helpers long running jobs use to stop
// cleanly when their soft time limit fires: event counters, the soft limit
// signal, and iterators that end early at a complete step.
package until

import (
	"context"
	"errors"
	"iter"
)

// Done is returned by Next when an iterator has no more items.
var Done = errors.New("until: no more items")

// Iterator is a pull sequence. Next returns Done at the end; Close releases
// whatever the iterator holds and is safe to call more than once.
// Iterators are not safe for concurrent use.
type Iterator[T any] interface {
	Next(ctx context.Context) (T, error)
	Close() error
}

type sliceIter[T any] struct {
	items []T
	pos   int
}

// FromSlice iterates over items. Every pull is a soft limit check point.
func FromSlice[T any](items []T) Iterator[T] {
	return &sliceIter[T]{items: items}
}

func (s *sliceIter[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if err := Check(ctx); err != nil {
		return zero, err
	}
	if s.pos >= len(s.items) {
		return zero, Done
	}
	v := s.items[s.pos]
	s.pos++
	return v, nil
}

func (s *sliceIter[T]) Close() error {
	s.pos = len(s.items)
	return nil
}

type seqIter[T any] struct {
	next func() (T, bool)
	stop func()
}

// FromSeq adapts a range-over-func sequence. Close stops the sequence, so a
// deferred cleanup inside seq runs even when iteration ends early.
func FromSeq[T any](seq iter.Seq[T]) Iterator[T] {
	next, stop := iter.Pull(seq)
	return &seqIter[T]{next: next, stop: stop}
}

func (s *seqIter[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if err := Check(ctx); err != nil {
		return zero, err
	}
	v, ok := s.next()
	if !ok {
		return zero, Done
	}
	return v, nil
}

func (s *seqIter[T]) Close() error {
	s.stop()
	return nil
}

type funcIter[T any] struct {
	next  func(context.Context) (T, error)
	close func() error
}

// FromFunc builds an iterator from a pull function. close may be nil.
func FromFunc[T any](next func(context.Context) (T, error), close func() error) Iterator[T] {
	return &funcIter[T]{next: next, close: close}
}

func (f *funcIter[T]) Next(ctx context.Context) (T, error) { return f.next(ctx) }

func (f *funcIter[T]) Close() error {
	if f.close == nil {
		return nil
	}
	return f.close()
}

// Collect drains it and closes it.
func Collect[T any](ctx context.Context, it Iterator[T]) ([]T, error) {
	defer it.Close()
	var out []T
	for {
		v, err := it.Next(ctx)
		if errors.Is(err, Done) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
}
