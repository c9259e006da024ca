package until

import (
	"context"
	"errors"
)

// Savepointer runs fn inside a SAVEPOINT: released when fn returns nil,
// rolled back otherwise.
type Savepointer interface {
	Savepoint(ctx context.Context, fn func(ctx context.Context) error) error
}

type savepointIter[T any] struct {
	cur Savepointer
	src Iterator[T]
}

// AtSavepoint pulls every item of src inside its own savepoint, so when a
// consumer stops (a Timeout, say) the work of the last step is either fully
// kept or fully rolled back. The item itself is returned outside the
// savepoint.
func AtSavepoint[T any](cur Savepointer, src Iterator[T]) Iterator[T] {
	return &savepointIter[T]{cur: cur, src: src}
}

func (s *savepointIter[T]) Next(ctx context.Context) (T, error) {
	var (
		v    T
		done bool
	)
	err := s.cur.Savepoint(ctx, func(ctx context.Context) error {
		var err error
		v, err = s.src.Next(ctx)
		if errors.Is(err, Done) {
			done = true
			return nil
		}
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	if done {
		var zero T
		return zero, Done
	}
	return v, nil
}

func (s *savepointIter[T]) Close() error { return s.src.Close() }
