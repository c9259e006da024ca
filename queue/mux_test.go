package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMux_MiddlewareOrderAndOverwrite(t *testing.T) {
	m := NewMux()

	var order []int
	mark := func(n int) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, b []byte) error {
				order = append(order, n)
				return next(ctx, b)
			}
		}
	}
	m.Use(mark(1), mark(2))

	called := 0
	m.Handle("t", func(context.Context, []byte) error { called++; return nil })
	m.Handle("t", func(context.Context, []byte) error { called += 10; return nil })

	h, ok := m.lookup("t")
	require.True(t, ok)
	require.NoError(t, h(context.Background(), nil))
	require.Equal(t, 10, called, "later registration wins")
	require.Equal(t, []int{1, 2}, order, "first middleware is outermost")

	_, ok = m.lookup("missing")
	require.False(t, ok)
	require.Equal(t, []string{"t"}, m.Types())
}
