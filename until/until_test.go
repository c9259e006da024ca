package until

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tracked counts Close calls on the wrapped iterator.
type tracked[T any] struct {
	Iterator[T]
	closes int
}

func (t *tracked[T]) Close() error {
	t.closes++
	return t.Iterator.Close()
}

func numbers(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// job passes src through and raises the soft limit on the pull after it
// produced a value above limit. Zero disables the limit.
func job(src Iterator[int], limit int) Iterator[int] {
	last := -1
	return FromFunc(func(ctx context.Context) (int, error) {
		if limit > 0 && last > limit {
			return 0, ErrSoftTimeLimit
		}
		v, err := src.Next(ctx)
		if err != nil {
			return 0, err
		}
		last = v
		return v, nil
	}, src.Close)
}

func drain(t *testing.T, it Iterator[int]) []int {
	t.Helper()
	out, err := Collect(context.Background(), it)
	require.NoError(t, err)
	return out
}

func TestOr_Identity(t *testing.T) {
	a := NewEventCounter("a")
	require.Same(t, a, Or(a, nil))
	require.Same(t, a, Or(nil, a))
	require.Nil(t, Or(nil, nil))
}

func TestChain_Truthiness(t *testing.T) {
	for _, tc := range []struct {
		name      string
		fireA     bool
		fireB     bool
		wantFired bool
	}{
		{"none", false, false, false},
		{"left", true, false, true},
		{"right", false, true, true},
		{"both", true, true, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			a, b := NewEventCounter("a"), NewEventCounter("b")
			if tc.fireA {
				a.Signal()
			}
			if tc.fireB {
				b.Signal()
			}
			assert.Equal(t, tc.wantFired, Or(a, b).Fired())
			assert.Equal(t, tc.wantFired, Or(b, a).Fired())
		})
	}
}

func TestChain_SignalReachesEverySide(t *testing.T) {
	e1, e2, e3 := NewEventCounter("e1"), NewEventCounter("e2"), NewEventCounter("e3")
	Or(Or(e1, e2), e3).Signal()
	assert.EqualValues(t, 1, e1.Seen())
	assert.EqualValues(t, 1, e2.Seen())
	assert.EqualValues(t, 1, e3.Seen())
}

func TestChain_MemberSignalStaysLocal(t *testing.T) {
	e1, e2, e3 := NewEventCounter("e1"), NewEventCounter("e2"), NewEventCounter("e3")
	c := Or(Or(e1, e2), e3)
	e2.Signal()
	assert.True(t, c.Fired())
	assert.False(t, e1.Fired())
	assert.False(t, e3.Fired())
}

func TestEventCounter_NotifyAndString(t *testing.T) {
	calls := 0
	c := Notify(func() { calls++ })
	c.Signal()
	c.Signal()
	assert.Equal(t, 2, calls)
	assert.EqualValues(t, 2, c.Seen())

	n := NewEventCounter("g1")
	assert.Equal(t, "<g1>", n.String())
	n.Signal()
	assert.Equal(t, "<**g1**>", n.String())
}

func TestTimeout_NoSignalYieldsSource(t *testing.T) {
	src := &tracked[int]{Iterator: FromSlice(numbers(20))}
	e := NewEventCounter("e")

	got := drain(t, Timeout[int](src, e))
	require.Equal(t, numbers(20), got)
	require.False(t, e.Fired())
	require.Equal(t, 1, src.closes)
}

func TestTimeout_InnerStops(t *testing.T) {
	e1, e2 := NewEventCounter("e1"), NewEventCounter("e2")
	producer := job(FromSlice(numbers(1000)), 100)
	inner := Timeout(producer, e1)
	outer := Timeout(job(inner, 0), e2)

	got := drain(t, outer)
	require.Len(t, got, 102)
	require.EqualValues(t, 1, e1.Seen())
	require.EqualValues(t, 1, e2.Seen())
}

func TestTimeout_OuterStops(t *testing.T) {
	e1, e2 := NewEventCounter("e1"), NewEventCounter("e2")
	inner := Timeout(job(FromSlice(numbers(1000)), 0), e1)
	outer := Timeout(job(inner, 10), e2)

	got := drain(t, outer)
	require.Len(t, got, 12)
	require.False(t, e1.Fired())
	require.EqualValues(t, 1, e2.Seen())
}

func TestTimeout_NormalTermination(t *testing.T) {
	e1, e2 := NewEventCounter("e1"), NewEventCounter("e2")
	inner := Timeout(job(FromSlice(numbers(1000)), 0), e1)
	outer := Timeout(job(inner, 0), e2)

	require.Len(t, drain(t, outer), 1000)
	require.False(t, e1.Fired())
	require.False(t, e2.Fired())
}

func TestTimeout_SoftLimitMidIteration(t *testing.T) {
	ctx, sl := WithSoftLimit(context.Background(), 0)
	defer sl.Stop()
	src := &tracked[int]{Iterator: FromSlice(numbers(10))}
	e := NewEventCounter("e")
	it := Timeout[int](src, e)

	v, err := it.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, v)

	sl.Fire()
	_, err = it.Next(ctx)
	require.ErrorIs(t, err, Done)
	require.EqualValues(t, 1, e.Seen())
	require.Equal(t, 1, src.closes)

	_, err = it.Next(ctx)
	require.ErrorIs(t, err, Done)
	require.NoError(t, it.Close())
	require.Equal(t, 1, src.closes)
	require.EqualValues(t, 1, e.Seen())
}

func TestTimeout_NilCounter(t *testing.T) {
	ctx, sl := WithSoftLimit(context.Background(), 0)
	sl.Fire()
	src := &tracked[int]{Iterator: FromSlice(numbers(3))}

	got, err := Collect(ctx, Timeout[int](src, nil))
	require.NoError(t, err)
	require.Empty(t, got)
	require.Equal(t, 1, src.closes)
}

func TestTimeout_ErrorClosesSource(t *testing.T) {
	boom := errors.New("boom")
	closed := 0
	src := FromFunc(func(context.Context) (int, error) { return 0, boom }, func() error {
		closed++
		return nil
	})
	e := NewEventCounter("e")

	_, err := Collect(context.Background(), Timeout(src, e))
	require.ErrorIs(t, err, boom)
	require.False(t, e.Fired())
	require.Equal(t, 1, closed)
}

func TestTimeout_CloseBeforeExhaustion(t *testing.T) {
	src := &tracked[int]{Iterator: FromSlice(numbers(5))}
	it := Timeout[int](src, nil)
	_, err := it.Next(context.Background())
	require.NoError(t, err)
	require.NoError(t, it.Close())
	require.NoError(t, it.Close())
	require.Equal(t, 1, src.closes)
}

// zip pulls one item from each side and closes both on Close.
func zip(a, b Iterator[int]) Iterator[int] {
	return FromFunc(func(ctx context.Context) (int, error) {
		x, err := a.Next(ctx)
		if err != nil {
			return 0, err
		}
		y, err := b.Next(ctx)
		if err != nil {
			return 0, err
		}
		return x + y, nil
	}, func() error {
		return errors.Join(a.Close(), b.Close())
	})
}

func TestTimeout_TreeIsRejected(t *testing.T) {
	p1 := &tracked[int]{Iterator: FromSlice(numbers(5))}
	p2 := &tracked[int]{Iterator: FromSlice(numbers(5))}
	p3 := &tracked[int]{Iterator: FromSlice(numbers(5))}
	g1 := Timeout[int](p1, NewEventCounter("g1"))
	g2 := Timeout[int](p2, NewEventCounter("g2"))
	join12 := Timeout(zip(g1, g2), NewEventCounter("j12"))
	g3 := Timeout[int](p3, NewEventCounter("g3"))
	joinCounter := NewEventCounter("join")
	join := Timeout(zip(g3, join12), joinCounter)

	_, err := Collect(context.Background(), join)
	require.ErrorIs(t, err, ErrUnsupportedComposition)
	require.False(t, joinCounter.Fired())
	for _, p := range []*tracked[int]{p1, p2, p3} {
		require.Equal(t, 1, p.closes)
	}
}

func TestTimeout_SequentialChildrenAreLinear(t *testing.T) {
	// A source that opens a fresh nested Timeout per item and finishes it
	// before the next one is still a linear pipeline.
	outerCounter := NewEventCounter("outer")
	n := 0
	src := FromFunc(func(ctx context.Context) (int, error) {
		if n == 3 {
			return 0, Done
		}
		n++
		got, err := Collect(ctx, Timeout(FromSlice(numbers(2)), nil))
		return len(got), err
	}, nil)

	got, err := Collect(context.Background(), Timeout(src, outerCounter))
	require.NoError(t, err)
	require.Equal(t, []int{2, 2, 2}, got)
	require.False(t, outerCounter.Fired())
}

func TestCheck_DeliversOnce(t *testing.T) {
	require.NoError(t, Check(context.Background()))

	ctx, sl := WithSoftLimit(context.Background(), 0)
	require.NoError(t, Check(ctx))
	sl.Fire()
	require.True(t, sl.Fired())
	require.ErrorIs(t, Check(ctx), ErrSoftTimeLimit)
	require.NoError(t, Check(ctx))
}

func TestWithSoftLimit_Timer(t *testing.T) {
	ctx, sl := WithSoftLimit(context.Background(), 10*time.Millisecond)
	defer sl.Stop()
	require.Eventually(t, sl.Fired, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, Check(ctx), ErrSoftTimeLimit)
}

func TestFromSeq_CloseStopsSequence(t *testing.T) {
	cleaned := false
	seq := func(yield func(int) bool) {
		defer func() { cleaned = true }()
		for i := 0; ; i++ {
			if !yield(i) {
				return
			}
		}
	}
	it := FromSeq(seq)
	v, err := it.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, v)
	require.NoError(t, it.Close())
	require.True(t, cleaned)
}

type fakeSavepoints struct {
	released, rolledBack int
}

func (f *fakeSavepoints) Savepoint(ctx context.Context, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		f.rolledBack++
		return err
	}
	f.released++
	return nil
}

func TestAtSavepoint_EveryPullInItsOwnSavepoint(t *testing.T) {
	sp := &fakeSavepoints{}
	got, err := Collect(context.Background(), AtSavepoint(sp, FromSlice(numbers(3))))
	require.NoError(t, err)
	require.Equal(t, numbers(3), got)
	// Three items plus the pull that found the end.
	require.Equal(t, 4, sp.released)
	require.Zero(t, sp.rolledBack)
}

func TestAtSavepoint_UnderTimeoutRollsBackInterruptedStep(t *testing.T) {
	ctx, sl := WithSoftLimit(context.Background(), 0)
	sp := &fakeSavepoints{}
	e := NewEventCounter("e")
	pulls := 0
	src := FromFunc(func(ctx context.Context) (int, error) {
		pulls++
		if pulls == 3 {
			sl.Fire()
		}
		if err := Check(ctx); err != nil {
			return 0, err
		}
		return pulls, nil
	}, nil)

	got, err := Collect(ctx, Timeout(AtSavepoint(sp, src), e))
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, got)
	require.Equal(t, 2, sp.released)
	require.Equal(t, 1, sp.rolledBack)
	require.EqualValues(t, 1, e.Seen())
}
