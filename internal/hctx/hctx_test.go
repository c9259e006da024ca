package hctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestState_WithStateFrom(t *testing.T) {
	st := New()
	st.ID = "t1"
	st.Headers = map[string]string{"job_uuid": "u1"}

	ctx := WithState(context.Background(), st)
	got, ok := From(ctx)
	require.True(t, ok)
	require.Same(t, st, got)
	require.Equal(t, "u1", got.Header("job_uuid"))
	require.Empty(t, got.Header("missing"))
}

func TestState_From_Absent(t *testing.T) {
	st, ok := From(context.Background())
	require.False(t, ok)
	require.Nil(t, st)

	var nilState *State
	require.Empty(t, nilState.Header("x"))
}

func TestState_From_TypedNil(t *testing.T) {
	ctx := WithState(context.Background(), nil)
	_, ok := From(ctx)
	require.False(t, ok)
}
