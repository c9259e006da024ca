package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/UniQw/uniqw-jobs/internal/hctx"
	ikeys "github.com/UniQw/uniqw-jobs/internal/keys"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newMini(t *testing.T) *redis.Client {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func noop(context.Context, string, []byte) error { return nil }

type terminations struct {
	mu     sync.Mutex
	causes map[string]error
}

func (r *terminations) hook(_ context.Context, a Attempt, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.causes == nil {
		r.causes = map[string]error{}
	}
	r.causes[a.ID] = cause
}

func (r *terminations) get(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.causes[id]
}

func envelope(id, queue string, extra string) string {
	return `{"id":"` + id + `","type":"t","queue":"` + queue + `","payload":"e30=","retry":0,"max_retry":2,"retention":60,"err_retention":-1` + extra + `}`
}

func deadRecords(t *testing.T, rdb *redis.Client, k ikeys.Queue) map[string]string {
	t.Helper()
	items, err := rdb.LRange(context.Background(), k.Dead, 0, -1).Result()
	require.NoError(t, err)
	out := map[string]string{}
	for _, it := range items {
		var rec struct {
			ID        string `json:"id"`
			LastError string `json:"last_error"`
		}
		require.NoError(t, sonic.UnmarshalString(it, &rec))
		out[rec.ID] = rec.LastError
	}
	return out
}

func TestRuntime_StartStop_Idempotent(t *testing.T) {
	rdb := newMini(t)
	rt := New(rdb, Config{Queues: map[string]int{"q": 1}, VisibilityTTL: 2 * time.Second}, noop)
	rt.Start()
	rt.Start()
	time.Sleep(50 * time.Millisecond)
	rt.Stop()
	rt.Stop()
}

func TestRuntime_Cleaners_PurgeSucceededAndDead(t *testing.T) {
	rdb := newMini(t)
	ctx := context.Background()
	k := ikeys.For("qclean")

	past := float64(time.Now().Add(-2 * time.Second).UnixMilli())
	require.NoError(t, rdb.ZAdd(ctx, k.Succeeded, redis.Z{Score: past, Member: "m1"}).Err())
	require.NoError(t, rdb.LPush(ctx, k.Dead, "d1").Err())
	require.NoError(t, rdb.ZAdd(ctx, k.DeadExpiry, redis.Z{Score: past, Member: "d1"}).Err())

	rt := New(rdb, Config{Queues: map[string]int{k.Name: 1}}, noop)
	rt.Start()
	defer rt.Stop()

	require.Eventually(t, func() bool {
		zc, _ := rdb.ZCard(ctx, k.Succeeded).Result()
		lc, _ := rdb.LLen(ctx, k.Dead).Result()
		dc, _ := rdb.ZCard(ctx, k.DeadExpiry).Result()
		return zc == 0 && lc == 0 && dc == 0
	}, 3*time.Second, 50*time.Millisecond)
}

func TestRuntime_Scheduler_MovesDueMembers(t *testing.T) {
	rdb := newMini(t)
	ctx := context.Background()
	k := ikeys.For("qsched")

	require.NoError(t, rdb.ZAdd(ctx, k.Delayed, redis.Z{Score: float64(time.Now().Add(-time.Millisecond).UnixMilli()), Member: "due"}).Err())
	require.NoError(t, rdb.ZAdd(ctx, k.Delayed, redis.Z{Score: float64(time.Now().Add(time.Hour).UnixMilli()), Member: "later"}).Err())

	rt := New(rdb, Config{Queues: map[string]int{k.Name: 1}}, noop)
	rt.Start()
	defer rt.Stop()

	require.Eventually(t, func() bool {
		items, _ := rdb.LRange(ctx, k.Pending, 0, -1).Result()
		return len(items) == 1 && items[0] == "due"
	}, 2*time.Second, 20*time.Millisecond)
	n, _ := rdb.ZCard(ctx, k.Delayed).Result()
	require.Equal(t, int64(1), n)
}

func TestRuntime_Expirer_MovesUnstartedToDead(t *testing.T) {
	rdb := newMini(t)
	ctx := context.Background()
	k := ikeys.For("qexp")

	require.NoError(t, rdb.ZAdd(ctx, k.Expiry, redis.Z{Score: float64(time.Now().Add(-time.Millisecond).UnixMilli()), Member: "mexp"}).Err())
	require.NoError(t, rdb.ZAdd(ctx, k.Delayed, redis.Z{Score: float64(time.Now().Add(10 * time.Hour).UnixMilli()), Member: "mexp"}).Err())

	rt := New(rdb, Config{Queues: map[string]int{k.Name: 1}}, noop)
	rt.Start()
	defer rt.Stop()

	require.Eventually(t, func() bool {
		ld, _ := rdb.LLen(ctx, k.Dead).Result()
		return ld == 1
	}, 2*time.Second, 20*time.Millisecond)
	n, _ := rdb.ZCard(ctx, k.Expiry).Result()
	require.Zero(t, n)
}

func TestRuntime_Reclaimer_ReportsWorkerLost(t *testing.T) {
	rdb := newMini(t)
	ctx := context.Background()
	k := ikeys.For("qlease")

	raw := envelope("lost1", k.Name, `,"headers":{"job_uuid":"j-1"}`)
	require.NoError(t, rdb.ZAdd(ctx, k.Active, redis.Z{Score: float64(time.Now().Add(-time.Second).UnixMilli()), Member: raw}).Err())

	var got terminations
	var headers map[string]string
	var mu sync.Mutex
	hook := func(ctx context.Context, a Attempt, cause error) {
		mu.Lock()
		headers = a.Headers
		mu.Unlock()
		got.hook(ctx, a, cause)
	}
	rt := New(rdb, Config{Queues: map[string]int{k.Name: 1}, OnTerminated: hook}, noop)
	rt.Start()
	defer rt.Stop()

	require.Eventually(t, func() bool { return got.get("lost1") != nil }, 2*time.Second, 20*time.Millisecond)
	require.ErrorIs(t, got.get("lost1"), ErrWorkerLost)
	mu.Lock()
	require.Equal(t, "j-1", headers["job_uuid"])
	mu.Unlock()

	require.Equal(t, map[string]string{"lost1": ErrWorkerLost.Error()}, deadRecords(t, rdb, k))
	lp, _ := rdb.LLen(ctx, k.Pending).Result()
	require.Zero(t, lp, "lost attempts are not replayed")
}

func TestRuntime_WorkerLoop_Outcomes(t *testing.T) {
	rdb := newMini(t)
	ctx := context.Background()
	k := ikeys.For("qloop")

	for _, id := range []string{"ok", "skip", "retry", "plain"} {
		require.NoError(t, rdb.LPush(ctx, k.Pending, envelope(id, k.Name, "")).Err())
	}

	var mu sync.Mutex
	seen := map[string]*hctx.State{}
	exec := func(ctx context.Context, _ string, _ []byte) error {
		st, ok := hctx.From(ctx)
		if !ok {
			return errors.New("no state")
		}
		mu.Lock()
		seen[st.ID] = st
		mu.Unlock()
		switch st.ID {
		case "skip":
			return errors.Join(errors.New("permanent"), ErrSkipRetry)
		case "retry":
			return &RetryError{Err: errors.New("contention"), Delay: time.Hour, Headers: map[string]string{"job_uuid": "stable"}}
		case "plain":
			return errors.New("boom")
		}
		st.Progress = 100
		return nil
	}
	rt := New(rdb, Config{Queues: map[string]int{k.Name: 1}, Concurrency: 2}, exec)
	rt.Start()
	defer rt.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, 3*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		za, _ := rdb.ZCard(ctx, k.Active).Result()
		return za == 0
	}, 2*time.Second, 20*time.Millisecond)

	mu.Lock()
	require.NotEmpty(t, seen["ok"].AttemptID)
	require.NotEqual(t, seen["ok"].AttemptID, seen["plain"].AttemptID)
	mu.Unlock()

	sc, _ := rdb.ZCard(ctx, k.Succeeded).Result()
	require.Equal(t, int64(1), sc)

	dead := deadRecords(t, rdb, k)
	require.Len(t, dead, 1)
	require.Contains(t, dead["skip"], "permanent")

	delayed, _ := rdb.ZRangeWithScores(ctx, k.Delayed, 0, -1).Result()
	require.Len(t, delayed, 2)
	byID := map[string]redis.Z{}
	for _, z := range delayed {
		var rec struct {
			ID      string            `json:"id"`
			Retry   int               `json:"retry"`
			Headers map[string]string `json:"headers"`
		}
		require.NoError(t, sonic.UnmarshalString(z.Member.(string), &rec))
		require.Equal(t, 1, rec.Retry)
		if rec.ID == "retry" {
			require.Equal(t, "stable", rec.Headers["job_uuid"])
		}
		byID[rec.ID] = z
	}
	// The explicit delay wins over exponential backoff.
	require.Greater(t, byID["retry"].Score, byID["plain"].Score)
}

func TestRuntime_NoHandler_DeadLetters(t *testing.T) {
	rdb := newMini(t)
	ctx := context.Background()
	k := ikeys.For("qnohandler")
	require.NoError(t, rdb.LPush(ctx, k.Pending, envelope("nh", k.Name, "")).Err())

	exec := func(context.Context, string, []byte) error { return ErrNoHandler }
	rt := New(rdb, Config{Queues: map[string]int{k.Name: 1}, Concurrency: 1}, exec)
	rt.Start()
	defer rt.Stop()

	require.Eventually(t, func() bool { return deadRecords(t, rdb, k)["nh"] == "no handler" }, 2*time.Second, 20*time.Millisecond)
}

func TestRuntime_LeaseRenewedWhileRunning(t *testing.T) {
	rdb := newMini(t)
	ctx := context.Background()
	k := ikeys.For("qrenew")
	require.NoError(t, rdb.LPush(ctx, k.Pending, envelope("long", k.Name, "")).Err())

	var got terminations
	exec := func(ctx context.Context, _ string, _ []byte) error {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-time.After(900 * time.Millisecond):
			return nil
		}
	}
	rt := New(rdb, Config{
		Queues:        map[string]int{k.Name: 1},
		Concurrency:   1,
		VisibilityTTL: 150 * time.Millisecond,
		OnTerminated:  got.hook,
	}, exec)
	rt.Start()
	defer rt.Stop()

	require.Eventually(t, func() bool {
		sc, _ := rdb.ZCard(ctx, k.Succeeded).Result()
		return sc == 1
	}, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, got.get("long"))
	require.Empty(t, deadRecords(t, rdb, k))
}

func TestRuntime_TimeLimit_AbandonsAttempt(t *testing.T) {
	rdb := newMini(t)
	ctx := context.Background()
	k := ikeys.For("qlimit")
	require.NoError(t, rdb.LPush(ctx, k.Pending, envelope("slow", k.Name, "")).Err())

	var got terminations
	exec := func(ctx context.Context, _ string, _ []byte) error {
		<-ctx.Done()
		return context.Cause(ctx)
	}
	rt := New(rdb, Config{
		Queues:        map[string]int{k.Name: 1},
		Concurrency:   1,
		TaskTimeLimit: 100 * time.Millisecond,
		OnTerminated:  got.hook,
	}, exec)
	rt.Start()
	defer rt.Stop()

	require.Eventually(t, func() bool { return got.get("slow") != nil }, 2*time.Second, 20*time.Millisecond)
	require.ErrorIs(t, got.get("slow"), ErrTimeLimitExceeded)
	require.Equal(t, ErrTimeLimitExceeded.Error(), deadRecords(t, rdb, k)["slow"])
}

func TestRuntime_Terminate_CancelsRunningAttempt(t *testing.T) {
	rdb := newMini(t)
	ctx := context.Background()
	k := ikeys.For("qterm")
	require.NoError(t, rdb.LPush(ctx, k.Pending, envelope("victim", k.Name, "")).Err())

	started := make(chan struct{})
	var once sync.Once
	var got terminations
	exec := func(ctx context.Context, _ string, _ []byte) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return context.Cause(ctx)
	}
	rt := New(rdb, Config{Queues: map[string]int{k.Name: 1}, Concurrency: 1, OnTerminated: got.hook}, exec)
	rt.Start()
	defer rt.Stop()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("attempt did not start")
	}
	require.Equal(t, 1, rt.Running())
	require.NoError(t, rdb.Publish(ctx, ikeys.Control, "victim").Err())

	require.Eventually(t, func() bool { return got.get("victim") != nil }, 2*time.Second, 20*time.Millisecond)
	require.ErrorIs(t, got.get("victim"), ErrTerminated)
	require.Equal(t, ErrTerminated.Error(), deadRecords(t, rdb, k)["victim"])
}

func TestRuntime_Revoked_NeverStarts(t *testing.T) {
	rdb := newMini(t)
	ctx := context.Background()
	k := ikeys.For("qrevoked")
	require.NoError(t, rdb.SAdd(ctx, k.Revoked, "rv").Err())
	require.NoError(t, rdb.LPush(ctx, k.Pending, envelope("rv", k.Name, "")).Err())

	var calls int
	var mu sync.Mutex
	exec := func(context.Context, string, []byte) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}
	rt := New(rdb, Config{Queues: map[string]int{k.Name: 1}, Concurrency: 1}, exec)
	rt.Start()
	defer rt.Stop()

	require.Eventually(t, func() bool { return deadRecords(t, rdb, k)["rv"] == ErrTerminated.Error() }, 2*time.Second, 20*time.Millisecond)
	mu.Lock()
	require.Zero(t, calls)
	mu.Unlock()
	member, _ := rdb.SIsMember(ctx, k.Revoked, "rv").Result()
	require.False(t, member)
}

func TestRuntime_ConfigGetters(t *testing.T) {
	rdb := newMini(t)
	rt := New(rdb, Config{Queues: map[string]int{"a": 2, "b": 3}, Concurrency: 7}, noop)
	require.Equal(t, 7, rt.CfgConcurrency())
	require.Len(t, rt.CfgQueues(), 2)
	require.Len(t, expandQueues(rt.CfgQueues()), 5)
}
