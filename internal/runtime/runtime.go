package runtime

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/UniQw/uniqw-jobs/internal/hctx"
	ikeys "github.com/UniQw/uniqw-jobs/internal/keys"
	"github.com/UniQw/uniqw-jobs/internal/worker"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNoHandler indicates there is no handler for the task type; the runtime will move the task to dead without retry.
	ErrNoHandler = errors.New("no handler")
	// ErrSkipRetry dead-letters the task immediately when returned (wrapped) by a handler.
	ErrSkipRetry = errors.New("skip retry")
	// ErrTimeLimitExceeded is the cause used when an attempt outlives the hard time limit.
	ErrTimeLimitExceeded = errors.New("time limit exceeded")
	// ErrWorkerLost is the cause used when an active lease expires without an ack.
	ErrWorkerLost = errors.New("worker lost")
	// ErrTerminated is the cause used when a terminate request reaches a running attempt.
	ErrTerminated = errors.New("terminated")
)

// RetryError asks the runtime to schedule the next attempt after Delay.
// Headers, when set, replace the task headers for the next attempt.
type RetryError struct {
	Err     error
	Delay   time.Duration
	Headers map[string]string
}

func (e *RetryError) Error() string {
	if e.Err == nil {
		return "retry"
	}
	return e.Err.Error()
}

func (e *RetryError) Unwrap() error { return e.Err }

// Logger is a minimal logging interface used internally by the runtime.
// It mirrors the public logger in the queue package to avoid an import cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// Attempt describes one execution of a task as seen by lifecycle hooks.
type Attempt struct {
	ID        string
	AttemptID string
	Type      string
	Queue     string
	Payload   []byte
	Headers   map[string]string
	Retry     int
	MaxRetry  int
}

// TerminatedFunc observes attempts that ended without their handler returning.
type TerminatedFunc func(ctx context.Context, a Attempt, cause error)

type Config struct {
	Queues        map[string]int
	Concurrency   int
	VisibilityTTL time.Duration
	// TaskTimeLimit bounds one attempt. Zero disables the hard limit.
	TaskTimeLimit time.Duration
	OnTerminated  TerminatedFunc
	Logger        Logger
}

// Executor executes one attempt. Handler state is available through hctx.
type Executor func(ctx context.Context, taskType string, payload []byte) error

type Runtime struct {
	rdb       redis.UniversalClient
	cfg       Config
	exec      Executor
	wg        sync.WaitGroup
	mu        sync.Mutex
	started   bool
	ctx       context.Context
	cancel    context.CancelFunc
	queueList []string
	qmap      map[string]ikeys.Queue
	log       Logger

	runMu   sync.Mutex
	running map[string]context.CancelCauseFunc
}

// scheduleOneScript atomically moves one due item from delayed ZSET to pending LIST.
// It returns the moved member on success, or false/nil if none moved.
var scheduleOneScript = redis.NewScript(`
local dkey = KEYS[1]
local pkey = KEYS[2]
local now  = ARGV[1]
local items = redis.call('ZRANGEBYSCORE', dkey, '-inf', now, 'LIMIT', 0, 1)
if #items == 0 then return false end
local m = items[1]
local rem = redis.call('ZREM', dkey, m)
if rem == 1 then
  redis.call('LPUSH', pkey, m)
  return m
end
return false
`)

// expireOneScript atomically fails one expired job if it hasn't started yet.
// It tries to remove from delayed or pending, then pushes to dead and removes from expiry.
var expireOneScript = redis.NewScript(`
local xkey = KEYS[1] -- expiry
local dkey = KEYS[2] -- delayed
local pkey = KEYS[3] -- pending
local dekey = KEYS[4] -- dead
local now  = ARGV[1]
local items = redis.call('ZRANGEBYSCORE', xkey, '-inf', now, 'LIMIT', 0, 1)
if #items == 0 then return false end
local m = items[1]
local moved = redis.call('ZREM', dkey, m) == 1
if not moved then
  moved = redis.call('LREM', pkey, 1, m) > 0
end
if moved then
  redis.call('LPUSH', dekey, m)
end
-- not in delayed/pending means it already started; drop the index entry either way
redis.call('ZREM', xkey, m)
if moved then return m end
return false
`)

// New creates a new background runtime that manages workers and maintenance routines.
func New(rdb redis.UniversalClient, cfg Config, exec Executor) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	qmap := make(map[string]ikeys.Queue, len(cfg.Queues))
	for q := range cfg.Queues {
		qmap[q] = ikeys.For(q)
	}
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	if cfg.VisibilityTTL <= 0 {
		cfg.VisibilityTTL = 30 * time.Second
	}
	return &Runtime{
		rdb:       rdb,
		cfg:       cfg,
		exec:      exec,
		ctx:       ctx,
		cancel:    cancel,
		queueList: expandQueues(cfg.Queues),
		qmap:      qmap,
		log:       lg,
		running:   make(map[string]context.CancelCauseFunc),
	}
}

// Start launches workers and background maintenance goroutines.
func (rt *Runtime) Start() {
	rt.mu.Lock()
	if rt.started {
		rt.log.Warnf("runtime already started; ignoring Start()")
		rt.mu.Unlock()
		return
	}
	rt.started = true
	rt.mu.Unlock()
	rt.log.Infof("runtime starting: concurrency=%d queues=%d", rt.cfg.Concurrency, len(rt.cfg.Queues))

	// Subscribe before the workers start so no terminate request is missed.
	sub := rt.rdb.Subscribe(rt.ctx, ikeys.Control)
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.controlLoop(sub)
	}()

	for i := 0; i < rt.cfg.Concurrency; i++ {
		rt.wg.Add(1)
		seed := time.Now().UnixNano() + int64(i)
		rng := rand.New(rand.NewSource(seed))
		go func(r *rand.Rand) {
			defer rt.wg.Done()
			rt.workerLoop(r)
		}(rng)
	}

	for q := range rt.cfg.Queues {
		kset := rt.qmap[q]
		rt.every(time.Second, func() { rt.cleanSucceeded(kset) })
		rt.every(time.Second, func() { rt.cleanDead(kset) })
		rt.every(100*time.Millisecond, func() { rt.schedule(kset) })
		rt.every(200*time.Millisecond, func() { rt.reclaim(kset) })
		rt.every(100*time.Millisecond, func() { rt.expire(kset) })
	}
}

// Stop cancels the internal context and waits for all goroutines to exit.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if !rt.started {
		rt.log.Warnf("runtime not started; ignoring Stop()")
		rt.mu.Unlock()
		return
	}
	rt.started = false
	rt.mu.Unlock()
	rt.log.Infof("runtime stopping")

	rt.cancel()
	rt.wg.Wait()
}

// every runs fn on a ticker until the runtime stops.
func (rt *Runtime) every(d time.Duration, fn func()) {
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-rt.ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

func (rt *Runtime) cleanSucceeded(k ikeys.Queue) {
	nowMs := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := rt.rdb.ZRemRangeByScore(rt.ctx, k.Succeeded, "0", nowMs).Err(); err != nil {
		rt.log.Warnf("cleaner: sweep failed queue=%s err=%v", k.Name, err)
	}
}

// cleanDead purges expired entries from the dead list based on the index ZSET.
func (rt *Runtime) cleanDead(k ikeys.Queue) {
	nowMs := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := rt.rdb.ZRangeByScore(rt.ctx, k.DeadExpiry, &redis.ZRangeBy{Min: "0", Max: nowMs, Count: 256}).Result()
	if err != nil && err != redis.Nil {
		rt.log.Warnf("dead-cleaner: range failed queue=%s err=%v", k.Name, err)
		return
	}
	if len(members) == 0 {
		return
	}
	_, err = rt.rdb.TxPipelined(rt.ctx, func(p redis.Pipeliner) error {
		for _, m := range members {
			p.LRem(rt.ctx, k.Dead, 1, m)
			p.ZRem(rt.ctx, k.DeadExpiry, m)
		}
		return nil
	})
	if err != nil {
		rt.log.Warnf("dead-cleaner: purge failed queue=%s err=%v", k.Name, err)
	}
}

// schedule moves due tasks from delayed to pending.
func (rt *Runtime) schedule(k ikeys.Queue) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	for i := 0; i < 256; i++ {
		res, err := scheduleOneScript.Run(rt.ctx, rt.rdb, []string{k.Delayed, k.Pending}, now).Result()
		if err == redis.Nil || res == nil || res == false {
			return
		}
		if err != nil {
			rt.log.Warnf("scheduler: script failed queue=%s err=%v", k.Name, err)
			return
		}
	}
}

// reclaim dead-letters active tasks whose lease expired. A lease only
// expires when the worker holding it is gone, so the attempt is reported as
// lost instead of being replayed.
func (rt *Runtime) reclaim(k ikeys.Queue) {
	for i := 0; i < 256; i++ {
		t, raw, err := worker.ReclaimExpired(rt.ctx, rt.rdb, k, time.Now())
		if err != nil {
			rt.log.Warnf("reclaimer: claim failed queue=%s err=%v", k.Name, err)
			return
		}
		if t == nil {
			return
		}
		a := attemptOf(t, "")
		if e := worker.FailToDead(rt.ctx, rt.rdb, k, t, raw, ErrWorkerLost.Error()); e != nil {
			rt.log.Errorf("reclaimer: dead-letter failed id=%s queue=%s err=%v", t.ID, k.Name, e)
		}
		rt.log.Warnf("worker lost: id=%s type=%s queue=%s", t.ID, t.Type, k.Name)
		worker.Recycle(t)
		rt.terminated(a, ErrWorkerLost)
	}
}

// expire moves expired (not yet started) tasks to dead.
func (rt *Runtime) expire(k ikeys.Queue) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	for i := 0; i < 256; i++ {
		res, err := expireOneScript.Run(rt.ctx, rt.rdb, []string{k.Expiry, k.Delayed, k.Pending, k.Dead}, now).Result()
		if err == redis.Nil || res == nil || res == false {
			return
		}
		if err != nil {
			rt.log.Warnf("expirer: script failed queue=%s err=%v", k.Name, err)
			return
		}
	}
}

// controlLoop cancels running attempts named by terminate requests.
func (rt *Runtime) controlLoop(sub *redis.PubSub) {
	defer func() { _ = sub.Close() }()
	ch := sub.Channel()
	for {
		select {
		case <-rt.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			rt.runMu.Lock()
			cancel, found := rt.running[msg.Payload]
			rt.runMu.Unlock()
			if found {
				rt.log.Infof("terminate: id=%s", msg.Payload)
				cancel(ErrTerminated)
			}
		}
	}
}

func (rt *Runtime) workerLoop(rng *rand.Rand) {
	ql := rt.queueList
	if len(ql) == 0 {
		return
	}
	for {
		select {
		case <-rt.ctx.Done():
			return
		default:
		}

		queue := ql[rng.Intn(len(ql))]
		kset := rt.qmap[queue]
		taskObj, raw := worker.DequeueTask(rt.ctx, rt.rdb, kset, rt.cfg.VisibilityTTL)
		if taskObj == nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		rt.process(kset, taskObj, raw)
		worker.Recycle(taskObj)
	}
}

type outcome struct {
	err error
	st  *hctx.State
}

func (rt *Runtime) process(kset ikeys.Queue, taskObj *worker.Rec, raw []byte) {
	queue := kset.Name
	// Expiry guard: if deadline has passed, dead-letter without executing
	if taskObj.DeadlineMs > 0 && time.Now().UnixMilli() > taskObj.DeadlineMs {
		if e := worker.FailToDead(rt.ctx, rt.rdb, kset, taskObj, raw, "expired"); e != nil {
			rt.log.Errorf("expire->dead failed: id=%s type=%s queue=%s err=%v", taskObj.ID, taskObj.Type, queue, e)
		} else {
			rt.log.Warnf("expired: id=%s type=%s queue=%s", taskObj.ID, taskObj.Type, queue)
		}
		return
	}
	if worker.IsRevoked(rt.ctx, rt.rdb, kset, taskObj.ID) {
		if e := worker.FailToDead(rt.ctx, rt.rdb, kset, taskObj, raw, ErrTerminated.Error()); e != nil {
			rt.log.Errorf("revoked->dead failed: id=%s queue=%s err=%v", taskObj.ID, queue, e)
		} else {
			rt.log.Infof("revoked before start: id=%s type=%s queue=%s", taskObj.ID, taskObj.Type, queue)
		}
		return
	}

	taskObj.StartedAt = time.Now().UnixMilli()
	attempt := attemptOf(taskObj, uuid.NewString())
	st := &hctx.State{
		ID:        attempt.ID,
		AttemptID: attempt.AttemptID,
		Type:      attempt.Type,
		Queue:     attempt.Queue,
		Retry:     attempt.Retry,
		MaxRetry:  attempt.MaxRetry,
		Headers:   attempt.Headers,
	}

	actx, cancel := context.WithCancelCause(rt.ctx)
	defer cancel(nil)
	var limit <-chan time.Time
	if rt.cfg.TaskTimeLimit > 0 {
		timer := time.NewTimer(rt.cfg.TaskTimeLimit)
		defer timer.Stop()
		limit = timer.C
	}
	rt.runMu.Lock()
	rt.running[taskObj.ID] = cancel
	rt.runMu.Unlock()
	defer func() {
		rt.runMu.Lock()
		delete(rt.running, taskObj.ID)
		rt.runMu.Unlock()
	}()

	done := make(chan outcome, 1)
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r), st: st}
			}
		}()
		err := rt.exec(hctx.WithState(actx, st), taskObj.Type, taskObj.Payload)
		done <- outcome{err: err, st: st}
	}()

	// The lease is renewed while the attempt runs, so only a worker that
	// stopped renewing it is ever reported lost.
	lease := time.NewTicker(rt.leaseInterval())
	defer lease.Stop()

	var res outcome
wait:
	for {
		select {
		case res = <-done:
			break wait
		case <-lease.C:
			rt.extend(kset, taskObj.ID, raw)
		case <-limit:
			cancel(ErrTimeLimitExceeded)
			rt.abandon(kset, taskObj, raw, attempt, ErrTimeLimitExceeded)
			return
		case <-actx.Done():
			cause := context.Cause(actx)
			if errors.Is(cause, ErrTerminated) {
				rt.abandon(kset, taskObj, raw, attempt, ErrTerminated)
				return
			}
			// Shutdown: let the handler finish so the task is settled.
			res = <-done
			break wait
		}
	}

	taskObj.Progress = res.st.Progress
	taskObj.Result = res.st.Result
	rt.settle(kset, taskObj, raw, res.err)
}

func (rt *Runtime) leaseInterval() time.Duration {
	d := rt.cfg.VisibilityTTL / 3
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

func (rt *Runtime) extend(kset ikeys.Queue, id string, raw []byte) {
	ok, err := worker.ExtendLease(rt.ctx, rt.rdb, kset, raw, rt.cfg.VisibilityTTL)
	switch {
	case err != nil:
		rt.log.Warnf("lease renewal failed: id=%s queue=%s err=%v", id, kset.Name, err)
	case !ok:
		rt.log.Warnf("lease lost while running: id=%s queue=%s", id, kset.Name)
	}
}

// abandon stops waiting for an attempt that was killed from outside.
func (rt *Runtime) abandon(kset ikeys.Queue, taskObj *worker.Rec, raw []byte, a Attempt, cause error) {
	if e := worker.FailToDead(rt.ctx, rt.rdb, kset, taskObj, raw, cause.Error()); e != nil {
		rt.log.Errorf("dead-letter failed: id=%s type=%s queue=%s err=%v", taskObj.ID, taskObj.Type, kset.Name, e)
	}
	rt.log.Warnf("attempt ended: id=%s type=%s queue=%s cause=%v", taskObj.ID, taskObj.Type, kset.Name, cause)
	rt.terminated(a, cause)
}

func (rt *Runtime) settle(kset ikeys.Queue, taskObj *worker.Rec, raw []byte, err error) {
	queue := kset.Name
	if err == nil {
		if e := worker.Ack(rt.ctx, rt.rdb, kset, raw); e != nil {
			rt.log.Errorf("ack failed: id=%s type=%s queue=%s err=%v", taskObj.ID, taskObj.Type, queue, e)
		}
		if e := worker.TrackSucceededWithTTL(rt.ctx, rt.rdb, kset, taskObj); e != nil {
			rt.log.Warnf("track succeeded failed: id=%s type=%s queue=%s err=%v", taskObj.ID, taskObj.Type, queue, e)
		} else {
			rt.log.Debugf("processed: id=%s type=%s queue=%s", taskObj.ID, taskObj.Type, queue)
		}
		// Release de-dup lock on success so IDs do not accumulate forever.
		if e := rt.rdb.SRem(rt.ctx, kset.Unique, taskObj.ID).Err(); e != nil {
			rt.log.Warnf("unique unlock failed: id=%s queue=%s err=%v", taskObj.ID, queue, e)
		}
		return
	}

	var retry *RetryError
	switch {
	case errors.Is(err, ErrNoHandler):
		if e := worker.FailToDead(rt.ctx, rt.rdb, kset, taskObj, raw, "no handler"); e != nil {
			rt.log.Errorf("deadletter failed: id=%s type=%s queue=%s err=%v", taskObj.ID, taskObj.Type, queue, e)
		}
		rt.log.Warnf("no handler for task: id=%s type=%s queue=%s", taskObj.ID, taskObj.Type, queue)
	case errors.Is(err, ErrSkipRetry):
		if e := worker.FailToDead(rt.ctx, rt.rdb, kset, taskObj, raw, err.Error()); e != nil {
			rt.log.Errorf("deadletter failed: id=%s type=%s queue=%s err=%v", taskObj.ID, taskObj.Type, queue, e)
		}
		rt.log.Warnf("handler failed: id=%s type=%s queue=%s err=%v", taskObj.ID, taskObj.Type, queue, err)
	case errors.As(err, &retry):
		if retry.Headers != nil {
			taskObj.Headers = retry.Headers
		}
		if e := worker.RetryOrDead(rt.ctx, rt.rdb, kset, taskObj, raw, err.Error(), retry.Delay); e != nil {
			rt.log.Errorf("retry transition failed: id=%s type=%s queue=%s err=%v", taskObj.ID, taskObj.Type, queue, e)
		} else {
			rt.log.Infof("retry scheduled: id=%s type=%s queue=%s retry=%d delay=%s", taskObj.ID, taskObj.Type, queue, taskObj.Retry, retry.Delay)
		}
	default:
		if e := worker.RetryOrDead(rt.ctx, rt.rdb, kset, taskObj, raw, err.Error(), 0); e != nil {
			rt.log.Errorf("retry/dead transition failed: id=%s type=%s queue=%s err=%v", taskObj.ID, taskObj.Type, queue, e)
		} else {
			rt.log.Warnf("handler error: id=%s type=%s queue=%s err=%v", taskObj.ID, taskObj.Type, queue, err)
		}
	}
}

func (rt *Runtime) terminated(a Attempt, cause error) {
	if rt.cfg.OnTerminated == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			rt.log.Errorf("terminated hook panicked: id=%s panic=%v", a.ID, r)
		}
	}()
	rt.cfg.OnTerminated(rt.ctx, a, cause)
}

func attemptOf(t *worker.Rec, attemptID string) Attempt {
	var headers map[string]string
	if len(t.Headers) > 0 {
		headers = make(map[string]string, len(t.Headers))
		for k, v := range t.Headers {
			headers[k] = v
		}
	}
	return Attempt{
		ID:        t.ID,
		AttemptID: attemptID,
		Type:      t.Type,
		Queue:     t.Queue,
		Payload:   append([]byte(nil), t.Payload...),
		Headers:   headers,
		Retry:     t.Retry,
		MaxRetry:  t.MaxRetry,
	}
}

// Running reports how many attempts are executing right now.
func (rt *Runtime) Running() int {
	rt.runMu.Lock()
	defer rt.runMu.Unlock()
	return len(rt.running)
}

// CfgConcurrency exposes configured worker concurrency.
func (rt *Runtime) CfgConcurrency() int { return rt.cfg.Concurrency }

// CfgQueues exposes configured queues mapping.
func (rt *Runtime) CfgQueues() map[string]int { return rt.cfg.Queues }

func expandQueues(q map[string]int) []string {
	n := 0
	for _, w := range q {
		n += w
	}
	out := make([]string, 0, n)
	for name, weight := range q {
		for i := 0; i < weight; i++ {
			out = append(out, name)
		}
	}
	return out
}
