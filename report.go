package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/UniQw/uniqw-jobs/bus"
	"github.com/UniQw/uniqw-jobs/queue"
	"github.com/redis/go-redis/v9"
)

// Task types handled by the worker.
const (
	TaskName   = "jobs.task"
	ReportName = "jobs.report"
)

// enqueuer is the part of queue.Client the App dispatches through.
type enqueuer interface {
	Enqueue(ctx context.Context, queue, taskType string, payload any, opts ...queue.Option) (string, error)
}

// reportTask is the payload of a ReportName task.
type reportTask struct {
	Tenant  string      `json:"tenant"`
	UID     int64       `json:"uid"`
	JobUUID string      `json:"job_uuid"`
	Message bus.Message `json:"message"`
}

// Notifier publishes job notifications. Terminal reports travel as
// retryable tasks on the notifications queue; progress reports are
// published right away. Every publish goes through the bus, never the
// cursor of the job.
type Notifier struct {
	pub     bus.Publisher
	prefix  string
	ranges  RangeStore
	queue   enqueuer
	lane    string
	retries int
	delay   time.Duration
	log     Logger
}

// ReportSuccess announces the result of a job.
func (n *Notifier) ReportSuccess(ctx context.Context, tenant string, uid int64, jobUUID string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("jobs: encode result of job %s: %w", jobUUID, err)
	}
	return n.terminal(ctx, tenant, uid, jobUUID, bus.Message{Status: bus.StatusSuccess, Result: raw})
}

// ReportFailure announces that a job failed with err.
func (n *Notifier) ReportFailure(ctx context.Context, tenant string, uid int64, jobUUID string, err error) error {
	msg := bus.Message{Status: bus.StatusFailure, Message: SerializeError(err)}
	var pe *PanicError
	if errors.As(err, &pe) {
		msg.Traceback = string(pe.Stack)
	}
	return n.terminal(ctx, tenant, uid, jobUUID, msg)
}

// ReportCancelled announces that a job was cancelled.
func (n *Notifier) ReportCancelled(ctx context.Context, tenant string, uid int64, jobUUID string) error {
	return n.terminal(ctx, tenant, uid, jobUUID, bus.Message{Status: bus.StatusCancelled})
}

func (n *Notifier) terminal(ctx context.Context, tenant string, uid int64, jobUUID string, msg bus.Message) error {
	if n.queue == nil {
		return n.publish(ctx, tenant, jobUUID, msg)
	}
	_, err := n.queue.Enqueue(ctx, n.lane, ReportName,
		reportTask{Tenant: tenant, UID: uid, JobUUID: jobUUID, Message: msg},
		queue.MaxRetry(n.retries),
		queue.RetryDelay(n.delay),
		queue.Header(jobUUIDHeader, jobUUID),
	)
	if err == nil {
		return nil
	}
	n.log.Warnf("report enqueue failed, publishing directly: job=%s status=%s err=%v", jobUUID, msg.Status, err)
	return n.publish(ctx, tenant, jobUUID, msg)
}

// Progress publishes a progress report. A range that is incomplete or
// empty is dropped, and so is one that differs from the range already
// settled for the job.
func (n *Notifier) Progress(ctx context.Context, tenant, jobUUID string, r Report) error {
	msg := bus.Message{Status: r.Status, Progress: r.Progress}
	if r.Message != "" {
		msg.Message = r.Message
	}
	if r.ValueMin != nil && r.ValueMax != nil && *r.ValueMin < *r.ValueMax {
		ok, err := n.ranges.Settle(ctx, jobUUID, *r.ValueMin, *r.ValueMax)
		if err != nil {
			n.log.Warnf("progress range check failed: job=%s err=%v", jobUUID, err)
		} else if ok {
			msg.ValueMin, msg.ValueMax = r.ValueMin, r.ValueMax
		}
	}
	return n.publish(ctx, tenant, jobUUID, msg)
}

func (n *Notifier) publish(ctx context.Context, tenant, jobUUID string, msg bus.Message) error {
	if err := n.pub.Publish(ctx, tenant, bus.ProgressChannel(n.prefix, jobUUID), msg); err != nil {
		return err
	}
	if msg.Status.Terminal() {
		return n.pub.Publish(ctx, tenant, bus.StatusChannel(n.prefix, jobUUID), msg)
	}
	return nil
}

// handleReport runs a ReportName task. Errors go back to the queue, which
// retries with the fixed notification delay.
func (n *Notifier) handleReport(ctx context.Context, payload []byte) error {
	var t reportTask
	if err := decodeAPI.Unmarshal(payload, &t); err != nil {
		return fmt.Errorf("jobs: bad report payload: %v: %w", err, queue.SkipRetry)
	}
	if err := n.publish(ctx, t.Tenant, t.JobUUID, t.Message); err != nil {
		n.log.Warnf("report failed: job=%s status=%s err=%v", t.JobUUID, t.Message.Status, err)
		return err
	}
	n.log.Debugf("reported: job=%s status=%s", t.JobUUID, t.Message.Status)
	return nil
}

// SerializeError converts err to its transport form.
func SerializeError(err error) *bus.SerializedError {
	if err == nil {
		return nil
	}
	se := &bus.SerializedError{Name: errorName(err), Message: err.Error()}
	var pe *PanicError
	if errors.As(err, &pe) {
		se.Debug = string(pe.Stack)
	} else {
		se.Debug = fmt.Sprintf("%+v", err)
	}
	var fe *FingerprintedError
	if errors.As(err, &fe) {
		se.Fingerprint = append([]string(nil), fe.Fingerprint...)
	}
	return se
}

// RangeStore settles the progress range of a job: the first pair offered
// wins and later ones must match it.
type RangeStore interface {
	Settle(ctx context.Context, jobUUID string, lo, hi int64) (bool, error)
}

// rangeTTL bounds how long a settled range outlives its job.
const rangeTTL = 24 * time.Hour

type redisRanges struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisRanges keeps settled ranges in Redis so every worker of a job
// agrees on them.
func NewRedisRanges(rdb redis.UniversalClient, prefix string) RangeStore {
	if prefix == "" {
		prefix = bus.DefaultPrefix
	}
	return &redisRanges{rdb: rdb, prefix: prefix}
}

func (r *redisRanges) Settle(ctx context.Context, jobUUID string, lo, hi int64) (bool, error) {
	key := r.prefix + ":range:" + jobUUID
	val := strconv.FormatInt(lo, 10) + ":" + strconv.FormatInt(hi, 10)
	ok, err := r.rdb.SetNX(ctx, key, val, rangeTTL).Result()
	if err != nil || ok {
		return ok, err
	}
	cur, err := r.rdb.Get(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return cur == val, nil
}

type memoryRanges struct {
	mu sync.Mutex
	m  map[string][2]int64
}

// NewMemoryRanges keeps settled ranges in process.
func NewMemoryRanges() RangeStore {
	return &memoryRanges{m: make(map[string][2]int64)}
}

func (r *memoryRanges) Settle(_ context.Context, jobUUID string, lo, hi int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pair := [2]int64{lo, hi}
	cur, ok := r.m[jobUUID]
	if !ok {
		r.m[jobUUID] = pair
		return true, nil
	}
	return cur == pair, nil
}

type notifierKey struct{}

func withNotifier(ctx context.Context, n *Notifier) context.Context {
	return context.WithValue(ctx, notifierKey{}, n)
}

func notifierFrom(ctx context.Context) *Notifier {
	n, _ := ctx.Value(notifierKey{}).(*Notifier)
	return n
}
