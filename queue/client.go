package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	ikeys "github.com/UniQw/uniqw-jobs/internal/keys"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// revokedTTL bounds how long a terminate request for a task that never
// showed up is remembered.
const revokedTTL = 24 * time.Hour

// Client provides APIs to enqueue and manage tasks in Redis.
type Client struct {
	rdb     redis.UniversalClient
	encoder Encoder
}

// NewClient creates a new queue client.
func NewClient(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb, encoder: &JSONEncoder{}}
}

// Enqueue adds a new task to the specified queue and returns its ID.
// It returns ErrDuplicateTask if the task ID (explicit or generated) already exists in the queue.
func (c *Client) Enqueue(ctx context.Context, queue, taskType string, payload any, opts ...Option) (string, error) {
	data, err := c.encoder.Encode(payload)
	if err != nil {
		return "", err
	}
	cfg := newOptions(opts)

	id := cfg.id
	if id == "" {
		id = uuid.NewString()
	}

	k := ikeys.For(queue)
	ok, err := c.rdb.SAdd(ctx, k.Unique, id).Result()
	if err != nil {
		return "", err
	}
	if ok == 0 {
		return "", ErrDuplicateTask
	}

	rt := Task{
		ID:           id,
		Type:         taskType,
		Queue:        queue,
		Payload:      data,
		Headers:      cfg.headers,
		MaxRetry:     cfg.maxRetry,
		RetryDelayMs: cfg.retryDelay.Milliseconds(),
		Retention:    int64(cfg.retention.Seconds()),
		ErrRetention: int64(cfg.errRetention.Seconds()),
		CreatedAt:    time.Now().UnixMilli(),
		DeadlineMs:   cfg.deadlineMs,
	}
	raw, err := c.encoder.Encode(rt)
	if err != nil {
		_ = c.rdb.SRem(ctx, k.Unique, id).Err()
		return "", err
	}

	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		schedule(ctx, p, k, raw, cfg.delay)
		if cfg.deadlineMs > 0 {
			p.ZAdd(ctx, k.Expiry, redis.Z{Score: float64(cfg.deadlineMs), Member: raw})
		}
		return nil
	})
	if err != nil {
		// Rollback uniqueness on failure
		_ = c.rdb.SRem(ctx, k.Unique, id).Err()
		return "", err
	}
	return id, nil
}

// schedule puts raw into pending now, or into delayed with a millisecond score.
func schedule(ctx context.Context, p redis.Pipeliner, k ikeys.Queue, raw []byte, delay time.Duration) {
	if delay > 0 {
		p.ZAdd(ctx, k.Delayed, redis.Z{Score: float64(time.Now().Add(delay).UnixMilli()), Member: raw})
		return
	}
	p.LPush(ctx, k.Pending, raw)
}

// TaskFilter is a function used to filter tasks during ListTasks.
type TaskFilter func(*Task) bool

func stateKey(k ikeys.Queue, state State) (string, error) {
	switch state {
	case StatePending:
		return k.Pending, nil
	case StateActive:
		return k.Active, nil
	case StateDelayed:
		return k.Delayed, nil
	case StateSucceeded:
		return k.Succeeded, nil
	case StateDead:
		return k.Dead, nil
	default:
		return "", ErrUnknownState
	}
}

// ListTasks returns the tasks in a specific state for the given queue.
func (c *Client) ListTasks(ctx context.Context, queue string, state State, filter TaskFilter) ([]*Task, error) {
	found, err := c.list(ctx, ikeys.For(queue), state, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(found))
	for _, f := range found {
		out = append(out, f.task)
	}
	return out, nil
}

type stored struct {
	task *Task
	raw  string
}

// list keeps the raw member next to the decoded task so removals match the
// exact bytes stored in Redis.
func (c *Client) list(ctx context.Context, k ikeys.Queue, state State, filter TaskFilter) ([]stored, error) {
	key, err := stateKey(k, state)
	if err != nil {
		return nil, err
	}
	typ, err := c.rdb.Type(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	var strs []string
	switch typ {
	case "none":
		return nil, nil
	case "list":
		strs, err = c.rdb.LRange(ctx, key, 0, -1).Result()
	case "zset":
		strs, err = c.rdb.ZRange(ctx, key, 0, -1).Result()
	default:
		return nil, fmt.Errorf("unsupported redis type: %s", typ)
	}
	if err != nil {
		return nil, err
	}

	out := make([]stored, 0, len(strs))
	for _, s := range strs {
		var t Task
		if err := c.encoder.Decode([]byte(s), &t); err != nil {
			continue
		}
		if filter == nil || filter(&t) {
			out = append(out, stored{task: &t, raw: s})
		}
	}
	return out, nil
}

func (c *Client) find(ctx context.Context, k ikeys.Queue, id string, states []State) (*stored, State, error) {
	byID := func(t *Task) bool { return t.ID == id }
	for _, s := range states {
		found, err := c.list(ctx, k, s, byID)
		if err != nil {
			return nil, "", err
		}
		if len(found) > 0 {
			return &found[0], s, nil
		}
	}
	return nil, "", ErrTaskNotFound
}

// Find looks a task up by ID among the pending, delayed and active tasks of
// a queue. Finished tasks are not reported, they can no longer be terminated.
func (c *Client) Find(ctx context.Context, queue, id string) (*Task, State, error) {
	f, s, err := c.find(ctx, ikeys.For(queue), id, []State{StateActive, StatePending, StateDelayed})
	if err != nil {
		return nil, "", err
	}
	return f.task, s, nil
}

// Terminate stops a task by ID. Waiting copies are removed, a running attempt
// is cancelled through the control channel, and the id is revoked so a copy
// dequeued later never starts.
func (c *Client) Terminate(ctx context.Context, queue, id string) error {
	k := ikeys.For(queue)
	f, state, err := c.find(ctx, k, id, []State{StatePending, StateDelayed})
	if err != nil && err != ErrTaskNotFound {
		return err
	}
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if f != nil {
			c.remove(ctx, p, k, f, state)
		}
		p.SAdd(ctx, k.Revoked, id)
		p.Expire(ctx, k.Revoked, revokedTTL)
		p.Publish(ctx, ikeys.Control, id)
		return nil
	})
	return err
}

// remove queues the commands that drop a stored member from its state.
func (c *Client) remove(ctx context.Context, p redis.Pipeliner, k ikeys.Queue, f *stored, state State) {
	switch state {
	case StatePending, StateDead:
		key, _ := stateKey(k, state)
		p.LRem(ctx, key, 1, f.raw)
	default:
		key, _ := stateKey(k, state)
		p.ZRem(ctx, key, f.raw)
	}
	if state.Waiting() && f.task.DeadlineMs > 0 {
		p.ZRem(ctx, k.Expiry, f.raw)
	}
	if state == StateDead {
		p.ZRem(ctx, k.DeadExpiry, f.raw)
	}
}

// DeleteTask removes a task from the specified queue by its ID.
// It searches the pending, delayed, succeeded and dead states and removes the first match.
func (c *Client) DeleteTask(ctx context.Context, queue string, id string, opts ...Option) error {
	cfg := newOptions(opts)
	k := ikeys.For(queue)

	f, state, err := c.find(ctx, k, id, []State{StatePending, StateDelayed, StateSucceeded, StateDead})
	if err == ErrTaskNotFound {
		if a, _, _ := c.find(ctx, k, id, []State{StateActive}); a != nil {
			return ErrActiveState
		}
		return ErrTaskNotFound
	}
	if err != nil {
		return err
	}

	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		c.remove(ctx, p, k, f, state)
		if !cfg.keepUnique && state != StateSucceeded {
			p.SRem(ctx, k.Unique, id)
		}
		return nil
	})
	return err
}

// RetryDead moves a task from the Dead list back to Pending or Delayed state.
// It resets retry counts and errors. Retention settings may be overridden.
func (c *Client) RetryDead(ctx context.Context, queue string, id string, opts ...Option) error {
	k := ikeys.For(queue)
	f, _, err := c.find(ctx, k, id, []State{StateDead})
	if err != nil {
		return err
	}
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}

	t := f.task
	t.Retry = 0
	t.LastError = ""
	t.LastErrorAt = 0
	t.CompletedAt = 0
	if cfg.retention != 0 {
		t.Retention = int64(cfg.retention.Seconds())
	}
	if cfg.errRetention != 0 {
		t.ErrRetention = int64(cfg.errRetention.Seconds())
	}
	if cfg.deadlineMs > 0 {
		t.DeadlineMs = cfg.deadlineMs
	}
	rawNew, err := c.encoder.Encode(t)
	if err != nil {
		return err
	}

	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		c.remove(ctx, p, k, f, StateDead)
		p.SRem(ctx, k.Revoked, id)
		schedule(ctx, p, k, rawNew, cfg.delay)
		if t.DeadlineMs > 0 {
			p.ZAdd(ctx, k.Expiry, redis.Z{Score: float64(t.DeadlineMs), Member: rawNew})
		}
		return nil
	})
	return err
}

// ExtractQueueName parses a queue name from a raw Redis key (e.g. "uniqw:{jobs-1.default}:pending").
// It returns an empty string if the format is invalid.
func ExtractQueueName(key string) string {
	start := strings.Index(key, "{")
	if start == -1 {
		return ""
	}
	end := strings.Index(key, "}")
	if end == -1 || end <= start+1 {
		return ""
	}
	return key[start+1 : end]
}
