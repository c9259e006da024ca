package worker

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/UniQw/uniqw-jobs/internal/keys"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// Rec mirrors the queue envelope stored in Redis.
type Rec struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Queue        string            `json:"queue"`
	Payload      []byte            `json:"payload"`
	Headers      map[string]string `json:"headers,omitempty"`
	Retry        int               `json:"retry"`
	MaxRetry     int               `json:"max_retry"`
	RetryDelayMs int64             `json:"retry_delay_ms,omitempty"`
	Retention    int64             `json:"retention"`
	ErrRetention int64             `json:"err_retention,omitempty"`
	// Metadata
	CreatedAt   int64  `json:"created_at,omitempty"`
	DeadlineMs  int64  `json:"deadline_ms,omitempty"`
	StartedAt   int64  `json:"started_at,omitempty"`
	CompletedAt int64  `json:"completed_at,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	LastErrorAt int64  `json:"last_error_at,omitempty"`
	Progress    int    `json:"progress,omitempty"`
	Result      []byte `json:"result,omitempty"`
}

var taskPool = sync.Pool{New: func() any { return new(Rec) }}

// Atomic dequeue script: RPOP from pending and ZADD into active with a
// visibility deadline in milliseconds.
var dequeueScript = redis.NewScript(
	// language=Lua
	`
	local v = redis.call('RPOP', KEYS[1])
	if not v then return false end
	redis.call('ZADD', KEYS[2], ARGV[1], v)
	return v
	`,
)

// reclaimScript claims one active member whose lease expired. The caller
// decides where the claimed member goes.
var reclaimScript = redis.NewScript(
	// language=Lua
	`
	local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
	if #items == 0 then return false end
	if redis.call('ZREM', KEYS[1], items[1]) == 1 then
	  return items[1]
	end
	return false
	`,
)

// Recycle returns a Rec to the pool to reduce allocations.
func Recycle(t *Rec) {
	if t == nil {
		return
	}
	*t = Rec{}
	taskPool.Put(t)
}

// Decode parses a raw envelope into a pooled record.
func Decode(raw []byte) (*Rec, error) {
	t := taskPool.Get().(*Rec)
	if err := sonic.Unmarshal(raw, t); err != nil {
		Recycle(t)
		return nil, err
	}
	return t, nil
}

// DequeueTask atomically moves a task from the Pending list to the Active ZSET
// and returns the task object and its raw JSON representation.
func DequeueTask(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, ttl time.Duration) (*Rec, []byte) {
	expire := time.Now().Add(ttl).UnixMilli()
	res, err := dequeueScript.Run(ctx, rdb, []string{k.Pending, k.Active}, strconv.FormatInt(expire, 10)).Result()
	if err != nil || res == nil {
		return nil, nil
	}
	raw := asBytes(res)
	if raw == nil {
		return nil, nil
	}
	t, err := Decode(raw)
	if err != nil {
		// Unparseable member: drop it from active so it does not spin forever.
		_ = rdb.ZRem(ctx, k.Active, raw).Err()
		return nil, nil
	}
	return t, raw
}

// ReclaimExpired claims one active task whose visibility lease ended before now.
// It returns nil when nothing expired.
func ReclaimExpired(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, now time.Time) (*Rec, []byte, error) {
	res, err := reclaimScript.Run(ctx, rdb, []string{k.Active}, strconv.FormatInt(now.UnixMilli(), 10)).Result()
	if err == redis.Nil || res == nil {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	raw := asBytes(res)
	if raw == nil {
		return nil, nil, nil
	}
	t, err := Decode(raw)
	if err != nil {
		return nil, raw, err
	}
	return t, raw, nil
}

// extendScript moves the lease of an active member, and only of an active
// member: a settled or reclaimed task must not come back.
var extendScript = redis.NewScript(
	// language=Lua
	`
	if not redis.call('ZSCORE', KEYS[1], ARGV[2]) then return 0 end
	redis.call('ZADD', KEYS[1], 'XX', ARGV[1], ARGV[2])
	return 1
	`,
)

// ExtendLease pushes the visibility deadline of an active task to now+ttl.
// It reports false when the task is no longer active.
func ExtendLease(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, raw []byte, ttl time.Duration) (bool, error) {
	expire := time.Now().Add(ttl).UnixMilli()
	n, err := extendScript.Run(ctx, rdb, []string{k.Active}, strconv.FormatInt(expire, 10), raw).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// IsRevoked reports whether a terminate request was recorded for the task id.
func IsRevoked(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, id string) bool {
	ok, err := rdb.SIsMember(ctx, k.Revoked, id).Result()
	return err == nil && ok
}

// Ack removes a task from the Active ZSET after processing.
func Ack(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, raw []byte) error {
	return rdb.ZRem(ctx, k.Active, raw).Err()
}

// FailToDead moves a task from the Active ZSET to the Dead list.
func FailToDead(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, t *Rec, raw []byte, reason string) error {
	if reason != "" {
		t.LastError = reason
		t.LastErrorAt = time.Now().UnixMilli()
	}
	t.CompletedAt = time.Now().UnixMilli()
	newRaw := encodeJSON(finalize(t))
	_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, k.Active, raw)
		p.SRem(ctx, k.Revoked, t.ID)
		bury(ctx, p, k, t, raw, newRaw)
		return nil
	})
	return err
}

// TrackSucceededWithTTL moves a task to the Succeeded ZSET with an expiration TTL.
func TrackSucceededWithTTL(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, t *Rec) error {
	if t.Retention <= 0 {
		return nil
	}
	t.CompletedAt = time.Now().UnixMilli()
	newRaw := encodeJSON(finalize(t))
	expireMs := t.CompletedAt + (t.Retention * 1000)
	return rdb.ZAdd(ctx, k.Succeeded, redis.Z{Score: float64(expireMs), Member: newRaw}).Err()
}

// RetryOrDead either re-enqueues a task for retry in the Delayed ZSET or moves
// it to the Dead list once max retries are exhausted. A non-positive delay
// falls back to the task's own backoff.
func RetryOrDead(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, t *Rec, raw []byte, lastErr string, delay time.Duration) error {
	t.LastError = lastErr
	t.LastErrorAt = time.Now().UnixMilli()
	if t.Retry >= t.MaxRetry {
		t.CompletedAt = t.LastErrorAt
		newRaw := encodeJSON(finalize(t))
		_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRem(ctx, k.Active, raw)
			bury(ctx, p, k, t, raw, newRaw)
			return nil
		})
		return err
	}

	t.Retry++
	if delay <= 0 {
		delay = Backoff(t.Retry, t.RetryDelayMs)
	}
	// The retried member replaces the active one, so the expiry index follows it.
	newRaw := encodeJSON(finalize(t))
	next := time.Now().Add(delay).UnixMilli()
	_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, k.Active, raw)
		p.ZAdd(ctx, k.Delayed, redis.Z{Score: float64(next), Member: newRaw})
		if t.DeadlineMs > 0 {
			p.ZRem(ctx, k.Expiry, raw)
			p.ZAdd(ctx, k.Expiry, redis.Z{Score: float64(t.DeadlineMs), Member: newRaw})
		}
		return nil
	})
	return err
}

// Backoff is the delay before retry number n. A fixed per-task delay wins
// over the exponential default.
func Backoff(n int, fixedMs int64) time.Duration {
	if fixedMs > 0 {
		return time.Duration(fixedMs) * time.Millisecond
	}
	if n > 16 {
		n = 16
	}
	return time.Second * time.Duration(1<<n)
}

// bury queues the dead-list writes for a finished task. ErrRetention == 0
// drops the task; a positive value indexes it for purging.
func bury(ctx context.Context, p redis.Pipeliner, k keys.Queue, t *Rec, raw, newRaw []byte) {
	if t.DeadlineMs > 0 {
		p.ZRem(ctx, k.Expiry, raw)
	}
	if t.ErrRetention == 0 {
		return
	}
	p.LPush(ctx, k.Dead, newRaw)
	if t.ErrRetention > 0 {
		expireMs := time.Now().UnixMilli() + t.ErrRetention*1000
		p.ZAdd(ctx, k.DeadExpiry, redis.Z{Score: float64(expireMs), Member: newRaw})
	}
}

func finalize(t *Rec) *Rec {
	if t.Progress < 0 {
		t.Progress = 0
	} else if t.Progress > 100 {
		t.Progress = 100
	}
	return t
}

func asBytes(res any) []byte {
	switch v := res.(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return nil
	}
}

// encodeJSON encodes value using stdlib json.Marshal for lower latency in encoding.
func encodeJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
