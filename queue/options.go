package queue

import "time"

type options struct {
	id           string
	delay        time.Duration
	maxRetry     int
	retryDelay   time.Duration
	retention    time.Duration
	errRetention time.Duration
	deadlineMs   int64
	keepUnique   bool
	headers      map[string]string

	errRetentionSet bool
}

// Option configures a task during Enqueue or RetryDead.
type Option func(*options)

func newOptions(opts []Option) *options {
	cfg := &options{errRetention: -1 * time.Second}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// TaskID sets a custom ID for the task. If not provided, a random UUID will be generated.
func TaskID(id string) Option {
	return func(o *options) { o.id = id }
}

// Delay schedules the task to be executed after the specified duration.
func Delay(d time.Duration) Option {
	return func(o *options) { o.delay = d }
}

// MaxRetry sets how many retries follow the first attempt.
func MaxRetry(n int) Option {
	return func(o *options) { o.maxRetry = n }
}

// RetryDelay fixes the delay between retries instead of exponential backoff.
func RetryDelay(d time.Duration) Option {
	return func(o *options) { o.retryDelay = d }
}

// Retention sets how long the task is kept in the Succeeded state.
func Retention(d time.Duration) Option {
	return func(o *options) { o.retention = d }
}

// RetentionError sets how long the task is kept in the Dead state.
// Zero drops it immediately after final failure, negative keeps it forever (default).
func RetentionError(d time.Duration) Option {
	return func(o *options) {
		o.errRetention = d
		o.errRetentionSet = true
	}
}

// ExpireIn sets a relative deadline after which the task is not started.
func ExpireIn(d time.Duration) Option {
	return func(o *options) { o.deadlineMs = time.Now().Add(d).UnixMilli() }
}

// Deadline sets an absolute deadline after which the task is not started.
func Deadline(t time.Time) Option {
	return func(o *options) {
		if !t.IsZero() {
			o.deadlineMs = t.UnixMilli()
		}
	}
}

// WithKeepUniqueLock keeps the uniqueness lock for the task ID after DeleteTask,
// unless the task had reached Succeeded.
func WithKeepUniqueLock() Option {
	return func(o *options) { o.keepUnique = true }
}

// Header attaches a header that travels with every attempt of the task.
func Header(name, value string) Option {
	return func(o *options) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[name] = value
	}
}
