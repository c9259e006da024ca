// Package jobs runs methods of tenant records in background workers.
//
// A call bound to records (Env.Browse(...).Call(...)) becomes a Signature,
// travels through a Redis queue, and is executed by a worker on a fresh
// tenant cursor. Lock contention is retried, everything else fails once.
// Whoever follows the job listens to its bus channels.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/UniQw/uniqw-jobs/bus"
	"github.com/UniQw/uniqw-jobs/config"
	"github.com/UniQw/uniqw-jobs/queue"
	"github.com/UniQw/uniqw-jobs/until"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Logger is the logging contract shared with the queue.
type Logger = queue.Logger

// Options configures an App. Zero values take the defaults of config.Defaults.
// A zero SoftTimeLimit follows TimeLimit, and a zero VisibilityTTL is at
// least twice TimeLimit.
type Options struct {
	// Redis is the broker. Without it every call runs inline.
	Redis     redis.UniversalClient
	Datastore Datastore
	// Bus carries notifications; defaults to Redis pub/sub.
	Bus       bus.Publisher
	Registry  *Registry
	Namespace Namespace
	// Queues maps bare queue names to worker weights. The default and
	// notifications queues are always served.
	Queues        map[string]int
	Concurrency   int
	VisibilityTTL time.Duration
	SoftTimeLimit time.Duration
	TimeLimit     time.Duration

	MaxAttempts     int
	RetryMinBackoff time.Duration
	NotifyRetries   int
	NotifyDelay     time.Duration
	ChannelPrefix   string

	Logger Logger
	// TestMode runs every deferred call inline.
	TestMode bool
}

// OptionsFromConfig maps loaded settings to Options. Connections are left
// to the caller.
func OptionsFromConfig(c *config.Config) Options {
	return Options{
		Namespace:       Namespace{Product: c.Product, MajorVersion: c.MajorVersion},
		Queues:          maps.Clone(c.Worker.Queues),
		Concurrency:     c.Worker.Concurrency,
		VisibilityTTL:   c.Worker.VisibilityTTL,
		SoftTimeLimit:   c.Worker.SoftTimeLimit,
		TimeLimit:       c.Worker.TimeLimit,
		MaxAttempts:     c.Jobs.MaxAttempts,
		RetryMinBackoff: c.Jobs.RetryMinBackoff,
		NotifyRetries:   c.Notifications.Retries,
		NotifyDelay:     c.Notifications.Delay,
		ChannelPrefix:   c.Jobs.ChannelPrefix,
	}
}

func (o *Options) setDefaults() {
	d := config.Defaults()
	if o.Namespace.Product == "" {
		o.Namespace = DefaultNamespace
	}
	if o.Concurrency <= 0 {
		o.Concurrency = d.Worker.Concurrency
	}
	if o.TimeLimit <= 0 {
		o.TimeLimit = d.Worker.TimeLimit
	}
	if o.SoftTimeLimit <= 0 {
		// Keep the default gap below the hard limit; a hard limit shorter
		// than the gap leaves no soft limit.
		o.SoftTimeLimit = o.TimeLimit - (d.Worker.TimeLimit - d.Worker.SoftTimeLimit)
		if o.SoftTimeLimit < 0 {
			o.SoftTimeLimit = 0
		}
	}
	if o.VisibilityTTL <= 0 {
		o.VisibilityTTL = max(d.Worker.VisibilityTTL, 2*o.TimeLimit)
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.Jobs.MaxAttempts
	}
	if o.RetryMinBackoff <= 0 {
		o.RetryMinBackoff = d.Jobs.RetryMinBackoff
	}
	if o.NotifyRetries <= 0 {
		o.NotifyRetries = d.Notifications.Retries
	}
	if o.NotifyDelay <= 0 {
		o.NotifyDelay = d.Notifications.Delay
	}
	if o.ChannelPrefix == "" {
		o.ChannelPrefix = d.Jobs.ChannelPrefix
	}
	if o.Registry == nil {
		o.Registry = NewRegistry()
	}
	if o.Logger == nil {
		o.Logger = queue.NewFmtLogger()
	}
}

// broker is the part of queue.Client the App uses.
type broker interface {
	enqueuer
	Find(ctx context.Context, queue, id string) (*queue.Task, queue.State, error)
	Terminate(ctx context.Context, queue, id string) error
}

// App ties the registry, the datastore, the queue and the bus together.
type App struct {
	opts     Options
	log      Logger
	broker   broker
	weights  map[string]int
	queues   []string
	notifier *Notifier
	runner   *Runner
	sleep    func(ctx context.Context, d time.Duration) error
}

// New builds an App.
func New(opts Options) (*App, error) {
	opts.setDefaults()
	if opts.Datastore == nil {
		return nil, errors.New("jobs: no datastore")
	}
	if opts.VisibilityTTL <= opts.TimeLimit {
		return nil, fmt.Errorf("jobs: visibility ttl (%s) must exceed the time limit (%s)", opts.VisibilityTTL, opts.TimeLimit)
	}
	if opts.SoftTimeLimit >= opts.TimeLimit {
		return nil, fmt.Errorf("jobs: soft time limit (%s) must be below the time limit (%s)", opts.SoftTimeLimit, opts.TimeLimit)
	}
	a := &App{opts: opts, log: opts.Logger, sleep: sleepCtx}

	a.weights = map[string]int{opts.Namespace.Default(): 1, opts.Namespace.Notifications(): 1}
	for name, w := range opts.Queues {
		a.weights[opts.Namespace.Queue(name)] = w
	}
	for q := range a.weights {
		a.queues = append(a.queues, q)
	}
	sort.Strings(a.queues)

	pub := opts.Bus
	ranges := NewMemoryRanges()
	if opts.Redis != nil {
		a.broker = queue.NewClient(opts.Redis)
		ranges = NewRedisRanges(opts.Redis, opts.ChannelPrefix)
		if pub == nil {
			pub = bus.NewRedisBus(opts.Redis)
		}
	}
	if pub == nil {
		return nil, errors.New("jobs: no bus")
	}
	a.notifier = &Notifier{
		pub:     pub,
		prefix:  opts.ChannelPrefix,
		ranges:  ranges,
		lane:    opts.Namespace.Notifications(),
		retries: opts.NotifyRetries,
		delay:   opts.NotifyDelay,
		log:     opts.Logger,
	}
	if a.broker != nil {
		a.notifier.queue = a.broker
	}
	a.runner = &Runner{
		reg:         opts.Registry,
		store:       opts.Datastore,
		notifier:    a.notifier,
		maxAttempts: opts.MaxAttempts,
		minBackoff:  opts.RetryMinBackoff,
		log:         opts.Logger,
	}
	return a, nil
}

// Registry returns the method registry.
func (a *App) Registry() *Registry { return a.opts.Registry }

// Notifier returns the notifier used by jobs of a.
func (a *App) Notifier() *Notifier { return a.notifier }

// Queues lists the qualified queues served by a.
func (a *App) Queues() []string { return append([]string(nil), a.queues...) }

func (a *App) lane(name string) string {
	if name == "" {
		return a.opts.Namespace.Default()
	}
	return a.opts.Namespace.Queue(name)
}

// Server builds the worker: job and report handlers on every queue, plus
// the termination observer.
func (a *App) Server() (*queue.Server, error) {
	if a.opts.Redis == nil {
		return nil, ErrNoQueue
	}
	mux := queue.NewMux()
	mux.Handle(TaskName, a.handleTask)
	mux.Handle(ReportName, a.notifier.handleReport)
	srv := queue.NewServer(a.opts.Redis, queue.ServerConfig{
		Queues:        maps.Clone(a.weights),
		Concurrency:   a.opts.Concurrency,
		VisibilityTTL: a.opts.VisibilityTTL,
		TaskTimeLimit: a.opts.TimeLimit,
		Logger:        a.log,
	}, mux)
	srv.OnTerminated(a.terminated)
	return srv, nil
}

// Run serves jobs until ctx is done.
func (a *App) Run(ctx context.Context) error {
	srv, err := a.Server()
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

func (a *App) handleTask(ctx context.Context, payload []byte) error {
	req, _ := queue.RequestFrom(ctx)
	sig, err := DecodeSignature(payload)
	if err != nil {
		a.log.Errorf("dropping job: id=%s err=%v", req.ID, err)
		return failed{err}
	}
	jobUUID := req.Header(jobUUIDHeader)
	if jobUUID == "" {
		jobUUID = req.ID
	}
	if jobUUID == "" {
		jobUUID = uuid.NewString()
	}
	if a.opts.SoftTimeLimit > 0 {
		var sl *until.SoftLimit
		ctx, sl = until.WithSoftLimit(ctx, a.opts.SoftTimeLimit)
		defer sl.Stop()
	}

	out := a.runner.Run(ctx, Attempt{
		Signature: sig,
		JobUUID:   jobUUID,
		TaskID:    req.ID,
		AttemptID: req.AttemptID,
		Retry:     req.Retry,
	})
	switch out.Kind {
	case OutcomeSuccess:
		if err := queue.SetResult(ctx, out.Value); err != nil {
			a.log.Warnf("job result not stored: job=%s err=%v", jobUUID, err)
		}
		a.dispatchThen(ctx, req.Header(thenHeader), jobUUID)
		return nil
	case OutcomeRetry:
		headers := maps.Clone(req.Headers)
		if headers == nil {
			headers = make(map[string]string, 1)
		}
		headers[jobUUIDHeader] = jobUUID
		return &queue.RetryError{Err: out.Err, Delay: out.Delay, Headers: headers}
	}
	return failed{out.Err}
}

// terminated reports jobs the worker killed or lost. Terminate requests
// are reported by Cancel.
func (a *App) terminated(ctx context.Context, t *queue.Task, cause error) {
	if t.Type != TaskName || errors.Is(cause, queue.ErrTerminated) {
		return
	}
	sig, err := DecodeSignature(t.Payload)
	if err != nil {
		a.log.Errorf("job failure detected, signature unreadable: id=%s cause=%v err=%v", t.ID, cause, err)
		return
	}
	jobUUID := t.Header(jobUUIDHeader)
	if jobUUID == "" {
		jobUUID = t.ID
	}
	a.log.Errorf("job failure detected: job=%s id=%s model=%s method=%s cause=%v", jobUUID, t.ID, sig.Model, sig.Method, cause)
	if err := a.notifier.ReportFailure(ctx, sig.DB, sig.UID, jobUUID, &WorkerError{Cause: cause}); err != nil {
		a.log.Errorf("failure report failed: job=%s err=%v", jobUUID, err)
	}
}
