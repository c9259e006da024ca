package queue

import (
	"context"
	"sync"
	"time"

	rtm "github.com/UniQw/uniqw-jobs/internal/runtime"
	"github.com/redis/go-redis/v9"
)

// TerminatedHook observes attempts that ended without their handler
// returning: hard time limit, lost worker or terminate request. The task
// carries the payload and headers of the attempt that was running.
type TerminatedHook func(ctx context.Context, task *Task, cause error)

// ServerConfig defines the configuration for a server.
type ServerConfig struct {
	// Queues defines the queues to process and their relative weights.
	Queues map[string]int
	// Concurrency is the number of worker goroutines.
	Concurrency int
	// VisibilityTTL is the duration for which a task is leased by a worker.
	// A lease that runs out means the worker is gone; the task is dead-lettered
	// and reported as lost.
	VisibilityTTL time.Duration
	// TaskTimeLimit is the hard limit for one attempt. Zero disables it.
	TaskTimeLimit time.Duration
	// Logger is the logger used for server events.
	Logger Logger
}

// Server processes tasks from Redis queues using workers.
type Server struct {
	rdb     redis.UniversalClient
	cfg     ServerConfig
	mux     *Mux
	log     Logger
	mu      sync.Mutex
	rt      *rtm.Runtime
	started bool

	hookMu sync.RWMutex
	hooks  []TerminatedHook
}

// NewServer creates a new server.
func NewServer(rdb redis.UniversalClient, cfg ServerConfig, mux *Mux) *Server {
	l := cfg.Logger
	if l == nil {
		l = NewFmtLogger()
	}
	s := &Server{rdb: rdb, cfg: cfg, mux: mux, log: l}
	exec := func(ctx context.Context, taskType string, payload []byte) error {
		h, ok := mux.lookup(taskType)
		if !ok {
			return rtm.ErrNoHandler
		}
		return h(ctx, payload)
	}
	s.rt = rtm.New(rdb, rtm.Config{
		Queues:        cfg.Queues,
		Concurrency:   cfg.Concurrency,
		VisibilityTTL: cfg.VisibilityTTL,
		TaskTimeLimit: cfg.TaskTimeLimit,
		OnTerminated:  s.terminated,
		Logger:        l,
	}, exec)
	return s
}

// OnTerminated registers a lifecycle hook. Hooks run in registration order
// on the goroutine that detected the termination.
func (s *Server) OnTerminated(h TerminatedHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hooks = append(s.hooks, h)
}

func (s *Server) terminated(ctx context.Context, a rtm.Attempt, cause error) {
	s.hookMu.RLock()
	hooks := append([]TerminatedHook(nil), s.hooks...)
	s.hookMu.RUnlock()
	if len(hooks) == 0 {
		return
	}
	t := &Task{
		ID:       a.ID,
		Type:     a.Type,
		Queue:    a.Queue,
		Payload:  a.Payload,
		Headers:  a.Headers,
		Retry:    a.Retry,
		MaxRetry: a.MaxRetry,
	}
	for _, h := range hooks {
		h(ctx, t, cause)
	}
}

// Start launches the server workers and background maintenance routines.
// It is idempotent and non-blocking.
func (s *Server) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.log.Warnf("server already started; ignoring Start()")
		return
	}
	s.started = true
	s.log.Infof("starting server: concurrency=%d queues=%d", s.rt.CfgConcurrency(), len(s.rt.CfgQueues()))
	s.rt.Start()
}

// Stop gracefully shuts down the server, waiting for workers to finish current tasks.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.log.Warnf("server not started; ignoring Stop()")
		return
	}
	s.started = false
	s.log.Infof("stopping server")
	s.rt.Stop()
}

// Run starts the server and blocks until ctx is done, then stops it.
func (s *Server) Run(ctx context.Context) error {
	s.Start()
	<-ctx.Done()
	s.Stop()
	return nil
}
