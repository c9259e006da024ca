package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/UniQw/uniqw-jobs/bus"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type testLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *testLogger) add(level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, level+" "+fmt.Sprintf(format, args...))
}

func (l *testLogger) Debugf(format string, args ...any) { l.add("DEBUG", format, args...) }
func (l *testLogger) Infof(format string, args ...any)  { l.add("INFO", format, args...) }
func (l *testLogger) Warnf(format string, args ...any)  { l.add("WARN", format, args...) }
func (l *testLogger) Errorf(format string, args ...any) { l.add("ERROR", format, args...) }

// has reports whether a line of level contains substr.
func (l *testLogger) has(level, substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.HasPrefix(line, level+" ") && strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

type fakeCursor struct {
	tenant string

	mu         sync.Mutex
	commits    int
	rollbacks  int
	savepoints int
	closed     bool
}

func (c *fakeCursor) Tenant() string { return c.tenant }

func (c *fakeCursor) Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	c.mu.Lock()
	c.savepoints++
	c.mu.Unlock()
	return fn(ctx)
}

func (c *fakeCursor) Commit(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commits++
	c.closed = true
	return nil
}

func (c *fakeCursor) Rollback(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.rollbacks++
		c.closed = true
	}
	return nil
}

type fakeStore struct {
	mu      sync.Mutex
	cursors []*fakeCursor
	err     error
}

func (s *fakeStore) Open(_ context.Context, tenant string) (Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	c := &fakeCursor{tenant: tenant}
	s.cursors = append(s.cursors, c)
	return c, nil
}

func (s *fakeStore) opened() []*fakeCursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeCursor(nil), s.cursors...)
}

type fixture struct {
	app    *App
	reg    *Registry
	mem    *bus.Memory
	store  *fakeStore
	log    *testLogger
	rdb    *redis.Client
	delays []time.Duration
}

// newFixture builds an app on fakes. With Redis set in opts the app also
// gets a broker.
func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		reg:   NewRegistry(),
		mem:   bus.NewMemory(),
		store: &fakeStore{},
		log:   &testLogger{},
	}
	opts.Registry = f.reg
	opts.Bus = f.mem
	opts.Datastore = f.store
	opts.Logger = f.log
	app, err := New(opts)
	require.NoError(t, err)
	app.sleep = func(_ context.Context, d time.Duration) error {
		f.delays = append(f.delays, d)
		return nil
	}
	f.app = app
	return f
}

func newRedisFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	opts.Redis = rdb
	f := newFixture(t, opts)
	f.rdb = rdb
	return f
}

func (f *fixture) messages(jobUUID string) []bus.Message {
	return f.mem.On(bus.ProgressChannel(bus.DefaultPrefix, jobUUID))
}

func acmeEnv() *Env {
	return &Env{Tenant: "acme", User: 7, Values: map[string]any{"lang": "es_ES", "tz": "UTC"}}
}

func sigOf(t *testing.T, b Bound) Signature {
	t.Helper()
	sig, err := SignatureOf(b)
	require.NoError(t, err)
	return sig
}
