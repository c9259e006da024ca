// Package pgstore is the Postgres side of the job layer: one pool per tenant
// database, cursors backed by transactions, and a bus that publishes on its
// own transaction.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Placeholder is replaced with the tenant name in the DSN template.
const Placeholder = "{db}"

// ErrClosed is returned after Close.
var ErrClosed = errors.New("pgstore: store closed")

// Option configures a Store.
type Option func(*Store)

// WithMaxConns bounds each tenant pool.
func WithMaxConns(n int32) Option {
	return func(s *Store) { s.maxConns = n }
}

// Store hands out cursors for tenant databases. Pools are created on first
// use and kept until Close.
type Store struct {
	template string
	maxConns int32

	mu     sync.Mutex
	pools  map[string]*pgxpool.Pool
	closed bool
}

// New returns a store for the DSN template, e.g.
// "postgres://jobs@localhost:5432/{db}?sslmode=disable". A template without
// the placeholder points every tenant at the same database.
func New(template string, opts ...Option) *Store {
	s := &Store{template: template, pools: make(map[string]*pgxpool.Pool)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DSN returns the connection string of tenant.
func (s *Store) DSN(tenant string) string {
	return strings.ReplaceAll(s.template, Placeholder, url.PathEscape(tenant))
}

// Pool returns the pool of tenant, creating it when needed.
func (s *Store) Pool(ctx context.Context, tenant string) (*pgxpool.Pool, error) {
	if tenant == "" {
		return nil, errors.New("pgstore: empty tenant")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if p, ok := s.pools[tenant]; ok {
		return p, nil
	}
	cfg, err := pgxpool.ParseConfig(s.DSN(tenant))
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse dsn for %s: %w", tenant, err)
	}
	if s.maxConns > 0 {
		cfg.MaxConns = s.maxConns
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect %s: %w", tenant, err)
	}
	s.pools[tenant] = p
	return p, nil
}

// Begin opens a cursor on tenant. The caller must Commit or Rollback it.
func (s *Store) Begin(ctx context.Context, tenant string) (*Cursor, error) {
	p, err := s.Pool(ctx, tenant)
	if err != nil {
		return nil, err
	}
	tx, err := p.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgstore: begin on %s: %w", tenant, err)
	}
	return &Cursor{tenant: tenant, tx: tx}, nil
}

// Do runs fn on a fresh cursor and commits when fn returns nil. The cursor
// is rolled back on any other way out, a panic included.
func (s *Store) Do(ctx context.Context, tenant string, fn func(ctx context.Context, cur *Cursor) error) error {
	cur, err := s.Begin(ctx, tenant)
	if err != nil {
		return err
	}
	defer cur.Rollback(ctx)
	if err := fn(ctx, cur); err != nil {
		return err
	}
	return cur.Commit(ctx)
}

// Close closes every pool.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for name, p := range s.pools {
		p.Close()
		delete(s.pools, name)
	}
}

// Cursor is a transaction on one tenant database.
type Cursor struct {
	tenant string
	tx     pgx.Tx
}

func (c *Cursor) Tenant() string { return c.tenant }

// Tx exposes the transaction for queries.
func (c *Cursor) Tx() pgx.Tx { return c.tx }

func (c *Cursor) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return c.tx.Exec(ctx, sql, args...)
}

func (c *Cursor) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return c.tx.Query(ctx, sql, args...)
}

func (c *Cursor) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return c.tx.QueryRow(ctx, sql, args...)
}

// Savepoint runs fn inside a SAVEPOINT, released when fn returns nil and
// rolled back otherwise.
func (c *Cursor) Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	sp, err := c.tx.Begin(ctx)
	if err != nil {
		return err
	}
	released := false
	defer func() {
		if !released {
			_ = sp.Rollback(ctx)
		}
	}()
	if err := fn(ctx); err != nil {
		return err
	}
	released = true
	return sp.Commit(ctx)
}

func (c *Cursor) Commit(ctx context.Context) error { return c.tx.Commit(ctx) }

// Rollback is a no-op on a cursor already committed or rolled back.
func (c *Cursor) Rollback(ctx context.Context) error {
	err := c.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}
