package pgstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/UniQw/uniqw-jobs/bus"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sqlStateErr string

func (e sqlStateErr) Error() string    { return "sqlstate " + string(e) }
func (e sqlStateErr) SQLState() string { return string(e) }

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"lock not available", &pgconn.PgError{Code: LockNotAvailable}, true},
		{"serialization", &pgconn.PgError{Code: SerializationFailure}, true},
		{"deadlock", &pgconn.PgError{Code: DeadlockDetected}, true},
		{"wrapped", fmt.Errorf("update: %w", &pgconn.PgError{Code: LockNotAvailable}), true},
		{"sqlstate carrier", sqlStateErr(DeadlockDetected), true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain", errors.New("nope"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestIsOperational(t *testing.T) {
	assert.True(t, IsOperational(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsOperational(errors.New("app")))
	assert.Equal(t, "40001", Code(fmt.Errorf("x: %w", &pgconn.PgError{Code: "40001"})))
}

func TestStore_DSN(t *testing.T) {
	s := New("postgres://jobs@localhost:5432/{db}?sslmode=disable")
	assert.Equal(t, "postgres://jobs@localhost:5432/acme?sslmode=disable", s.DSN("acme"))
	assert.Equal(t, "postgres://jobs@localhost:5432/a%2Fb?sslmode=disable", s.DSN("a/b"))

	single := New("postgres://localhost/shared")
	assert.Equal(t, "postgres://localhost/shared", single.DSN("acme"))
}

func TestStore_PoolErrors(t *testing.T) {
	s := New("postgres://localhost/{db}", WithMaxConns(2))
	_, err := s.Pool(context.Background(), "")
	require.Error(t, err)

	s.Close()
	_, err = s.Pool(context.Background(), "acme")
	require.ErrorIs(t, err, ErrClosed)
}

// testStore connects to JOBS_TEST_DATABASE_URL, whose database name is used
// as the tenant.
func testStore(t *testing.T) (*Store, string) {
	t.Helper()
	dsn := os.Getenv("JOBS_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("JOBS_TEST_DATABASE_URL not set")
	}
	s := New(dsn)
	t.Cleanup(s.Close)
	return s, "test"
}

func TestStore_DoCommitsAndRollsBack(t *testing.T) {
	s, tenant := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.Do(ctx, tenant, func(ctx context.Context, cur *Cursor) error {
		_, err := cur.Exec(ctx, `CREATE TABLE IF NOT EXISTS pgstore_probe (v int)`)
		if err != nil {
			return err
		}
		_, err = cur.Exec(ctx, `TRUNCATE pgstore_probe`)
		return err
	}))

	boom := errors.New("boom")
	err := s.Do(ctx, tenant, func(ctx context.Context, cur *Cursor) error {
		if _, err := cur.Exec(ctx, `INSERT INTO pgstore_probe VALUES (1)`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.Do(ctx, tenant, func(ctx context.Context, cur *Cursor) error {
		// The failing step rolls back, the committed one stays.
		_ = cur.Savepoint(ctx, func(ctx context.Context) error {
			_, _ = cur.Exec(ctx, `INSERT INTO pgstore_probe VALUES (2)`)
			return boom
		})
		return cur.Savepoint(ctx, func(ctx context.Context) error {
			_, err := cur.Exec(ctx, `INSERT INTO pgstore_probe VALUES (3)`)
			return err
		})
	}))

	var values []int
	require.NoError(t, s.Do(ctx, tenant, func(ctx context.Context, cur *Cursor) error {
		rows, err := cur.Query(ctx, `SELECT v FROM pgstore_probe ORDER BY v`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var v int
			if err := rows.Scan(&v); err != nil {
				return err
			}
			values = append(values, v)
		}
		return rows.Err()
	}))
	require.Equal(t, []int{3}, values)
}

func TestBus_PublishIsIndependentOfOpenCursor(t *testing.T) {
	s, tenant := testStore(t)
	ctx := context.Background()
	b := NewBus(s)
	require.NoError(t, b.EnsureSchema(ctx, tenant))

	ch := bus.ProgressChannel("", "pgstore-test")
	before, err := b.Poll(ctx, tenant, ch, 0)
	require.NoError(t, err)
	var last int64
	if len(before) > 0 {
		last = before[len(before)-1].ID
	}

	cur, err := s.Begin(ctx, tenant)
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, tenant, ch, bus.Message{Message: "10%", Progress: bus.Int64(10)}))
	require.NoError(t, cur.Rollback(ctx))

	rows, err := b.Poll(ctx, tenant, ch, last)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, ch, rows[0].Channel)
	require.Equal(t, "10%", rows[0].Message.Text())
}
