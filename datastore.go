package jobs

import (
	"context"

	"github.com/UniQw/uniqw-jobs/pgstore"
	"github.com/UniQw/uniqw-jobs/until"
)

// Cursor is the tenant connection of one attempt. Methods reach the
// concrete connection (a *pgstore.Cursor for Postgres) through a type
// assertion on Records.Env.Cursor.
type Cursor interface {
	Tenant() string
	until.Savepointer
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Datastore opens tenant cursors.
type Datastore interface {
	Open(ctx context.Context, tenant string) (Cursor, error)
}

// DatastoreFunc adapts a function to Datastore.
type DatastoreFunc func(ctx context.Context, tenant string) (Cursor, error)

func (f DatastoreFunc) Open(ctx context.Context, tenant string) (Cursor, error) {
	return f(ctx, tenant)
}

// Postgres opens cursors as transactions on per-tenant pools of s.
func Postgres(s *pgstore.Store) Datastore {
	return DatastoreFunc(func(ctx context.Context, tenant string) (Cursor, error) {
		cur, err := s.Begin(ctx, tenant)
		if err != nil {
			return nil, err
		}
		return cur, nil
	})
}
