package pgstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/UniQw/uniqw-jobs/bus"
)

// NotifyChannel is the LISTEN channel bus_bus readers wake up on.
const NotifyChannel = "imbus"

const schema = `CREATE TABLE IF NOT EXISTS bus_bus (
	id          bigserial PRIMARY KEY,
	create_date timestamp NOT NULL DEFAULT (now() AT TIME ZONE 'UTC'),
	channel     text NOT NULL,
	message     text NOT NULL
)`

const insertMessage = `INSERT INTO bus_bus (create_date, channel, message)
VALUES (now() AT TIME ZONE 'UTC', $1, $2)`

const pollMessages = `SELECT id, create_date, channel, message FROM bus_bus
WHERE channel = $1 AND id > $2 ORDER BY id`

// Bus stores messages in the bus_bus table of the tenant and notifies
// listeners. Each Publish runs on its own transaction, so a report becomes
// visible at once even while the job's cursor is still open, and survives a
// rollback of it.
type Bus struct {
	store *Store
}

// NewBus creates a bus on s.
func NewBus(s *Store) *Bus { return &Bus{store: s} }

// EnsureSchema creates bus_bus on tenant when missing.
func (b *Bus) EnsureSchema(ctx context.Context, tenant string) error {
	return b.store.Do(ctx, tenant, func(ctx context.Context, cur *Cursor) error {
		_, err := cur.Exec(ctx, schema)
		return err
	})
}

func (b *Bus) Publish(ctx context.Context, tenant, channel string, msg bus.Message) error {
	ch, err := json.Marshal(channel)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.store.Do(ctx, tenant, func(ctx context.Context, cur *Cursor) error {
		if _, err := cur.Exec(ctx, insertMessage, string(ch), string(payload)); err != nil {
			return err
		}
		// NOTIFY is delivered when this transaction commits.
		_, err := cur.Exec(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, "["+string(ch)+"]")
		return err
	})
}

// Row is one stored bus message.
type Row struct {
	ID        int64
	CreatedAt time.Time
	Channel   string
	Message   bus.Message
}

// Poll returns the messages of channel stored after id afterID.
func (b *Bus) Poll(ctx context.Context, tenant, channel string, afterID int64) ([]Row, error) {
	ch, err := json.Marshal(channel)
	if err != nil {
		return nil, err
	}
	var out []Row
	err = b.store.Do(ctx, tenant, func(ctx context.Context, cur *Cursor) error {
		rows, err := cur.Query(ctx, pollMessages, string(ch), afterID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				r          Row
				rawChannel string
				rawMessage string
			)
			if err := rows.Scan(&r.ID, &r.CreatedAt, &rawChannel, &rawMessage); err != nil {
				return err
			}
			if err := json.Unmarshal([]byte(rawChannel), &r.Channel); err != nil {
				return err
			}
			if err := json.Unmarshal([]byte(rawMessage), &r.Message); err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}
