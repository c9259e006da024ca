package bus

import (
	"context"
	"encoding/json"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

var decodeAPI = sonic.Config{UseInt64: true}.Froze()

// RedisBus publishes envelopes with Redis PUBLISH on the channel name.
// PUBLISH is not transactional, so a report is visible at once.
type RedisBus struct {
	rdb redis.UniversalClient
}

// NewRedisBus creates a bus on rdb.
func NewRedisBus(rdb redis.UniversalClient) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func (b *RedisBus) Publish(ctx context.Context, tenant, channel string, msg Message) error {
	raw, err := json.Marshal(Envelope{Tenant: tenant, Channel: channel, Message: msg})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channel, raw).Err()
}

// Subscribe listens on channels. The subscription is confirmed when
// Subscribe returns, so nothing published afterwards is missed.
func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return &Subscription{ps: ps}, nil
}

// Subscription receives envelopes from a RedisBus.
type Subscription struct {
	ps *redis.PubSub
}

// Receive blocks for the next envelope. Payloads that do not decode are
// skipped.
func (s *Subscription) Receive(ctx context.Context) (Envelope, error) {
	for {
		m, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			if err == redis.ErrClosed {
				return Envelope{}, ErrClosed
			}
			return Envelope{}, err
		}
		var env Envelope
		if err := decodeAPI.UnmarshalFromString(m.Payload, &env); err != nil {
			continue
		}
		if env.Channel == "" {
			env.Channel = m.Channel
		}
		return env, nil
	}
}

func (s *Subscription) Close() error { return s.ps.Close() }
