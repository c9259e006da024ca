package bus

import (
	"context"
	"sync"
)

// Memory keeps every published envelope in order. Jobs that run inline in
// tests report through it.
type Memory struct {
	mu   sync.Mutex
	sent []Envelope
	err  error
}

// NewMemory returns an empty in-memory bus.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Publish(_ context.Context, tenant, channel string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, Envelope{Tenant: tenant, Channel: channel, Message: msg})
	return nil
}

// FailWith makes every later Publish return err; nil restores delivery.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Sent returns a copy of the envelopes published so far.
func (m *Memory) Sent() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Envelope(nil), m.sent...)
}

// On returns the messages published to channel, in order.
func (m *Memory) On(channel string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, e := range m.sent {
		if e.Channel == channel {
			out = append(out, e.Message)
		}
	}
	return out
}
