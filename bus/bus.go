// Package bus carries job notifications to whoever listens for a job: its
// message shape, the channel names derived from the job UUID, and Redis and
// in-memory transports. The Postgres transport lives in pgstore.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultPrefix starts every channel name unless configured otherwise.
const DefaultPrefix = "jobs"

// Status is the state a message reports.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status ends a job.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusCancelled
}

// Message is one notification for a job. Progress messages leave Status
// empty. ValueMin and ValueMax are set together or not at all.
type Message struct {
	Status    Status          `json:"status,omitempty"`
	Message   any             `json:"message,omitempty"`
	Progress  *int64          `json:"progress,omitempty"`
	ValueMin  *int64          `json:"valuemin,omitempty"`
	ValueMax  *int64          `json:"valuemax,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Traceback string          `json:"traceback,omitempty"`
}

// SerializedError is the transport form of an error in failure messages.
type SerializedError struct {
	Name        string   `json:"name"`
	Message     string   `json:"message"`
	Debug       string   `json:"debug,omitempty"`
	Fingerprint []string `json:"fingerprint,omitempty"`
}

func (e *SerializedError) Error() string { return e.Name + ": " + e.Message }

// Failure decodes the serialized error of a failure message. It works on
// messages built in process and on messages decoded from the wire.
func (m Message) Failure() (*SerializedError, bool) {
	switch v := m.Message.(type) {
	case *SerializedError:
		return v, v != nil
	case SerializedError:
		return &v, true
	case nil, string:
		return nil, false
	}
	b, err := json.Marshal(m.Message)
	if err != nil {
		return nil, false
	}
	var se SerializedError
	if err := json.Unmarshal(b, &se); err != nil || se.Name == "" {
		return nil, false
	}
	return &se, true
}

// Text returns the human message, or "" when the message carries an error.
func (m Message) Text() string {
	s, _ := m.Message.(string)
	return s
}

// Int64 is a helper to fill the optional numeric fields.
func Int64(v int64) *int64 { return &v }

// ProgressChannel is where every message of the job is published.
func ProgressChannel(prefix, jobUUID string) string {
	return fmt.Sprintf("%s:%s:progress", orDefault(prefix), jobUUID)
}

// StatusChannel is the job's status channel.
func StatusChannel(prefix, jobUUID string) string {
	return fmt.Sprintf("%s:%s:status", orDefault(prefix), jobUUID)
}

func orDefault(prefix string) string {
	if prefix == "" {
		return DefaultPrefix
	}
	return prefix
}

// ErrClosed is returned by a closed subscription.
var ErrClosed = errors.New("bus: subscription closed")

// Publisher sends a message to a channel of a tenant. Implementations must
// make the message visible to subscribers when Publish returns, whatever
// transaction the caller has open.
type Publisher interface {
	Publish(ctx context.Context, tenant, channel string, msg Message) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, tenant, channel string, msg Message) error

func (f PublisherFunc) Publish(ctx context.Context, tenant, channel string, msg Message) error {
	return f(ctx, tenant, channel, msg)
}

// Envelope is a received message with its routing.
type Envelope struct {
	Tenant  string  `json:"tenant"`
	Channel string  `json:"channel"`
	Message Message `json:"message"`
}
