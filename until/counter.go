package until

import (
	"fmt"
	"sync/atomic"
)

// Counter is a "has this happened" flag that can be signalled any number of
// times. Timeout uses it to tell enclosing stages that the soft limit fired.
type Counter interface {
	Signal()
	Fired() bool
}

// EventCounter counts the times an event was signalled. It is safe for
// concurrent use.
type EventCounter struct {
	name string
	seen atomic.Int64
	fn   func()
}

// NewEventCounter returns an unsignalled counter. The name only shows up in
// String.
func NewEventCounter(name string) *EventCounter {
	return &EventCounter{name: name}
}

// Notify returns a counter that also calls fn every time it is signalled.
func Notify(fn func()) *EventCounter {
	return &EventCounter{fn: fn}
}

func (c *EventCounter) Signal() {
	c.seen.Add(1)
	if c.fn != nil {
		c.fn()
	}
}

func (c *EventCounter) Fired() bool { return c.seen.Load() > 0 }

// Seen returns how many times the counter was signalled.
func (c *EventCounter) Seen() int64 { return c.seen.Load() }

func (c *EventCounter) Name() string { return c.name }

func (c *EventCounter) String() string {
	name := c.name
	if name == "" {
		name = fmt.Sprintf("counter@%p", c)
	}
	if c.Fired() {
		return "<**" + name + "**>"
	}
	return "<" + name + ">"
}

// Chain is the union of two counters: signalling the chain signals both
// sides, and the chain has fired when either side has. Signalling one side
// directly does not reach the other.
type Chain struct {
	Left, Right Counter
}

func (c *Chain) Signal() {
	c.Left.Signal()
	c.Right.Signal()
}

func (c *Chain) Fired() bool { return c.Left.Fired() || c.Right.Fired() }

func (c *Chain) String() string { return fmt.Sprintf("(%v | %v)", c.Left, c.Right) }

// Or chains a and b. A nil side is the identity: Or(a, nil) and Or(nil, a)
// both return a itself.
func Or(a, b Counter) Counter {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return &Chain{Left: a, Right: b}
}
