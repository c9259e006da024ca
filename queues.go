package jobs

import (
	"fmt"
	"strings"
)

// Namespace qualifies queue names so several products can share a broker
// without picking up each other's tasks.
type Namespace struct {
	Product      string
	MajorVersion int
}

// DefaultNamespace is used when an App is built without one.
var DefaultNamespace = Namespace{Product: "uniqw", MajorVersion: 1}

func (n Namespace) prefix() string {
	return fmt.Sprintf("%s-%d.", n.Product, n.MajorVersion)
}

// Queue returns the qualified name of a bare queue name. Qualified names are
// returned unchanged: ns.Queue(ns.Queue(x)) == ns.Queue(x).
func (n Namespace) Queue(name string) string {
	if strings.HasPrefix(name, n.prefix()) {
		return name
	}
	return n.prefix() + name
}

// Default is the queue jobs go to unless told otherwise.
func (n Namespace) Default() string { return n.Queue("default") }

// Notifications is the low traffic queue of the report tasks.
func (n Namespace) Notifications() string { return n.Queue("notifications") }

// QueueName qualifies name in DefaultNamespace.
func QueueName(name string) string { return DefaultNamespace.Queue(name) }

var (
	DefaultQueue       = DefaultNamespace.Default()
	NotificationsQueue = DefaultNamespace.Notifications()
)
