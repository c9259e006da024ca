// Package keys centralizes Redis key construction for queue lanes.
// Queue names already carry the product namespace ("jobs-1.default"); the
// hash tag keeps every key of one lane on the same cluster slot.
package keys

const prefix = "uniqw:"

// Control is the pub/sub channel workers listen on for terminate requests.
const Control = prefix + "control"

func Pending(q string) string   { return prefix + "{" + q + "}:pending" }
func Active(q string) string    { return prefix + "{" + q + "}:active" }
func Delayed(q string) string   { return prefix + "{" + q + "}:delayed" }
func Dead(q string) string      { return prefix + "{" + q + "}:dead" }
func Succeeded(q string) string { return prefix + "{" + q + "}:succeeded" }

// DeadExpiry is a ZSET index that tracks when dead-list members should be purged.
// Members are the raw task JSON; scores are absolute expiration timestamps in ms.
func DeadExpiry(q string) string { return prefix + "{" + q + "}:dead_expiry" }

// Revoked is a SET of task ids that must not start even if they are dequeued later.
func Revoked(q string) string { return prefix + "{" + q + "}:revoked" }

// Queue holds all precomputed keys for a queue name to avoid repeated concatenations.
type Queue struct {
	Name       string
	Pending    string
	Active     string
	Delayed    string
	Dead       string
	Succeeded  string
	Unique     string
	Expiry     string
	DeadExpiry string
	Revoked    string
}

// For returns a set of precomputed keys for the provided queue.
func For(q string) Queue {
	p := prefix + "{" + q + "}:"
	return Queue{
		Name:       q,
		Pending:    p + "pending",
		Active:     p + "active",
		Delayed:    p + "delayed",
		Dead:       p + "dead",
		Succeeded:  p + "succeeded",
		Unique:     p + "unique",
		Expiry:     p + "expiry",
		DeadExpiry: p + "dead_expiry",
		Revoked:    p + "revoked",
	}
}

// Unique returns the per-queue Set key that tracks used task IDs for de-duplication.
func Unique(q string) string { return prefix + "{" + q + "}:unique" }

// Expiry returns the per-queue ZSET key that indexes deadlines for jobs.
func Expiry(q string) string { return prefix + "{" + q + "}:expiry" }
