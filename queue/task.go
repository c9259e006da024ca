package queue

// Task is the envelope stored in Redis for one unit of queued work.
type Task struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Queue   string `json:"queue"`
	Payload []byte `json:"payload"`
	// Headers travel with the task across retries; handlers read them
	// through RequestFrom.
	Headers  map[string]string `json:"headers,omitempty"`
	Retry    int               `json:"retry"`
	MaxRetry int               `json:"max_retry"`
	// RetryDelayMs fixes the delay between plain retries. Zero means exponential backoff.
	RetryDelayMs int64 `json:"retry_delay_ms,omitempty"`
	// Retention (seconds) keeps succeeded tasks around for inspection.
	Retention int64 `json:"retention"`
	// ErrRetention (seconds) for dead tasks: negative keeps forever, zero drops.
	ErrRetention int64 `json:"err_retention,omitempty"`

	CreatedAt   int64  `json:"created_at,omitempty"`
	DeadlineMs  int64  `json:"deadline_ms,omitempty"`
	StartedAt   int64  `json:"started_at,omitempty"`
	CompletedAt int64  `json:"completed_at,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	LastErrorAt int64  `json:"last_error_at,omitempty"`
	Progress    int    `json:"progress,omitempty"`
	Result      []byte `json:"result,omitempty"`
}

// Header returns one header value or "".
func (t *Task) Header(name string) string {
	if t == nil || t.Headers == nil {
		return ""
	}
	return t.Headers[name]
}

// State is where a task currently lives.
type State string

const (
	// StatePending contains tasks ready for execution (LIST).
	StatePending State = "pending"
	// StateActive contains tasks leased by a worker (ZSET).
	StateActive State = "active"
	// StateDelayed contains scheduled tasks and tasks waiting for a retry (ZSET).
	StateDelayed State = "delayed"
	// StateSucceeded contains completed tasks kept for their retention (ZSET).
	StateSucceeded State = "succeeded"
	// StateDead contains permanently failed tasks (LIST).
	StateDead State = "dead"
)

// AllStates lists every valid queue state in a stable order.
var AllStates = []State{StatePending, StateActive, StateDelayed, StateSucceeded, StateDead}

func (s State) String() string { return string(s) }

// Waiting reports whether a task in this state has not started yet.
func (s State) Waiting() bool { return s == StatePending || s == StateDelayed }

// Finished reports whether a task in this state will not run again on its own.
func (s State) Finished() bool { return s == StateSucceeded || s == StateDead }

// ParseState converts a string into a State.
func ParseState(s string) (State, error) {
	for _, st := range AllStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", ErrUnknownState
}
