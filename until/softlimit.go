package until

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrSoftTimeLimit is delivered once, by the first Check after the soft
// limit of the running job fires.
var ErrSoftTimeLimit = errors.New("soft time limit exceeded")

// SoftLimit is the cooperative deadline of one job attempt.
type SoftLimit struct {
	fired     atomic.Bool
	delivered atomic.Bool
	once      sync.Once
	timer     *time.Timer
}

type softKey struct{}

// WithSoftLimit attaches a soft limit that fires after d. A non-positive d
// never fires on its own; Fire can still trigger it.
func WithSoftLimit(ctx context.Context, d time.Duration) (context.Context, *SoftLimit) {
	s := &SoftLimit{}
	if d > 0 {
		s.timer = time.AfterFunc(d, s.Fire)
	}
	return context.WithValue(ctx, softKey{}, s), s
}

// Fire marks the limit as reached. Only the first call counts.
func (s *SoftLimit) Fire() { s.fired.Store(true) }

// Fired reports whether the limit was reached, delivered or not.
func (s *SoftLimit) Fired() bool { return s.fired.Load() }

// Stop releases the timer. The limit can no longer fire on its own.
func (s *SoftLimit) Stop() {
	s.once.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}
	})
}

// deliver hands out the signal exactly once.
func (s *SoftLimit) deliver() bool {
	return s.fired.Load() && s.delivered.CompareAndSwap(false, true)
}

// Check is the check point long running code passes through. It returns
// ErrSoftTimeLimit the first time it runs after the limit fired, and nil
// otherwise (including every later call).
func Check(ctx context.Context) error {
	s, _ := ctx.Value(softKey{}).(*SoftLimit)
	if s != nil && s.deliver() {
		return ErrSoftTimeLimit
	}
	return nil
}
