// Package refresh arms the single timer that renews an access token
// shortly before it expires.
package refresh

import (
	"sync"
	"time"

	"github.com/aussiebroadwan/sessionkit/pkg/clock"
)

// DefaultThreshold is how long before expiry the refresh fires.
const DefaultThreshold = 5 * time.Minute

// Scheduler keeps at most one pending refresh timer. It never retries on
// its own: OnDue reports to the session controller, which decides what a
// failure means.
type Scheduler struct {
	clock     clock.Scheduler
	threshold time.Duration
	onDue     func()

	mu       sync.Mutex
	handle   clock.Handle
	gen      uint64
	deadline time.Time
}

// New returns a Scheduler that calls onDue threshold before each armed
// expiry. A non-positive threshold selects DefaultThreshold.
func New(c clock.Scheduler, threshold time.Duration, onDue func()) *Scheduler {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Scheduler{clock: c, threshold: threshold, onDue: onDue}
}

// Threshold returns the configured safety margin.
func (s *Scheduler) Threshold() time.Duration { return s.threshold }

// Arm cancels any pending timer and arms a new one for expiresAt minus the
// threshold. When that moment has already passed, onDue runs synchronously
// before Arm returns. It returns the delay that was armed, 0 for an
// immediate refresh.
func (s *Scheduler) Arm(expiresAt time.Time) time.Duration {
	s.mu.Lock()
	s.cancelLocked()

	delay := expiresAt.Sub(s.clock.Now()) - s.threshold
	if delay <= 0 {
		s.mu.Unlock()
		s.onDue()
		return 0
	}

	gen := s.gen
	s.deadline = s.clock.Now().Add(delay)
	s.handle = s.clock.Schedule(delay, func() { s.fire(gen) })
	s.mu.Unlock()
	return delay
}

// Cancel drops the pending timer, if any.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

// Deadline returns when the pending timer fires.
func (s *Scheduler) Deadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline, s.handle != 0
}

func (s *Scheduler) cancelLocked() {
	if s.handle != 0 {
		s.clock.Cancel(s.handle)
	}
	s.handle = 0
	s.deadline = time.Time{}
	s.gen++
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		// Re-armed or cancelled while the callback was already on its way.
		s.mu.Unlock()
		return
	}
	s.handle = 0
	s.deadline = time.Time{}
	s.mu.Unlock()

	s.onDue()
}
