// Package clock abstracts wall-clock time and one-shot timers so that
// timer-driven components can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

type (
	// Clock reports the current time.
	Clock interface {
		Now() time.Time
	}

	// Handle identifies a scheduled callback. The zero Handle is never
	// returned by Schedule and cancelling it is a no-op.
	Handle uint64

	// Scheduler runs callbacks after a delay.
	Scheduler interface {
		Clock

		// Schedule arranges for fn to run once after d. fn runs on its own
		// goroutine for real schedulers.
		Schedule(d time.Duration, fn func()) Handle

		// Cancel stops a pending callback. It reports whether the callback
		// was still pending.
		Cancel(h Handle) bool
	}
)

// Real is a Scheduler backed by time.AfterFunc.
type Real struct {
	mu     sync.Mutex
	next   Handle
	timers map[Handle]*time.Timer
}

// NewReal returns a Scheduler using the system clock.
func NewReal() *Real {
	return &Real{timers: make(map[Handle]*time.Timer)}
}

func (r *Real) Now() time.Time { return time.Now() }

func (r *Real) Schedule(d time.Duration, fn func()) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	h := r.next
	r.timers[h] = time.AfterFunc(d, func() {
		r.mu.Lock()
		_, live := r.timers[h]
		delete(r.timers, h)
		r.mu.Unlock()

		if live {
			fn()
		}
	})
	return h
}

func (r *Real) Cancel(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.timers[h]
	if !ok {
		return false
	}
	delete(r.timers, h)
	return t.Stop()
}

// Pending returns the number of callbacks not yet fired or cancelled.
func (r *Real) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}
