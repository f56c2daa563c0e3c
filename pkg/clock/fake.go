package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Scheduler. Callbacks run synchronously on
// the goroutine calling Advance or Set, in deadline order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	next    Handle
	pending []fakeTimer
}

type fakeTimer struct {
	h  Handle
	at time.Time
	fn func()
}

// NewFake returns a Fake starting at now.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Schedule(d time.Duration, fn func()) Handle {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.next++
	f.pending = append(f.pending, fakeTimer{h: f.next, at: f.now.Add(d), fn: fn})
	sort.SliceStable(f.pending, func(i, j int) bool {
		return f.pending[i].at.Before(f.pending[j].at)
	})
	return f.next
}

func (f *Fake) Cancel(h Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, t := range f.pending {
		if t.h == h {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Advance moves the clock forward by d, firing every callback that falls
// due on the way. Callbacks scheduled by fired callbacks also fire when
// their deadline is within the window.
func (f *Fake) Advance(d time.Duration) {
	f.Set(f.Now().Add(d))
}

// Set moves the clock to t, firing due callbacks.
func (f *Fake) Set(t time.Time) {
	for {
		f.mu.Lock()
		if len(f.pending) == 0 || f.pending[0].at.After(t) {
			f.now = t
			f.mu.Unlock()
			return
		}
		due := f.pending[0]
		f.pending = f.pending[1:]
		if due.at.After(f.now) {
			f.now = due.at
		}
		f.mu.Unlock()

		due.fn()
	}
}

// Pending returns the number of callbacks waiting to fire.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// NextDeadline returns the deadline of the earliest pending callback.
func (f *Fake) NextDeadline() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return time.Time{}, false
	}
	return f.pending[0].at, true
}
