package gateway

import (
	"sync"
	"time"

	"github.com/aussiebroadwan/sessionkit/pkg/clock"
)

// schedulerTimer is a backoff.Timer running on a clock.Scheduler, so retry
// waits follow the same clock as the session's other timers.
type schedulerTimer struct {
	sched clock.Scheduler

	mu     sync.Mutex
	c      chan time.Time
	handle clock.Handle
}

func (t *schedulerTimer) Start(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handle != 0 {
		t.sched.Cancel(t.handle)
	}
	c := make(chan time.Time, 1)
	t.c = c
	t.handle = t.sched.Schedule(d, func() {
		c <- t.sched.Now()
	})
}

func (t *schedulerTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handle != 0 {
		t.sched.Cancel(t.handle)
		t.handle = 0
	}
}

func (t *schedulerTimer) C() <-chan time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.c
}
