package gateway

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// budget is a backoff.BackOff whose retry count is shared by every call
// holding it. Reset is a no-op: the retry loop resets its backoff on entry,
// which must not refill a budget other calls are spending.
type budget struct {
	base       time.Duration
	maxRetries int

	mu   sync.Mutex
	used int
	refs int
}

func (b *budget) NextBackOff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.used >= b.maxRetries {
		return backoff.Stop
	}
	d := b.base << b.used
	b.used++
	return d
}

func (b *budget) Reset() {}

// budgets hands out one budget per request key. An entry lives while at
// least one call holds it, and a success refills it.
type budgets struct {
	base       time.Duration
	maxRetries int

	mu      sync.Mutex
	entries map[string]*budget
}

func newBudgets(base time.Duration, maxRetries int) *budgets {
	return &budgets{base: base, maxRetries: maxRetries, entries: make(map[string]*budget)}
}

func (bs *budgets) acquire(key string) *budget {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	b, ok := bs.entries[key]
	if !ok {
		b = &budget{base: bs.base, maxRetries: bs.maxRetries}
		bs.entries[key] = b
	}
	b.mu.Lock()
	b.refs++
	b.mu.Unlock()
	return b
}

func (bs *budgets) release(key string, success bool) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	b, ok := bs.entries[key]
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.used = 0
	}
	b.refs--
	if b.refs <= 0 {
		delete(bs.entries, key)
	}
}

// remaining reports the retries left for key, for tests.
func (bs *budgets) remaining(key string) (int, bool) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	b, ok := bs.entries[key]
	if !ok {
		return 0, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxRetries - b.used, true
}
