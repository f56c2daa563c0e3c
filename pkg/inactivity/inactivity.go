// Package inactivity expires a session after a quiet period.
package inactivity

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aussiebroadwan/sessionkit/pkg/clock"
)

const (
	DefaultTimeout       = 24 * time.Hour
	DefaultCheckInterval = time.Minute
	DefaultDebounce      = time.Second
)

type Config struct {
	// Timeout is how long the session may stay idle.
	Timeout time.Duration

	// CheckInterval is how often the idle time is compared to Timeout.
	CheckInterval time.Duration

	// Debounce coalesces bursts of RecordActivity into one update.
	Debounce time.Duration
}

// Monitor tracks the last user activity and calls OnTimeout once the
// session has been idle for longer than the timeout.
type Monitor struct {
	clock     clock.Scheduler
	cfg       Config
	onTimeout func()
	logger    *slog.Logger

	mu      sync.Mutex
	last    time.Time
	limiter *rate.Limiter
	handle  clock.Handle
	running bool
	gen     uint64
}

// New creates a stopped Monitor. Zero config fields take the defaults.
func New(c clock.Scheduler, cfg Config, logger *slog.Logger, onTimeout func()) *Monitor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		clock:     c,
		cfg:       cfg,
		onTimeout: onTimeout,
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Every(cfg.Debounce), 1),
	}
}

// Start begins periodic checks and counts the session as active now.
// Starting a running monitor only resets the activity mark.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.last = m.clock.Now()
	if m.running {
		return
	}
	m.running = true
	m.gen++
	m.scheduleLocked()
	m.logger.Debug("inactivity monitor started", "timeout", m.cfg.Timeout, "interval", m.cfg.CheckInterval)
}

// Stop cancels periodic checks. It is safe to call on a stopped monitor.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

// Running reports whether periodic checks are active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// RecordActivity marks the session as used. Calls closer together than the
// debounce interval are dropped.
func (m *Monitor) RecordActivity() {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.limiter.AllowN(now, 1) {
		return
	}
	m.last = now
}

// LastActivity returns the last recorded activity.
func (m *Monitor) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// CheckTimeout compares the idle time with the timeout and fires OnTimeout
// (stopping the monitor) when it is exceeded. It reports whether it fired.
func (m *Monitor) CheckTimeout() bool {
	now := m.clock.Now()

	m.mu.Lock()
	if !m.running || now.Sub(m.last) <= m.cfg.Timeout {
		m.mu.Unlock()
		return false
	}
	idle := now.Sub(m.last)
	m.stopLocked()
	m.mu.Unlock()

	m.logger.Info("session idle timeout", "idle", idle.Round(time.Second), "timeout", m.cfg.Timeout)
	m.onTimeout()
	return true
}

func (m *Monitor) scheduleLocked() {
	gen := m.gen
	m.handle = m.clock.Schedule(m.cfg.CheckInterval, func() { m.tick(gen) })
}

func (m *Monitor) tick(gen uint64) {
	m.mu.Lock()
	if !m.running || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.handle = 0
	m.mu.Unlock()

	if m.CheckTimeout() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running && gen == m.gen && m.handle == 0 {
		m.scheduleLocked()
	}
}

func (m *Monitor) stopLocked() {
	if m.handle != 0 {
		m.clock.Cancel(m.handle)
	}
	m.handle = 0
	m.running = false
	m.gen++
}
