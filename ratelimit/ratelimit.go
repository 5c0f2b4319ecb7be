// Package ratelimit implements a fixed-window request counter keyed by an
// opaque identifier (the relay keys it by the tenant and target server pair,
// so one tenant cannot drain another's budget). Semantics are
// deliberately simple: the first request for a key opens a window, every
// request increments the count, and once the count exceeds the limit the
// request is rejected with the remaining time until the window lapses. A
// lapsed window starts fresh at count 1 rather than decaying gradually.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

const cleanupInterval = 5 * time.Minute

// Result reports the outcome of a single Check call.
type Result struct {
	// Allowed is false once the window's budget is exhausted.
	Allowed bool
	// ResetIn is the time remaining until the window lapses. Only meaningful
	// when Allowed is false.
	ResetIn time.Duration
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter is a fixed-window limiter safe for concurrent use. Stale windows
// are reaped by a background loop; call Stop to release it.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window

	limit  int
	period time.Duration
	logger *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a limiter allowing limit requests per period for each key.
func New(limit int, period time.Duration, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		windows: make(map[string]*window),
		limit:   limit,
		period:  period,
		logger:  logger,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanupLoop()
	return l
}

// Check records one request against key and reports whether it is within
// budget.
func (l *Limiter) Check(key string) Result {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		l.windows[key] = &window{count: 1, resetAt: now.Add(l.period)}
		return Result{Allowed: true}
	}

	w.count++
	if w.count > l.limit {
		return Result{Allowed: false, ResetIn: w.resetAt.Sub(now)}
	}
	return Result{Allowed: true}
}

// Stop terminates the background cleanup loop.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.removeStale()
		}
	}
}

func (l *Limiter) removeStale() {
	now := l.now()
	l.mu.Lock()
	removed := 0
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
			removed++
		}
	}
	l.mu.Unlock()
	if removed > 0 {
		l.logger.Debug("rate limiter cleanup", "removed", removed)
	}
}
