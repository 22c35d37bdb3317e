package ratelimit

import (
	"context"
	"sync"
	"time"
)

const sweepInterval = 5 * time.Minute

// WindowLimiter is a fixed-window counter keyed by (identity, path). The
// first request in a window sets its reset time; once the counter reaches
// the limit, further requests are rejected until the window rolls over.
type WindowLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*windowEntry
}

type windowEntry struct {
	count   int
	resetAt time.Time
}

// NewWindowLimiter creates an in-memory limiter allowing limit requests per
// window for each (identity, path) pair.
func NewWindowLimiter(limit int, window time.Duration) *WindowLimiter {
	return &WindowLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		entries: make(map[string]*windowEntry),
	}
}

// Allow implements Limiter. It never returns an error.
func (l *WindowLimiter) Allow(_ context.Context, identity, path string) (bool, error) {
	key := identity + "\x00" + path
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || !now.Before(e.resetAt) {
		l.entries[key] = &windowEntry{count: 1, resetAt: now.Add(l.window)}
		return true, nil
	}

	if e.count >= l.limit {
		return false, nil
	}
	e.count++
	return true, nil
}

// Sweep drops expired windows so identities seen once do not accumulate.
func (l *WindowLimiter) Sweep() {
	now := l.now()
	l.mu.Lock()
	for key, e := range l.entries {
		if !now.Before(e.resetAt) {
			delete(l.entries, key)
		}
	}
	l.mu.Unlock()
}

// Run sweeps periodically until ctx ends.
func (l *WindowLimiter) Run(ctx context.Context) error {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			l.Sweep()
		}
	}
}

// Len reports the number of tracked windows.
func (l *WindowLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
