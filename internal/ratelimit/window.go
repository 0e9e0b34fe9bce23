package ratelimit

import (
	"context"
	"sync"
	"time"
)

type windowEntry struct {
	count   int
	resetAt time.Time
}

// WindowLimiter caps requests per key inside a fixed window. It guards the
// expensive read endpoints, keyed by client address; the pixel write path
// uses Limiter instead.
type WindowLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	entries map[string]*windowEntry
}

// NewWindowLimiter returns a WindowLimiter allowing limit requests per window.
func NewWindowLimiter(limit int, window time.Duration, clock func() time.Time) *WindowLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &WindowLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		entries: make(map[string]*windowEntry),
	}
}

// Allow reports whether one more request for key fits in the current window.
func (w *WindowLimiter) Allow(key string) bool {
	now := w.clock()

	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.entries[key]
	if !ok || now.After(entry.resetAt) {
		w.entries[key] = &windowEntry{count: 1, resetAt: now.Add(w.window)}
		return true
	}

	entry.count++
	return entry.count <= w.limit
}

// RetryAfter reports the window length, for Retry-After response headers.
func (w *WindowLimiter) RetryAfter() time.Duration {
	return w.window
}

// Run garbage-collects expired windows until ctx is canceled.
func (w *WindowLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(w.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.gc(w.clock())
		}
	}
}

func (w *WindowLimiter) gc(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for key, entry := range w.entries {
		if now.After(entry.resetAt) {
			delete(w.entries, key)
		}
	}
}
