// Package ratelimit enforces the per-user pixel write budgets and the
// per-client request caps on expensive read endpoints.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Defaults match the deployed write budget.
const (
	DefaultBurst        = 20
	DefaultRefillPerSec = 10.0
	DefaultMinuteCap    = 100

	minuteWindow   = time.Minute
	idleEvictAfter = 10 * time.Minute
	sweepInterval  = time.Minute
)

var (
	// ErrRateLimitExceeded reports an exhausted token bucket.
	ErrRateLimitExceeded = errors.New("ratelimit: token budget exhausted")
	// ErrMinuteLimitExceeded reports a full per-minute window.
	ErrMinuteLimitExceeded = errors.New("ratelimit: minute budget exhausted")
)

// LimiterConfig describes the write budget. Zero values fall back to the
// deployed defaults; Clock is injectable for deterministic tests.
type LimiterConfig struct {
	Burst        int
	RefillPerSec float64
	MinuteCap    int
	Clock        func() time.Time
}

// budget is one user's rate state. Its mutex serializes that user's writes so
// concurrent submissions settle the budget one at a time.
type budget struct {
	mu          sync.Mutex
	tokens      float64
	lastRefill  time.Time
	windowStart time.Time
	windowCount int
	lastSeen    time.Time
}

// Limiter enforces two budgets per user: a token bucket that shapes burst
// rate, and a fixed one-minute window that caps sustained throughput. The
// bucket is checked first. A write that clears the bucket but trips the
// minute cap has already spent its token; that mild unfairness keeps the
// check order stable and matches the deployed behavior.
type Limiter struct {
	burst        float64
	refillPerSec float64
	minuteCap    int
	clock        func() time.Time

	mu      sync.Mutex
	budgets map[string]*budget
}

// NewLimiter returns a Limiter with per-user state created on first use.
func NewLimiter(cfg LimiterConfig) *Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = DefaultBurst
	}
	refill := cfg.RefillPerSec
	if refill <= 0 {
		refill = DefaultRefillPerSec
	}
	minuteCap := cfg.MinuteCap
	if minuteCap <= 0 {
		minuteCap = DefaultMinuteCap
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Limiter{
		burst:        float64(burst),
		refillPerSec: refill,
		minuteCap:    minuteCap,
		clock:        clock,
		budgets:      make(map[string]*budget),
	}
}

// Allow settles one prospective write against the user's budgets. A nil
// return means the write is accepted and accounted; otherwise the error is
// ErrRateLimitExceeded or ErrMinuteLimitExceeded.
func (l *Limiter) Allow(userID string) error {
	now := l.clock()
	b := l.budgetFor(userID, now)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSeen = now

	// Lazy refill since the last settlement, capped at the burst size.
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * l.refillPerSec
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
	}
	b.lastRefill = now

	if b.tokens < 1 {
		return ErrRateLimitExceeded
	}
	b.tokens--

	// The window anchors at the first accepted write and stays fixed until
	// a full minute has passed; it counts accepted writes only.
	if b.windowStart.IsZero() || now.Sub(b.windowStart) >= minuteWindow {
		b.windowStart = now
		b.windowCount = 0
	}
	if b.windowCount >= l.minuteCap {
		return ErrMinuteLimitExceeded
	}
	b.windowCount++

	return nil
}

func (l *Limiter) budgetFor(userID string, now time.Time) *budget {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.budgets[userID]
	if !ok {
		b = &budget{tokens: l.burst, lastRefill: now, lastSeen: now}
		l.budgets[userID] = b
	}
	return b
}

// Run evicts budgets idle past the retention horizon until ctx is canceled.
// An evicted user starts over with a full bucket, the same leniency the
// deployed cache expiry produced.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep(l.clock())
		}
	}
}

func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for userID, b := range l.budgets {
		b.mu.Lock()
		idle := now.Sub(b.lastSeen)
		b.mu.Unlock()
		if idle >= idleEvictAfter {
			delete(l.budgets, userID)
		}
	}
}

// TrackedUsers reports how many users currently hold budget state.
func (l *Limiter) TrackedUsers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.budgets)
}
