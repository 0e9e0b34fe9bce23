package canvas

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	flushRetryLimit   = 3
	flushRetryBackoff = 250 * time.Millisecond
	finalFlushTimeout = 5 * time.Second
)

var (
	errMissingStore      = errors.New("canvas store is required")
	errMissingRepository = errors.New("canvas repository is required")
	errInvalidInterval   = errors.New("flush interval must be positive")
)

// FlusherConfig describes the dependencies of the write-behind flusher.
type FlusherConfig struct {
	Store      *Store
	Repository *Repository
	Interval   time.Duration
	Logger     *zap.Logger
}

// Flusher persists canvas snapshots off the write path. Writers never wait on
// storage; a failed save is logged and retried with backoff, and the next
// tick tries again. Versions that did not move since the last successful save
// are skipped.
type Flusher struct {
	store      *Store
	repository *Repository
	interval   time.Duration
	logger     *zap.Logger

	mu          sync.Mutex
	lastFlushed int64
}

// NewFlusher validates dependencies and returns a Flusher.
func NewFlusher(cfg FlusherConfig) (*Flusher, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opFlushState, "missing_store", errMissingStore)
	}
	if cfg.Repository == nil {
		return nil, newServiceError(opFlushState, "missing_repository", errMissingRepository)
	}
	if cfg.Interval <= 0 {
		return nil, newServiceError(opFlushState, "invalid_interval", errInvalidInterval)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Flusher{
		store:      cfg.Store,
		repository: cfg.Repository,
		interval:   cfg.Interval,
		logger:     logger,
		// A fresh process has persisted nothing yet.
		lastFlushed: -1,
	}, nil
}

// MarkFlushed records a version as already persisted, so the first tick after
// a restore does not rewrite an unchanged row.
func (f *Flusher) MarkFlushed(version int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFlushed = version
}

// Run flushes on every interval tick until ctx is canceled, then makes one
// final attempt so a clean shutdown does not lose the tail of the session.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
			f.flushOnce(finalCtx)
			cancel()
			return
		case <-ticker.C:
			f.flushOnce(ctx)
		}
	}
}

// FlushNow persists the current snapshot immediately, outside the tick cycle.
func (f *Flusher) FlushNow(ctx context.Context) error {
	return f.flushOnce(ctx)
}

func (f *Flusher) flushOnce(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	snapshot := f.store.Snapshot()
	if snapshot.Version == f.lastFlushed {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= flushRetryLimit; attempt++ {
		lastErr = f.repository.Save(ctx, snapshot)
		if lastErr == nil {
			f.lastFlushed = snapshot.Version
			f.logger.Debug("canvas state flushed",
				zap.Int64("version", snapshot.Version),
				zap.String("hash", snapshot.Hash))
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < flushRetryLimit {
			wait := flushRetryBackoff * (1 << uint(attempt))
			f.logger.Warn("canvas flush retrying",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", wait),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(wait):
			}
		}
	}

	f.logger.Error("canvas flush failed",
		zap.Int64("version", snapshot.Version),
		zap.Error(lastErr))
	return lastErr
}
