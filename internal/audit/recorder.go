package audit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultQueueSize   = 1024
	defaultListLimit   = 100
	maxListLimit       = 1000
	insertRetryLimit   = 3
	insertRetryBackoff = 100 * time.Millisecond
	drainTimeout       = 5 * time.Second
)

// IDProvider issues audit entry identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// RecorderConfig describes the dependencies for the audit recorder.
type RecorderConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	QueueSize  int
}

// Recorder appends audit entries off the write path. Record never blocks:
// entries go into a bounded queue and a worker persists them with bounded
// retry. When the queue is full the entry is dropped and counted, so storage
// trouble stays invisible to drawing clients.
type Recorder struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	queue      chan Draft
	dropped    atomic.Int64
}

// NewRecorder validates dependencies and returns a Recorder.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("audit: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("audit: id provider required")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	return &Recorder{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		queue:      make(chan Draft, queueSize),
	}, nil
}

// Record enqueues a draft without blocking. A full queue drops the draft.
func (r *Recorder) Record(draft Draft) {
	select {
	case r.queue <- draft:
	default:
		dropped := r.dropped.Add(1)
		r.logger.Warn("audit entry dropped",
			zap.String("action", string(draft.Action)),
			zap.Int64("dropped_total", dropped))
	}
}

// Dropped reports how many entries were discarded due to backpressure.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Run persists queued entries until ctx is canceled, then drains whatever is
// already queued so a clean shutdown keeps its trail.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return
		case draft := <-r.queue:
			r.persist(ctx, draft)
		}
	}
}

func (r *Recorder) drain() {
	graceCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for {
		select {
		case draft := <-r.queue:
			r.persist(graceCtx, draft)
		default:
			return
		}
	}
}

func (r *Recorder) persist(ctx context.Context, draft Draft) {
	id, err := r.idProvider.NewID()
	if err != nil {
		r.logger.Error("audit id generation failed", zap.Error(err))
		return
	}

	entry := Entry{
		EntryID:           id,
		RecordedAtSeconds: r.clock().UTC().Unix(),
		UserID:            draft.UserID,
		Action:            draft.Action,
		X:                 draft.X,
		Y:                 draft.Y,
		Color:             draft.Color,
		Detail:            draft.Detail,
	}

	var lastErr error
	for attempt := 0; attempt <= insertRetryLimit; attempt++ {
		lastErr = r.db.WithContext(ctx).Create(&entry).Error
		if lastErr == nil {
			return
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < insertRetryLimit {
			wait := insertRetryBackoff * (1 << uint(attempt))
			select {
			case <-ctx.Done():
				r.logger.Error("audit insert abandoned", zap.Error(lastErr))
				return
			case <-time.After(wait):
			}
		}
	}

	r.logger.Error("audit insert failed",
		zap.String("entry_id", entry.EntryID),
		zap.String("action", string(entry.Action)),
		zap.Error(lastErr))
}

// List returns the newest entries, most recent first. A non-positive limit
// falls back to the default; oversized limits are clamped.
func (r *Recorder) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var entries []Entry
	if err := r.db.WithContext(ctx).
		Order("recorded_at_s DESC, entry_id DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("audit: list failed: %w", err)
	}
	return entries, nil
}
