// Package pipeline composes the per-write control flow: bounds, region
// locks, rate budgets, the canvas store, the audit trail, and the batch
// broadcaster, in that order.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/muralhq/mural/backend/internal/audit"
	"github.com/muralhq/mural/backend/internal/canvas"
	"github.com/muralhq/mural/backend/internal/ratelimit"
	"go.uber.org/zap"
)

// LockChecker guards regions of the canvas.
type LockChecker interface {
	IsLocked(x, y int) bool
}

// RateAllower settles one prospective write against a user's budgets.
type RateAllower interface {
	Allow(userID string) error
}

// Enqueuer accepts accepted writes for the next broadcast window.
type Enqueuer interface {
	Enqueue(x, y int, color canvas.Color)
}

// AuditSink records write outcomes without blocking.
type AuditSink interface {
	Record(draft audit.Draft)
}

// Config describes the pipeline's collaborators.
type Config struct {
	Store   *canvas.Store
	Locks   LockChecker
	Rate    RateAllower
	Batcher Enqueuer
	Audit   AuditSink
	Logger  *zap.Logger
}

// Pipeline applies the write gates in a fixed order. Bounds come first so
// garbage coordinates are refused before they can spend budget; locks come
// before rate so a locked reject never consumes a token; the store apply and
// the batch enqueue happen only for writes that cleared every gate. A
// rejection travels back as a typed error and never reaches the broadcaster.
type Pipeline struct {
	store   *canvas.Store
	locks   LockChecker
	rate    RateAllower
	batcher Enqueuer
	audit   AuditSink
	logger  *zap.Logger
}

// New validates collaborators and returns a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("pipeline: canvas store required")
	}
	if cfg.Locks == nil {
		return nil, fmt.Errorf("pipeline: lock checker required")
	}
	if cfg.Rate == nil {
		return nil, fmt.Errorf("pipeline: rate limiter required")
	}
	if cfg.Batcher == nil {
		return nil, fmt.Errorf("pipeline: batcher required")
	}
	if cfg.Audit == nil {
		return nil, fmt.Errorf("pipeline: audit sink required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pipeline{
		store:   cfg.Store,
		locks:   cfg.Locks,
		rate:    cfg.Rate,
		batcher: cfg.Batcher,
		audit:   cfg.Audit,
		logger:  logger,
	}, nil
}

// Outcome reports the canvas state an accepted write advanced to and the
// color it actually painted.
type Outcome struct {
	Version int64
	Hash    string
	Color   canvas.Color
}

// SubmitWrite runs one write through every gate. The returned error is a
// *canvas.Rejection for refused writes; the client decides whether to retry.
func (p *Pipeline) SubmitWrite(write canvas.PixelWrite) (Outcome, error) {
	if !p.store.InBounds(write.X, write.Y) {
		return Outcome{}, p.reject(write, canvas.ReasonInvalidCoordinate)
	}

	if p.locks.IsLocked(write.X, write.Y) {
		return Outcome{}, p.reject(write, canvas.ReasonRegionLocked)
	}

	if err := p.rate.Allow(write.UserID.String()); err != nil {
		reason := canvas.ReasonRateLimitExceeded
		if errors.Is(err, ratelimit.ErrMinuteLimitExceeded) {
			reason = canvas.ReasonMinuteLimitExceeded
		}
		return Outcome{}, p.reject(write, reason)
	}

	color := write.EffectiveColor()
	result, err := p.store.ApplyWrite(write.X, write.Y, color)
	if err != nil {
		if rejection, ok := canvas.AsRejection(err); ok {
			p.auditReject(write, rejection.Reason)
			return Outcome{}, rejection
		}
		return Outcome{}, err
	}

	p.batcher.Enqueue(write.X, write.Y, color)
	p.audit.Record(audit.Draft{
		UserID: write.UserID.String(),
		Action: audit.ActionPixelWrite,
		X:      write.X,
		Y:      write.Y,
		Color:  color.Hex(),
		Detail: string(write.Tool),
	})

	return Outcome{Version: result.Version, Hash: result.Hash, Color: color}, nil
}

func (p *Pipeline) reject(write canvas.PixelWrite, reason canvas.RejectReason) *canvas.Rejection {
	p.auditReject(write, reason)
	p.logger.Debug("pixel write rejected",
		zap.String("user_id", write.UserID.String()),
		zap.Int("x", write.X), zap.Int("y", write.Y),
		zap.String("reason", string(reason)))
	return canvas.NewRejection(reason, write.X, write.Y)
}

func (p *Pipeline) auditReject(write canvas.PixelWrite, reason canvas.RejectReason) {
	p.audit.Record(audit.Draft{
		UserID: write.UserID.String(),
		Action: audit.ActionPixelReject,
		X:      write.X,
		Y:      write.Y,
		Color:  write.Color.Hex(),
		Detail: string(reason),
	})
}
