package locks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrRegionOutOfBounds indicates a lock rectangle outside the canvas.
	ErrRegionOutOfBounds = errors.New("locks: region out of canvas bounds")
	// ErrMissingCreator indicates a lock request without a creator identifier.
	ErrMissingCreator = errors.New("locks: creator is required")
)

// IDProvider issues lock identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ManagerConfig describes the dependencies for the lock manager.
type ManagerConfig struct {
	Database     *gorm.DB
	CanvasWidth  int
	CanvasHeight int
	Clock        func() time.Time
	IDProvider   IDProvider
	Logger       *zap.Logger
}

// Manager holds the active lock set in memory and mirrors it to storage.
// IsLocked sits on the hot write path, so point checks scan a small
// read-locked slice; moderation changes are rare and take the write lock.
// A new lock is installed in memory before Create returns, so no write
// admitted afterwards can land inside it unchecked.
type Manager struct {
	db         *gorm.DB
	width      int
	height     int
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger

	mu    sync.RWMutex
	locks []Lock
}

// NewManager validates dependencies and returns a Manager with an empty set.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("locks: database connection required")
	}
	if cfg.CanvasWidth <= 0 || cfg.CanvasHeight <= 0 {
		return nil, fmt.Errorf("locks: canvas dimensions required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("locks: id provider required")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		db:         cfg.Database,
		width:      cfg.CanvasWidth,
		height:     cfg.CanvasHeight,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// LoadPersisted replaces the in-memory set with the stored locks. Intended
// for startup before the manager is shared.
func (m *Manager) LoadPersisted(ctx context.Context) error {
	var records []Record
	if err := m.db.WithContext(ctx).
		Order("created_at_s ASC, lock_id ASC").
		Find(&records).Error; err != nil {
		return fmt.Errorf("locks: load failed: %w", err)
	}

	loaded := make([]Lock, 0, len(records))
	for _, record := range records {
		loaded = append(loaded, lockFromRecord(record))
	}

	m.mu.Lock()
	m.locks = loaded
	m.mu.Unlock()

	m.logger.Info("region locks loaded", zap.Int("count", len(loaded)))
	return nil
}

// IsLocked reports whether any active lock covers (x, y).
func (m *Manager) IsLocked(x, y int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, lock := range m.locks {
		if lock.Region.Contains(x, y) {
			return true
		}
	}
	return false
}

// List returns a copy of the active locks in load order.
func (m *Manager) List() []Lock {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Lock, len(m.locks))
	copy(out, m.locks)
	return out
}

// CreateRequest describes a new moderation lock.
type CreateRequest struct {
	Region    Region
	Reason    string
	CreatedBy string
}

// Create validates, persists, and installs a lock. Overlap with existing
// locks is permitted. The lock is covering writes by the time Create returns.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Lock, error) {
	region := req.Region.Normalize()
	if !m.regionInBounds(region) {
		return Lock{}, fmt.Errorf("%w: (%d,%d)-(%d,%d) on %dx%d",
			ErrRegionOutOfBounds, region.X1, region.Y1, region.X2, region.Y2, m.width, m.height)
	}

	createdBy := strings.TrimSpace(req.CreatedBy)
	if createdBy == "" {
		return Lock{}, ErrMissingCreator
	}

	id, err := m.idProvider.NewID()
	if err != nil {
		return Lock{}, fmt.Errorf("locks: id generation failed: %w", err)
	}

	lock := Lock{
		ID:        id,
		Region:    region,
		Reason:    strings.TrimSpace(req.Reason),
		CreatedBy: createdBy,
		CreatedAt: m.clock().UTC(),
	}

	record := recordFromLock(lock)
	if err := m.db.WithContext(ctx).Create(&record).Error; err != nil {
		m.logger.Error("region lock persist failed",
			zap.String("lock_id", lock.ID),
			zap.Error(err))
		return Lock{}, fmt.Errorf("locks: persist failed: %w", err)
	}

	m.mu.Lock()
	m.locks = append(m.locks, lock)
	m.mu.Unlock()

	m.logger.Info("region lock created",
		zap.String("lock_id", lock.ID),
		zap.String("created_by", createdBy),
		zap.Int("x1", region.X1), zap.Int("y1", region.Y1),
		zap.Int("x2", region.X2), zap.Int("y2", region.Y2))
	return lock, nil
}

// Remove deletes one lock by identifier. The first return value reports
// whether the lock existed; removing an absent lock is not an error.
func (m *Manager) Remove(ctx context.Context, lockID string) (bool, error) {
	if err := m.db.WithContext(ctx).
		Where("lock_id = ?", lockID).
		Delete(&Record{}).Error; err != nil {
		return false, fmt.Errorf("locks: delete failed: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, lock := range m.locks {
		if lock.ID == lockID {
			m.locks = append(m.locks[:i], m.locks[i+1:]...)
			m.logger.Info("region lock removed", zap.String("lock_id", lockID))
			return true, nil
		}
	}
	return false, nil
}

// RemoveRegion deletes every lock whose normalized rectangle matches the
// given one exactly, and reports how many were removed. This serves the
// coordinate-addressed moderation API.
func (m *Manager) RemoveRegion(ctx context.Context, region Region) (int, error) {
	region = region.Normalize()

	if err := m.db.WithContext(ctx).
		Where("x1 = ? AND y1 = ? AND x2 = ? AND y2 = ?", region.X1, region.Y1, region.X2, region.Y2).
		Delete(&Record{}).Error; err != nil {
		return 0, fmt.Errorf("locks: delete failed: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.locks[:0]
	removed := 0
	for _, lock := range m.locks {
		if lock.Region == region {
			removed++
			continue
		}
		kept = append(kept, lock)
	}
	m.locks = kept

	if removed > 0 {
		m.logger.Info("region locks removed",
			zap.Int("count", removed),
			zap.Int("x1", region.X1), zap.Int("y1", region.Y1),
			zap.Int("x2", region.X2), zap.Int("y2", region.Y2))
	}
	return removed, nil
}

func (m *Manager) regionInBounds(region Region) bool {
	return region.X1 >= 0 && region.Y1 >= 0 && region.X2 < m.width && region.Y2 < m.height
}
