// Package broadcast consolidates accepted pixel writes into fixed windows so
// fan-out cost scales with time, not with write volume.
package broadcast

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/muralhq/mural/backend/internal/canvas"
	"go.uber.org/zap"
)

// DefaultWindow is the deployed batching window.
const DefaultWindow = 50 * time.Millisecond

type cellKey struct {
	x int
	y int
}

// Cell is one deduplicated pixel inside a batch.
type Cell struct {
	X     int
	Y     int
	Color canvas.Color
}

// Batch is the consolidated update for one non-empty window.
type Batch struct {
	Cells    []Cell
	Hash     string
	ClosedAt time.Time
}

// BatcherConfig describes the collaborators of the batcher. HashFunc samples
// the canvas content hash at window close; Publish hands the batch to the
// connection hub.
type BatcherConfig struct {
	Window   time.Duration
	HashFunc func() string
	Publish  func(Batch)
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Batcher accumulates writes between window boundaries. Writes to the same
// cell within a window collapse to the last one; the boundary swap happens
// under the mutex, so every write lands in exactly one batch. Empty windows
// publish nothing.
type Batcher struct {
	window   time.Duration
	hashFunc func() string
	publish  func(Batch)
	clock    func() time.Time
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[cellKey]canvas.Color
}

// NewBatcher validates dependencies and returns a Batcher.
func NewBatcher(cfg BatcherConfig) (*Batcher, error) {
	if cfg.HashFunc == nil {
		return nil, fmt.Errorf("broadcast: hash func required")
	}
	if cfg.Publish == nil {
		return nil, fmt.Errorf("broadcast: publish func required")
	}

	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Batcher{
		window:   window,
		hashFunc: cfg.HashFunc,
		publish:  cfg.Publish,
		clock:    clock,
		logger:   logger,
		pending:  make(map[cellKey]canvas.Color),
	}, nil
}

// Enqueue records an accepted write for the current window. Later writes to
// the same cell replace earlier ones.
func (b *Batcher) Enqueue(x, y int, color canvas.Color) {
	b.mu.Lock()
	b.pending[cellKey{x: x, y: y}] = color
	b.mu.Unlock()
}

// Run closes a window on every tick until ctx is canceled, then closes the
// last window so accepted writes are not silently discarded. The ticker runs
// on monotonic time; a slow flush drops ticks instead of borrowing from the
// next window.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.flush()
			return
		case <-ticker.C:
			b.flush()
		}
	}
}

func (b *Batcher) flush() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	taken := b.pending
	b.pending = make(map[cellKey]canvas.Color, len(taken))
	b.mu.Unlock()

	cells := make([]Cell, 0, len(taken))
	for key, color := range taken {
		cells = append(cells, Cell{X: key.x, Y: key.y, Color: color})
	}
	// Stable order keeps payloads deterministic for clients and tests.
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Y != cells[j].Y {
			return cells[i].Y < cells[j].Y
		}
		return cells[i].X < cells[j].X
	})

	batch := Batch{
		Cells:    cells,
		Hash:     b.hashFunc(),
		ClosedAt: b.clock().UTC(),
	}
	b.publish(batch)
	b.logger.Debug("pixel batch published", zap.Int("cells", len(cells)))
}
