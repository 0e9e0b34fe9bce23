package canvas

import (
	"errors"
	"fmt"
	"sync"
)

const bytesPerCell = 3

// Default grid dimensions for the deployed canvas.
const (
	DefaultWidth  = 900
	DefaultHeight = 900
)

var (
	errInvalidDimensions = errors.New("canvas: dimensions must be positive")
	errBitmapSize        = errors.New("canvas: bitmap size does not match dimensions")
	errNegativeVersion   = errors.New("canvas: version must not be negative")
)

// Store owns the authoritative pixel grid. All mutation goes through
// ApplyWrite; readers take consistent snapshots. A single RWMutex guards the
// grid, the version counter, and the content hash together because every
// accepted write advances all three.
type Store struct {
	mu      sync.RWMutex
	width   int
	height  int
	bitmap  []byte
	version int64
	digest  digest
}

// NewStore returns a Store with every cell at the zero color.
func NewStore(width, height int) (*Store, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", errInvalidDimensions, width, height)
	}

	store := &Store{
		width:  width,
		height: height,
		bitmap: make([]byte, width*height*bytesPerCell),
	}
	store.digest.rebuild(width, height, store.bitmap)
	return store, nil
}

// Width reports the grid width in cells.
func (s *Store) Width() int {
	return s.width
}

// Height reports the grid height in cells.
func (s *Store) Height() int {
	return s.height
}

// InBounds reports whether (x, y) addresses a cell on the grid.
func (s *Store) InBounds(x, y int) bool {
	return x >= 0 && x < s.width && y >= 0 && y < s.height
}

// WriteResult reports the canvas state an accepted write advanced to.
type WriteResult struct {
	Version int64
	Hash    string
}

// ApplyWrite sets one cell and advances the version. Out-of-range coordinates
// return an InvalidCoordinate rejection and leave every part of the state
// untouched. Rewriting a cell with its current color still counts as a write
// (the version advances) but cannot move the hash, which is a pure function
// of the grid contents.
func (s *Store) ApplyWrite(x, y int, color Color) (WriteResult, error) {
	if !s.InBounds(x, y) {
		return WriteResult{}, NewRejection(ReasonInvalidCoordinate, x, y)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	offset := (y*s.width + x) * bytesPerCell
	previous := Color{R: s.bitmap[offset], G: s.bitmap[offset+1], B: s.bitmap[offset+2]}

	s.bitmap[offset] = color.R
	s.bitmap[offset+1] = color.G
	s.bitmap[offset+2] = color.B
	s.digest.replaceCell(x, y, previous, color)
	s.version++

	return WriteResult{Version: s.version, Hash: s.digest.hex()}, nil
}

// Snapshot returns a consistent copy of the grid with its version and hash.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bitmap := make([]byte, len(s.bitmap))
	copy(bitmap, s.bitmap)
	return Snapshot{
		Width:   s.width,
		Height:  s.height,
		Bitmap:  bitmap,
		Version: s.version,
		Hash:    s.digest.hex(),
	}
}

// Version reports the current write counter.
func (s *Store) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Hash reports the current content hash.
func (s *Store) Hash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.digest.hex()
}

// CellColor returns the current color of one cell.
func (s *Store) CellColor(x, y int) (Color, error) {
	if !s.InBounds(x, y) {
		return Color{}, fmt.Errorf("%w: (%d,%d)", ErrInvalidCoordinate, x, y)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	offset := (y*s.width + x) * bytesPerCell
	return Color{R: s.bitmap[offset], G: s.bitmap[offset+1], B: s.bitmap[offset+2]}, nil
}

// Restore replaces the grid with persisted state. Intended for startup before
// the store is shared; the hash is recomputed from the restored contents.
func (s *Store) Restore(bitmap []byte, version int64) error {
	if len(bitmap) != s.width*s.height*bytesPerCell {
		return fmt.Errorf("%w: got %d bytes for %dx%d", errBitmapSize, len(bitmap), s.width, s.height)
	}
	if version < 0 {
		return fmt.Errorf("%w: %d", errNegativeVersion, version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copy(s.bitmap, bitmap)
	s.version = version
	s.digest.rebuild(s.width, s.height, s.bitmap)
	return nil
}
