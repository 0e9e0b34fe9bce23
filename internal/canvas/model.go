package canvas

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

// AnonymousUserID substitutes for writes that arrive without a user identifier.
const AnonymousUserID UserID = "anonymous"

var (
	// ErrInvalidUserID indicates that a user identifier exceeds storage bounds.
	ErrInvalidUserID = errors.New("canvas: invalid user id")
	// ErrInvalidCoordinate indicates that a coordinate falls outside the grid.
	ErrInvalidCoordinate = errors.New("canvas: coordinate out of range")
)

// UserID represents a validated opaque user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID. Empty input maps to the
// anonymous identifier; the value is otherwise opaque to the server.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return AnonymousUserID, nil
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// RejectReason enumerates the canonical codes a refused pixel write carries
// back to the client.
type RejectReason string

const (
	// ReasonRegionLocked marks a write into a moderator-locked region.
	ReasonRegionLocked RejectReason = "RegionLocked"
	// ReasonRateLimitExceeded marks a write refused by the token bucket.
	ReasonRateLimitExceeded RejectReason = "RateLimitExceeded"
	// ReasonMinuteLimitExceeded marks a write refused by the per-minute window.
	ReasonMinuteLimitExceeded RejectReason = "MinuteLimitExceeded"
	// ReasonInvalidCoordinate marks a write outside the canvas bounds.
	ReasonInvalidCoordinate RejectReason = "InvalidCoordinate"
)

// Rejection reports a refused pixel write. It travels as an error value so
// callers can distinguish refusals from infrastructure failures, but it is an
// expected outcome, not a fault.
type Rejection struct {
	Reason RejectReason
	X      int
	Y      int
}

// Error satisfies the error interface.
func (r *Rejection) Error() string {
	return fmt.Sprintf("canvas: write rejected at (%d,%d): %s", r.X, r.Y, r.Reason)
}

// NewRejection constructs a Rejection for the given cell and reason.
func NewRejection(reason RejectReason, x, y int) *Rejection {
	return &Rejection{Reason: reason, X: x, Y: y}
}

// AsRejection unwraps err into a Rejection when it carries one.
func AsRejection(err error) (*Rejection, bool) {
	var rejection *Rejection
	if errors.As(err, &rejection) {
		return rejection, true
	}
	return nil, false
}

// PixelWrite describes one decoded inbound pixel mutation. Only its effect on
// the grid and the audit trail outlives the request.
type PixelWrite struct {
	X               int
	Y               int
	Color           Color
	Tool            Tool
	UserID          UserID
	ClientTimestamp string
}

// EffectiveColor resolves the color the write paints once the tool is applied.
func (w PixelWrite) EffectiveColor() Color {
	return w.Tool.Effective(w.Color)
}

// StateRecord is the persisted canvas snapshot row. The bitmap travels
// gzip-compressed; version and hash let startup verify what it restored.
type StateRecord struct {
	StateID        string `gorm:"column:state_id;primaryKey;size:64;not null"`
	Width          int    `gorm:"column:width;not null"`
	Height         int    `gorm:"column:height;not null"`
	BitmapGzip     []byte `gorm:"column:bitmap_gz;not null"`
	Version        int64  `gorm:"column:version;not null;default:0"`
	Hash           string `gorm:"column:hash;size:64;not null"`
	SavedAtSeconds int64  `gorm:"column:saved_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StateRecord) TableName() string {
	return "canvas_states"
}

// Snapshot is a point-in-time copy of the canvas safe to read without locks.
type Snapshot struct {
	Width   int
	Height  int
	Bitmap  []byte
	Version int64
	Hash    string
}
