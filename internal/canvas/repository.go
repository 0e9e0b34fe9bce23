package canvas

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StateRowID is the primary key of the single authoritative canvas row.
const StateRowID = "main"

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable machine-readable code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opRepositoryNew = "canvas.repository.new"
	opLoadState     = "canvas.load_state"
	opSaveState     = "canvas.save_state"
	opFlushState    = "canvas.flush_state"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// RepositoryConfig describes the dependencies of the canvas repository.
type RepositoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Repository persists canvas snapshots. The bitmap is stored gzip-compressed;
// a fresh deployment has no row until the first save.
type Repository struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewRepository validates dependencies and returns a Repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opRepositoryNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Repository{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Load fetches the persisted canvas state. The second return value reports
// whether a row existed; a missing row is a fresh deployment, not an error.
func (r *Repository) Load(ctx context.Context) (Snapshot, bool, error) {
	var record StateRecord
	err := r.db.WithContext(ctx).
		Where("state_id = ?", StateRowID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		r.logError(opLoadState, "query_failed", err)
		return Snapshot{}, false, newServiceError(opLoadState, "query_failed", err)
	}

	bitmap, err := gunzipBitmap(record.BitmapGzip)
	if err != nil {
		r.logError(opLoadState, "decompress_failed", err)
		return Snapshot{}, false, newServiceError(opLoadState, "decompress_failed", err)
	}
	if len(bitmap) != record.Width*record.Height*bytesPerCell {
		err := fmt.Errorf("%w: got %d bytes for %dx%d", errBitmapSize, len(bitmap), record.Width, record.Height)
		r.logError(opLoadState, "size_mismatch", err)
		return Snapshot{}, false, newServiceError(opLoadState, "size_mismatch", err)
	}

	return Snapshot{
		Width:   record.Width,
		Height:  record.Height,
		Bitmap:  bitmap,
		Version: record.Version,
		Hash:    record.Hash,
	}, true, nil
}

// Save upserts the canvas row from the provided snapshot.
func (r *Repository) Save(ctx context.Context, snapshot Snapshot) error {
	compressed, err := gzipBitmap(snapshot.Bitmap)
	if err != nil {
		r.logError(opSaveState, "compress_failed", err)
		return newServiceError(opSaveState, "compress_failed", err)
	}

	record := StateRecord{
		StateID:        StateRowID,
		Width:          snapshot.Width,
		Height:         snapshot.Height,
		BitmapGzip:     compressed,
		Version:        snapshot.Version,
		Hash:           snapshot.Hash,
		SavedAtSeconds: r.clock().UTC().Unix(),
	}
	if err := r.db.WithContext(ctx).Save(&record).Error; err != nil {
		r.logError(opSaveState, "upsert_failed", err,
			zap.Int64("version", snapshot.Version))
		return newServiceError(opSaveState, "upsert_failed", err)
	}

	return nil
}

func gzipBitmap(bitmap []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(bitmap); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBitmap(compressed []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func (r *Repository) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("canvas repository error", attrs...)
}
