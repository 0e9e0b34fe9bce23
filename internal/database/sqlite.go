package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/muralhq/mural/backend/internal/audit"
	"github.com/muralhq/mural/backend/internal/canvas"
	"github.com/muralhq/mural/backend/internal/locks"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&canvas.StateRecord{}, &locks.Record{}, &audit.Entry{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := backfillAnonymousUsers(db); err != nil && logger != nil {
		logger.Warn("anonymous user backfill failed", zap.Error(err))
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// backfillAnonymousUsers rewrites audit rows recorded before empty user ids
// were folded into the anonymous identity.
func backfillAnonymousUsers(db *gorm.DB) error {
	update := "UPDATE audit_entries SET user_id = 'anonymous' WHERE user_id = '';"
	return db.Exec(update).Error
}
