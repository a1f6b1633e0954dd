package database

import (
	"fmt"

	"github.com/covenantmatch/covenant/backend/internal/chat"
	"github.com/covenantmatch/covenant/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
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

	if err := db.AutoMigrate(
		&chat.Conversation{},
		&chat.Message{},
		&users.Profile{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := resetOnlineFlags(db); err != nil && logger != nil {
		logger.Warn("online flag reset failed", zap.Error(err))
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Presence is connection-scoped; an online flag that survived a previous
// process is stale by definition. Runs on every boot.
func resetOnlineFlags(db *gorm.DB) error {
	return db.Model(&users.Profile{}).
		Where("is_online = ?", true).
		Update("is_online", false).Error
}
