package database

import (
	"errors"
	"time"

	"github.com/covenantmatch/covenant/backend/internal/chat"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillConversationPairKeys = "2026-08-20_backfill_conversation_pair_keys"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillConversationPairKeys, apply: backfillConversationPairKeys},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Conversations created before the unique pair index carried an empty key.
func backfillConversationPairKeys(db *gorm.DB) error {
	var conversations []chat.Conversation
	if err := db.Where("pair_key = ?", "").Find(&conversations).Error; err != nil {
		return err
	}
	for _, conversation := range conversations {
		key := chat.PairKey(conversation.ParticipantA, conversation.ParticipantB)
		if err := db.Model(&chat.Conversation{}).
			Where("conversation_id = ?", conversation.ConversationID).
			Update("pair_key", key).Error; err != nil {
			return err
		}
	}
	return nil
}
