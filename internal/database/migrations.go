package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/convosync/internal/chat"
	"github.com/MarcoPoloResearchLab/convosync/internal/messages"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeTombstones = "2026-03-01_normalize_tombstone_content"

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
		{name: migrationNormalizeTombstones, apply: normalizeTombstones},
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

// normalizeTombstones scrubs the content of rows deleted before tombstone
// content was written on delete.
func normalizeTombstones(db *gorm.DB) error {
	return db.Model(&chat.Message{}).
		Where("is_deleted = ? AND content <> ?", true, messages.TombstoneContent).
		Update("content", messages.TombstoneContent).Error
}
