package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Reaction toggles are read-then-write without a transactional guard, so a
// user racing themselves across two clients can double-insert the same
// (message, author, emoji) reaction. This migration collapses such
// duplicates, keeping the earliest copy.
const migrationDedupeReactions = "2026-04-18_dedupe_reactions"

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
		{name: migrationDedupeReactions, apply: dedupeReactions},
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

func dedupeReactions(db *gorm.DB) error {
	const statement = `DELETE FROM chat_reactions WHERE reaction_id NOT IN (
		SELECT min(reaction_id) FROM chat_reactions GROUP BY message_id, author_id, emoji
	);`
	return db.Exec(statement).Error
}
