package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillEventRelationType = "2026-10-01_backfill_event_relation_type"
	migrationPruneDanglingTimeline     = "2026-10-06_prune_dangling_timeline_events"
)

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
		{name: migrationBackfillEventRelationType, apply: backfillEventRelationType},
		{name: migrationPruneDanglingTimeline, apply: pruneDanglingTimelineEvents},
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

// backfillEventRelationType fills relation_type for rows stored before the column existed.
func backfillEventRelationType(db *gorm.DB) error {
	return db.Exec(`UPDATE events
		SET relation_type = json_extract(content_json, '$."m.relates_to".rel_type')
		WHERE relation_type = ''
		AND json_valid(content_json)
		AND json_extract(content_json, '$."m.relates_to".rel_type') IS NOT NULL`).Error
}

func pruneDanglingTimelineEvents(db *gorm.DB) error {
	return db.Exec(`DELETE FROM timeline_events
		WHERE event_id NOT IN (SELECT event_id FROM events)`).Error
}
