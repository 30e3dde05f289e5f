package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/roomsync/internal/events"
	"github.com/MarcoPoloResearchLab/roomsync/internal/timeline"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsRelationType(testContext *testing.T) {
	database := openMigrationDatabase(testContext)

	edit := events.Event{
		EventID:      "$edit",
		RoomID:       "!room:example.org",
		Type:         events.TypeMessage,
		ContentJSON:  `{"body":"* fixed","m.relates_to":{"rel_type":"m.replace","event_id":"$orig"}}`,
		UnsignedJSON: "{}",
	}
	plain := events.Event{
		EventID:      "$plain",
		RoomID:       "!room:example.org",
		Type:         events.TypeMessage,
		ContentJSON:  `{"body":"hello"}`,
		UnsignedJSON: "{}",
	}
	for _, row := range []*events.Event{&edit, &plain} {
		if err := database.Create(row).Error; err != nil {
			testContext.Fatalf("failed to insert event: %v", err)
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	stored, err := events.Find(database, "$edit")
	if err != nil || stored == nil {
		testContext.Fatalf("failed to reload edit: %v", err)
	}
	if stored.RelationType != events.RelationReplace {
		testContext.Fatalf("expected relation type to be backfilled, got %q", stored.RelationType)
	}
	stored, err = events.Find(database, "$plain")
	if err != nil || stored == nil {
		testContext.Fatalf("failed to reload plain event: %v", err)
	}
	if stored.RelationType != "" {
		testContext.Fatalf("expected plain event to stay without relation, got %q", stored.RelationType)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillEventRelationType).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsPrunesDanglingTimelineRows(testContext *testing.T) {
	database := openMigrationDatabase(testContext)
	if err := database.Create(&timeline.TimelineEvent{ChunkID: 1, EventID: "$ghost", RoomID: "!room:example.org", DisplayIndex: 1}).Error; err != nil {
		testContext.Fatalf("failed to insert timeline row: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var count int64
	if err := database.Model(&timeline.TimelineEvent{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count timeline rows: %v", err)
	}
	if count != 0 {
		testContext.Fatalf("expected dangling timeline row to be removed, got %d", count)
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database := openMigrationDatabase(testContext)
	for attempt := 0; attempt < 2; attempt++ {
		if err := applyMigrations(database, zap.NewNop()); err != nil {
			testContext.Fatalf("attempt %d failed: %v", attempt, err)
		}
	}
	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migrations: %v", err)
	}
	if count != 2 {
		testContext.Fatalf("expected each migration to be recorded once, got %d", count)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "replica.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"events", "event_insert_notifications", "room_summaries", "chunks", "sync_tokens", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
}

func openMigrationDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&events.Event{}, &timeline.TimelineEvent{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}
