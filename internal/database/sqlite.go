package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/roomsync/internal/accountdata"
	"github.com/MarcoPoloResearchLab/roomsync/internal/devicecrypto"
	"github.com/MarcoPoloResearchLab/roomsync/internal/events"
	"github.com/MarcoPoloResearchLab/roomsync/internal/groups"
	"github.com/MarcoPoloResearchLab/roomsync/internal/ingest"
	"github.com/MarcoPoloResearchLab/roomsync/internal/notify"
	"github.com/MarcoPoloResearchLab/roomsync/internal/rooms"
	"github.com/MarcoPoloResearchLab/roomsync/internal/timeline"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const busyTimeoutMillis = 5000

// Models lists every table of the replica.
func Models() []any {
	return []any{
		&events.Event{},
		&notify.Notification{},
		&rooms.RoomSummary{},
		&rooms.CurrentStateEvent{},
		&timeline.Chunk{},
		&timeline.TimelineEvent{},
		&accountdata.Entry{},
		&accountdata.RoomEntry{},
		&groups.GroupSummary{},
		&devicecrypto.ToDeviceEvent{},
		&devicecrypto.InboundRoomKey{},
		&ingest.SyncToken{},
		&migrationRecord{},
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// The pool is limited to one connection; writers therefore serialize on it.
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

	if err := applyPragmas(db, path); err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

func applyPragmas(db *gorm.DB, path string) error {
	if err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d;", busyTimeoutMillis)).Error; err != nil {
		return err
	}
	if isMemoryPath(path) {
		return nil
	}
	return db.Exec("PRAGMA journal_mode = WAL;").Error
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}
