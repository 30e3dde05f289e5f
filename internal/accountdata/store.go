package accountdata

import (
	"errors"

	"github.com/MarcoPoloResearchLab/roomsync/internal/events"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Save upserts a global account data entry.
func Save(transaction *gorm.DB, entryType string, content map[string]any, updatedAtSeconds int64) error {
	contentJSON, err := events.EncodeObject(content)
	if err != nil {
		return err
	}
	return transaction.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "type"}},
		DoUpdates: clause.AssignmentColumns([]string{"content_json", "updated_at_s"}),
	}).Create(&Entry{
		Type:             entryType,
		ContentJSON:      contentJSON,
		UpdatedAtSeconds: updatedAtSeconds,
	}).Error
}

// SaveRoomEntry upserts a per-room account data entry.
func SaveRoomEntry(transaction *gorm.DB, roomID string, entryType string, content map[string]any, updatedAtSeconds int64) error {
	contentJSON, err := events.EncodeObject(content)
	if err != nil {
		return err
	}
	return transaction.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}, {Name: "type"}},
		DoUpdates: clause.AssignmentColumns([]string{"content_json", "updated_at_s"}),
	}).Create(&RoomEntry{
		RoomID:           roomID,
		Type:             entryType,
		ContentJSON:      contentJSON,
		UpdatedAtSeconds: updatedAtSeconds,
	}).Error
}

// Content loads and decodes a global entry. The boolean reports whether the entry exists.
func Content(database *gorm.DB, entryType string) (map[string]any, bool, error) {
	var entry Entry
	err := database.Where("type = ?", entryType).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	content, err := events.DecodeObject(entry.ContentJSON)
	if err != nil {
		return nil, true, err
	}
	return content, true, nil
}
