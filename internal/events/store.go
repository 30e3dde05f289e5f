package events

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnContentJSON  = "content_json"
	columnUnsignedJSON = "unsigned_json"
	queryEventID       = "event_id = ?"
)

// Insert stores the event unless a row with the same identifier exists.
// It reports whether a new row was written; insert triggers only fire for new rows.
func Insert(transaction *gorm.DB, event *Event) (bool, error) {
	result := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Find loads an event by identifier. A missing row yields nil without error.
func Find(database *gorm.DB, eventID string) (*Event, error) {
	var event Event
	err := database.Where(queryEventID, eventID).Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// UpdateContent replaces the stored content object.
func UpdateContent(transaction *gorm.DB, eventID string, contentJSON string) error {
	return transaction.Model(&Event{}).
		Where(queryEventID, eventID).
		Update(columnContentJSON, contentJSON).Error
}

// Prune replaces both content and unsigned metadata.
func Prune(transaction *gorm.DB, eventID string, contentJSON string, unsignedJSON string) error {
	return transaction.Model(&Event{}).
		Where(queryEventID, eventID).
		Updates(map[string]any{
			columnContentJSON:  contentJSON,
			columnUnsignedJSON: unsignedJSON,
		}).Error
}
