package timeline

import (
	"context"
	"strings"

	"github.com/MarcoPoloResearchLab/roomsync/internal/events"
	"gorm.io/gorm"
)

// Settings narrows which events a timeline exposes.
type Settings struct {
	FilterTypes  bool
	AllowedTypes []string
	FilterEdits  bool
}

// Item is one event as seen through a chunk.
type Item struct {
	ChunkID         int64   `gorm:"column:chunk_id"`
	DisplayIndex    int64   `gorm:"column:display_index"`
	EventID         string  `gorm:"column:event_id"`
	RoomID          string  `gorm:"column:room_id"`
	Type            string  `gorm:"column:type"`
	StateKey        *string `gorm:"column:state_key"`
	Sender          string  `gorm:"column:sender"`
	OriginServerTS  int64   `gorm:"column:origin_server_ts"`
	ContentJSON     string  `gorm:"column:content_json"`
	UnsignedJSON    string  `gorm:"column:unsigned_json"`
	Redacts         string  `gorm:"column:redacts"`
	RelationType    string  `gorm:"column:relation_type"`
	DecryptionState string  `gorm:"column:decryption_state"`
}

const itemColumns = "te.chunk_id, te.display_index, e.event_id, e.room_id, e.type, e.state_key, e.sender, " +
	"e.origin_server_ts, e.content_json, e.unsigned_json, e.redacts, e.relation_type, e.decryption_state"

// Reader is the read side over committed chunks.
type Reader struct {
	db *gorm.DB
}

// NewReader constructs a Reader.
func NewReader(database *gorm.DB) *Reader {
	return &Reader{db: database}
}

// Fetch returns the event addressed by chunk and event identifiers, or nil when nothing matches.
func (r *Reader) Fetch(ctx context.Context, chunkID int64, eventID string, settings *Settings) (*Item, error) {
	query := r.db.WithContext(ctx).
		Table(TimelineEvent{}.TableName()+" AS te").
		Select(itemColumns).
		Joins("JOIN "+events.Event{}.TableName()+" AS e ON e.event_id = te.event_id").
		Where("te.chunk_id = ? AND te.event_id = ?", chunkID, eventID)
	query = applySettings(query, settings)

	var items []Item
	if err := query.Limit(1).Scan(&items).Error; err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func applySettings(query *gorm.DB, settings *Settings) *gorm.DB {
	if settings == nil {
		return query
	}
	if settings.FilterTypes {
		allowed := make([]string, 0, len(settings.AllowedTypes))
		for _, eventType := range settings.AllowedTypes {
			if trimmed := strings.TrimSpace(eventType); trimmed != "" {
				allowed = append(allowed, trimmed)
			}
		}
		if len(allowed) > 0 {
			query = query.Where("e.type IN ?", allowed)
		}
	}
	if settings.FilterEdits {
		query = query.Where("e.relation_type <> ?", events.RelationReplace)
	}
	return query
}
