// Package accountdata persists global and per-room account data delivered by sync.
package accountdata

// Well-known account data types.
const (
	TypeDirect      = "m.direct"
	TypePushRules   = "m.push_rules"
	TypeIgnoredUser = "m.ignored_user_list"
)

// Entry is one global account data object keyed by type.
type Entry struct {
	Type             string `gorm:"column:type;primaryKey;size:255;not null"`
	ContentJSON      string `gorm:"column:content_json;type:text;not null;default:'{}'"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "account_data"
}

// RoomEntry is one per-room account data object.
type RoomEntry struct {
	RoomID           string `gorm:"column:room_id;primaryKey;size:255;not null"`
	Type             string `gorm:"column:type;primaryKey;size:255;not null"`
	ContentJSON      string `gorm:"column:content_json;type:text;not null;default:'{}'"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (RoomEntry) TableName() string {
	return "room_account_data"
}
