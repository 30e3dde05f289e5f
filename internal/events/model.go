package events

import (
	"errors"
	"fmt"
	"strings"
)

// Event types the engine treats specially.
const (
	TypeMessage          = "m.room.message"
	TypeEncrypted        = "m.room.encrypted"
	TypeRedaction        = "m.room.redaction"
	TypeTombstone        = "m.room.tombstone"
	TypeMember           = "m.room.member"
	TypeCreate           = "m.room.create"
	TypeJoinRules        = "m.room.join_rules"
	TypePowerLevels      = "m.room.power_levels"
	TypeAliases          = "m.room.aliases"
	TypeCanonicalAlias   = "m.room.canonical_alias"
	TypeFeedback         = "m.room.message.feedback"
	TypeReaction         = "m.reaction"
	TypeName             = "m.room.name"
	TypeTopic            = "m.room.topic"
	TypeRoomKey          = "m.room_key"
	TypeForwardedRoomKey = "m.forwarded_room_key"
)

// RelationReplace marks an edit of another event.
const RelationReplace = "m.replace"

// LocalEchoPrefix prefixes identifiers of events created locally and not yet acknowledged by the server.
const LocalEchoPrefix = "$local."

const maxIdentifierLength = 255

// Decryption states recorded on encrypted events at ingestion time.
const (
	DecryptionKeyAvailable = "key_available"
	DecryptionMissingKey   = "missing_key"
)

var (
	// ErrInvalidEventID indicates that an event identifier is empty or exceeds storage bounds.
	ErrInvalidEventID = errors.New("events: invalid event id")
	// ErrInvalidRoomID indicates that a room identifier is empty or exceeds storage bounds.
	ErrInvalidRoomID = errors.New("events: invalid room id")
	// ErrInvalidEvent indicates that a delta event cannot be stored.
	ErrInvalidEvent = errors.New("events: invalid event")
)

// EventID represents a validated event identifier.
type EventID string

// NewEventID validates raw input and returns an EventID.
func NewEventID(rawInput string) (EventID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEventID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEventID, maxIdentifierLength)
	}
	return EventID(trimmed), nil
}

// String returns the underlying string identifier.
func (id EventID) String() string {
	return string(id)
}

// IsLocalEcho reports whether the identifier belongs to a locally created event.
func (id EventID) IsLocalEcho() bool {
	return strings.HasPrefix(string(id), LocalEchoPrefix)
}

// RoomID represents a validated room identifier.
type RoomID string

// NewRoomID validates raw input and returns a RoomID.
func NewRoomID(rawInput string) (RoomID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRoomID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRoomID, maxIdentifierLength)
	}
	return RoomID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RoomID) String() string {
	return string(id)
}

// Event is a row of the local event log. Content and unsigned metadata are rewritten in place by redactions.
type Event struct {
	EventID         string  `gorm:"column:event_id;primaryKey;size:255;not null"`
	RoomID          string  `gorm:"column:room_id;size:255;not null;index:idx_events_room_type,priority:1"`
	Type            string  `gorm:"column:type;size:255;not null;index:idx_events_room_type,priority:2"`
	StateKey        *string `gorm:"column:state_key;size:255"`
	Sender          string  `gorm:"column:sender;size:255;not null;default:''"`
	OriginServerTS  int64   `gorm:"column:origin_server_ts;not null;default:0"`
	ContentJSON     string  `gorm:"column:content_json;type:text;not null;default:'{}'"`
	UnsignedJSON    string  `gorm:"column:unsigned_json;type:text;not null;default:'{}'"`
	Redacts         string  `gorm:"column:redacts;size:255;not null;default:'';index"`
	RelationType    string  `gorm:"column:relation_type;size:64;not null;default:''"`
	DecryptionState string  `gorm:"column:decryption_state;size:32;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "events"
}

// IsStateEvent reports whether the row carries a state key.
func (e Event) IsStateEvent() bool {
	return e.StateKey != nil
}
