// Package rooms maintains per-room summaries, current state and the room versioning lifecycle.
package rooms

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// VersioningState tracks where a room stands in the upgrade lifecycle.
type VersioningState string

// Versioning states. Transitions only move forward.
const (
	VersioningNone                  VersioningState = "NONE"
	VersioningUpgradedRoomNotJoined VersioningState = "UPGRADED_ROOM_NOT_JOINED"
	VersioningUpgradedRoomJoined    VersioningState = "UPGRADED_ROOM_JOINED"
)

// Membership values recorded on a summary.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
)

const queryRoomID = "room_id = ?"

var (
	// ErrInvalidVersioningState indicates a value outside the closed state set.
	ErrInvalidVersioningState = errors.New("rooms: invalid versioning state")
	// ErrSummaryNotFound indicates that no summary exists for the room.
	ErrSummaryNotFound = errors.New("rooms: summary not found")
)

// Valid reports whether the state belongs to the closed set.
func (s VersioningState) Valid() bool {
	switch s {
	case VersioningNone, VersioningUpgradedRoomNotJoined, VersioningUpgradedRoomJoined:
		return true
	default:
		return false
	}
}

// RoomSummary is the derived per-room record.
type RoomSummary struct {
	RoomID            string          `gorm:"column:room_id;primaryKey;size:255;not null"`
	Membership        string          `gorm:"column:membership;size:16;not null;default:''"`
	VersioningState   VersioningState `gorm:"column:versioning_state;size:32;not null;default:'NONE'"`
	ReplacementRoomID string          `gorm:"column:replacement_room_id;size:255;not null;default:''"`
	Name              string          `gorm:"column:name;size:512;not null;default:''"`
	Topic             string          `gorm:"column:topic;type:text;not null;default:''"`
	NotificationCount int64           `gorm:"column:notification_count;not null;default:0"`
	HighlightCount    int64           `gorm:"column:highlight_count;not null;default:0"`
	LastEventID       string          `gorm:"column:last_event_id;size:255;not null;default:''"`
	UpdatedAtSeconds  int64           `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (RoomSummary) TableName() string {
	return "room_summaries"
}

// CurrentStateEvent points at the latest state event for a (type, state key) pair.
type CurrentStateEvent struct {
	RoomID   string `gorm:"column:room_id;primaryKey;size:255;not null"`
	Type     string `gorm:"column:type;primaryKey;size:255;not null"`
	StateKey string `gorm:"column:state_key;primaryKey;size:255;not null"`
	EventID  string `gorm:"column:event_id;size:255;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CurrentStateEvent) TableName() string {
	return "current_state_events"
}

// EnsureSummary creates a summary in state NONE unless one exists.
func EnsureSummary(transaction *gorm.DB, roomID string) error {
	return transaction.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&RoomSummary{RoomID: roomID, VersioningState: VersioningNone}).Error
}

// GetVersioningState returns the room's current state.
func GetVersioningState(database *gorm.DB, roomID string) (VersioningState, error) {
	var summary RoomSummary
	err := database.Select("versioning_state").Where(queryRoomID, roomID).Take(&summary).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%w: %s", ErrSummaryNotFound, roomID)
	}
	if err != nil {
		return "", err
	}
	return summary.VersioningState, nil
}

// SetVersioningState overwrites the room's state unconditionally.
func SetVersioningState(transaction *gorm.DB, roomID string, state VersioningState) error {
	if !state.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidVersioningState, state)
	}
	result := transaction.Model(&RoomSummary{}).Where(queryRoomID, roomID).Update("versioning_state", state)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrSummaryNotFound, roomID)
	}
	return nil
}

// AdvanceVersioningState moves the room from one state to another only when it is currently in from.
// It reports whether the transition was applied.
func AdvanceVersioningState(transaction *gorm.DB, roomID string, from VersioningState, to VersioningState, replacementRoomID string) (bool, error) {
	if !from.Valid() || !to.Valid() {
		return false, fmt.Errorf("%w: %q -> %q", ErrInvalidVersioningState, from, to)
	}
	updates := map[string]any{"versioning_state": to}
	if replacementRoomID != "" {
		updates["replacement_room_id"] = replacementRoomID
	}
	result := transaction.Model(&RoomSummary{}).
		Where("room_id = ? AND versioning_state = ?", roomID, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// SummaryReader serves summaries outside of ingestion.
type SummaryReader struct {
	db *gorm.DB
}

// NewSummaryReader constructs a SummaryReader.
func NewSummaryReader(database *gorm.DB) *SummaryReader {
	return &SummaryReader{db: database}
}

// FindSummary returns the room's summary or nil when the room is unknown.
func (r *SummaryReader) FindSummary(ctx context.Context, roomID string) (*RoomSummary, error) {
	var summary RoomSummary
	err := r.db.WithContext(ctx).Where(queryRoomID, roomID).Take(&summary).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &summary, nil
}
