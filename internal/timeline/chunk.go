// Package timeline stores pagination chunks of room timelines and reads single events out of them.
package timeline

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Chunk is a contiguous, ordered slice of one room's timeline.
type Chunk struct {
	ChunkID          int64  `gorm:"column:chunk_id;primaryKey;autoIncrement"`
	RoomID           string `gorm:"column:room_id;size:255;not null;index:idx_chunks_room_live,priority:1"`
	PrevToken        string `gorm:"column:prev_token;size:255;not null;default:''"`
	NextToken        string `gorm:"column:next_token;size:255;not null;default:''"`
	IsLastForward    bool   `gorm:"column:is_last_forward;not null;default:false;index:idx_chunks_room_live,priority:2"`
	LastDisplayIndex int64  `gorm:"column:last_display_index;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Chunk) TableName() string {
	return "chunks"
}

// TimelineEvent links an event of the log to its position inside a chunk.
type TimelineEvent struct {
	ChunkID      int64  `gorm:"column:chunk_id;primaryKey"`
	EventID      string `gorm:"column:event_id;primaryKey;size:255"`
	RoomID       string `gorm:"column:room_id;size:255;not null;index"`
	DisplayIndex int64  `gorm:"column:display_index;not null"`
}

// TableName provides the explicit table binding for GORM.
func (TimelineEvent) TableName() string {
	return "timeline_events"
}

// LiveChunk returns the forward-most chunk of the room, or nil when the room has none yet.
func LiveChunk(database *gorm.DB, roomID string) (*Chunk, error) {
	var chunk Chunk
	err := database.
		Where("room_id = ? AND is_last_forward = ?", roomID, true).
		Order("chunk_id DESC").
		Take(&chunk).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &chunk, nil
}

// AppendToLiveChunk appends events to the room's live chunk. A limited timeline means a gap
// separates the new events from what is stored, so a fresh live chunk starting at prevBatch is opened.
func AppendToLiveChunk(transaction *gorm.DB, roomID string, limited bool, prevBatch string, eventIDs []string) (Chunk, error) {
	live, err := LiveChunk(transaction, roomID)
	if err != nil {
		return Chunk{}, err
	}
	if live != nil && limited {
		if err := transaction.Model(&Chunk{}).
			Where("chunk_id = ?", live.ChunkID).
			Update("is_last_forward", false).Error; err != nil {
			return Chunk{}, err
		}
		live = nil
	}
	if live == nil {
		live = &Chunk{RoomID: roomID, PrevToken: prevBatch, IsLastForward: true}
		if err := transaction.Create(live).Error; err != nil {
			return Chunk{}, err
		}
	}
	if len(eventIDs) == 0 {
		return *live, nil
	}

	displayIndex := live.LastDisplayIndex
	rows := make([]TimelineEvent, 0, len(eventIDs))
	for _, eventID := range eventIDs {
		displayIndex++
		rows = append(rows, TimelineEvent{
			ChunkID:      live.ChunkID,
			EventID:      eventID,
			RoomID:       roomID,
			DisplayIndex: displayIndex,
		})
	}
	if err := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
		return Chunk{}, err
	}
	if err := transaction.Model(&Chunk{}).
		Where("chunk_id = ?", live.ChunkID).
		Update("last_display_index", displayIndex).Error; err != nil {
		return Chunk{}, err
	}
	live.LastDisplayIndex = displayIndex
	return *live, nil
}
