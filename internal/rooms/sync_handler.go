package rooms

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/accountdata"
	"github.com/MarcoPoloResearchLab/roomsync/internal/events"
	"github.com/MarcoPoloResearchLab/roomsync/internal/syncapi"
	"github.com/MarcoPoloResearchLab/roomsync/internal/timeline"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingSessionUser = errors.New("rooms: session user id required")

// RoomKeyLookup answers whether key material for an encrypted session is available.
type RoomKeyLookup interface {
	HasInboundSession(transaction *gorm.DB, roomID string, sessionID string) (bool, error)
}

// SyncHandlerConfig describes the dependencies of a SyncHandler.
type SyncHandlerConfig struct {
	SessionUserID string
	Keys          RoomKeyLookup
	Clock         func() time.Time
	Logger        *zap.Logger
}

// SyncHandler applies the rooms section of a delta inside the ingestion transaction.
type SyncHandler struct {
	sessionUserID string
	keys          RoomKeyLookup
	clock         func() time.Time
	logger        *zap.Logger
}

// NewSyncHandler constructs a SyncHandler.
func NewSyncHandler(cfg SyncHandlerConfig) (*SyncHandler, error) {
	if strings.TrimSpace(cfg.SessionUserID) == "" {
		return nil, errMissingSessionUser
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncHandler{
		sessionUserID: cfg.SessionUserID,
		keys:          cfg.Keys,
		clock:         clock,
		logger:        logger,
	}, nil
}

// Handle writes joined, invited and left rooms in room id order.
func (h *SyncHandler) Handle(ctx context.Context, transaction *gorm.DB, rooms *syncapi.Rooms, isInitialSync bool) error {
	if rooms == nil {
		return nil
	}
	updatedAt := h.clock().UTC().Unix()
	for _, roomID := range sortedKeys(rooms.Join) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.handleJoinedRoom(transaction, roomID, rooms.Join[roomID], updatedAt); err != nil {
			return fmt.Errorf("rooms: joined room %s: %w", roomID, err)
		}
	}
	for _, roomID := range sortedKeys(rooms.Invite) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.handleInvitedRoom(transaction, roomID, rooms.Invite[roomID], updatedAt); err != nil {
			return fmt.Errorf("rooms: invited room %s: %w", roomID, err)
		}
	}
	for _, roomID := range sortedKeys(rooms.Leave) {
		if err := ctx.Err(); err != nil {
			return err
		}
		left := rooms.Leave[roomID]
		if err := h.handleRoom(transaction, roomID, MembershipLeave, left.State, left.Timeline, updatedAt); err != nil {
			return fmt.Errorf("rooms: left room %s: %w", roomID, err)
		}
	}
	h.logger.Debug("rooms section applied",
		zap.Bool("initial_sync", isInitialSync),
		zap.Int("joined", len(rooms.Join)),
		zap.Int("invited", len(rooms.Invite)),
		zap.Int("left", len(rooms.Leave)))
	return nil
}

func (h *SyncHandler) handleJoinedRoom(transaction *gorm.DB, roomID string, room syncapi.JoinedRoom, updatedAt int64) error {
	if err := h.handleRoom(transaction, roomID, MembershipJoin, room.State, room.Timeline, updatedAt); err != nil {
		return err
	}
	counters := map[string]any{}
	if room.UnreadNotifications.NotificationCount != nil {
		counters["notification_count"] = *room.UnreadNotifications.NotificationCount
	}
	if room.UnreadNotifications.HighlightCount != nil {
		counters["highlight_count"] = *room.UnreadNotifications.HighlightCount
	}
	if len(counters) > 0 {
		if err := updateSummary(transaction, roomID, counters); err != nil {
			return err
		}
	}
	for _, entry := range room.AccountData.Events {
		if strings.TrimSpace(entry.Type) == "" {
			continue
		}
		if err := accountdata.SaveRoomEntry(transaction, roomID, entry.Type, entry.Content, updatedAt); err != nil {
			return fmt.Errorf("save room account data %s: %w", entry.Type, err)
		}
	}
	return nil
}

func (h *SyncHandler) handleInvitedRoom(transaction *gorm.DB, roomID string, room syncapi.InvitedRoom, updatedAt int64) error {
	if err := EnsureSummary(transaction, roomID); err != nil {
		return err
	}
	if err := updateSummary(transaction, roomID, map[string]any{"membership": MembershipInvite, "updated_at_s": updatedAt}); err != nil {
		return err
	}
	for _, stripped := range room.InviteState.Events {
		if strings.TrimSpace(stripped.EventID) == "" {
			continue
		}
		if _, err := h.storeEvent(transaction, roomID, stripped); err != nil {
			return err
		}
	}
	return nil
}

func (h *SyncHandler) handleRoom(transaction *gorm.DB, roomID string, membership string, state syncapi.StateEvents, roomTimeline syncapi.Timeline, updatedAt int64) error {
	if err := EnsureSummary(transaction, roomID); err != nil {
		return err
	}
	if err := updateSummary(transaction, roomID, map[string]any{"membership": membership, "updated_at_s": updatedAt}); err != nil {
		return err
	}
	for _, stateEvent := range state.Events {
		if _, err := h.storeEvent(transaction, roomID, stateEvent); err != nil {
			return err
		}
	}

	appended := make([]string, 0, len(roomTimeline.Events))
	for _, timelineEvent := range roomTimeline.Events {
		stored, err := h.storeEvent(transaction, roomID, timelineEvent)
		if err != nil {
			return err
		}
		if stored != "" {
			appended = append(appended, stored)
		}
	}
	if len(roomTimeline.Events) == 0 && !roomTimeline.Limited {
		return nil
	}
	if _, err := timeline.AppendToLiveChunk(transaction, roomID, roomTimeline.Limited, roomTimeline.PrevBatch, appended); err != nil {
		return fmt.Errorf("append timeline: %w", err)
	}
	if len(roomTimeline.Events) > 0 {
		last := roomTimeline.Events[len(roomTimeline.Events)-1]
		if err := updateSummary(transaction, roomID, map[string]any{"last_event_id": strings.TrimSpace(last.EventID)}); err != nil {
			return err
		}
	}
	return nil
}

// storeEvent inserts the event and applies its state side effects. It returns the event id
// when a new row was written and an empty string for duplicates.
func (h *SyncHandler) storeEvent(transaction *gorm.DB, roomID string, source syncapi.Event) (string, error) {
	row, err := events.FromSync(roomID, source)
	if err != nil {
		return "", err
	}
	if row.Type == events.TypeEncrypted {
		if err := h.stampDecryptionState(transaction, source, &row); err != nil {
			return "", err
		}
	}
	inserted, err := events.Insert(transaction, &row)
	if err != nil {
		return "", fmt.Errorf("insert event %s: %w", row.EventID, err)
	}
	if !inserted {
		return "", nil
	}
	if row.IsStateEvent() {
		if err := h.applyState(transaction, row, source.Content); err != nil {
			return "", err
		}
	}
	return row.EventID, nil
}

func (h *SyncHandler) stampDecryptionState(transaction *gorm.DB, source syncapi.Event, row *events.Event) error {
	row.DecryptionState = events.DecryptionMissingKey
	if h.keys == nil {
		return nil
	}
	sessionID, _ := source.Content["session_id"].(string)
	if strings.TrimSpace(sessionID) == "" {
		return nil
	}
	available, err := h.keys.HasInboundSession(transaction, row.RoomID, sessionID)
	if err != nil {
		return fmt.Errorf("lookup room key for %s: %w", row.EventID, err)
	}
	if available {
		row.DecryptionState = events.DecryptionKeyAvailable
	}
	return nil
}

func (h *SyncHandler) applyState(transaction *gorm.DB, row events.Event, content map[string]any) error {
	err := transaction.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}, {Name: "type"}, {Name: "state_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"event_id"}),
	}).Create(&CurrentStateEvent{
		RoomID:   row.RoomID,
		Type:     row.Type,
		StateKey: *row.StateKey,
		EventID:  row.EventID,
	}).Error
	if err != nil {
		return fmt.Errorf("update current state %s: %w", row.EventID, err)
	}

	switch row.Type {
	case events.TypeName:
		name, _ := content["name"].(string)
		return updateSummary(transaction, row.RoomID, map[string]any{"name": name})
	case events.TypeTopic:
		topic, _ := content["topic"].(string)
		return updateSummary(transaction, row.RoomID, map[string]any{"topic": topic})
	case events.TypeCreate:
		return h.markPredecessorJoined(transaction, row, content)
	}
	return nil
}

// markPredecessorJoined records that the session reached the replacement of an upgraded room.
func (h *SyncHandler) markPredecessorJoined(transaction *gorm.DB, row events.Event, content map[string]any) error {
	predecessor, ok := content["predecessor"].(map[string]any)
	if !ok {
		return nil
	}
	predecessorRoomID, _ := predecessor["room_id"].(string)
	predecessorRoomID = strings.TrimSpace(predecessorRoomID)
	if predecessorRoomID == "" {
		return nil
	}
	if err := EnsureSummary(transaction, predecessorRoomID); err != nil {
		return err
	}
	if err := SetVersioningState(transaction, predecessorRoomID, VersioningUpgradedRoomJoined); err != nil {
		return err
	}
	h.logger.Info("predecessor room marked as joined",
		zap.String("room_id", predecessorRoomID),
		zap.String("replacement_room_id", row.RoomID))
	return nil
}

func updateSummary(transaction *gorm.DB, roomID string, updates map[string]any) error {
	if err := transaction.Model(&RoomSummary{}).Where(queryRoomID, roomID).Updates(updates).Error; err != nil {
		return fmt.Errorf("update summary %s: %w", roomID, err)
	}
	return nil
}

func sortedKeys[V any](values map[string]V) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
