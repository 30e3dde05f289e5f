package rooms

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/roomsync/internal/events"
	"github.com/MarcoPoloResearchLab/roomsync/internal/notify"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// WatchClassName is the notification class consumed by the tombstone observer.
const WatchClassName = "tombstone"

const replacementRoomKey = "replacement_room"

// WatchClass returns the notification class covering tombstone inserts.
func WatchClass() notify.WatchClass {
	return notify.WatchClass{Name: WatchClassName, EventTypes: []string{events.TypeTombstone}}
}

// TombstoneObserver marks rooms as upgraded once their tombstone lands in the log.
type TombstoneObserver struct {
	logger *zap.Logger
}

// NewTombstoneObserver constructs a TombstoneObserver.
func NewTombstoneObserver(logger *zap.Logger) *TombstoneObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TombstoneObserver{logger: logger}
}

// HandleTombstoneNotifications advances every notified room from NONE to UPGRADED_ROOM_NOT_JOINED.
// The whole batch is acknowledged; rooms already past NONE are left untouched.
func (o *TombstoneObserver) HandleTombstoneNotifications(ctx context.Context, transaction *gorm.DB, batch []notify.Notification) (notify.Outcome, error) {
	for _, notification := range batch {
		if err := ctx.Err(); err != nil {
			return notify.Outcome{}, err
		}
		if err := o.handle(transaction, notification); err != nil {
			return notify.Outcome{}, err
		}
	}
	return notify.Outcome{}, nil
}

func (o *TombstoneObserver) handle(transaction *gorm.DB, notification notify.Notification) error {
	tombstone, err := events.Find(transaction, notification.EventID)
	if err != nil {
		return fmt.Errorf("rooms: load tombstone %s: %w", notification.EventID, err)
	}
	if tombstone == nil {
		o.logger.Debug("tombstone event missing", zap.String("event_id", notification.EventID))
		return nil
	}
	content, err := events.DecodeObject(tombstone.ContentJSON)
	if err != nil {
		o.logger.Warn("tombstone content unreadable", zap.String("event_id", tombstone.EventID), zap.Error(err))
		return nil
	}
	replacement, _ := content[replacementRoomKey].(string)
	replacement = strings.TrimSpace(replacement)
	if replacement == "" {
		o.logger.Debug("tombstone without replacement room", zap.String("event_id", tombstone.EventID))
		return nil
	}

	if err := EnsureSummary(transaction, tombstone.RoomID); err != nil {
		return fmt.Errorf("rooms: ensure summary %s: %w", tombstone.RoomID, err)
	}
	advanced, err := AdvanceVersioningState(transaction, tombstone.RoomID, VersioningNone, VersioningUpgradedRoomNotJoined, replacement)
	if err != nil {
		return fmt.Errorf("rooms: advance versioning %s: %w", tombstone.RoomID, err)
	}
	if advanced {
		o.logger.Info("room upgraded",
			zap.String("room_id", tombstone.RoomID),
			zap.String("replacement_room_id", replacement))
	}
	return nil
}
