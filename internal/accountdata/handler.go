package accountdata

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/events"
	"github.com/MarcoPoloResearchLab/roomsync/internal/syncapi"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DirectRoomsUpdater pushes the m.direct mapping back to the server.
type DirectRoomsUpdater interface {
	UpdateDirectRooms(ctx context.Context, directRooms map[string][]string) error
}

// HandlerConfig describes the dependencies of a Handler.
type HandlerConfig struct {
	Database      *gorm.DB
	SessionUserID string
	Updater       DirectRoomsUpdater
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Handler applies account data deltas and reconciles direct chat invites.
type Handler struct {
	db            *gorm.DB
	sessionUserID string
	updater       DirectRoomsUpdater
	clock         func() time.Time
	logger        *zap.Logger
}

// NewHandler constructs a Handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("accountdata: database connection required")
	}
	if strings.TrimSpace(cfg.SessionUserID) == "" {
		return nil, fmt.Errorf("accountdata: session user id required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		db:            cfg.Database,
		sessionUserID: cfg.SessionUserID,
		updater:       cfg.Updater,
		clock:         clock,
		logger:        logger,
	}, nil
}

// Handle stores every account data event of the delta inside the ingestion transaction.
func (h *Handler) Handle(ctx context.Context, transaction *gorm.DB, accountData *syncapi.AccountData) error {
	if accountData == nil {
		return nil
	}
	updatedAt := h.clock().UTC().Unix()
	for _, event := range accountData.Events {
		if err := ctx.Err(); err != nil {
			return err
		}
		entryType := strings.TrimSpace(event.Type)
		if entryType == "" {
			h.logger.Warn("account data event without type skipped")
			continue
		}
		if err := Save(transaction, entryType, event.Content, updatedAt); err != nil {
			return fmt.Errorf("accountdata: save %s: %w", entryType, err)
		}
	}
	return nil
}

// SynchronizeWithServerIfNeeded records direct chat invites in m.direct and pushes the mapping when it changed.
func (h *Handler) SynchronizeWithServerIfNeeded(ctx context.Context, invites map[string]syncapi.InvitedRoom) error {
	if len(invites) == 0 {
		return nil
	}

	changed := false
	var directRooms map[string][]string
	err := h.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		content, _, err := Content(transaction, TypeDirect)
		if err != nil {
			return err
		}
		directRooms = decodeDirectRooms(content)

		roomIDs := make([]string, 0, len(invites))
		for roomID := range invites {
			roomIDs = append(roomIDs, roomID)
		}
		sort.Strings(roomIDs)

		for _, roomID := range roomIDs {
			inviter, ok := h.directInviter(invites[roomID])
			if !ok {
				continue
			}
			if slices.Contains(directRooms[inviter], roomID) {
				continue
			}
			directRooms[inviter] = append(directRooms[inviter], roomID)
			changed = true
		}
		if !changed {
			return nil
		}
		return Save(transaction, TypeDirect, encodeDirectRooms(directRooms), h.clock().UTC().Unix())
	})
	if err != nil {
		return fmt.Errorf("accountdata: reconcile direct rooms: %w", err)
	}
	if !changed {
		return nil
	}
	h.logger.Info("direct rooms updated from invites", zap.Int("inviters", len(directRooms)))
	if h.updater == nil {
		return nil
	}
	return h.updater.UpdateDirectRooms(ctx, directRooms)
}

func (h *Handler) directInviter(invite syncapi.InvitedRoom) (string, bool) {
	for _, event := range invite.InviteState.Events {
		if event.Type != events.TypeMember || event.StateKey == nil || *event.StateKey != h.sessionUserID {
			continue
		}
		isDirect, _ := event.Content["is_direct"].(bool)
		if !isDirect || strings.TrimSpace(event.Sender) == "" {
			return "", false
		}
		return event.Sender, true
	}
	return "", false
}

func decodeDirectRooms(content map[string]any) map[string][]string {
	directRooms := make(map[string][]string, len(content))
	for userID, rawRooms := range content {
		list, ok := rawRooms.([]any)
		if !ok {
			continue
		}
		for _, rawRoom := range list {
			if roomID, ok := rawRoom.(string); ok {
				directRooms[userID] = append(directRooms[userID], roomID)
			}
		}
	}
	return directRooms
}

func encodeDirectRooms(directRooms map[string][]string) map[string]any {
	content := make(map[string]any, len(directRooms))
	for userID, roomIDs := range directRooms {
		content[userID] = roomIDs
	}
	return content
}
