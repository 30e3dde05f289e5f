// Package groups tracks community memberships delivered by sync.
package groups

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/syncapi"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Membership values of a group summary.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
)

// GroupSummary is the local view of one community.
type GroupSummary struct {
	GroupID          string `gorm:"column:group_id;primaryKey;size:255;not null"`
	Membership       string `gorm:"column:membership;size:16;not null"`
	Inviter          string `gorm:"column:inviter;size:255;not null;default:''"`
	Name             string `gorm:"column:name;size:512;not null;default:''"`
	AvatarURL        string `gorm:"column:avatar_url;size:512;not null;default:''"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (GroupSummary) TableName() string {
	return "group_summaries"
}

// Handler applies group deltas.
type Handler struct {
	clock  func() time.Time
	logger *zap.Logger
}

// NewHandler constructs a Handler.
func NewHandler(clock func() time.Time, logger *zap.Logger) *Handler {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{clock: clock, logger: logger}
}

// Handle upserts every group of the delta inside the ingestion transaction.
func (h *Handler) Handle(ctx context.Context, transaction *gorm.DB, groups *syncapi.Groups) error {
	if groups == nil {
		return nil
	}
	updatedAt := h.clock().UTC().Unix()
	for _, groupID := range sortedKeys(groups.Join) {
		if err := h.save(ctx, transaction, GroupSummary{GroupID: groupID, Membership: MembershipJoin, UpdatedAtSeconds: updatedAt}); err != nil {
			return err
		}
	}
	for _, groupID := range sortedKeys(groups.Invite) {
		invite := groups.Invite[groupID]
		summary := GroupSummary{GroupID: groupID, Membership: MembershipInvite, Inviter: invite.Inviter, UpdatedAtSeconds: updatedAt}
		if invite.Profile != nil {
			summary.Name = invite.Profile.Name
			summary.AvatarURL = invite.Profile.AvatarURL
		}
		if err := h.save(ctx, transaction, summary); err != nil {
			return err
		}
	}
	for _, groupID := range sortedKeys(groups.Leave) {
		if err := h.save(ctx, transaction, GroupSummary{GroupID: groupID, Membership: MembershipLeave, UpdatedAtSeconds: updatedAt}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) save(ctx context.Context, transaction *gorm.DB, summary GroupSummary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	columns := []string{"membership", "updated_at_s"}
	if summary.Membership == MembershipInvite {
		columns = append(columns, "inviter", "name", "avatar_url")
	}
	err := transaction.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "group_id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(&summary).Error
	if err != nil {
		return fmt.Errorf("groups: save %s: %w", summary.GroupID, err)
	}
	h.logger.Debug("group membership updated",
		zap.String("group_id", summary.GroupID),
		zap.String("membership", summary.Membership))
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
