package groups

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/syncapi"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestHandleTracksMembershipTransitions(t *testing.T) {
	database := newTestDatabase(t)
	handler := NewHandler(func() time.Time { return time.Unix(1700000000, 0).UTC() }, nil)

	invite := &syncapi.Groups{Invite: map[string]syncapi.InvitedGroup{
		"+team:example.org": {Inviter: "@boss:example.org", Profile: &syncapi.GroupProfile{Name: "Team"}},
	}}
	if err := handler.Handle(context.Background(), database, invite); err != nil {
		t.Fatalf("handle invite failed: %v", err)
	}
	join := &syncapi.Groups{Join: map[string]syncapi.JoinedGroup{"+team:example.org": {}}}
	if err := handler.Handle(context.Background(), database, join); err != nil {
		t.Fatalf("handle join failed: %v", err)
	}

	var stored GroupSummary
	if err := database.Where("group_id = ?", "+team:example.org").Take(&stored).Error; err != nil {
		t.Fatalf("failed to load group: %v", err)
	}
	if stored.Membership != MembershipJoin {
		t.Fatalf("expected join membership, got %s", stored.Membership)
	}
	if stored.Name != "Team" || stored.Inviter != "@boss:example.org" {
		t.Fatalf("expected invite profile to survive the join, got %#v", stored)
	}

	leave := &syncapi.Groups{Leave: map[string]syncapi.LeftGroup{"+team:example.org": {}}}
	if err := handler.Handle(context.Background(), database, leave); err != nil {
		t.Fatalf("handle leave failed: %v", err)
	}
	if err := database.Where("group_id = ?", "+team:example.org").Take(&stored).Error; err != nil {
		t.Fatalf("failed to reload group: %v", err)
	}
	if stored.Membership != MembershipLeave {
		t.Fatalf("expected leave membership, got %s", stored.Membership)
	}
}

func TestHandleNilGroups(t *testing.T) {
	database := newTestDatabase(t)
	if err := NewHandler(nil, nil).Handle(context.Background(), database, nil); err != nil {
		t.Fatalf("expected nil groups to be accepted: %v", err)
	}
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:groups_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&GroupSummary{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return database
}
