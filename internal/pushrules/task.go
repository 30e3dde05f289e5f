package pushrules

import (
	"context"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/syncapi"
	"go.uber.org/zap"
)

// PushNotification is emitted for every event a notifying rule matched.
type PushNotification struct {
	UserID    string
	RoomID    string
	EventID   string
	RuleID    string
	Kind      Kind
	Highlight bool
	Timestamp time.Time
}

// Publisher delivers notifications to the session's listeners.
type Publisher interface {
	Publish(notification PushNotification)
}

// ProcessEventTask evaluates rules against the timeline events of a delta.
type ProcessEventTask struct {
	sessionUserID string
	publisher     Publisher
	clock         func() time.Time
	logger        *zap.Logger
}

// NewProcessEventTask constructs a ProcessEventTask.
func NewProcessEventTask(sessionUserID string, publisher Publisher, clock func() time.Time, logger *zap.Logger) *ProcessEventTask {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessEventTask{
		sessionUserID: sessionUserID,
		publisher:     publisher,
		clock:         clock,
		logger:        logger,
	}
}

// Schedule evaluates the joined rooms' timeline events and publishes a notification for each
// event whose first matching rule notifies. It returns the number of published notifications.
func (t *ProcessEventTask) Schedule(ctx context.Context, rooms *syncapi.Rooms, rules RuleSet) (int, error) {
	if rooms == nil || len(rooms.Join) == 0 {
		return 0, nil
	}
	ordered := rules.AllRules()
	if len(ordered) == 0 {
		return 0, nil
	}

	roomIDs := make([]string, 0, len(rooms.Join))
	for roomID := range rooms.Join {
		roomIDs = append(roomIDs, roomID)
	}
	sort.Strings(roomIDs)

	published := 0
	for _, roomID := range roomIDs {
		for _, event := range rooms.Join[roomID].Timeline.Events {
			if err := ctx.Err(); err != nil {
				return published, err
			}
			if event.Sender == t.sessionUserID {
				continue
			}
			rule, ok := firstMatch(ordered, roomID, event)
			if !ok || !rule.Notifies() {
				continue
			}
			notification := PushNotification{
				UserID:    t.sessionUserID,
				RoomID:    roomID,
				EventID:   event.EventID,
				RuleID:    rule.RuleID,
				Kind:      rule.Kind(),
				Highlight: rule.Highlights(),
				Timestamp: t.clock().UTC(),
			}
			if t.publisher != nil {
				t.publisher.Publish(notification)
			}
			published++
		}
	}
	if published > 0 {
		t.logger.Debug("push notifications published", zap.Int("count", published))
	}
	return published, nil
}

func firstMatch(rules []Rule, roomID string, event syncapi.Event) (Rule, bool) {
	for _, rule := range rules {
		if rule.Matches(roomID, event) {
			return rule, true
		}
	}
	return Rule{}, false
}
