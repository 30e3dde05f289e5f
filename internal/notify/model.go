// Package notify implements the trigger-backed event insert notification queue.
//
// Registering a watch class installs an AFTER INSERT trigger on the event log; every
// inserted event whose type belongs to the class leaves a marker row that consumers
// poll, process and acknowledge inside one transaction. Delivery is at-least-once.
package notify

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrInvalidWatchClass indicates that a watch class name or type set cannot be installed.
	ErrInvalidWatchClass = errors.New("notify: invalid watch class")
	// ErrUnknownWatchClass indicates that the class was never registered on the queue.
	ErrUnknownWatchClass = errors.New("notify: unknown watch class")
	// ErrConsumerActive indicates that another consumer already drains the class.
	ErrConsumerActive = errors.New("notify: consumer already active for watch class")
)

var watchClassNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,47}$`)

// Notification marks an inserted event awaiting consumption by the class's observer.
type Notification struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement"`
	EventID    string `gorm:"column:event_id;size:255;not null"`
	RoomID     string `gorm:"column:room_id;size:255;not null"`
	WatchClass string `gorm:"column:watch_class;size:64;not null;index:idx_event_insert_notifications_class"`
	Attempts   int    `gorm:"column:attempts;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "event_insert_notifications"
}

// WatchClass names a set of event types observed by one consumer.
type WatchClass struct {
	Name       string
	EventTypes []string
}

func (class WatchClass) validate() error {
	if !watchClassNamePattern.MatchString(class.Name) {
		return fmt.Errorf("%w: name %q", ErrInvalidWatchClass, class.Name)
	}
	if len(class.EventTypes) == 0 {
		return fmt.Errorf("%w: %s has no event types", ErrInvalidWatchClass, class.Name)
	}
	for _, eventType := range class.EventTypes {
		if strings.TrimSpace(eventType) == "" {
			return fmt.Errorf("%w: %s has a blank event type", ErrInvalidWatchClass, class.Name)
		}
	}
	return nil
}

// Outcome is what a batch handler reports back to the queue.
// Deferred notifications stay queued for a later poll; everything else in the batch is acknowledged.
type Outcome struct {
	Deferred []int64
}

// Defer records a notification that is not ready to be processed yet.
func (outcome *Outcome) Defer(notification Notification) {
	outcome.Deferred = append(outcome.Deferred, notification.ID)
}

// EventIDs returns the event identifiers carried by the batch in order.
func EventIDs(batch []Notification) []string {
	if len(batch) == 0 {
		return nil
	}
	ids := make([]string, 0, len(batch))
	for _, notification := range batch {
		ids = append(ids, notification.EventID)
	}
	return ids
}
