package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/roomsync/internal/pushrules"
)

const (
	streamEventPush      = "push"
	streamEventHeartbeat = "heartbeat"
	defaultStreamBuffer  = 16
)

// NotificationDispatcher fans push notifications out to the stream subscribers of each user.
// Subscribers that fall behind lose messages rather than block ingestion.
type NotificationDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*notificationSubscriber
	nextID      int64
	bufferSize  int
}

type notificationSubscriber struct {
	id     int64
	stream chan pushrules.PushNotification
}

// NewNotificationDispatcher constructs an empty dispatcher.
func NewNotificationDispatcher() *NotificationDispatcher {
	return &NotificationDispatcher{
		subscribers: make(map[string]map[int64]*notificationSubscriber),
		bufferSize:  defaultStreamBuffer,
	}
}

// Subscribe registers a stream for the user until ctx ends or the returned cleanup runs.
func (d *NotificationDispatcher) Subscribe(ctx context.Context, userID string) (<-chan pushrules.PushNotification, func()) {
	if userID == "" {
		ch := make(chan pushrules.PushNotification)
		close(ch)
		return ch, func() {}
	}
	subscriber := &notificationSubscriber{
		stream: make(chan pushrules.PushNotification, d.bufferSize),
	}
	d.register(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(userID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the notification to every subscriber of its user.
func (d *NotificationDispatcher) Publish(notification pushrules.PushNotification) {
	if notification.UserID == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[notification.UserID]
	copies := make([]*notificationSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- notification:
		default:
		}
	}
}

// SubscriberCount reports the number of live streams of the user.
func (d *NotificationDispatcher) SubscriberCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *NotificationDispatcher) register(userID string, subscriber *notificationSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscriber.id = d.nextID
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*notificationSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *NotificationDispatcher) unregister(userID string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[userID]
	if subscribers == nil {
		return
	}
	delete(subscribers, subscriberID)
	if len(subscribers) == 0 {
		delete(d.subscribers, userID)
	}
}
