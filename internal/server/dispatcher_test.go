package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/pushrules"
)

func TestNotificationDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewNotificationDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "@alice:example.org")
	defer cleanup()

	dispatcher.Publish(pushrules.PushNotification{
		UserID:  "@alice:example.org",
		RoomID:  "!room:example.org",
		EventID: "$event",
		RuleID:  ".m.rule.message",
	})

	select {
	case received := <-stream:
		if received.EventID != "$event" {
			t.Fatalf("unexpected notification: %#v", received)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected notification within deadline")
	}
}

func TestNotificationDispatcherIsolatedByUser(t *testing.T) {
	dispatcher := NewNotificationDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aliceStream, aliceCleanup := dispatcher.Subscribe(ctx, "@alice:example.org")
	defer aliceCleanup()
	bobStream, bobCleanup := dispatcher.Subscribe(ctx, "@bob:example.org")
	defer bobCleanup()

	dispatcher.Publish(pushrules.PushNotification{UserID: "@bob:example.org", EventID: "$bob"})

	select {
	case <-aliceStream:
		t.Fatal("did not expect a notification for an unrelated user")
	case <-time.After(200 * time.Millisecond):
	}
	select {
	case received := <-bobStream:
		if received.UserID != "@bob:example.org" {
			t.Fatalf("unexpected user: %s", received.UserID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected notification for subscribed user")
	}
}

func TestNotificationDispatcherDropsWhenSubscriberIsFull(t *testing.T) {
	dispatcher := NewNotificationDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "@alice:example.org")
	defer cleanup()

	for index := 0; index < defaultStreamBuffer+5; index++ {
		dispatcher.Publish(pushrules.PushNotification{UserID: "@alice:example.org"})
	}
	if len(stream) != defaultStreamBuffer {
		t.Fatalf("expected buffer to cap at %d, got %d", defaultStreamBuffer, len(stream))
	}
}

func TestNotificationDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewNotificationDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "@alice:example.org")
	if dispatcher.SubscriberCount("@alice:example.org") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount("@alice:example.org") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancellation")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cleanup()
}
