// events/bus_test.go
package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	bus.Publish(Event{Type: EventPublished, VideoID: "vid-1", Stage: "published", Path: "/hls/vid-1.m3u8"})

	select {
	case got := <-ch:
		assert.Equal(t, EventPublished, got.Type)
		assert.Equal(t, "vid-1", got.VideoID)
		assert.NotEmpty(t, got.ID)
		assert.False(t, got.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestPublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	bus := NewBus()

	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Type: EventFailed, VideoID: "vid-1"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked with no subscribers")
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(Event{Type: EventStageCompleted, VideoID: "a"})

	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Type: EventStageCompleted, VideoID: "b"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full subscriber")
	}

	got := <-ch
	assert.Equal(t, "a", got.VideoID)
}

func TestCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)

	cancel()
	// Safe to call twice.
	cancel()

	_, open := <-ch
	require.False(t, open)

	// Publishing after cancel is a no-op for this subscriber.
	bus.Publish(Event{Type: EventPublished, VideoID: "vid-1"})
}
