// events/bus.go
package events

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventStageCompleted EventType = "video.stage.completed"
	EventPublished      EventType = "video.published"
	EventFailed         EventType = "video.failed"
)

// Event is one pipeline lifecycle notification.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	VideoID   string    `json:"video_id"`
	Stage     string    `json:"stage"`
	Path      string    `json:"path,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus is a process-local publish point. Publication is fire-and-forget: a
// missing subscriber is not an error and a full subscriber drops the event
// rather than blocking stage completion.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[string]chan Event)}
}

// Subscribe registers a buffered listener. The returned cancel func removes
// the subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	id := uuid.NewString()

	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Bus) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			log.Printf("events: subscriber full, dropping %s for %s", event.Type, event.VideoID)
		}
	}
}
