package pubsub

import (
	"context"
	"time"
)

// Event represents a notification published on the local bus.
type Event struct {
	Type           string      `json:"type"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Payload        interface{} `json:"payload,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType, conversationID string, payload interface{}) *Event {
	return &Event{
		Type:           eventType,
		ConversationID: conversationID,
		Payload:        payload,
		Timestamp:      time.Now(),
	}
}

// Publisher publishes events to the bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, event *Event) error
}

// Subscriber subscribes to events from the bus. The returned channel is
// closed when ctx is done or the subscription is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan *Event, error)
	Unsubscribe(ctx context.Context, topic string) error
}

// PubSub combines Publisher and Subscriber interfaces.
type PubSub interface {
	Publisher
	Subscriber
	Close() error
}
