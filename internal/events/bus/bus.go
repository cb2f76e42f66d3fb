// Package bus provides the in-process and NATS-backed event bus.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // Component that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*SubscribeOptions)

// SubscribeOptions holds optional subscription settings.
type SubscribeOptions struct {
	// Priority orders synchronous dispatch; higher runs first.
	// Ignored by the NATS bus, which has no dispatch ordering.
	Priority int
}

// WithPriority sets the subscription priority for synchronous dispatch.
func WithPriority(p int) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Priority = p
	}
}

// EventBus is the pub/sub surface used by all services.
//
// Publish never surfaces handler failures: they are logged and isolated
// from the publisher. The in-process bus dispatches in publish order so
// streaming subscribers see events in sequence. PublishSync additionally
// orders handlers by priority and joins on their completion.
type EventBus interface {
	// Publish sends an event to a subject without waiting for handlers.
	Publish(ctx context.Context, subject string, event *Event) error

	// PublishSync sends an event and waits for all matching handlers to finish.
	PublishSync(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	// Patterns use NATS-style wildcards: * (one token) and > (tail).
	Subscribe(subject string, handler EventHandler, opts ...SubscribeOption) (Subscription, error)

	// QueueSubscribe creates a queue subscription for load balancing.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
