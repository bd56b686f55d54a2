package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

const (
	EventAccountStatusChanged EventType = "account_status_changed"
	EventLeaseReclaimed       EventType = "lease_reclaimed"
	EventBreakerTripped       EventType = "breaker_tripped"
	EventBreakerCleared       EventType = "breaker_cleared"
	EventValidationCompleted  EventType = "validation_completed"
)

// PoolEventTypes lists every event the pool publishes
var PoolEventTypes = []EventType{
	EventAccountStatusChanged,
	EventLeaseReclaimed,
	EventBreakerTripped,
	EventBreakerCleared,
	EventValidationCompleted,
}

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages pub/sub event bus
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Publish an event to all subscribers
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}

// StatusChange is the payload of EventAccountStatusChanged
type StatusChange struct {
	AccountID string `json:"account_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason"`
}
