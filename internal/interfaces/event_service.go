package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

const (
	EventJobWatched   EventType = "job_watched"
	EventJobReleased  EventType = "job_released"
	EventJobUpdated   EventType = "job_updated"
	EventJobCompleted EventType = "job_completed"
	EventJobFailed    EventType = "job_failed"
	EventJobCancelled EventType = "job_cancelled"

	EventHealthUpdated EventType = "health_updated"
	EventHealthChanged EventType = "health_changed" // overall status changed category
)

// AllEventTypes lists every event type, in publication order of a job lifecycle
var AllEventTypes = []EventType{
	EventJobWatched,
	EventJobUpdated,
	EventJobCompleted,
	EventJobFailed,
	EventJobCancelled,
	EventJobReleased,
	EventHealthUpdated,
	EventHealthChanged,
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

	// Unsubscribe from an event type
	Unsubscribe(eventType EventType, handler EventHandler) error

	// Publish an event to all subscribers
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
