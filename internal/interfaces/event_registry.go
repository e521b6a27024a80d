package interfaces

import "context"

// Topic identifies an event stream. Topics mirror the envelope types that
// eventually reach clients; TopicWildcard receives everything.
type Topic string

const (
	TopicTaskProgress  Topic = "task_progress"
	TopicTaskCompleted Topic = "task_completed"
	TopicTaskFailed    Topic = "task_failed"
	TopicCreditsUpdate Topic = "credits_update"
	TopicNotification  Topic = "notification"

	TopicWildcard Topic = "*"
)

// Event is one occurrence dispatched through the registry
type Event struct {
	Topic    Topic
	JobID    string
	UserID   string
	Provider string
	Payload  interface{}
}

// EventHandler is a function that handles events. Errors and panics are
// contained by the registry and never reach the dispatcher.
type EventHandler func(ctx context.Context, event Event) error

// EventRegistry is an owned, in-process subscription registry.
// Dispatch is synchronous: it returns after every matching handler ran,
// so a dispatcher holding a per-job lock keeps per-job event ordering.
type EventRegistry interface {
	// Subscribe registers a handler for a topic (TopicWildcard matches all).
	// The returned function removes the subscription; calling it more than
	// once is harmless.
	Subscribe(topic Topic, handler EventHandler) func()

	// Dispatch delivers the event to every matching handler in turn
	Dispatch(ctx context.Context, event Event)

	// Close removes all subscriptions
	Close() error
}
