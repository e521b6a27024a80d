package events

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/pulse/internal/interfaces"
)

// Registry implements EventRegistry with synchronous fan-out.
// Each registry instance is owned by whoever created it; there is no
// process-global bus. Handler failures are contained per handler, so one
// misbehaving subscriber cannot starve the others or the dispatcher.
type Registry struct {
	subscribers map[interfaces.Topic]map[int64]interfaces.EventHandler
	nextID      int64
	mu          sync.RWMutex
	logger      arbor.ILogger
}

// NewRegistry creates a new subscription registry
func NewRegistry(logger arbor.ILogger) *Registry {
	return &Registry{
		subscribers: make(map[interfaces.Topic]map[int64]interfaces.EventHandler),
		logger:      logger,
	}
}

// Subscribe registers a handler for a topic and returns its unsubscribe
// function. TopicWildcard receives events of every topic. Unsubscribe is
// idempotent.
func (r *Registry) Subscribe(topic interfaces.Topic, handler interfaces.EventHandler) func() {
	if handler == nil {
		return func() {}
	}

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	if r.subscribers[topic] == nil {
		r.subscribers[topic] = make(map[int64]interfaces.EventHandler)
	}
	r.subscribers[topic][id] = handler
	count := len(r.subscribers[topic])
	r.mu.Unlock()

	r.logger.Debug().
		Str("topic", string(topic)).
		Int("subscriber_count", count).
		Msg("Event handler subscribed")

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if handlers, ok := r.subscribers[topic]; ok {
				delete(handlers, id)
				if len(handlers) == 0 {
					delete(r.subscribers, topic)
				}
			}
			r.mu.Unlock()

			r.logger.Debug().
				Str("topic", string(topic)).
				Msg("Event handler unsubscribed")
		})
	}
}

// Dispatch delivers the event synchronously to handlers subscribed to its
// topic and to the wildcard. Returns after every handler ran.
func (r *Registry) Dispatch(ctx context.Context, event interfaces.Event) {
	r.mu.RLock()
	handlers := make([]interfaces.EventHandler, 0, 4)
	for _, h := range r.subscribers[event.Topic] {
		handlers = append(handlers, h)
	}
	if event.Topic != interfaces.TopicWildcard {
		for _, h := range r.subscribers[interfaces.TopicWildcard] {
			handlers = append(handlers, h)
		}
	}
	r.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	for _, handler := range handlers {
		r.invoke(ctx, event, handler)
	}
}

// invoke runs one handler inside its own failure boundary
func (r *Registry) invoke(ctx context.Context, event interfaces.Event, handler interfaces.EventHandler) {
	defer func() {
		if rec := recover(); rec != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			r.logger.Error().
				Str("topic", string(event.Topic)).
				Str("panic", fmt.Sprintf("%v", rec)).
				Str("stack", string(buf[:n])).
				Msg("Recovered from panic in event handler")
		}
	}()

	if err := handler(ctx, event); err != nil {
		r.logger.Error().
			Err(err).
			Str("topic", string(event.Topic)).
			Str("job_id", event.JobID).
			Msg("Event handler failed")
	}
}

// Close removes all subscriptions
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subscribers = make(map[interfaces.Topic]map[int64]interfaces.EventHandler)
	r.logger.Debug().Msg("Event registry closed")

	return nil
}
