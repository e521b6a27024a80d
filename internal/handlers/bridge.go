// -----------------------------------------------------------------------
// Push Bridge - Event registry to WebSocket envelope routing
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/pulse/internal/common"
	"github.com/ternarybob/pulse/internal/interfaces"
	"github.com/ternarybob/pulse/internal/models"
	"golang.org/x/time/rate"
)

// Bridge subscribes to the event registry with the wildcard topic and
// converts internal events into wire envelopes routed to the owning
// user's connections. Events without a user are broadcast. High-frequency
// topics can be throttled from config; terminal and credit events always
// go through.
type Bridge struct {
	sender      interfaces.PushSender
	logger      arbor.ILogger
	throttlers  map[interfaces.Topic]*rate.Limiter
	unsubscribe func()
}

// NewBridge creates a bridge and attaches it to the registry
func NewBridge(registry interfaces.EventRegistry, sender interfaces.PushSender, config *common.WebSocketConfig, logger arbor.ILogger) *Bridge {
	b := &Bridge{
		sender:     sender,
		logger:     logger,
		throttlers: make(map[interfaces.Topic]*rate.Limiter),
	}

	if config != nil {
		for topicStr, intervalStr := range config.ThrottleIntervals {
			topic := interfaces.Topic(topicStr)
			if topic == interfaces.TopicTaskCompleted || topic == interfaces.TopicTaskFailed || topic == interfaces.TopicCreditsUpdate {
				logger.Warn().Str("topic", topicStr).Msg("Refusing to throttle terminal or credit events")
				continue
			}
			duration, err := time.ParseDuration(intervalStr)
			if err != nil {
				logger.Warn().Err(err).Str("topic", topicStr).Str("interval", intervalStr).Msg("Failed to parse throttle interval - throttler disabled")
				continue
			}
			b.throttlers[topic] = rate.NewLimiter(rate.Every(duration), 1)
			logger.Debug().Str("topic", topicStr).Str("interval", intervalStr).Msg("Throttler initialized")
		}
	}

	b.unsubscribe = registry.Subscribe(interfaces.TopicWildcard, b.handle)

	return b
}

// handle converts one registry event to an envelope and delivers it
func (b *Bridge) handle(ctx context.Context, event interfaces.Event) error {
	if throttler, ok := b.throttlers[event.Topic]; ok && !throttler.Allow() {
		return nil
	}

	envelope := models.NewEnvelope(string(event.Topic), event.JobID, event.Provider, event.Payload)

	if event.UserID != "" {
		b.sender.SendToUser(event.UserID, envelope)
	} else {
		b.sender.Broadcast(envelope)
	}

	return nil
}

// Close detaches the bridge from the registry
func (b *Bridge) Close() {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
}
