package handlers

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/pulse/internal/common"
	"github.com/ternarybob/pulse/internal/interfaces"
	"github.com/ternarybob/pulse/internal/models"
	"github.com/ternarybob/pulse/internal/services/events"
)

// recordingSender captures deliveries instead of writing to sockets
type recordingSender struct {
	mu        sync.Mutex
	toUser    map[string][]models.Envelope
	broadcast []models.Envelope
}

func newRecordingSender() *recordingSender {
	return &recordingSender{toUser: make(map[string][]models.Envelope)}
}

func (r *recordingSender) SendToUser(userID string, envelope models.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toUser[userID] = append(r.toUser[userID], envelope)
}

func (r *recordingSender) Broadcast(envelope models.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcast = append(r.broadcast, envelope)
}

func TestBridgeRoutesToOwningUserOnly(t *testing.T) {
	logger := arbor.NewLogger()
	registry := events.NewRegistry(logger)
	sender := newRecordingSender()
	bridge := NewBridge(registry, sender, nil, logger)
	defer bridge.Close()

	registry.Dispatch(context.Background(), interfaces.Event{
		Topic:    interfaces.TopicTaskProgress,
		JobID:    "job-1",
		UserID:   "user-1",
		Provider: "linkedin",
		Payload:  models.ProgressPayload{CompletedSubTasks: 1, TotalSubTasks: 10},
	})

	require.Len(t, sender.toUser["user-1"], 1)
	assert.Empty(t, sender.toUser["user-2"])
	assert.Empty(t, sender.broadcast)

	envelope := sender.toUser["user-1"][0]
	assert.Equal(t, models.EnvelopeTaskProgress, envelope.Type)
	assert.Equal(t, "job-1", envelope.JobID)
	assert.Equal(t, "linkedin", envelope.Provider)
	assert.False(t, envelope.Timestamp.IsZero())
}

func TestBridgeBroadcastsUserlessEvents(t *testing.T) {
	logger := arbor.NewLogger()
	registry := events.NewRegistry(logger)
	sender := newRecordingSender()
	bridge := NewBridge(registry, sender, nil, logger)
	defer bridge.Close()

	registry.Dispatch(context.Background(), interfaces.Event{
		Topic:   interfaces.TopicNotification,
		Payload: models.NotificationPayload{Level: "info", Message: "maintenance window"},
	})

	require.Len(t, sender.broadcast, 1)
	assert.Equal(t, models.EnvelopeNotification, sender.broadcast[0].Type)
}

func TestBridgeThrottlesProgressEvents(t *testing.T) {
	logger := arbor.NewLogger()
	registry := events.NewRegistry(logger)
	sender := newRecordingSender()
	config := &common.WebSocketConfig{
		ThrottleIntervals: map[string]string{"task_progress": "1h"},
	}
	bridge := NewBridge(registry, sender, config, logger)
	defer bridge.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		registry.Dispatch(ctx, interfaces.Event{
			Topic:  interfaces.TopicTaskProgress,
			UserID: "user-1",
		})
	}

	assert.Len(t, sender.toUser["user-1"], 1)
}

func TestBridgeNeverThrottlesTerminalOrCreditEvents(t *testing.T) {
	logger := arbor.NewLogger()
	registry := events.NewRegistry(logger)
	sender := newRecordingSender()
	config := &common.WebSocketConfig{
		ThrottleIntervals: map[string]string{
			"task_completed": "1h",
			"credits_update": "1h",
		},
	}
	bridge := NewBridge(registry, sender, config, logger)
	defer bridge.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		registry.Dispatch(ctx, interfaces.Event{Topic: interfaces.TopicCreditsUpdate, UserID: "user-1"})
		registry.Dispatch(ctx, interfaces.Event{Topic: interfaces.TopicTaskCompleted, UserID: "user-1"})
	}

	assert.Len(t, sender.toUser["user-1"], 6)
}

func TestBridgeCloseDetaches(t *testing.T) {
	logger := arbor.NewLogger()
	registry := events.NewRegistry(logger)
	sender := newRecordingSender()
	bridge := NewBridge(registry, sender, nil, logger)

	bridge.Close()
	registry.Dispatch(context.Background(), interfaces.Event{
		Topic:  interfaces.TopicTaskProgress,
		UserID: "user-1",
	})

	assert.Empty(t, sender.toUser["user-1"])
}
