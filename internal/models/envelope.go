// -----------------------------------------------------------------------
// Envelope - WebSocket wire message
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope message types
const (
	EnvelopeTaskProgress  = "task_progress"
	EnvelopeTaskCompleted = "task_completed"
	EnvelopeTaskFailed    = "task_failed"
	EnvelopeCreditsUpdate = "credits_update"
	EnvelopeNotification  = "notification"

	// Transport-internal types
	EnvelopePing      = "ping"
	EnvelopePong      = "pong"
	EnvelopeConnected = "connected"
)

// CloseAuthFailure is the application close code sent when the handshake
// token is rejected. Clients must not reconnect after receiving it.
const CloseAuthFailure = 4001

// Envelope is the JSON message exchanged over the WebSocket channel.
// Delivery is fire-and-forget: a user with no open connection misses the
// envelope and recovers state from the job record on next fetch.
type Envelope struct {
	Type      string      `json:"type"`
	JobID     string      `json:"jobId,omitempty"`
	Provider  string      `json:"provider,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEnvelope creates an envelope stamped with the current time
func NewEnvelope(msgType, jobID, provider string, payload interface{}) Envelope {
	return Envelope{
		Type:      msgType,
		JobID:     jobID,
		Provider:  provider,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// ToJSON serializes the envelope for the wire
func (e Envelope) ToJSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// EnvelopeFromJSON deserializes an envelope received from the wire
func EnvelopeFromJSON(data []byte) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return &envelope, nil
}

// ProgressPayload is the payload of task_progress envelopes
type ProgressPayload struct {
	CompletedSubTasks int     `json:"completedSubTasks"`
	TotalSubTasks     int     `json:"totalSubTasks"`
	TotalResults      int     `json:"totalResults"`
	CacheHits         int     `json:"cacheHits"`
	CreditsUsed       float64 `json:"creditsUsed"`
	Percentage        float64 `json:"percentage"`
}

// CompletionPayload is the payload of task_completed envelopes
type CompletionPayload struct {
	TotalResults int     `json:"totalResults"`
	CreditsUsed  float64 `json:"creditsUsed"`
	Summary      string  `json:"summary,omitempty"`
}

// FailurePayload is the payload of task_failed envelopes
type FailurePayload struct {
	Error             string `json:"error"`
	CompletedSubTasks int    `json:"completedSubTasks"`
	TotalSubTasks     int    `json:"totalSubTasks"`
}

// CreditsPayload is the payload of credits_update envelopes
type CreditsPayload struct {
	Amount  float64 `json:"amount"`
	Balance float64 `json:"balance"`
	Reason  string  `json:"reason,omitempty"`
}

// NotificationPayload is the payload of notification envelopes
type NotificationPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// ConnectedPayload is the payload of the connected envelope sent on open
type ConnectedPayload struct {
	InstanceID string `json:"instanceId"`
	Version    string `json:"version"`
}
