package interfaces

import "github.com/ternarybob/pulse/internal/models"

// PushSender delivers envelopes to a user's open connections.
// Fire-and-forget: no open connection means the envelope is dropped.
type PushSender interface {
	SendToUser(userID string, envelope models.Envelope)
	Broadcast(envelope models.Envelope)
}

// AuthValidator checks a handshake token and resolves the owning user.
// A non-nil error rejects the connection with close code 4001.
type AuthValidator interface {
	Validate(token string) (userID string, err error)
}
