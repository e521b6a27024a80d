package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the "job_" prefix
// Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewConnectionID generates a unique connection ID with the "conn_" prefix
func NewConnectionID() string {
	return "conn_" + uuid.New().String()
}

// NewInstanceID generates a server instance ID with the "pulse_" prefix.
// Sent to clients in the connected envelope so reconnects across restarts
// are observable.
func NewInstanceID() string {
	return "pulse_" + uuid.New().String()
}
