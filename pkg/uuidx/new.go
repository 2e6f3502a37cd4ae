package uuidx

import "github.com/google/uuid"

// New returns a fresh version 7 UUID. Generation failures are programming
// errors at this layer, so it panics instead of returning an error.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns a fresh version 7 UUID rendered as a string.
func NewString() string {
	return New().String()
}
