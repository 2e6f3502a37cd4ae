package event

import "errors"

var (
	// ErrTypeRequired is returned when an event is missing its type
	// attribute.
	ErrTypeRequired = errors.New("event: type is required")

	// ErrSourceRequired is returned when an event is missing its source
	// attribute.
	ErrSourceRequired = errors.New("event: source is required")

	// ErrInvalidJSON is returned when decoding an event from malformed
	// JSON.
	ErrInvalidJSON = errors.New("event: invalid JSON")
)
