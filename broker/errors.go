package broker

import "errors"

var (
	// ErrNotRunning is returned when publishing or requesting against a
	// broker that has not been started.
	ErrNotRunning = errors.New("broker: not running")

	// ErrChannelRequired is returned when an operation is missing the
	// channel name.
	ErrChannelRequired = errors.New("broker: channel is required")

	// ErrNilHandler is returned when subscribing with a nil handler.
	ErrNilHandler = errors.New("broker: handler is required")

	// ErrQueueFull is returned by Publish when the channel queue is at
	// capacity. The message is dropped; this is distinct from publishing
	// to a channel with no subscribers, which succeeds with zero
	// recipients.
	ErrQueueFull = errors.New("broker: channel queue is full")

	// ErrRequestTimeout is returned by Request when no reply arrives
	// within the deadline.
	ErrRequestTimeout = errors.New("broker: request timed out")
)
