package skybus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/windrose-io/skybus/broker"
)

// The default-bus registry is a compatibility shim for programs that declare
// handlers before the bus exists. Prefer constructing a Bus and calling
// Subscribe on it directly.

var (
	defaultMu  sync.Mutex
	defaultBus *Bus
	backlog    []pendingRegistration
)

type pendingRegistration struct {
	eventType string
	handler   broker.Handler
}

// Handle registers h for eventType on the default bus. Until SetDefault
// installs one, registrations are buffered and flushed in declaration order
// when it is.
func Handle(eventType string, h broker.Handler) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultBus == nil {
		backlog = append(backlog, pendingRegistration{eventType: eventType, handler: h})
		return nil
	}
	return defaultBus.Subscribe(eventType, h)
}

// SetDefault installs b as the default bus and flushes every buffered
// registration onto it, in declaration order. Every entry is attempted even
// when an earlier one fails; failures are collected into one aggregate
// error.
func SetDefault(b *Bus) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultBus = b
	pending := backlog
	backlog = nil
	var errs []error
	for _, reg := range pending {
		if err := b.Subscribe(reg.eventType, reg.handler); err != nil {
			errs = append(errs, fmt.Errorf("register handler for %q: %w", reg.eventType, err))
		}
	}
	return errors.Join(errs...)
}

// Default returns the installed default bus, or nil when none is set.
func Default() *Bus {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultBus
}
