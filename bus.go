package skybus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fogfish/opts"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"github.com/windrose-io/skybus/broker"
	"github.com/windrose-io/skybus/event"
	"github.com/windrose-io/skybus/pkg/slogx"
)

var (
	// ErrLocalBrokerRequired is returned by New when no local broker is
	// configured.
	ErrLocalBrokerRequired = errors.New("skybus: local broker is required")

	// ErrDistributedBrokerRequired is returned by New when no distributed
	// broker is configured.
	ErrDistributedBrokerRequired = errors.New("skybus: distributed broker is required")

	// ErrEventTypeRequired is returned when subscribing without an event
	// type.
	ErrEventTypeRequired = errors.New("skybus: event type is required")
)

var (
	// WithLocal sets the broker handling process-scoped events.
	WithLocal = opts.ForName[Bus, broker.Broker]("local")
	// WithDistributed sets the broker handling application-scoped events.
	WithDistributed = opts.ForName[Bus, broker.Broker]("distributed")
)

// Bus routes events to one of two broker collaborators based on their scope
// tag. Handlers are registered on both brokers so an event is handled the
// same way whichever side it arrives on.
type Bus struct {
	local       broker.Broker
	distributed broker.Broker

	mu       sync.RWMutex
	handlers *orderedmap.OrderedMap[string, []broker.Handler]
}

// New constructs a Bus. Both collaborators are required; construction fails
// fast when either is missing.
func New(options ...opts.Option[Bus]) (*Bus, error) {
	b := &Bus{handlers: orderedmap.New[string, []broker.Handler]()}
	if err := opts.Apply(b, options); err != nil {
		return nil, err
	}
	if b.local == nil {
		return nil, ErrLocalBrokerRequired
	}
	if b.distributed == nil {
		return nil, ErrDistributedBrokerRequired
	}
	return b, nil
}

// Start brings up the local broker, then the distributed one. If the
// distributed broker fails to start, the local broker is stopped again
// before the error is returned, leaving no half-started state behind.
func (b *Bus) Start(ctx context.Context) error {
	slog.Info("starting event bus")
	if err := b.local.Start(ctx); err != nil {
		return fmt.Errorf("start local broker: %w", err)
	}
	if err := b.distributed.Start(ctx); err != nil {
		if serr := b.local.Stop(ctx); serr != nil {
			slog.Error("failed to roll back local broker", slogx.Error(serr))
		}
		return fmt.Errorf("start distributed broker: %w", err)
	}
	slog.Info("event bus started")
	return nil
}

// Stop shuts down both brokers. Each stop is attempted regardless of the
// other's outcome; failures are collected into one aggregate error.
func (b *Bus) Stop(ctx context.Context) error {
	slog.Info("stopping event bus")
	var errs []error
	if err := b.local.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop local broker: %w", err))
	}
	if err := b.distributed.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop distributed broker: %w", err))
	}
	return errors.Join(errs...)
}

// Subscribe registers h for events of the given type on both brokers, under
// the channel derived from the type, and records it for introspection.
// Registration is local-first and not rolled back: when the distributed
// registration fails, h stays subscribed on the local broker but is not
// recorded in Handlers, and the error names the failing side.
func (b *Bus) Subscribe(eventType string, h broker.Handler) error {
	if eventType == "" {
		return ErrEventTypeRequired
	}
	if h == nil {
		return broker.ErrNilHandler
	}

	channel := event.ChannelFor(eventType)
	if err := b.local.Subscribe(channel, h); err != nil {
		return fmt.Errorf("subscribe local broker: %w", err)
	}
	if err := b.distributed.Subscribe(channel, h); err != nil {
		return fmt.Errorf("subscribe distributed broker: %w", err)
	}

	b.mu.Lock()
	cur, _ := b.handlers.Get(eventType)
	b.handlers.Set(eventType, append(cur, h))
	b.mu.Unlock()

	slog.Info("registered event handler",
		slogx.Handler(h.Name()), slog.String("event_type", eventType))
	return nil
}

// Publish forwards ev to exactly one broker selected by its scope:
// process-scoped events go to the local broker, everything else to the
// distributed one. Delivery is fire and forget; a broker failure is logged
// and swallowed.
func (b *Bus) Publish(ctx context.Context, ev *event.Event) {
	if ev == nil {
		return
	}

	target, role := b.distributed, "distributed"
	if ev.Scope == event.ScopeProcess {
		target, role = b.local, "local"
	}

	slog.Debug("publishing event",
		slog.String("event_type", ev.Type),
		slog.String("scope", string(ev.Scope)),
		slogx.Channel(ev.Channel()))

	if _, err := target.Publish(ctx, ev.ToRecord(), ev.Channel(), nil); err != nil {
		slog.Error("failed to publish event",
			slog.String("broker", role),
			slog.String("event_type", ev.Type),
			slogx.Channel(ev.Channel()),
			slogx.Error(err))
	}
}

// Handlers returns a snapshot of registered handler names per event type,
// in registration order.
func (b *Bus) Handlers() map[string][]string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string][]string, b.handlers.Len())
	for pair := b.handlers.Oldest(); pair != nil; pair = pair.Next() {
		names := make([]string, len(pair.Value))
		for i, h := range pair.Value {
			names[i] = h.Name()
		}
		out[pair.Key] = names
	}
	return out
}
