// Package skybus is a scope-routed publish/subscribe event bus.
//
// A Bus composes two broker collaborators behind one surface: a local broker
// for process-scoped events and a distributed broker for application-scoped
// ones. Handlers are registered on both; a published event is classified by
// its scope tag and forwarded to exactly one of them under the channel
// derived from its type.
//
//	local := broker.NewMemory()
//	dist := broker.NATS(nc)
//	bus, err := skybus.New(skybus.WithLocal(local), skybus.WithDistributed(dist))
//	if err != nil { ... }
//
//	bus.Subscribe("order.created", skybus.EventHandler("audit", func(ctx context.Context, ev *event.Event) (broker.Record, error) {
//		...
//		return nil, nil
//	}))
//
//	if err := bus.Start(ctx); err != nil { ... }
//	defer bus.Stop(ctx)
//
//	ev, _ := event.New("order.created", "orders-service", event.WithScope(event.ScopeProcess))
//	bus.Publish(ctx, ev)
//
// Publishing is fire and forget: a broker failure is logged and swallowed,
// never surfaced to the publisher. Only construction and lifecycle errors
// cross the public API.
package skybus
