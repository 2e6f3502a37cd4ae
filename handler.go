package skybus

import (
	"context"
	"fmt"

	"github.com/windrose-io/skybus/broker"
	"github.com/windrose-io/skybus/event"
)

// EventHandler adapts a typed event handler to the broker's flat-record
// contract. The decode step happens once, at registration, so handlers
// always see a fully rebuilt event instead of inspecting raw records.
func EventHandler(name string, fn func(ctx context.Context, ev *event.Event) (broker.Record, error)) broker.Handler {
	return broker.Named(name, func(ctx context.Context, rec broker.Record) (broker.Record, error) {
		ev, err := event.FromRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		return fn(ctx, ev)
	})
}
