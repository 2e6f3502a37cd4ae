package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/windrose-io/skybus/pkg/slogx"
)

// Record is the flat key/value shape a handler receives and may return.
// Producers flatten richer structures (typed events, envelopes) into a
// Record before handing them to a broker.
type Record map[string]any

// Headers carries per-message metadata alongside the payload.
type Headers map[string]string

// Header keys recognized by the delivery engine.
const (
	HeaderReplyTo       = "reply_to"
	HeaderCorrelationID = "correlation_id"
)

// Handler consumes messages delivered on a channel. Name identifies the
// handler in diagnostics and fault logs. A non-empty result is published to
// the message's reply_to channel when one is set.
type Handler interface {
	Name() string
	Handle(ctx context.Context, rec Record) (Record, error)
}

// HandlerFunc is the function shape adapted into a Handler by Named.
type HandlerFunc func(ctx context.Context, rec Record) (Record, error)

// Named binds a name to fn so it satisfies Handler.
func Named(name string, fn HandlerFunc) Handler {
	return &namedHandler{name: name, fn: fn}
}

type namedHandler struct {
	name string
	fn   HandlerFunc
}

func (h *namedHandler) Name() string { return h.name }

func (h *namedHandler) Handle(ctx context.Context, rec Record) (Record, error) {
	return h.fn(ctx, rec)
}

// Broker is the capability contract shared by the process-scope and
// application-scope brokers. Publish reports how many recipients the message
// was handed to; delivery problems (no subscribers, full queue) never block
// the publisher.
type Broker interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Subscribe(channel string, h Handler) error
	Publish(ctx context.Context, payload Record, channel string, headers Headers) (int, error)
}

// Requester is implemented by brokers that support the correlation-id
// request/response mode.
type Requester interface {
	Request(ctx context.Context, payload Record, channel string, timeout time.Duration) (Record, error)
}

// SubscriberInfo describes one registration for diagnostics.
type SubscriberInfo struct {
	Handler string `json:"handler"`
	Channel string `json:"channel"`
}

// Stats is a point-in-time snapshot of a broker's counters.
type Stats struct {
	Published   uint64         `json:"published"`
	Consumed    uint64         `json:"consumed"`
	Errors      uint64         `json:"errors"`
	Running     bool           `json:"running"`
	Channels    int            `json:"channels"`
	Subscribers int            `json:"subscribers"`
	QueueSizes  map[string]int `json:"queue_sizes"`
}

// PublishResult wraps h so that any non-empty result it produces is also
// published to channel on b. The wrapped handler keeps h's name and return
// values; a failed publish is logged and does not fail the handler.
func PublishResult(b Broker, channel string, h Handler) Handler {
	return Named(h.Name(), func(ctx context.Context, rec Record) (Record, error) {
		result, err := h.Handle(ctx, rec)
		if err != nil {
			return nil, err
		}
		if len(result) > 0 {
			if _, perr := b.Publish(ctx, result, channel, nil); perr != nil {
				slog.Error("failed to publish handler result",
					slogx.Handler(h.Name()), slogx.Channel(channel), slogx.Error(perr))
			}
		}
		return result, nil
	})
}
