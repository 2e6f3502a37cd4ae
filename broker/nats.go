package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/windrose-io/skybus/pkg/slogx"
	"github.com/windrose-io/skybus/pkg/uuidx"
)

// wireEnvelope is the JSON shape a message takes on a NATS subject.
type wireEnvelope struct {
	Payload Record  `json:"payload"`
	Headers Headers `json:"headers,omitempty"`
}

type natsBroker struct {
	nc *nats.Conn

	mu      sync.Mutex
	running bool
	regs    []registration
	subs    []*nats.Subscription
}

type registration struct {
	channel string
	handler Handler
}

// NATS returns the application-scope broker: the same contract as Memory,
// carried over a NATS connection so every process subscribed to a channel's
// subject receives the message. Subscriptions registered before Start are
// buffered and materialized when the broker starts.
func NATS(nc *nats.Conn) *natsBroker {
	return &natsBroker{nc: nc}
}

func (b *natsBroker) Start(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	if b.nc == nil || b.nc.IsClosed() {
		return fmt.Errorf("broker: nats connection is not available")
	}

	for _, reg := range b.regs {
		sub, err := b.subscribeOne(reg)
		if err != nil {
			b.unsubscribeAllLocked()
			return fmt.Errorf("subscribe %q: %w", reg.channel, err)
		}
		b.subs = append(b.subs, sub)
	}
	b.running = true
	return nil
}

func (b *natsBroker) Stop(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return nil
	}
	b.running = false
	return b.unsubscribeAllLocked()
}

func (b *natsBroker) unsubscribeAllLocked() error {
	var errs []error
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	b.subs = nil
	return errors.Join(errs...)
}

func (b *natsBroker) Subscribe(channel string, h Handler) error {
	if channel == "" {
		return ErrChannelRequired
	}
	if h == nil {
		return ErrNilHandler
	}

	reg := registration{channel: channel, handler: h}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs = append(b.regs, reg)
	if b.running {
		sub, err := b.subscribeOne(reg)
		if err != nil {
			return err
		}
		b.subs = append(b.subs, sub)
	}
	return nil
}

// subscribeOne materializes one registration as a NATS subscription. Every
// handler gets its own subscription so each one sees every message; NATS
// dispatches a subscription's callbacks serially, preserving per-channel
// order for that handler.
func (b *natsBroker) subscribeOne(reg registration) (*nats.Subscription, error) {
	return b.nc.Subscribe(reg.channel, func(msg *nats.Msg) {
		var env wireEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			slog.Error("failed to decode envelope",
				slogx.Channel(reg.channel), slogx.Error(err))
			return
		}

		result, err := invoke(context.Background(), reg.handler, env.Payload)
		if err != nil {
			slog.Error("handler failed",
				slogx.Handler(reg.handler.Name()), slogx.Channel(reg.channel), slogx.Error(err))
			return
		}

		if replyTo := env.Headers[HeaderReplyTo]; replyTo != "" && len(result) > 0 {
			if _, err := b.Publish(context.Background(), result, replyTo, nil); err != nil {
				slog.Error("failed to publish reply",
					slogx.Handler(reg.handler.Name()), slogx.Channel(replyTo), slogx.Error(err))
			}
		}
	})
}

// Publish sends payload to the channel's subject. NATS does not report
// remote fan-out, so the recipient count is 1 once the server accepts the
// message.
func (b *natsBroker) Publish(_ context.Context, payload Record, channel string, headers Headers) (int, error) {
	b.mu.Lock()
	running := b.running
	b.mu.Unlock()
	if !running {
		return 0, ErrNotRunning
	}
	if channel == "" {
		return 0, ErrChannelRequired
	}

	data, err := json.Marshal(wireEnvelope{Payload: payload, Headers: headers})
	if err != nil {
		return 0, fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.nc.Publish(channel, data); err != nil {
		return 0, err
	}
	return 1, nil
}

// Request mirrors Memory.Request over NATS: an ephemeral reply subject keyed
// by a correlation identifier, a one-shot completion slot, and a bounded
// wait.
func (b *natsBroker) Request(ctx context.Context, payload Record, channel string, timeout time.Duration) (Record, error) {
	b.mu.Lock()
	running := b.running
	b.mu.Unlock()
	if !running {
		return nil, ErrNotRunning
	}
	if channel == "" {
		return nil, ErrChannelRequired
	}

	id := uuidx.NewString()
	pending := newPendingRequest()
	replyChannel := replyChannelPrefix + id

	sub, err := b.nc.Subscribe(replyChannel, func(msg *nats.Msg) {
		var env wireEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			slog.Error("failed to decode reply", slogx.Channel(replyChannel), slogx.Error(err))
			return
		}
		pending.fulfill(env.Payload)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %q: %w", replyChannel, err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			slog.Error("failed to unsubscribe reply subject",
				slogx.Channel(replyChannel), slogx.Error(err))
		}
	}()

	headers := Headers{
		HeaderReplyTo:       replyChannel,
		HeaderCorrelationID: id,
	}
	if _, err := b.Publish(ctx, payload, channel, headers); err != nil {
		return nil, fmt.Errorf("publish request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-pending.done:
		return pending.reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s on channel %q", ErrRequestTimeout, timeout, channel)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
