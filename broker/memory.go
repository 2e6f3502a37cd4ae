package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/alphadose/haxmap"
	"github.com/fogfish/opts"
	"github.com/windrose-io/skybus/pkg/slogx"
)

// DefaultMaxQueueSize is the per-channel queue capacity unless overridden
// with MaxQueueSize at construction.
const DefaultMaxQueueSize = 1000

// MaxQueueSize sets the per-channel queue capacity. The capacity is fixed
// for the broker's lifetime.
var MaxQueueSize = opts.ForName[Memory, int]("maxQueueSize")

// Memory is the in-process broker. Each channel owns a bounded FIFO queue
// and an ordered handler list; while the broker is running, one consumer
// goroutine per channel drains the queue and invokes every handler
// sequentially, in registration order.
//
// The zero value is not usable; construct with NewMemory.
type Memory struct {
	maxQueueSize int

	channels *haxmap.Map[string, *channel]
	pending  *haxmap.Map[string, *pendingRequest]

	lifecycleMu sync.Mutex // serializes Start and Stop
	launchMu    sync.Mutex // guards consumer launches and loopCtx
	running     atomic.Bool
	loopCtx     context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	published atomic.Uint64
	consumed  atomic.Uint64
	errors    atomic.Uint64
}

// NewMemory constructs a stopped in-process broker.
func NewMemory(options ...opts.Option[Memory]) *Memory {
	b := &Memory{
		maxQueueSize: DefaultMaxQueueSize,
		channels:     haxmap.New[string, *channel](),
		pending:      haxmap.New[string, *pendingRequest](),
	}
	if err := opts.Apply(b, options); err != nil {
		panic(err)
	}
	return b
}

type channel struct {
	name  string
	queue chan envelope

	mu   sync.RWMutex
	subs []Handler

	// consuming is guarded by Memory.launchMu, not channel.mu.
	consuming bool
}

func (c *channel) add(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, h)
}

func (c *channel) handlers() []Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Handler, len(c.subs))
	copy(out, c.subs)
	return out
}

func (c *channel) drain() {
	for {
		select {
		case <-c.queue:
		default:
			return
		}
	}
}

// envelope is one message in transit on a channel queue.
type envelope struct {
	payload Record
	headers Headers
}

// Start transitions the broker to running and launches a consumer loop for
// every channel registered so far. Starting a running broker is a no-op.
func (b *Memory) Start(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	if b.running.Load() {
		return nil
	}

	b.launchMu.Lock()
	b.loopCtx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
	b.running.Store(true)
	b.launchMu.Unlock()

	b.channels.ForEach(func(_ string, ch *channel) bool {
		b.launch(ch)
		return true
	})
	return nil
}

// Stop signals every consumer loop to terminate and waits for them. Queued
// but undelivered envelopes are dropped. Stopping a stopped broker is a
// no-op.
func (b *Memory) Stop(context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	if !b.running.Load() {
		return nil
	}

	b.launchMu.Lock()
	b.running.Store(false)
	b.cancel()
	b.launchMu.Unlock()

	// The wait runs outside launchMu so in-flight handlers that register
	// subscribers or issue requests cannot deadlock the shutdown.
	b.wg.Wait()

	b.launchMu.Lock()
	defer b.launchMu.Unlock()
	b.channels.ForEach(func(_ string, ch *channel) bool {
		ch.consuming = false
		ch.drain()
		return true
	})
	return nil
}

// Subscribe appends h to the channel's handler list, creating the channel on
// first use. Registration order is invocation order; registering the same
// handler twice yields two invocations per message. If the broker is running
// and the channel has no consumer loop yet, one is launched immediately.
func (b *Memory) Subscribe(name string, h Handler) error {
	if name == "" {
		return ErrChannelRequired
	}
	if h == nil {
		return ErrNilHandler
	}

	ch := b.channel(name)
	ch.add(h)
	b.launch(ch)
	return nil
}

// Publish enqueues payload on the named channel and reports the number of
// handlers that will receive it. A channel with zero subscribers returns
// zero recipients without enqueueing. A full queue drops the message and
// returns ErrQueueFull; the publisher is never blocked.
func (b *Memory) Publish(ctx context.Context, payload Record, name string, headers Headers) (int, error) {
	if !b.running.Load() {
		return 0, ErrNotRunning
	}
	if name == "" {
		return 0, ErrChannelRequired
	}

	ch, ok := b.channels.Get(name)
	if !ok {
		return 0, nil
	}
	subs := ch.handlers()
	if len(subs) == 0 {
		return 0, nil
	}

	select {
	case ch.queue <- envelope{payload: payload, headers: headers}:
		b.published.Add(1)
		return len(subs), nil
	default:
		b.errors.Add(1)
		return 0, ErrQueueFull
	}
}

// Stats returns a snapshot of the broker's counters and queue depths.
func (b *Memory) Stats() Stats {
	st := Stats{
		Published:  b.published.Load(),
		Consumed:   b.consumed.Load(),
		Errors:     b.errors.Load(),
		Running:    b.running.Load(),
		QueueSizes: make(map[string]int),
	}
	b.channels.ForEach(func(name string, ch *channel) bool {
		st.Channels++
		st.Subscribers += len(ch.handlers())
		st.QueueSizes[name] = len(ch.queue)
		return true
	})
	return st
}

// Subscribers returns the registered handlers per channel, in registration
// order.
func (b *Memory) Subscribers() map[string][]SubscriberInfo {
	out := make(map[string][]SubscriberInfo)
	b.channels.ForEach(func(name string, ch *channel) bool {
		subs := ch.handlers()
		infos := make([]SubscriberInfo, len(subs))
		for i, h := range subs {
			infos[i] = SubscriberInfo{Handler: h.Name(), Channel: name}
		}
		out[name] = infos
		return true
	})
	return out
}

func (b *Memory) channel(name string) *channel {
	ch, _ := b.channels.GetOrCompute(name, func() *channel {
		return &channel{name: name, queue: make(chan envelope, b.maxQueueSize)}
	})
	return ch
}

// launch starts the consumer loop for ch unless the broker is stopped or a
// loop is already draining it.
func (b *Memory) launch(ch *channel) {
	b.launchMu.Lock()
	defer b.launchMu.Unlock()
	if !b.running.Load() || ch.consuming {
		return
	}
	ch.consuming = true
	b.wg.Add(1)
	go b.consume(b.loopCtx, ch)
}

func (b *Memory) consume(ctx context.Context, ch *channel) {
	defer b.wg.Done()
	for {
		// Prefer the stop signal over further queue reads so queued
		// envelopes are reliably dropped on Stop.
		select {
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case env := <-ch.queue:
			b.dispatch(ctx, ch, env)
		}
	}
}

// dispatch invokes every registered handler for env, sequentially and in
// registration order. One handler's failure never prevents delivery to its
// siblings or terminates the loop.
func (b *Memory) dispatch(ctx context.Context, ch *channel, env envelope) {
	for _, h := range ch.handlers() {
		result, err := invoke(ctx, h, env.payload)
		if err != nil {
			b.errors.Add(1)
			slog.Error("handler failed",
				slogx.Handler(h.Name()), slogx.Channel(ch.name), slogx.Error(err))
			continue
		}
		b.consumed.Add(1)

		if replyTo := env.headers[HeaderReplyTo]; replyTo != "" && len(result) > 0 {
			if _, err := b.Publish(ctx, result, replyTo, nil); err != nil {
				slog.Error("failed to publish reply",
					slogx.Handler(h.Name()), slogx.Channel(replyTo), slogx.Error(err))
			}
		}
	}
}

// invoke runs a handler, converting panics into errors so a faulty handler
// cannot take down a consumer loop.
func invoke(ctx context.Context, h Handler, rec Record) (result Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, rec)
}
