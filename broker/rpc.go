package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/windrose-io/skybus/pkg/uuidx"
)

// replyChannelPrefix scopes the ephemeral reply channel created for each
// request to its correlation identifier.
const replyChannelPrefix = "_reply."

// pendingRequest is a one-shot completion slot for an in-flight request.
// It is fulfilled at most once; later attempts are silent no-ops, which
// protects against duplicate replies.
type pendingRequest struct {
	done  chan struct{}
	once  sync.Once
	reply Record
}

func newPendingRequest() *pendingRequest {
	return &pendingRequest{done: make(chan struct{})}
}

func (p *pendingRequest) fulfill(rec Record) {
	p.once.Do(func() {
		p.reply = rec
		close(p.done)
	})
}

// Request publishes payload on the named channel and waits for a reply.
//
// A fresh correlation identifier keys a pending-request entry and derives an
// ephemeral reply channel; the request goes out with reply_to and
// correlation_id headers so the consumer loop routes the responding
// handler's result back. The entry is removed exactly once: on fulfillment
// or on timeout, whichever comes first. Timing out the waiting side does not
// retract the request from the target channel.
func (b *Memory) Request(ctx context.Context, payload Record, name string, timeout time.Duration) (Record, error) {
	if !b.running.Load() {
		return nil, ErrNotRunning
	}
	if name == "" {
		return nil, ErrChannelRequired
	}

	id := uuidx.NewString()
	pending := newPendingRequest()
	b.pending.Set(id, pending)

	replyChannel := replyChannelPrefix + id
	reply := Named("reply."+id, func(_ context.Context, rec Record) (Record, error) {
		if p, ok := b.pending.Get(id); ok {
			b.pending.Del(id)
			p.fulfill(rec)
		}
		return nil, nil
	})
	if err := b.Subscribe(replyChannel, reply); err != nil {
		b.pending.Del(id)
		return nil, err
	}

	headers := Headers{
		HeaderReplyTo:       replyChannel,
		HeaderCorrelationID: id,
	}
	if _, err := b.Publish(ctx, payload, name, headers); err != nil {
		b.pending.Del(id)
		return nil, fmt.Errorf("publish request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-pending.done:
		return pending.reply, nil
	case <-timer.C:
		b.pending.Del(id)
		return nil, fmt.Errorf("%w after %s on channel %q", ErrRequestTimeout, timeout, name)
	case <-ctx.Done():
		b.pending.Del(id)
		return nil, ctx.Err()
	}
}
