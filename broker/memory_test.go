package broker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func collector(name string, out chan<- Record) Handler {
	return Named(name, func(_ context.Context, rec Record) (Record, error) {
		out <- rec
		return nil, nil
	})
}

func waitRecord(t *testing.T, ch <-chan Record) Record {
	t.Helper()
	select {
	case rec := <-ch:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func TestMemoryStartStopIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewMemory()
	ctx := context.Background()

	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.Start(ctx))
	assert.True(t, b.Stats().Running)

	require.NoError(t, b.Stop(ctx))
	require.NoError(t, b.Stop(ctx))
	assert.False(t, b.Stats().Running)
}

func TestMemoryPublishValidation(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	_, err := b.Publish(ctx, Record{"k": "v"}, "somewhere", nil)
	require.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { _ = b.Stop(ctx) })

	_, err = b.Publish(ctx, Record{"k": "v"}, "", nil)
	require.ErrorIs(t, err, ErrChannelRequired)
}

func TestMemorySubscribeValidation(t *testing.T) {
	b := NewMemory()

	require.ErrorIs(t, b.Subscribe("", Named("h", nil)), ErrChannelRequired)
	require.ErrorIs(t, b.Subscribe("orders", nil), ErrNilHandler)
}

func TestMemoryPublishZeroSubscribers(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { _ = b.Stop(ctx) })

	n, err := b.Publish(ctx, Record{"k": "v"}, "nobody-listens", nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	st := b.Stats()
	assert.Zero(t, st.Published)
	assert.NotContains(t, st.QueueSizes, "nobody-listens", "publish must not create the channel")
}

func TestMemoryPublishCountsRecipients(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	got := make(chan Record, 4)
	require.NoError(t, b.Subscribe("orders", collector("first", got)))
	require.NoError(t, b.Subscribe("orders", collector("second", got)))
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { _ = b.Stop(ctx) })

	n, err := b.Publish(ctx, Record{"k": "v"}, "orders", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	waitRecord(t, got)
	waitRecord(t, got)
}

func TestMemoryDeliversInPublishOrder(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	got := make(chan Record, 64)
	require.NoError(t, b.Subscribe("orders", collector("order-check", got)))
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { _ = b.Stop(ctx) })

	const n = 50
	for i := 0; i < n; i++ {
		_, err := b.Publish(ctx, Record{"seq": i}, "orders", nil)
		require.NoError(t, err)
	}
	for i := 0; i < n; i++ {
		rec := waitRecord(t, got)
		assert.Equal(t, i, rec["seq"])
	}
}

func TestMemoryDuplicateHandlerInvokedTwice(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	got := make(chan Record, 4)
	h := collector("dup", got)
	require.NoError(t, b.Subscribe("orders", h))
	require.NoError(t, b.Subscribe("orders", h))
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { _ = b.Stop(ctx) })

	n, err := b.Publish(ctx, Record{"k": "v"}, "orders", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	waitRecord(t, got)
	waitRecord(t, got)
	select {
	case <-got:
		t.Fatal("expected exactly two invocations")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryHandlerFailureDoesNotAffectSiblings(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	got := make(chan Record, 4)
	require.NoError(t, b.Subscribe("orders", Named("broken", func(context.Context, Record) (Record, error) {
		return nil, errors.New("boom")
	})))
	require.NoError(t, b.Subscribe("orders", collector("healthy", got)))
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { _ = b.Stop(ctx) })

	_, err := b.Publish(ctx, Record{"attempt": 1}, "orders", nil)
	require.NoError(t, err)
	waitRecord(t, got)

	// the loop survives the failure
	_, err = b.Publish(ctx, Record{"attempt": 2}, "orders", nil)
	require.NoError(t, err)
	waitRecord(t, got)

	assert.Equal(t, uint64(2), b.Stats().Errors)
}

func TestMemoryHandlerPanicIsRecovered(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	got := make(chan Record, 4)
	require.NoError(t, b.Subscribe("orders", Named("panicky", func(context.Context, Record) (Record, error) {
		panic("kaboom")
	})))
	require.NoError(t, b.Subscribe("orders", collector("healthy", got)))
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { _ = b.Stop(ctx) })

	_, err := b.Publish(ctx, Record{"k": "v"}, "orders", nil)
	require.NoError(t, err)
	waitRecord(t, got)

	assert.Equal(t, uint64(1), b.Stats().Errors)
}

func TestMemoryQueueFullDropsMessage(t *testing.T) {
	b := NewMemory(MaxQueueSize(1))
	ctx := context.Background()

	gate := make(chan struct{})
	entered := make(chan struct{}, 4)
	require.NoError(t, b.Subscribe("orders", Named("slow", func(context.Context, Record) (Record, error) {
		entered <- struct{}{}
		<-gate
		return nil, nil
	})))
	require.NoError(t, b.Start(ctx))

	_, err := b.Publish(ctx, Record{"seq": 1}, "orders", nil)
	require.NoError(t, err)
	<-entered // first message is in the handler, queue is empty again

	_, err = b.Publish(ctx, Record{"seq": 2}, "orders", nil)
	require.NoError(t, err)

	n, err := b.Publish(ctx, Record{"seq": 3}, "orders", nil)
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Zero(t, n)
	assert.Equal(t, uint64(1), b.Stats().Errors)

	close(gate)
	require.NoError(t, b.Stop(ctx))
}

func TestMemoryStopDropsQueuedEnvelopes(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	gate := make(chan struct{})
	var delivered atomic.Int32
	require.NoError(t, b.Subscribe("orders", Named("slow", func(context.Context, Record) (Record, error) {
		delivered.Add(1)
		<-gate
		return nil, nil
	})))
	require.NoError(t, b.Start(ctx))

	for i := 0; i < 3; i++ {
		_, err := b.Publish(ctx, Record{"seq": i}, "orders", nil)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return delivered.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = b.Stop(ctx)
	}()

	// let Stop signal the loops before releasing the in-flight handler
	time.Sleep(50 * time.Millisecond)
	close(gate)
	<-stopped

	assert.Equal(t, int32(1), delivered.Load(), "queued envelopes must be dropped on stop")
}

func TestMemorySubscribeWhileRunning(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { _ = b.Stop(ctx) })

	got := make(chan Record, 1)
	require.NoError(t, b.Subscribe("late", collector("late-joiner", got)))

	_, err := b.Publish(ctx, Record{"k": "v"}, "late", nil)
	require.NoError(t, err)
	waitRecord(t, got)
}

func TestMemoryRestartResumesDelivery(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewMemory()
	ctx := context.Background()

	got := make(chan Record, 1)
	require.NoError(t, b.Subscribe("orders", collector("again", got)))

	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.Stop(ctx))
	require.NoError(t, b.Start(ctx))

	_, err := b.Publish(ctx, Record{"k": "v"}, "orders", nil)
	require.NoError(t, err)
	waitRecord(t, got)

	require.NoError(t, b.Stop(ctx))
}

func TestMemoryDiagnostics(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	noop := func(context.Context, Record) (Record, error) { return nil, nil }
	require.NoError(t, b.Subscribe("alpha", Named("first", noop)))
	require.NoError(t, b.Subscribe("alpha", Named("second", noop)))
	require.NoError(t, b.Subscribe("beta", Named("third", noop)))

	subs := b.Subscribers()
	require.Len(t, subs["alpha"], 2)
	assert.Equal(t, "first", subs["alpha"][0].Handler)
	assert.Equal(t, "second", subs["alpha"][1].Handler)
	require.Len(t, subs["beta"], 1)
	assert.Equal(t, "beta", subs["beta"][0].Channel)

	st := b.Stats()
	assert.Equal(t, 2, st.Channels)
	assert.Equal(t, 3, st.Subscribers)
	assert.Contains(t, st.QueueSizes, "alpha")
	assert.False(t, st.Running)

	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { _ = b.Stop(ctx) })
	assert.True(t, b.Stats().Running)
}
