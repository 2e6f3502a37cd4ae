// Package broker provides the message delivery engine for skybus: named
// channels with bounded FIFO queues, per-channel consumer loops, and a
// correlation-id request/response mode.
//
// Two implementations share one contract:
//   - Memory: an in-process broker backed by buffered Go channels. One
//     consumer goroutine per channel drains the queue and invokes every
//     registered handler sequentially, in registration order.
//   - NATS: the same contract over a NATS connection, for fan-out across
//     process boundaries.
//
// Handlers receive a flat Record and may return a reply Record. When an
// envelope carries a reply_to header and the handler result is non-empty,
// the result is published to the reply channel, closing an RPC round trip.
//
// Delivery guarantees are deliberately modest: FIFO per channel, at-most-once
// per handler, no persistence. A full queue or an empty subscriber list never
// blocks or faults the publisher; both are absorbed, counted, and visible
// through Stats.
package broker
