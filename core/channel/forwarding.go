// File: core/channel/forwarding.go
// Package channel implements the handoff queues between the realtime
// producer and the async connection task.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/cpu"

	"github.com/momentics/wsfork/api"
	"github.com/momentics/wsfork/pool"
)

// Forwarding channel sizing limits.
const (
	MinCapacity           = 1
	MaxCapacity           = 5
	DefaultCapacity       = 3
	DefaultBufferDuration = 100 * time.Millisecond
)

// Capacity returns ceil(target/interval) clamped to [MinCapacity, MaxCapacity].
// A non-positive interval yields DefaultCapacity.
func Capacity(target, interval time.Duration) int {
	if interval <= 0 {
		return DefaultCapacity
	}
	if target <= 0 {
		target = DefaultBufferDuration
	}
	n := int((target + interval - 1) / interval)
	if n < MinCapacity {
		return MinCapacity
	}
	if n > MaxCapacity {
		return MaxCapacity
	}
	return n
}

type forwarding struct {
	queue chan *pool.FrameBuffer
	pool  *pool.FramePool

	consumerGone atomic.Bool

	mu             sync.Mutex
	producerClosed bool

	_         cpu.CacheLinePad
	committed atomic.Uint64
	dropped   atomic.Uint64
	_         cpu.CacheLinePad
	received  atomic.Uint64
}

// NewForwarding creates a forwarding channel of the given capacity whose
// buffers hold frameSize bytes. The pool holds capacity+2 buffers: one per
// queued slot, one being filled and one being read.
func NewForwarding(frameSize, capacity int) (*FrameSender, *FrameReceiver) {
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	f := &forwarding{
		queue: make(chan *pool.FrameBuffer, capacity),
		pool:  pool.NewFramePool(frameSize, capacity+2),
	}
	return &FrameSender{f: f}, &FrameReceiver{f: f}
}

// FrameSender is the realtime side of a forwarding channel. It must be used
// by a single producer.
type FrameSender struct {
	f *forwarding
}

// WriteSlot is a buffer acquired for one frame. Exactly one of Commit or
// Discard must be called.
type WriteSlot struct {
	s   *FrameSender
	buf *pool.FrameBuffer
}

// Acquire returns a writable slot without blocking. It fails with
// api.ErrFull when the consumer is backlogged (drop the frame, do not retry)
// and api.ErrClosed when either side has gone away (stop forwarding).
func (s *FrameSender) Acquire() (WriteSlot, error) {
	f := s.f
	if f.consumerGone.Load() {
		return WriteSlot{}, api.ErrClosed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.producerClosed {
		return WriteSlot{}, api.ErrClosed
	}
	if len(f.queue) >= cap(f.queue) {
		f.dropped.Add(1)
		return WriteSlot{}, api.ErrFull
	}
	buf, ok := f.pool.Get()
	if !ok {
		f.dropped.Add(1)
		return WriteSlot{}, api.ErrFull
	}
	return WriteSlot{s: s, buf: buf}, nil
}

// Buffer returns the writable capacity of the slot.
func (w WriteSlot) Buffer() []byte {
	return w.buf.Space()
}

// Frame exposes the underlying frame buffer.
func (w WriteSlot) Frame() *pool.FrameBuffer {
	return w.buf
}

// Commit publishes the first n bytes of the slot to the consumer.
func (w WriteSlot) Commit(n int) error {
	f := w.s.f
	w.buf.SetLen(n)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.producerClosed || f.consumerGone.Load() {
		f.pool.Put(w.buf)
		return api.ErrClosed
	}
	select {
	case f.queue <- w.buf:
		f.committed.Add(1)
		return nil
	default:
		f.pool.Put(w.buf)
		f.dropped.Add(1)
		return api.ErrFull
	}
}

// Discard returns the slot's buffer unused.
func (w WriteSlot) Discard() {
	w.s.f.pool.Put(w.buf)
}

// Close marks the producer gone. The consumer drains what is queued and then
// observes end-of-stream. Idempotent.
func (s *FrameSender) Close() {
	f := s.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.producerClosed {
		return
	}
	f.producerClosed = true
	close(f.queue)
}

// Closed reports whether the consumer has gone away.
func (s *FrameSender) Closed() bool {
	return s.f.consumerGone.Load()
}

// Capacity returns the queue capacity in frames.
func (s *FrameSender) Capacity() int { return cap(s.f.queue) }

// Committed returns the number of frames handed to the consumer.
func (s *FrameSender) Committed() uint64 { return s.f.committed.Load() }

// Dropped returns the number of frames dropped for backpressure.
func (s *FrameSender) Dropped() uint64 { return s.f.dropped.Load() }

// FrameReceiver is the async side of a forwarding channel. At most one
// consumer may use it.
type FrameReceiver struct {
	f *forwarding
}

// Frames exposes the queue for use in a select. A closed channel means
// end-of-stream. Every received buffer must be handed back with Release.
func (r *FrameReceiver) Frames() <-chan *pool.FrameBuffer {
	return r.f.queue
}

// Receive waits for the next frame. It returns api.ErrClosed at
// end-of-stream and ctx.Err() on cancellation.
func (r *FrameReceiver) Receive(ctx context.Context) (*pool.FrameBuffer, error) {
	select {
	case buf, ok := <-r.f.queue:
		if !ok {
			return nil, api.ErrClosed
		}
		r.f.received.Add(1)
		return buf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release recycles a consumed buffer.
func (r *FrameReceiver) Release(buf *pool.FrameBuffer) {
	if buf != nil {
		r.f.pool.Put(buf)
	}
}

// MarkReceived counts a buffer taken directly from Frames.
func (r *FrameReceiver) MarkReceived() {
	r.f.received.Add(1)
}

// Received returns the number of frames taken by the consumer.
func (r *FrameReceiver) Received() uint64 { return r.f.received.Load() }

// Close marks the consumer gone: further Acquire calls fail with
// api.ErrClosed. Queued buffers go back to the pool. Idempotent.
func (r *FrameReceiver) Close() {
	if !r.f.consumerGone.CompareAndSwap(false, true) {
		return
	}
	for {
		select {
		case buf, ok := <-r.f.queue:
			if !ok {
				return
			}
			r.f.pool.Put(buf)
		default:
			return
		}
	}
}

// Reclaim drops the pooled buffers once neither side will touch them again.
func (r *FrameReceiver) Reclaim() int {
	return r.f.pool.Drain()
}

// PoolStats reports the backing pool usage.
func (r *FrameReceiver) PoolStats() pool.Stats {
	return r.f.pool.Stats()
}
