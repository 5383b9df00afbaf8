// File: pool/framepool.go
// Package pool implements lock-free frame buffer recycling.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"sync/atomic"

	"github.com/momentics/wsfork/core/concurrency"
)

// FrameBuffer is a fixed-capacity byte buffer holding one audio frame.
// It is owned by exactly one side at a time: the producer while filling, the
// forwarding channel while queued, the consumer while reading.
type FrameBuffer struct {
	data []byte
	n    int
	pool *FramePool
}

// Bytes returns the valid portion of the buffer.
func (b *FrameBuffer) Bytes() []byte { return b.data[:b.n] }

// Space returns the whole writable capacity.
func (b *FrameBuffer) Space() []byte { return b.data }

// Len returns the number of valid bytes.
func (b *FrameBuffer) Len() int { return b.n }

// Cap returns the fixed capacity.
func (b *FrameBuffer) Cap() int { return len(b.data) }

// SetLen marks the first n bytes valid, clamped to [0, Cap()].
func (b *FrameBuffer) SetLen(n int) {
	switch {
	case n < 0:
		n = 0
	case n > len(b.data):
		n = len(b.data)
	}
	b.n = n
}

// Write copies p into the buffer after the valid bytes, truncating at
// capacity. It implements io.Writer for frame sources that push data.
func (b *FrameBuffer) Write(p []byte) (int, error) {
	n := copy(b.data[b.n:], p)
	b.n += n
	return n, nil
}

// Reset empties the buffer without reallocating.
func (b *FrameBuffer) Reset() { b.n = 0 }

// Release returns the buffer to its pool.
func (b *FrameBuffer) Release() {
	if b.pool != nil {
		b.pool.Put(b)
	}
}

// Stats reports pool usage.
type Stats struct {
	Allocated int64
	Free      int64
	InUse     int64
	Misses    int64
}

// FramePool recycles FrameBuffers of a single size.
type FramePool struct {
	size  int
	queue *concurrency.LockFreeQueue[*FrameBuffer]

	allocated atomic.Int64
	free      atomic.Int64
	misses    atomic.Int64
}

// NewFramePool preallocates count buffers of frameSize bytes.
func NewFramePool(frameSize, count int) *FramePool {
	if frameSize < 1 {
		frameSize = 1
	}
	if count < 1 {
		count = 1
	}
	p := &FramePool{
		size:  frameSize,
		queue: concurrency.NewLockFreeQueue[*FrameBuffer](count),
	}
	for i := 0; i < count; i++ {
		b := &FrameBuffer{data: make([]byte, frameSize), pool: p}
		if !p.queue.Enqueue(b) {
			break
		}
		p.allocated.Add(1)
		p.free.Add(1)
	}
	return p
}

// FrameSize returns the capacity of every buffer in the pool.
func (p *FramePool) FrameSize() int { return p.size }

// Get takes a reset buffer. It never allocates; ok is false when every
// buffer is in use.
func (p *FramePool) Get() (*FrameBuffer, bool) {
	b, ok := p.queue.Dequeue()
	if !ok {
		p.misses.Add(1)
		return nil, false
	}
	p.free.Add(-1)
	b.Reset()
	return b, true
}

// Put returns a buffer. Buffers from another pool are ignored.
func (p *FramePool) Put(b *FrameBuffer) {
	if b == nil || b.pool != p {
		return
	}
	b.Reset()
	if p.queue.Enqueue(b) {
		p.free.Add(1)
	}
}

// Drain drops every free buffer so the memory can be collected and returns
// how many were dropped. Dropped buffers detach from the pool, so a stale
// Release on one of them is a no-op.
func (p *FramePool) Drain() int {
	n := 0
	for {
		b, ok := p.queue.Dequeue()
		if !ok {
			return n
		}
		b.pool = nil
		b.data = nil
		p.free.Add(-1)
		p.allocated.Add(-1)
		n++
	}
}

// Stats returns a usage snapshot.
func (p *FramePool) Stats() Stats {
	alloc := p.allocated.Load()
	free := p.free.Load()
	return Stats{
		Allocated: alloc,
		Free:      free,
		InUse:     alloc - free,
		Misses:    p.misses.Load(),
	}
}
