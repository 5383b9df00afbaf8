// File: core/channel/control.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package channel

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/momentics/wsfork/api"
)

// DefaultControlCapacity is the default number of pending text messages.
const DefaultControlCapacity = 32

// Control is a bounded queue of outbound text messages. Its capacity and fill
// state are independent of any forwarding channel.
type Control struct {
	mu       sync.Mutex
	q        *queue.Queue
	capacity int
	closed   bool
	ready    chan struct{}
}

// NewControl creates a control channel holding at most capacity messages.
func NewControl(capacity int) *Control {
	if capacity < 1 {
		capacity = DefaultControlCapacity
	}
	return &Control{
		q:        queue.New(),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
	}
}

// TrySend enqueues msg without blocking. It fails with api.ErrFull or
// api.ErrClosed.
func (c *Control) TrySend(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return api.ErrClosed
	}
	if c.q.Length() >= c.capacity {
		return api.ErrFull
	}
	c.q.Add(msg)
	c.notify()
	return nil
}

// Ready fires whenever at least one message may be pending.
func (c *Control) Ready() <-chan struct{} {
	return c.ready
}

// TryRecv dequeues the oldest message.
func (c *Control) TryRecv() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.q.Length() == 0 {
		return nil, false
	}
	msg := c.q.Remove().([]byte)
	if c.q.Length() > 0 {
		c.notify()
	}
	return msg, true
}

// Close rejects further sends and drops pending messages. Idempotent.
func (c *Control) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for c.q.Length() > 0 {
		c.q.Remove()
	}
}

// Closed reports whether Close was called.
func (c *Control) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Len returns the number of pending messages.
func (c *Control) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.q.Length()
}

// Capacity returns the message limit.
func (c *Control) Capacity() int { return c.capacity }

func (c *Control) notify() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}
