// File: core/concurrency/signal.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Signal is a one-shot broadcast: Idle -> Fired, never back.

package concurrency

import (
	"sync"
	"sync/atomic"
)

// Signal is an idempotent, multi-waiter stop notification. The zero value is
// not usable; construct with NewSignal.
type Signal struct {
	fired atomic.Bool
	once  sync.Once
	done  chan struct{}
}

// NewSignal returns an unfired signal.
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Fire wakes every current and future waiter. Only the first call has an
// effect; it reports whether this call performed the transition.
func (s *Signal) Fire() bool {
	fired := false
	s.once.Do(func() {
		s.fired.Store(true)
		close(s.done)
		fired = true
	})
	return fired
}

// Fired is the lock-free fast path for "already cancelled".
func (s *Signal) Fired() bool {
	return s.fired.Load()
}

// Done returns a channel closed once the signal fires.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}
