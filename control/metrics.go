// control/metrics.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Runtime metrics collector. Counters are registered on first use and updated
// atomically so the realtime path only takes a read lock.

package control

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricsRegistry holds counters and free-form gauges.
type MetricsRegistry struct {
	mu       sync.RWMutex
	counters map[string]*atomic.Int64
	metrics  map[string]any
	updated  atomic.Int64
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry(names ...string) *MetricsRegistry {
	mr := &MetricsRegistry{
		counters: make(map[string]*atomic.Int64, len(names)),
		metrics:  make(map[string]any),
	}
	for _, n := range names {
		mr.counters[n] = new(atomic.Int64)
	}
	return mr
}

// Add increments counter name by delta.
func (mr *MetricsRegistry) Add(name string, delta int64) {
	mr.mu.RLock()
	c, ok := mr.counters[name]
	mr.mu.RUnlock()
	if !ok {
		mr.mu.Lock()
		if c, ok = mr.counters[name]; !ok {
			c = new(atomic.Int64)
			mr.counters[name] = c
		}
		mr.mu.Unlock()
	}
	c.Add(delta)
	mr.updated.Store(time.Now().UnixNano())
}

// Counter returns the value of counter name.
func (mr *MetricsRegistry) Counter(name string) int64 {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	if c, ok := mr.counters[name]; ok {
		return c.Load()
	}
	return 0
}

// Set sets or updates a gauge.
func (mr *MetricsRegistry) Set(key string, value any) {
	mr.mu.Lock()
	mr.metrics[key] = value
	mr.mu.Unlock()
	mr.updated.Store(time.Now().UnixNano())
}

// Updated returns the time of the last change.
func (mr *MetricsRegistry) Updated() time.Time {
	ns := mr.updated.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// GetSnapshot returns the latest counters and gauges.
func (mr *MetricsRegistry) GetSnapshot() map[string]any {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make(map[string]any, len(mr.counters)+len(mr.metrics))
	for k, v := range mr.metrics {
		out[k] = v
	}
	for k, c := range mr.counters {
		out[k] = c.Load()
	}
	return out
}
