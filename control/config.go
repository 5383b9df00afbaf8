// control/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Thread-safe configuration store with validated updates and reload
// propagation.

package control

import (
	"sync"
)

// ConfigStore holds the live Config snapshot and its reload listeners.
type ConfigStore struct {
	mu        sync.RWMutex
	config    Config
	listeners []func(old, cur Config)
}

// NewConfigStore initializes a store with cfg.
func NewConfigStore(cfg Config) *ConfigStore {
	return &ConfigStore{config: cfg}
}

// GetSnapshot returns a copy of the current config.
func (cs *ConfigStore) GetSnapshot() Config {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.config
}

// Update applies fn to a copy of the config, validates the result and, if it
// is valid, publishes it and notifies listeners in registration order.
func (cs *ConfigStore) Update(fn func(*Config)) error {
	cs.mu.Lock()
	old := cs.config
	next := old
	fn(&next)
	if err := next.Validate(); err != nil {
		cs.mu.Unlock()
		return err
	}
	cs.config = next
	listeners := append([]func(old, cur Config){}, cs.listeners...)
	cs.mu.Unlock()

	for _, l := range listeners {
		l(old, next)
	}
	return nil
}

// SetConfig replaces the whole config.
func (cs *ConfigStore) SetConfig(cfg Config) error {
	return cs.Update(func(c *Config) { *c = cfg })
}

// Reload re-reads the environment (and .env files) and publishes the result.
func (cs *ConfigStore) Reload(files ...string) error {
	cfg, err := ReloadConfig(files...)
	if err != nil {
		return err
	}
	return cs.SetConfig(cfg)
}

// OnReload registers a listener hook called after each accepted update.
func (cs *ConfigStore) OnReload(fn func(old, cur Config)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}
