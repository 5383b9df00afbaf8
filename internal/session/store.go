// File: internal/session/store.go
// Package session
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Sharded, generation-checked session table.

package session

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/momentics/wsfork/api"
)

// sessionTable implements sharded storage for sessions. Shard locks are only
// held for map operations, never across a blocking call.
type sessionTable struct {
	shards []*sessionShard
	mask   uint32
}

type sessionShard struct {
	mu       sync.RWMutex
	sessions map[api.Key]*Session
}

// newSessionTable constructs a sharded table with shardCount shards.
func newSessionTable(shardCount int) *sessionTable {
	if shardCount <= 0 {
		shardCount = 16
	}
	// find power-of-two shards for bitmasking
	m := nextPowerOfTwo(uint32(shardCount))
	shards := make([]*sessionShard, m)
	for i := range shards {
		shards[i] = &sessionShard{sessions: make(map[api.Key]*Session)}
	}
	return &sessionTable{shards: shards, mask: m - 1}
}

// shard picks the correct shard for a given key.
func (t *sessionTable) shard(key api.Key) *sessionShard {
	h := fnv32(key.Session)
	return t.shards[h&t.mask]
}

// insert publishes s unless its key is already live.
func (t *sessionTable) insert(s *Session) error {
	sh := t.shard(s.key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.sessions[s.key]; ok {
		return api.ErrAlreadyExists
	}
	sh.sessions[s.key] = s
	return nil
}

// get fetches a session if present.
func (t *sessionTable) get(key api.Key) (*Session, bool) {
	sh := t.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[key]
	return s, ok
}

// removeIf deletes key only while it still maps to generation gen, so a late
// teardown never evicts a newer session under the same key.
func (t *sessionTable) removeIf(key api.Key, gen uint64) bool {
	sh := t.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if s, ok := sh.sessions[key]; ok && s.gen == gen {
		delete(sh.sessions, key)
		return true
	}
	return false
}

// rangeAll applies fn to all sessions.
func (t *sessionTable) rangeAll(fn func(*Session)) {
	for _, sh := range t.shards {
		sh.mu.RLock()
		list := make([]*Session, 0, len(sh.sessions))
		for _, s := range sh.sessions {
			list = append(list, s)
		}
		sh.mu.RUnlock()
		for _, s := range list {
			fn(s)
		}
	}
}

// len counts live sessions.
func (t *sessionTable) len() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// tombstone keeps a torn-down session readable until its grace expires.
type tombstone struct {
	sess   *Session
	expiry time.Time
}

// tombstoneSet is a TTL store of removed sessions keyed by generation.
type tombstoneSet struct {
	mu      sync.RWMutex
	entries map[uint64]tombstone
}

func newTombstoneSet() *tombstoneSet {
	return &tombstoneSet{entries: make(map[uint64]tombstone)}
}

// add stores s with an expiration ttl from now.
func (c *tombstoneSet) add(s *Session, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[s.gen] = tombstone{sess: s, expiry: time.Now().Add(ttl)}
}

// drop removes the entry for generation gen.
func (c *tombstoneSet) drop(gen uint64) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[gen]
	if ok {
		delete(c.entries, gen)
	}
	return e.sess, ok
}

// len counts unexpired tombstones.
func (c *tombstoneSet) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := time.Now()
	n := 0
	for _, e := range c.entries {
		if now.Before(e.expiry) {
			n++
		}
	}
	return n
}

// fnv32 hashes a string to uint32.
func fnv32(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}

// nextPowerOfTwo returns the next power-of-two >= v.
func nextPowerOfTwo(v uint32) uint32 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}
