// Package shardmap provides a sharded concurrent map keyed by raw byte
// identifiers. Session IDs and nonces are uniformly random, so a fast
// non-cryptographic hash spreads them evenly across shards.
package shardmap

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

// Map is a concurrent map from byte-string keys to values of type V.
type Map[V any] struct {
	shards [shardCount]shard[V]
}

type shard[V any] struct {
	mu      sync.RWMutex
	entries map[string]V
}

// New returns an empty map.
func New[V any]() *Map[V] {
	m := &Map[V]{}
	for i := range m.shards {
		m.shards[i].entries = make(map[string]V)
	}
	return m
}

func (m *Map[V]) shardFor(key []byte) *shard[V] {
	return &m.shards[xxhash.Sum64(key)%shardCount]
}

// Get returns the value stored under key.
func (m *Map[V]) Get(key []byte) (V, bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	v, ok := s.entries[string(key)]
	s.mu.RUnlock()
	return v, ok
}

// Set stores value under key, replacing any existing entry.
func (m *Map[V]) Set(key []byte, value V) {
	s := m.shardFor(key)
	s.mu.Lock()
	s.entries[string(key)] = value
	s.mu.Unlock()
}

// SetIfAbsent stores value under key only if the key is not present. It
// reports whether the value was stored.
func (m *Map[V]) SetIfAbsent(key []byte, value V) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[string(key)]; exists {
		return false
	}
	s.entries[string(key)] = value
	return true
}

// Delete removes key and reports whether it was present.
func (m *Map[V]) Delete(key []byte) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[string(key)]; !exists {
		return false
	}
	delete(s.entries, string(key))
	return true
}

// Len returns the total number of entries.
func (m *Map[V]) Len() int {
	total := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		total += len(s.entries)
		s.mu.RUnlock()
	}
	return total
}

// Range calls fn for every entry until fn returns false. Each shard is
// locked only while its entries are visited.
func (m *Map[V]) Range(fn func(key string, value V) bool) {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		for k, v := range s.entries {
			if !fn(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// Prune deletes every entry for which fn returns true and returns the
// number deleted.
func (m *Map[V]) Prune(fn func(key string, value V) bool) int {
	pruned := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k, v := range s.entries {
			if fn(k, v) {
				delete(s.entries, k)
				pruned++
			}
		}
		s.mu.Unlock()
	}
	return pruned
}

// Clear removes all entries.
func (m *Map[V]) Clear() {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		s.entries = make(map[string]V)
		s.mu.Unlock()
	}
}
