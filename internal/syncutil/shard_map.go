// Package syncutil contains concurrent containers of the transaction and dialog tables.
package syncutil

import (
	"hash/maphash"
	"iter"
	"maps"
	"sync"
)

const shardsNum = 32

// ShardMap is a concurrent map split into independently locked shards.
// It keeps table lookups of unrelated calls from contending on one mutex.
type ShardMap[K comparable, V any] struct {
	seed   maphash.Seed
	shards [shardsNum]shard[K, V]
}

type shard[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

func NewShardMap[K comparable, V any]() *ShardMap[K, V] {
	m := &ShardMap[K, V]{seed: maphash.MakeSeed()}
	for i := range m.shards {
		m.shards[i].items = make(map[K]V)
	}
	return m
}

func (m *ShardMap[K, V]) shard(key K) *shard[K, V] {
	return &m.shards[maphash.Comparable(m.seed, key)%shardsNum]
}

func (m *ShardMap[K, V]) Set(key K, val V) {
	s := m.shard(key)
	s.mu.Lock()
	s.items[key] = val
	s.mu.Unlock()
}

func (m *ShardMap[K, V]) Get(key K) (V, bool) {
	s := m.shard(key)
	s.mu.RLock()
	val, ok := s.items[key]
	s.mu.RUnlock()
	return val, ok
}

func (m *ShardMap[K, V]) Has(key K) bool {
	_, ok := m.Get(key)
	return ok
}

// SetIfAbsent stores the value unless the key is taken and reports whether it was stored.
func (m *ShardMap[K, V]) SetIfAbsent(key K, val V) bool {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; ok {
		return false
	}
	s.items[key] = val
	return true
}

// DelFunc deletes the key if fn approves its current value.
// Table owners use it to remove their own entry only, not a newer one stored under the same key.
func (m *ShardMap[K, V]) DelFunc(key K, fn func(V) bool) bool {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if val, ok := s.items[key]; !ok || !fn(val) {
		return false
	}
	delete(s.items, key)
	return true
}

func (m *ShardMap[K, V]) Size() int {
	var n int
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// Items iterates over a per-shard snapshot, the map may be modified during the iteration.
func (m *ShardMap[K, V]) Items() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for i := range m.shards {
			s := &m.shards[i]
			s.mu.RLock()
			items := maps.Clone(s.items)
			s.mu.RUnlock()

			for k, v := range items {
				if !yield(k, v) {
					return
				}
			}
		}
	}
}
