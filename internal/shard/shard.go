// Package shard provides a mutex-sharded map used for the process-wide
// tables of the pyo3 package.
package shard

import (
	"sync"

	"golang.org/x/sys/cpu"
)

// Map is a synchronized map[K]V, sharded by a caller-supplied function.
//
// The zero value is not usable; use New.
type Map[K comparable, V any] struct {
	shardFunc func(K) int
	shards    []mapShard[K, V]
}

type mapShard[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]V
	_  cpu.CacheLinePad // avoid false sharing of neighboring shards' mutexes
}

// New returns a Map with n shards. shard must deterministically map a key
// into [0, n).
func New[K comparable, V any](n int, shard func(K) int) *Map[K, V] {
	m := &Map[K, V]{
		shardFunc: shard,
		shards:    make([]mapShard[K, V], n),
	}
	for i := range m.shards {
		m.shards[i].m = make(map[K]V)
	}
	return m
}

func (m *Map[K, V]) shard(key K) *mapShard[K, V] {
	return &m.shards[m.shardFunc(key)]
}

// GetOk returns m[key] and whether it was present.
func (m *Map[K, V]) GetOk(key K) (value V, ok bool) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok = s.m[key]
	return
}

// Set sets m[key] = value.
func (m *Map[K, V]) Set(key K, value V) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
}

// Delete removes key from m and returns the previous value, if any.
func (m *Map[K, V]) Delete(key K) (value V, ok bool) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok = s.m[key]
	delete(s.m, key)
	return
}

// Len returns the number of items in m.
//
// It acquires each shard lock in turn, so the result is only a snapshot.
func (m *Map[K, V]) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}

// Mod returns a shard function that spreads integer keys over n shards
// after dropping the low shift bits, which are constant for aligned handles.
func Mod[K ~int64 | ~uintptr](n int, shift uint) func(K) int {
	return func(k K) int {
		return int((uint64(k) >> shift) % uint64(n))
	}
}
