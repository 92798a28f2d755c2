// Package cache provides the memo caches behind the flux matcher and the
// PRISM composer.
package cache

import (
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Memo is a thread-safe key/value memo.
//
// With size <= 0 it is an unbounded map: entries live for the lifetime of
// the Memo. This suits caches whose key space is bounded by the number of
// analysis configurations explored in one run. With size > 0 it is an LRU
// that evicts the least recently used entry when full, for long-running
// processes (the prediction server) where the key space is open-ended.
type Memo[K comparable, V any] struct {
	mu      sync.Mutex
	bounded *lru.Cache[K, V]
	entries map[K]V
	hits    uint64
	misses  uint64
	evicted uint64
}

// NewMemo creates a memo.
//
// Args:
//   - size: maximum number of entries, or <= 0 for unbounded
//
// Example:
//
//	m, err := NewMemo[string, []float64](0)
//	if err != nil {
//	    return err
//	}
//	if v, ok := m.Get(key); ok {
//	    return v
//	}
//	m.Set(key, solve())
func NewMemo[K comparable, V any](size int) (*Memo[K, V], error) {
	m := &Memo[K, V]{}
	if size <= 0 {
		m.entries = make(map[K]V)
		return m, nil
	}
	c, err := lru.New[K, V](size)
	if err != nil {
		return nil, err
	}
	m.bounded = c
	return m, nil
}

// MustMemo is NewMemo for sizes known to be valid.
func MustMemo[K comparable, V any](size int) *Memo[K, V] {
	m, err := NewMemo[K, V](size)
	if err != nil {
		panic(err)
	}
	return m
}

// Bounded reports whether the memo evicts.
func (m *Memo[K, V]) Bounded() bool {
	return m.bounded != nil
}

// Get retrieves a value and records a hit or miss.
func (m *Memo[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		v  V
		ok bool
	)
	if m.bounded != nil {
		v, ok = m.bounded.Get(key)
	} else {
		v, ok = m.entries[key]
	}
	if ok {
		m.hits++
	} else {
		m.misses++
	}
	return v, ok
}

// Set stores a value. A bounded memo evicts its least recently used entry
// when full.
func (m *Memo[K, V]) Set(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bounded != nil {
		if m.bounded.Add(key, value) {
			m.evicted++
		}
		return
	}
	m.entries[key] = value
}

// Delete removes a key.
func (m *Memo[K, V]) Delete(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bounded != nil {
		m.bounded.Remove(key)
		return
	}
	delete(m.entries, key)
}

// Len returns the number of entries.
func (m *Memo[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bounded != nil {
		return m.bounded.Len()
	}
	return len(m.entries)
}

// Clear removes all entries.
func (m *Memo[K, V]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bounded != nil {
		m.bounded.Purge()
		return
	}
	m.entries = make(map[K]V)
}

// Snapshot returns a copy of all entries, without touching recency or stats.
func (m *Memo[K, V]) Snapshot() map[K]V {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[K]V)
	if m.bounded != nil {
		for _, k := range m.bounded.Keys() {
			if v, ok := m.bounded.Peek(k); ok {
				out[k] = v
			}
		}
		return out
	}
	for k, v := range m.entries {
		out[k] = v
	}
	return out
}

// SortedKeys returns the keys of a string-keyed memo in order.
func SortedKeys[V any](m *Memo[string, V]) []string {
	snap := m.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Stats returns cache statistics for observability.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Evicted uint64  `json:"evicted"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns current cache statistics.
func (m *Memo[K, V]) Stats() Stats {
	size := m.Len()

	m.mu.Lock()
	defer m.mu.Unlock()

	total := m.hits + m.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(m.hits) / float64(total)
	}
	return Stats{
		Hits:    m.hits,
		Misses:  m.misses,
		Evicted: m.evicted,
		Size:    size,
		HitRate: hitRate,
	}
}

// ResetStats resets hit/miss/evicted counters to zero.
func (m *Memo[K, V]) ResetStats() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hits = 0
	m.misses = 0
	m.evicted = 0
}
