// Package ttl provides a small generic expiring map shared by the session
// table, the pending-consent table, and the session-scoped decision cache.
// Expiry is lazy: entries are swept on read/list operations, and callers may
// additionally invoke Sweep from a periodic task.
package ttl

import (
	"sync"
	"time"
)

// entry pairs a stored value with its expiry deadline.
// A zero deadline means the entry never expires.
type entry[V any] struct {
	value    V
	deadline time.Time
}

func (e entry[V]) expired(now time.Time) bool {
	return !e.deadline.IsZero() && now.After(e.deadline)
}

// Map is a concurrency-safe map with per-entry TTLs.
// Reads take a shared lock; mutations take an exclusive lock held only for
// the duration of the map operation, never across callbacks or I/O.
//
// Instantiate with a value type, not a pointer: Get and Range then hand
// out snapshots, and Update's copy-on-write callback is the only place a
// stored value changes. With a pointer type the lock protects only the
// pointer, and a reader dereferencing after Get races any Update mutating
// the same pointee.
type Map[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]entry[V]
	now     func() time.Time
}

// NewMap creates an empty Map.
func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{
		entries: make(map[K]entry[V]),
		now:     time.Now,
	}
}

// Set stores value under key with the given ttl.
// A ttl of zero or less stores the entry without an expiry deadline.
func (m *Map[K, V]) Set(key K, value V, ttl time.Duration) {
	var deadline time.Time
	if ttl > 0 {
		deadline = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = entry[V]{value: value, deadline: deadline}
	m.mu.Unlock()
}

// Get returns the value for key if present and not expired.
// Expired entries are removed as a side effect.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if e.expired(m.now()) {
		m.Delete(key)
		return zero, false
	}
	return e.value, true
}

// Update applies fn to the value stored under key while holding the
// exclusive lock, making read-check-act sequences atomic per key.
// fn receives the current value and reports whether the entry should be
// kept (true) or removed (false). Update returns false if the key is
// absent or expired; fn is not called in that case.
func (m *Map[K, V]) Update(key K, fn func(V) (V, bool)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return false
	}
	if e.expired(m.now()) {
		delete(m.entries, key)
		return false
	}

	v, keep := fn(e.value)
	if !keep {
		delete(m.entries, key)
		return true
	}
	e.value = v
	m.entries[key] = e
	return true
}

// SetIfAbsent stores value under key only when no live entry exists.
// Returns true when the value was stored.
func (m *Map[K, V]) SetIfAbsent(key K, value V, ttl time.Duration) bool {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key]; ok && !e.expired(now) {
		return false
	}
	var deadline time.Time
	if ttl > 0 {
		deadline = now.Add(ttl)
	}
	m.entries[key] = entry[V]{value: value, deadline: deadline}
	return true
}

// Delete removes key. Removing an absent key is a no-op.
func (m *Map[K, V]) Delete(key K) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// Values returns all live values, sweeping expired entries on the way.
func (m *Map[K, V]) Values() []V {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	values := make([]V, 0, len(m.entries))
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
			continue
		}
		values = append(values, e.value)
	}
	return values
}

// Range calls fn for each live key/value pair over a snapshot taken under
// the shared lock, so fn may call back into the Map. Iteration stops when
// fn returns false. Snapshot order is unspecified.
func (m *Map[K, V]) Range(fn func(key K, value V) bool) {
	now := m.now()

	m.mu.RLock()
	type pair struct {
		key   K
		value V
	}
	pairs := make([]pair, 0, len(m.entries))
	for k, e := range m.entries {
		if e.expired(now) {
			continue
		}
		pairs = append(pairs, pair{key: k, value: e.value})
	}
	m.mu.RUnlock()

	for _, p := range pairs {
		if !fn(p.key, p.value) {
			return
		}
	}
}

// Sweep removes all expired entries and returns how many were removed.
func (m *Map[K, V]) Sweep() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries, including any not yet swept.
func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
