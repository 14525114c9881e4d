package flow

import "sync"

// Table is a concurrent flow table. Insert is a single atomic
// insert-if-absent: duplicate-SYN races resolve to exactly one winner, and
// the loser learns about the existing entry in the same call. A separate
// existence check followed by a store is deliberately not offered.
type Table[V any] struct {
	mu      sync.Mutex
	entries map[Key]V
}

func NewTable[V any]() *Table[V] {
	return &Table[V]{entries: make(map[Key]V)}
}

// Insert stores value under key if the key is absent. It returns the value
// now present and whether the insert won.
func (t *Table[V]) Insert(key Key, value V) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.entries[key]; ok {
		return existing, false
	}
	t.entries[key] = value
	return value, true
}

// Lookup returns the entry for key, if any.
func (t *Table[V]) Lookup(key Key) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.entries[key]
	return v, ok
}

// Remove deletes and returns the entry for key. The second return is false
// if the key was already gone, which makes repeated eviction idempotent.
func (t *Table[V]) Remove(key Key) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	return v, ok
}

// Len returns the number of live entries.
func (t *Table[V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Snapshot returns a copy of the current entries. Used for idle sweeps and
// shutdown; callers must not assume an entry is still present afterwards.
func (t *Table[V]) Snapshot() map[Key]V {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[Key]V, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}
