// Package omap provides a small insertion-order-preserving map.
//
// ModEx's ModelIR carries several invariants that plain Go maps cannot
// satisfy: root fields, block fields, the block collection, and the type
// index must all iterate in the order their keys were first inserted, and
// that order must survive a save/load round trip. None of the libraries
// pulled in by the retrieved example repositories expose an ordered map
// primitive (they reach for jsoniter/json-iterator for speed, not key
// order), so this type is hand-written rather than grounded on a
// third-party dependency — see DESIGN.md.
package omap

// Map is an ordered string-keyed map. The zero value is not usable; use
// New. Map is not safe for concurrent use without external locking —
// callers that share a Map across goroutines (e.g. a Node's IR guarded by
// its own mutex) must serialize access themselves.
type Map[V any] struct {
	keys   []string
	values map[string]V
}

// New creates an empty ordered map.
func New[V any]() *Map[V] {
	return &Map[V]{values: make(map[string]V)}
}

// NewWithCapacity creates an empty ordered map with room for n entries.
func NewWithCapacity[V any](n int) *Map[V] {
	return &Map[V]{keys: make([]string, 0, n), values: make(map[string]V, n)}
}

// Set inserts key with value, or updates the value in place if key is
// already present. Updating never moves a key's position.
func (m *Map[V]) Set(key string, value V) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Get returns the value for key and whether it was present.
func (m *Map[V]) Get(key string) (V, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Has reports whether key is present.
func (m *Map[V]) Has(key string) bool {
	_, ok := m.values[key]
	return ok
}

// Delete removes key if present. The relative order of remaining keys is
// preserved (a shift, not a swap-remove), matching the ordering invariant
// ModEx requires of root/blocks/index.
func (m *Map[V]) Delete(key string) {
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order. The returned slice is owned
// by the caller to mutate freely; it is a copy.
func (m *Map[V]) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len returns the number of entries.
func (m *Map[V]) Len() int {
	return len(m.keys)
}

// Range calls fn for every entry in insertion order, stopping early if fn
// returns false.
func (m *Map[V]) Range(fn func(key string, value V) bool) {
	for _, k := range m.keys {
		if !fn(k, m.values[k]) {
			return
		}
	}
}

// Clone returns a shallow copy: keys and the top-level value slots are
// copied, but values themselves are not deep-copied.
func (m *Map[V]) Clone() *Map[V] {
	out := NewWithCapacity[V](len(m.keys))
	for _, k := range m.keys {
		out.Set(k, m.values[k])
	}
	return out
}
