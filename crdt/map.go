package crdt

import "sort"

// register holds the winning entry per key of one map.
type register struct {
	keys   map[string]*entry
	handle *Map
}

// Map is a handle on a replicated key-value map. Concurrent writes to the
// same key resolve last-write-wins on (lamport, client ID): the causally
// later write has the higher lamport, and equal lamports go to the higher
// client ID. Every replica holding the same operations agrees on the winner.
type Map struct {
	doc *Document
	ref mapRef
}

// Set writes value under key. Supported values are nil, strings, booleans,
// integers up to 64 bits and floats.
func (m *Map) Set(key string, v any) error {
	val, err := toValue(v)
	if err != nil {
		return err
	}
	return m.doc.local(func(tx *batch) error {
		m.write(tx, key, val)
		return nil
	})
}

// SetMap stores a new empty nested map under key and returns it.
func (m *Map) SetMap(key string) *Map {
	var nested *Map
	_ = m.doc.local(func(tx *batch) error {
		e := m.write(tx, key, value{kind: kindMap})
		nested = m.doc.register(mapRef{parent: e.id}).handle
		return nil
	})
	return nested
}

// Delete removes key. Deleting an absent key is a no-op.
func (m *Map) Delete(key string) {
	_ = m.doc.local(func(tx *batch) error {
		if _, ok := m.live(key); ok {
			m.write(tx, key, value{kind: kindRemoved})
		}
		return nil
	})
}

// Get returns the value under key. Nested maps are returned as *Map.
func (m *Map) Get(key string) (any, bool) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return nil, false
	}
	if e.value.kind == kindMap {
		return m.doc.register(mapRef{parent: e.id}).handle, true
	}
	return e.value.native(), true
}

// GetMap returns the nested map under key, if the key holds one.
func (m *Map) GetMap(key string) (*Map, bool) {
	v, ok := m.Get(key)
	if !ok {
		return nil, false
	}
	nested, ok := v.(*Map)
	return nested, ok
}

// Has reports whether key is set.
func (m *Map) Has(key string) bool {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	_, ok := m.live(key)
	return ok
}

// Keys returns the live keys, sorted.
func (m *Map) Keys() []string {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return m.keys()
}

// Len returns the number of live keys.
func (m *Map) Len() int {
	return len(m.Keys())
}

// ToMap materializes the map, nested maps included.
func (m *Map) ToMap() map[string]any {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return m.materialize(m.ref)
}

func (m *Map) materialize(ref mapRef) map[string]any {
	reg := m.doc.register(ref)
	out := make(map[string]any, len(reg.keys))
	for key, e := range reg.keys {
		switch e.value.kind {
		case kindRemoved:
		case kindMap:
			out[key] = m.materialize(mapRef{parent: e.id})
		default:
			out[key] = e.value.native()
		}
	}
	return out
}

func (m *Map) live(key string) (*entry, bool) {
	e, ok := m.doc.register(m.ref).keys[key]
	if !ok || e.value.kind == kindRemoved {
		return nil, false
	}
	return e, true
}

func (m *Map) keys() []string {
	reg := m.doc.register(m.ref)
	keys := make([]string, 0, len(reg.keys))
	for key, e := range reg.keys {
		if e.value.kind != kindRemoved {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *Map) write(tx *batch, key string, val value) *entry {
	d := m.doc
	e := &entry{
		id:      d.nextID(),
		lamport: d.tick(),
		ref:     m.ref,
		key:     key,
		value:   val,
	}
	d.integrateEntry(e)
	tx.entries = append(tx.entries, e)
	return e
}
