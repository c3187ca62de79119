package tracking

import (
	"slices"

	"github.com/syssam/tether"
	"github.com/syssam/tether/metadata"
)

// IdentityMap indexes the entries of one root type by one key. Buckets are
// keyed by the combined comparer hash and verified with comparer equality.
type IdentityMap struct {
	key     *metadata.Key
	sm      *StateManager
	buckets map[uint64][]int
	size    int
}

func newIdentityMap(sm *StateManager, key *metadata.Key) *IdentityMap {
	return &IdentityMap{key: key, sm: sm, buckets: make(map[uint64][]int)}
}

// Key returns the indexed key.
func (m *IdentityMap) Key() *metadata.Key { return m.key }

// Len returns the number of indexed entries.
func (m *IdentityMap) Len() int { return m.size }

// FindEntry returns the entry holding values. Values containing nil never
// match.
func (m *IdentityMap) FindEntry(values []any) (*Entry, bool) {
	if len(values) != len(m.key.Properties) || hasNull(values) {
		return nil, false
	}
	for _, id := range m.buckets[m.hash(values)] {
		e := m.sm.entries[id]
		if valuesEqual(m.key.Properties, e.registered[m.key], values) {
			return e, true
		}
	}
	return nil, false
}

func (m *IdentityMap) hash(values []any) uint64 {
	h := uint64(14695981039346656037)
	for i, p := range m.key.Properties {
		h ^= p.Comparer.Hash(values[i])
		h *= 1099511628211
	}
	return h
}

// check fails when another entry holds values.
func (m *IdentityMap) check(e *Entry, values []any) error {
	if other, ok := m.FindEntry(values); ok && other != e {
		return tether.NewDuplicateKeyError(e.typ.Root().Name, values)
	}
	return nil
}

// add indexes e under its current key values.
func (m *IdentityMap) add(e *Entry) error {
	values := e.KeyValues(m.key)
	if hasNull(values) {
		return nil
	}
	if err := m.check(e, values); err != nil {
		return err
	}
	m.insert(e, snapshotValues(m.key.Properties, values))
	return nil
}

// insert indexes e under values without checking for duplicates.
func (m *IdentityMap) insert(e *Entry, values []any) {
	h := m.hash(values)
	m.buckets[h] = append(m.buckets[h], e.id)
	e.registered[m.key] = values
	m.size++
}

// remove drops e using the values it was indexed under.
func (m *IdentityMap) remove(e *Entry) {
	values, ok := e.registered[m.key]
	if !ok {
		return
	}
	h := m.hash(values)
	ids := m.buckets[h]
	if i := slices.Index(ids, e.id); i >= 0 {
		ids = slices.Delete(ids, i, i+1)
		m.size--
	}
	if len(ids) == 0 {
		delete(m.buckets, h)
	} else {
		m.buckets[h] = ids
	}
	delete(e.registered, m.key)
}

// rekey moves e to its current key values. The entry is left untouched if
// the new values are already taken.
func (m *IdentityMap) rekey(e *Entry) error {
	values := e.KeyValues(m.key)
	if old, ok := e.registered[m.key]; ok && valuesEqual(m.key.Properties, old, values) {
		return nil
	}
	if !hasNull(values) {
		if err := m.check(e, values); err != nil {
			return err
		}
	}
	m.sm.touch(e)
	m.remove(e)
	return m.add(e)
}
