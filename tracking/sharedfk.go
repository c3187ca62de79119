package tracking

import (
	"github.com/syssam/tether"
	"github.com/syssam/tether/metadata"
)

// fkWrite is one planned foreign key column write.
type fkWrite struct {
	p    *metadata.Property
	v    any
	temp bool
}

// planSet plans the writes pointing fk of d at principal. A column shared
// with another live relationship of d must already hold, or be about to
// hold, the same value.
func (sm *StateManager) planSet(d *Entry, fk *metadata.ForeignKey, principal *Entry) ([]fkWrite, error) {
	writes := make([]fkWrite, len(fk.Properties))
	for i, p := range fk.Properties {
		pk := fk.PrincipalKey.Properties[i]
		v := p.Comparer.Snapshot(principal.CurrentValue(pk))
		for _, other := range p.ForeignKeys() {
			if other == fk || !other.DeclaringType.IsAssignableFrom(d.typ) {
				continue
			}
			if req, ok := sm.requiredValue(d, other, p); ok && !p.Comparer.Equals(req, v) {
				return nil, tether.NewConflictingSharedForeignKeyValuesError(d.typ.Name, p.Name, fk.String(), other.String())
			}
		}
		writes[i] = fkWrite{p: p, v: v, temp: principal.IsTemporary(pk)}
	}
	return writes, nil
}

// planNull returns the columns of fk that can be nulled on d. Key columns,
// non-nullable columns and columns still claimed by another live
// relationship are kept; relationships to releasing, a principal being
// deleted, claim nothing. It fails when fk holds a value and nothing can be
// nulled.
func (sm *StateManager) planNull(d *Entry, fk *metadata.ForeignKey, releasing *Entry) ([]*metadata.Property, error) {
	var (
		props   []*metadata.Property
		claimed *metadata.ForeignKey
		column  *metadata.Property
	)
	for _, p := range fk.Properties {
		if !p.Nullable || p.IsKey() {
			continue
		}
		if other := sm.claimant(d, fk, p, releasing); other != nil {
			claimed, column = other, p
			continue
		}
		props = append(props, p)
	}
	if len(props) > 0 || hasNull(d.ForeignKeyValues(fk)) {
		return props, nil
	}
	if claimed == nil {
		column = fk.Properties[0]
		return nil, tether.NewConflictingSharedForeignKeyValuesError(d.typ.Name, column.Name, fk.String())
	}
	return nil, tether.NewConflictingSharedForeignKeyValuesError(d.typ.Name, column.Name, fk.String(), claimed.String())
}

// claimant returns another live relationship of d that needs the current
// value of p.
func (sm *StateManager) claimant(d *Entry, fk *metadata.ForeignKey, p *metadata.Property, releasing *Entry) *metadata.ForeignKey {
	for _, other := range p.ForeignKeys() {
		if other == fk || !other.DeclaringType.IsAssignableFrom(d.typ) {
			continue
		}
		if releasing != nil {
			if principal, ok := sm.PrincipalOf(d, other); ok && principal == releasing {
				continue
			}
		}
		if _, ok := sm.requiredValue(d, other, p); ok {
			return other
		}
	}
	return nil
}

// requiredValue returns the value relationship fk of d needs in column p.
// A pending navigation edit takes precedence over the stored foreign key.
// Severed or null relationships need nothing.
func (sm *StateManager) requiredValue(d *Entry, fk *metadata.ForeignKey, p *metadata.Property) (any, bool) {
	pos := -1
	for i, fp := range fk.Properties {
		if fp == p {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil, false
	}
	if nav := fk.DependentToPrincipal; nav != nil && d.relationship != nil {
		if cur := nav.GetReference(d.entity); cur != d.snapshotTarget(nav) {
			if cur == nil {
				return nil, false
			}
			pe, ok := sm.byInstance[cur]
			if !ok || !pe.state.live() {
				return nil, false
			}
			return pe.CurrentValue(fk.PrincipalKey.Properties[pos]), true
		}
	}
	if d.HasConceptualNull(fk) || hasNull(d.ForeignKeyValues(fk)) {
		return nil, false
	}
	return d.CurrentValue(p), true
}

// applyWrites writes planned foreign key values and keeps the relationship
// snapshot in step so the writes are not detected as user edits.
func (sm *StateManager) applyWrites(d *Entry, writes []fkWrite) {
	for _, w := range writes {
		if w.p.Comparer.Equals(d.CurrentValue(w.p), w.v) && d.IsTemporary(w.p) == w.temp {
			continue
		}
		d.setRaw(w.p, w.v)
		if w.temp {
			d.temporary.set(w.p.Index())
		} else {
			d.temporary.clear(w.p.Index())
		}
		d.markModified(w.p)
		d.syncProperty(w.p)
	}
}

func (sm *StateManager) applyNull(d *Entry, props []*metadata.Property) {
	writes := make([]fkWrite, len(props))
	for i, p := range props {
		writes[i] = fkWrite{p: p}
	}
	sm.applyWrites(d, writes)
}

// fkMatches reports whether the foreign key values of d equal the principal
// key values of principal.
func (sm *StateManager) fkMatches(d *Entry, fk *metadata.ForeignKey, principal *Entry) bool {
	values := d.ForeignKeyValues(fk)
	return !hasNull(values) && valuesEqual(fk.Properties, values, principal.KeyValues(fk.PrincipalKey))
}
