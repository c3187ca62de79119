package tracking

import (
	"slices"

	"github.com/syssam/tether/metadata"
)

// initialFixup wires a newly tracked entry to tracked principals and
// dependents, through its navigations first and then by key values.
func (sm *StateManager) initialFixup(e *Entry) error {
	for _, fk := range e.typ.ForeignKeys() {
		depNav, inv := fk.DependentToPrincipal, fk.PrincipalToDependent
		var principal *Entry
		if depNav != nil {
			if t := depNav.GetReference(e.entity); t != nil {
				principal = sm.byInstance[t]
			}
		}
		if principal != nil {
			if !sm.fkMatches(e, fk, principal) {
				writes, err := sm.planSet(e, fk, principal)
				if err != nil {
					return err
				}
				sm.applyWrites(e, writes)
			}
		} else if principal = sm.lookupPrincipal(e, fk, false); principal != nil && depNav != nil {
			if depNav.GetReference(e.entity) == nil {
				sm.setReference(e, depNav, principal.entity)
			} else {
				principal = nil
			}
		}
		if principal != nil && inv != nil {
			sm.link(principal, inv, e)
		}
	}
	for _, k := range e.typ.Keys() {
		for _, fk := range k.ReferencingForeignKeys() {
			if !fk.PrincipalType.IsAssignableFrom(e.typ) {
				continue
			}
			if err := sm.fixupDependents(e, fk); err != nil {
				return err
			}
		}
	}
	return nil
}

// fixupDependents wires dependents of e reachable through its inverse
// navigation or holding its key values.
func (sm *StateManager) fixupDependents(e *Entry, fk *metadata.ForeignKey) error {
	depNav, inv := fk.DependentToPrincipal, fk.PrincipalToDependent
	if inv != nil {
		var items []any
		if inv.IsCollection() {
			items = inv.Items(e.entity)
		} else if t := inv.GetReference(e.entity); t != nil {
			items = []any{t}
		}
		for _, item := range items {
			d, ok := sm.byInstance[item]
			if !ok || d.state == Deleted {
				continue
			}
			if !sm.fkMatches(d, fk, e) {
				writes, err := sm.planSet(d, fk, e)
				if err != nil {
					return err
				}
				sm.applyWrites(d, writes)
			}
			if depNav != nil && depNav.GetReference(d.entity) != e.entity {
				if old, ok := sm.byInstance[depNav.GetReference(d.entity)]; ok && old != e {
					sm.unlink(old, inv, d)
				}
				sm.setReference(d, depNav, e.entity)
				d.syncReference(depNav, e.entity)
			}
		}
	}
	for _, d := range sm.entriesWithForeignKey(fk, e.KeyValues(fk.PrincipalKey)) {
		if !d.state.live() || d.HasConceptualNull(fk) {
			continue
		}
		if depNav != nil {
			cur := depNav.GetReference(d.entity)
			if cur != nil && cur != e.entity {
				continue
			}
			if cur == nil {
				sm.setReference(d, depNav, e.entity)
				d.syncReference(depNav, e.entity)
			}
		}
		if inv != nil {
			sm.link(e, inv, d)
		}
	}
	return nil
}

// dependentReferenceChanged handles a reference navigation edit on the
// dependent end of fk.
func (sm *StateManager) dependentReferenceChanged(e *Entry, nav *metadata.Navigation, oldV, newV any) error {
	fk, inv := nav.ForeignKey, nav.ForeignKey.PrincipalToDependent
	oldPrincipal := sm.entryOf(oldV)
	if newV == nil {
		var nulls []*metadata.Property
		if !fk.Required {
			var err error
			if nulls, err = sm.planNull(e, fk, nil); err != nil {
				return err
			}
		}
		if fk.Required {
			e.markConceptualNull(fk)
		} else {
			sm.applyNull(e, nulls)
		}
		if oldPrincipal != nil && inv != nil {
			sm.unlink(oldPrincipal, inv, e)
		}
		e.syncReference(nav, nil)
		return nil
	}
	principal, err := sm.reach(newV)
	if err != nil {
		return err
	}
	writes, err := sm.planSet(e, fk, principal)
	if err != nil {
		return err
	}
	var (
		displaced *Entry
		nulls     []*metadata.Property
	)
	if inv != nil && !inv.IsCollection() {
		if cur := inv.GetReference(principal.entity); cur != nil && cur != e.entity {
			if d := sm.entryOf(cur); d != nil && d.state.live() && sm.pointsTo(d, fk, principal) {
				displaced = d
				if !fk.Required {
					if nulls, err = sm.planNull(d, fk, nil); err != nil {
						return err
					}
				}
			}
		}
	}
	sm.applyWrites(e, writes)
	e.clearConceptualNull(fk)
	if oldPrincipal != nil && oldPrincipal != principal && inv != nil {
		sm.unlink(oldPrincipal, inv, e)
	}
	if displaced != nil {
		sm.sever(displaced, fk, principal, nulls)
	}
	if inv != nil {
		sm.link(principal, inv, e)
	}
	e.syncReference(nav, newV)
	return nil
}

// principalReferenceChanged handles a one-to-one navigation edit on the
// principal end of fk.
func (sm *StateManager) principalReferenceChanged(e *Entry, nav *metadata.Navigation, oldV, newV any) error {
	fk, depNav := nav.ForeignKey, nav.ForeignKey.DependentToPrincipal
	var (
		newDep, prevPrincipal *Entry
		writes                []fkWrite
		err                   error
	)
	if newV != nil {
		if newDep, err = sm.reach(newV); err != nil {
			return err
		}
		if writes, err = sm.planSet(newDep, fk, e); err != nil {
			return err
		}
		if depNav != nil {
			prevPrincipal = sm.entryOf(depNav.GetReference(newDep.entity))
		}
		if prevPrincipal == nil {
			prevPrincipal = sm.lookupPrincipal(newDep, fk, false)
		}
	}
	var (
		oldDep *Entry
		nulls  []*metadata.Property
	)
	if d := sm.entryOf(oldV); d != nil && d != newDep && d.state.live() && sm.pointsTo(d, fk, e) {
		oldDep = d
		if !fk.Required {
			if nulls, err = sm.planNull(d, fk, nil); err != nil {
				return err
			}
		}
	}
	if newDep != nil {
		sm.applyWrites(newDep, writes)
		newDep.clearConceptualNull(fk)
		if depNav != nil {
			sm.setReference(newDep, depNav, e.entity)
			newDep.syncReference(depNav, e.entity)
		}
		if prevPrincipal != nil && prevPrincipal != e {
			sm.unlink(prevPrincipal, nav, newDep)
		}
	}
	if oldDep != nil {
		sm.sever(oldDep, fk, e, nulls)
	}
	e.syncReference(nav, newV)
	return nil
}

// collectionChanged handles members added to or removed from a collection
// navigation on the principal end.
func (sm *StateManager) collectionChanged(e *Entry, nav *metadata.Navigation, added, removed []any) error {
	fk, depNav := nav.ForeignKey, nav.ForeignKey.DependentToPrincipal
	type addition struct {
		d      *Entry
		writes []fkWrite
		prev   *Entry
	}
	type removal struct {
		d     *Entry
		nulls []*metadata.Property
	}
	var (
		adds    []addition
		removes []removal
	)
	for _, item := range removed {
		d := sm.entryOf(item)
		if d == nil || !d.state.live() || !sm.pointsTo(d, fk, e) {
			continue
		}
		r := removal{d: d}
		if !fk.Required {
			nulls, err := sm.planNull(d, fk, nil)
			if err != nil {
				return err
			}
			r.nulls = nulls
		}
		removes = append(removes, r)
	}
	for _, item := range added {
		d, err := sm.reach(item)
		if err != nil {
			return err
		}
		if d.state == Deleted {
			continue
		}
		writes, err := sm.planSet(d, fk, e)
		if err != nil {
			return err
		}
		a := addition{d: d, writes: writes}
		if depNav != nil {
			a.prev = sm.entryOf(depNav.GetReference(d.entity))
		}
		if a.prev == nil {
			a.prev = sm.lookupPrincipal(d, fk, false)
		}
		adds = append(adds, a)
	}
	for _, r := range removes {
		sm.sever(r.d, fk, e, r.nulls)
	}
	for _, a := range adds {
		sm.applyWrites(a.d, a.writes)
		a.d.clearConceptualNull(fk)
		if depNav != nil {
			sm.setReference(a.d, depNav, e.entity)
			a.d.syncReference(depNav, e.entity)
		}
		if a.prev != nil && a.prev != e {
			sm.unlink(a.prev, nav, a.d)
		}
	}
	e.snapshotNavigation(nav)
	return nil
}

// foreignKeyChanged rewires navigations after the values of fk changed on
// e. The principal is resolved through the identity map; when none is
// tracked the navigation is cleared and the values stand.
func (sm *StateManager) foreignKeyChanged(e *Entry, fk *metadata.ForeignKey) error {
	depNav, inv := fk.DependentToPrincipal, fk.PrincipalToDependent
	var oldPrincipal *Entry
	if depNav != nil {
		oldPrincipal = sm.entryOf(depNav.GetReference(e.entity))
	}
	values := e.ForeignKeyValues(fk)
	var principal *Entry
	if !hasNull(values) {
		principal = sm.lookupPrincipal(e, fk, false)
		e.clearConceptualNull(fk)
	}
	if principal != nil && principal == oldPrincipal {
		return nil
	}
	var (
		displaced *Entry
		nulls     []*metadata.Property
	)
	if principal != nil && inv != nil && !inv.IsCollection() {
		if cur := inv.GetReference(principal.entity); cur != nil && cur != e.entity {
			// A dependent whose own foreign key was already moved is not
			// displaced.
			if d := sm.entryOf(cur); d != nil && d.state.live() && !d.HasConceptualNull(fk) && sm.fkMatches(d, fk, principal) {
				displaced = d
				if !fk.Required {
					var err error
					if nulls, err = sm.planNull(d, fk, nil); err != nil {
						return err
					}
				}
			}
		}
	}
	if oldPrincipal != nil && inv != nil {
		sm.unlink(oldPrincipal, inv, e)
	}
	if depNav != nil {
		var target any
		if principal != nil {
			target = principal.entity
		}
		sm.setReference(e, depNav, target)
		e.syncReference(depNav, target)
	}
	if displaced != nil {
		sm.sever(displaced, fk, principal, nulls)
	}
	if principal != nil && inv != nil {
		sm.link(principal, inv, e)
	}
	return nil
}

// keyPropertyChanged runs fixup for a key or foreign key column of e whose
// value changed from old.
func (sm *StateManager) keyPropertyChanged(e *Entry, p *metadata.Property) error {
	for _, k := range p.Keys() {
		if err := sm.principalKeyChanged(e, k); err != nil {
			return err
		}
	}
	for _, fk := range p.ForeignKeys() {
		if !fk.DeclaringType.IsAssignableFrom(e.typ) {
			continue
		}
		if err := sm.foreignKeyChanged(e, fk); err != nil {
			return err
		}
	}
	e.syncProperty(p)
	return nil
}

// principalKeyChanged rekeys e and moves its dependents to the new key
// values, temporary flags included.
func (sm *StateManager) principalKeyChanged(e *Entry, k *metadata.Key) error {
	old, registered := e.registered[k]
	if err := sm.IdentityMap(k).rekey(e); err != nil {
		return err
	}
	for _, fk := range k.ReferencingForeignKeys() {
		if registered {
			for _, d := range sm.entriesWithForeignKey(fk, old) {
				if d.state == Detached {
					continue
				}
				if depNav := fk.DependentToPrincipal; depNav != nil {
					if cur := depNav.GetReference(d.entity); cur != nil && cur != e.entity {
						continue
					}
				}
				writes := make([]fkWrite, len(fk.Properties))
				for i, fp := range fk.Properties {
					pk := k.Properties[i]
					writes[i] = fkWrite{p: fp, v: fp.Comparer.Snapshot(e.CurrentValue(pk)), temp: e.IsTemporary(pk)}
				}
				sm.applyWrites(d, writes)
			}
		}
		if fk.PrincipalType.IsAssignableFrom(e.typ) {
			if err := sm.fixupDependents(e, fk); err != nil {
				return err
			}
		}
	}
	return nil
}

// link makes d a member of the inverse navigation of principal.
func (sm *StateManager) link(principal *Entry, inv *metadata.Navigation, d *Entry) {
	if inv.IsCollection() {
		sm.addItem(principal, inv, d.entity)
		principal.addMember(inv, d.entity)
		return
	}
	sm.setReference(principal, inv, d.entity)
	principal.syncReference(inv, d.entity)
}

// unlink removes d from the inverse navigation of principal.
func (sm *StateManager) unlink(principal *Entry, inv *metadata.Navigation, d *Entry) {
	if inv.IsCollection() {
		sm.removeItem(principal, inv, d.entity)
		principal.removeMember(inv, d.entity)
		return
	}
	if inv.GetReference(principal.entity) == d.entity {
		sm.setReference(principal, inv, nil)
		principal.syncReference(inv, nil)
	}
}

// sever detaches d from principal: the dependent navigation is cleared and
// the foreign key is nulled, or marked conceptually null when required.
func (sm *StateManager) sever(d *Entry, fk *metadata.ForeignKey, principal *Entry, nulls []*metadata.Property) {
	if nav := fk.DependentToPrincipal; nav != nil && nav.GetReference(d.entity) == principal.entity {
		sm.setReference(d, nav, nil)
		d.syncReference(nav, nil)
	}
	if fk.Required {
		d.markConceptualNull(fk)
		return
	}
	sm.applyNull(d, nulls)
}

// pointsTo reports whether d is currently related to principal through fk.
// A set navigation decides; otherwise the foreign key values do.
func (sm *StateManager) pointsTo(d *Entry, fk *metadata.ForeignKey, principal *Entry) bool {
	if nav := fk.DependentToPrincipal; nav != nil {
		if cur := nav.GetReference(d.entity); cur != nil {
			return cur == principal.entity
		}
	}
	return !d.HasConceptualNull(fk) && sm.fkMatches(d, fk, principal)
}

// lookupPrincipal resolves the principal of d through the identity map.
func (sm *StateManager) lookupPrincipal(d *Entry, fk *metadata.ForeignKey, includeDeleted bool) *Entry {
	values := d.ForeignKeyValues(fk)
	if hasNull(values) {
		return nil
	}
	p, ok := sm.IdentityMap(fk.PrincipalKey).FindEntry(values)
	if !ok || !fk.PrincipalType.IsAssignableFrom(p.typ) {
		return nil
	}
	if p.state == Deleted && !includeDeleted {
		return nil
	}
	return p
}

// entriesWithForeignKey returns the tracked dependents of fk whose foreign
// key values equal values, in discovery order.
func (sm *StateManager) entriesWithForeignKey(fk *metadata.ForeignKey, values []any) []*Entry {
	if hasNull(values) {
		return nil
	}
	var out []*Entry
	for _, d := range sm.entries {
		if d != nil && fk.DeclaringType.IsAssignableFrom(d.typ) && valuesEqual(fk.Properties, d.ForeignKeyValues(fk), values) {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, bySeq)
	return out
}

// dependents returns the live dependents of principal through fk.
func (sm *StateManager) dependents(principal *Entry, fk *metadata.ForeignKey) []*Entry {
	var out []*Entry
	for _, d := range sm.entries {
		if d == nil || !d.state.live() || !fk.DeclaringType.IsAssignableFrom(d.typ) {
			continue
		}
		if sm.pointsTo(d, fk, principal) {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, bySeq)
	return out
}

// DependentsOf returns the live dependents of principal through fk.
func (sm *StateManager) DependentsOf(principal *Entry, fk *metadata.ForeignKey) []*Entry {
	return sm.dependents(principal, fk)
}

// PrincipalOf returns the tracked principal d currently references through
// fk, Deleted principals included.
func (sm *StateManager) PrincipalOf(d *Entry, fk *metadata.ForeignKey) (*Entry, bool) {
	if nav := fk.DependentToPrincipal; nav != nil {
		if p := sm.entryOf(nav.GetReference(d.entity)); p != nil {
			return p, true
		}
	}
	p := sm.lookupPrincipal(d, fk, true)
	return p, p != nil
}

// OriginalPrincipalOf returns the tracked principal d referenced through fk
// when it was last accepted.
func (sm *StateManager) OriginalPrincipalOf(d *Entry, fk *metadata.ForeignKey) (*Entry, bool) {
	values := d.OriginalForeignKeyValues(fk)
	if hasNull(values) {
		return nil, false
	}
	p, ok := sm.IdentityMap(fk.PrincipalKey).FindEntry(values)
	if !ok || !fk.PrincipalType.IsAssignableFrom(p.typ) {
		return nil, false
	}
	return p, true
}

func (sm *StateManager) entryOf(entity any) *Entry {
	if entity == nil {
		return nil
	}
	return sm.byInstance[entity]
}

// members returns the entities held by a principal navigation.
func members(n *metadata.Navigation, entity any) []any {
	if n.IsCollection() {
		return n.Items(entity)
	}
	if t := n.GetReference(entity); t != nil {
		return []any{t}
	}
	return nil
}

// diff returns the items of cur missing from prev and of prev missing from
// cur, compared by instance.
func diff(prev, cur []any) (added, removed []any) {
	for _, item := range cur {
		if !slices.Contains(prev, item) {
			added = append(added, item)
		}
	}
	for _, item := range prev {
		if !slices.Contains(cur, item) {
			removed = append(removed, item)
		}
	}
	return added, removed
}
