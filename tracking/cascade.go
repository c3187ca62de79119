package tracking

import (
	"github.com/syssam/tether"
	"github.com/syssam/tether/metadata"
)

// deletePlan collects the effects of deleting an entry before any of them
// is applied.
type deletePlan struct {
	visited map[*Entry]bool
	deletes []*Entry
	nulls   []nullOp
}

type nullOp struct {
	d         *Entry
	fk        *metadata.ForeignKey
	principal *Entry
	props     []*metadata.Property
}

// delete marks e Deleted and cascades to tracked dependents. Nothing is
// changed when a cascade cannot be applied.
func (sm *StateManager) delete(e *Entry) error {
	plan := &deletePlan{visited: make(map[*Entry]bool)}
	if err := sm.planDelete(e, plan); err != nil {
		return err
	}
	for _, d := range plan.deletes {
		if d.state == Added {
			sm.detachDeleted(d)
			continue
		}
		sm.touch(d)
		d.state = Deleted
	}
	for _, n := range plan.nulls {
		if plan.visited[n.d] {
			continue
		}
		sm.sever(n.d, n.fk, n.principal, n.props)
	}
	if len(plan.deletes) > 1 || len(plan.nulls) > 0 {
		sm.logger.Debug("tracking: cascade delete", "root", e.String(), "deleted", len(plan.deletes), "nulled", len(plan.nulls))
	}
	return nil
}

func (sm *StateManager) planDelete(e *Entry, plan *deletePlan) error {
	if plan.visited[e] {
		return nil
	}
	plan.visited[e] = true
	plan.deletes = append(plan.deletes, e)
	for _, fk := range e.typ.ReferencingForeignKeys() {
		for _, d := range sm.dependents(e, fk) {
			if plan.visited[d] {
				continue
			}
			switch fk.DeleteBehavior {
			case metadata.Cascade:
				if err := sm.planDelete(d, plan); err != nil {
					return err
				}
			case metadata.SetNull:
				if fk.Required {
					plan.nulls = append(plan.nulls, nullOp{d: d, fk: fk, principal: e})
					continue
				}
				props, err := sm.planNull(d, fk, e)
				if err != nil {
					return err
				}
				plan.nulls = append(plan.nulls, nullOp{d: d, fk: fk, principal: e, props: props})
			}
		}
	}
	return nil
}

// detachDeleted stops tracking a deleted entry and removes it from the
// navigations of its principals. Its own navigations are left intact.
func (sm *StateManager) detachDeleted(e *Entry) {
	for _, fk := range e.typ.ForeignKeys() {
		inv := fk.PrincipalToDependent
		if inv == nil {
			continue
		}
		if p, ok := sm.PrincipalOf(e, fk); ok {
			sm.unlink(p, inv, e)
		}
	}
	sm.unregister(e)
}

// Validate checks the graph before a save. Severed required relationships
// fail with RequiredRelationshipViolationError, or delete the orphan when
// deleteOrphans is set. Deleted principals with live dependents under a
// Restrict relationship fail as well.
func (sm *StateManager) Validate(deleteOrphans bool) error {
	return sm.atomic(func() error { return sm.validate(deleteOrphans) })
}

func (sm *StateManager) validate(deleteOrphans bool) error {
	for _, e := range sm.Entries() {
		if !e.state.live() {
			continue
		}
		for _, fk := range e.typ.ForeignKeys() {
			if !fk.Required || !sm.orphaned(e, fk) {
				continue
			}
			if !deleteOrphans {
				return tether.NewRequiredRelationshipViolationError(e.String(), fk.String(), "severed")
			}
			if err := sm.delete(e); err != nil {
				return err
			}
			break
		}
	}
	for _, e := range sm.Entries() {
		if e.state != Deleted {
			continue
		}
		for _, fk := range e.typ.ReferencingForeignKeys() {
			if fk.DeleteBehavior != metadata.Restrict {
				continue
			}
			if deps := sm.dependents(e, fk); len(deps) > 0 {
				return tether.NewRequiredRelationshipViolationError(deps[0].String(), fk.String(), "restrict")
			}
		}
	}
	return nil
}

// orphaned reports whether the required relationship fk of e has no
// principal value.
func (sm *StateManager) orphaned(e *Entry, fk *metadata.ForeignKey) bool {
	if e.HasConceptualNull(fk) {
		return true
	}
	return hasNull(e.ForeignKeyValues(fk))
}

// ApplyStoreValues writes values produced by the store into e. Temporary
// flags are cleared; new key values are propagated to dependents and the
// identity maps are rekeyed.
func (sm *StateManager) ApplyStoreValues(e *Entry, values map[*metadata.Property]any) error {
	for _, p := range e.typ.Properties() {
		v, ok := values[p]
		if !ok {
			continue
		}
		v, err := metadata.Coerce(p.Type, v)
		if err != nil {
			return err
		}
		changed := !p.Comparer.Equals(e.CurrentValue(p), v)
		e.setRaw(p, v)
		e.temporary.clear(p.Index())
		if changed && p.RelationshipIndex() >= 0 && e.relationship != nil {
			if err := sm.keyPropertyChanged(e, p); err != nil {
				return err
			}
		}
	}
	return nil
}

// AcceptChanges makes the current state of e its original state: Added and
// Modified entries become Unchanged, Deleted entries are detached.
func (sm *StateManager) AcceptChanges(e *Entry) {
	switch e.state {
	case Added, Modified:
		e.state = Unchanged
		e.modified.reset()
		e.temporary.reset()
		e.snapshotOriginal()
	case Deleted:
		sm.detachDeleted(e)
	}
}

// AcceptAllChanges accepts every entry.
func (sm *StateManager) AcceptAllChanges() {
	for _, e := range sm.Entries() {
		sm.AcceptChanges(e)
	}
}
