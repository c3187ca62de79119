package tracking

import (
	"github.com/syssam/tether"
	"github.com/syssam/tether/metadata"
)

// DetectChanges compares every tracked entry with its snapshots, marks
// modified properties and fixes up relationship edits. Passes repeat until
// one finds nothing new.
func (sm *StateManager) DetectChanges() error {
	return sm.atomic(func() error { return sm.detect(nil) })
}

// DetectEntryChanges runs detection for e only, then stabilises the graph.
func (sm *StateManager) DetectEntryChanges(e *Entry) error {
	if e.state == Detached {
		return nil
	}
	return sm.atomic(func() error { return sm.detect(e) })
}

func (sm *StateManager) detect(only *Entry) error {
	for pass := 1; pass <= sm.maxIterations; pass++ {
		entries := sm.Entries()
		if only != nil && pass == 1 {
			entries = []*Entry{only}
		}
		changed := false
		for _, e := range entries {
			c, err := sm.detectEntry(e)
			if err != nil {
				return err
			}
			changed = changed || c
		}
		if sm.sweep() {
			changed = true
		}
		if !changed {
			sm.passes = pass
			if pass > 1 {
				sm.logger.Debug("tracking: changes detected", "passes", pass)
			}
			return nil
		}
	}
	sm.passes = sm.maxIterations
	return tether.NewFixupDidNotConvergeError(sm.maxIterations)
}

// detectEntry checks one entry: scalars, then reference navigations, then
// collections, then key and foreign key columns. A navigation edit is
// applied before a foreign key edit of the same pass and wins over it.
func (sm *StateManager) detectEntry(e *Entry) (bool, error) {
	if !e.state.live() || e.relationship == nil {
		return false, nil
	}
	changed := false
	if e.state != Added {
		for _, p := range e.typ.Properties() {
			if p.Comparer.Equals(e.CurrentValue(p), e.original[p.OriginalIndex()]) {
				continue
			}
			if p.IsKey() {
				return false, tether.NewInvalidOperationError(e.String(), "key property %s of a persisted entity cannot be modified", p.Name)
			}
			if !e.modified.has(p.Index()) {
				sm.touch(e)
				e.modified.set(p.Index())
				e.state = Modified
				changed = true
			}
		}
	}
	for _, n := range e.typ.Navigations() {
		if n.IsCollection() || !e.state.live() {
			continue
		}
		cur, prev := n.GetReference(e.entity), e.snapshotTarget(n)
		if cur == prev {
			continue
		}
		changed = true
		var err error
		if n.IsOnDependent() {
			err = sm.dependentReferenceChanged(e, n, prev, cur)
		} else {
			err = sm.principalReferenceChanged(e, n, prev, cur)
		}
		if err != nil {
			return false, err
		}
	}
	for _, n := range e.typ.Navigations() {
		if !n.IsCollection() || !e.state.live() {
			continue
		}
		added, removed := diff(e.snapshotMembers(n), n.Items(e.entity))
		if len(added) == 0 && len(removed) == 0 {
			continue
		}
		changed = true
		if err := sm.collectionChanged(e, n, added, removed); err != nil {
			return false, err
		}
	}
	for _, p := range e.typ.Properties() {
		if p.RelationshipIndex() < 0 || !e.state.live() {
			continue
		}
		if p.Comparer.Equals(e.CurrentValue(p), e.snapshotValue(p)) {
			continue
		}
		changed = true
		sm.touch(e)
		e.temporary.clear(p.Index())
		if err := sm.keyPropertyChanged(e, p); err != nil {
			return false, err
		}
	}
	return changed, nil
}

// sweep drops stale members from principal navigations: dependents whose
// foreign key or navigation now points elsewhere.
func (sm *StateManager) sweep() bool {
	swept := false
	for _, e := range sm.Entries() {
		if !e.state.live() {
			continue
		}
		for _, n := range e.typ.Navigations() {
			if n.IsOnDependent() {
				continue
			}
			for _, item := range members(n, e.entity) {
				d := sm.entryOf(item)
				if d == nil || !d.state.live() || sm.belongsTo(d, n.ForeignKey, e) {
					continue
				}
				sm.unlink(e, n, d)
				swept = true
			}
		}
	}
	return swept
}

// belongsTo reports whether d is related to principal through fk.
func (sm *StateManager) belongsTo(d *Entry, fk *metadata.ForeignKey, principal *Entry) bool {
	if d.HasConceptualNull(fk) {
		return false
	}
	return sm.pointsTo(d, fk, principal)
}

// setValue writes p on e and runs key and foreign key fixup immediately.
// Callers run it atomically so a failed fixup also undoes the write.
func (sm *StateManager) setValue(e *Entry, p *metadata.Property, v any) error {
	v, err := metadata.Coerce(p.Type, v)
	if err != nil {
		return err
	}
	old := e.CurrentValue(p)
	if p.Comparer.Equals(old, v) {
		return nil
	}
	if p.IsKey() && e.state != Added && e.state != Detached {
		return tether.NewInvalidOperationError(e.String(), "key property %s of a persisted entity cannot be modified", p.Name)
	}
	e.setRaw(p, v)
	e.temporary.clear(p.Index())
	if e.state == Detached {
		return nil
	}
	if p.RelationshipIndex() >= 0 && e.relationship != nil {
		if err := sm.keyPropertyChanged(e, p); err != nil {
			return err
		}
	}
	e.markModified(p)
	return nil
}
