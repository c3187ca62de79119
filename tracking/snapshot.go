package tracking

import (
	"slices"

	"github.com/syssam/tether/metadata"
)

// snapshotOriginal records the current property values as original values.
func (e *Entry) snapshotOriginal() {
	e.sm.touch(e)
	props := e.typ.Properties()
	if e.original == nil {
		e.original = make([]any, len(props))
	}
	for _, p := range props {
		e.original[p.OriginalIndex()] = p.Comparer.Snapshot(e.CurrentValue(p))
	}
}

// snapshotRelationships records key and foreign key values, reference
// targets and collection members for relationship change detection.
func (e *Entry) snapshotRelationships() {
	e.sm.touch(e)
	e.relationship = make([]any, e.typ.Counts().Relationship)
	for _, p := range e.typ.Properties() {
		if i := p.RelationshipIndex(); i >= 0 {
			e.relationship[i] = p.Comparer.Snapshot(e.CurrentValue(p))
		}
	}
	for _, n := range e.typ.Navigations() {
		e.snapshotNavigation(n)
	}
}

func (e *Entry) snapshotNavigation(n *metadata.Navigation) {
	if e.relationship == nil {
		return
	}
	e.sm.touch(e)
	if n.IsCollection() {
		e.relationship[n.RelationshipIndex()] = n.Items(e.entity)
		return
	}
	e.relationship[n.RelationshipIndex()] = n.GetReference(e.entity)
}

// syncProperty updates the relationship snapshot of p to its current value.
func (e *Entry) syncProperty(p *metadata.Property) {
	if e.relationship == nil || p.RelationshipIndex() < 0 {
		return
	}
	e.sm.touch(e)
	e.relationship[p.RelationshipIndex()] = p.Comparer.Snapshot(e.CurrentValue(p))
}

// syncReference records target as the snapshot of a reference navigation.
func (e *Entry) syncReference(n *metadata.Navigation, target any) {
	if e.relationship == nil {
		return
	}
	e.sm.touch(e)
	e.relationship[n.RelationshipIndex()] = target
}

// addMember records item in the snapshot of a collection without touching
// other pending edits of the same collection.
func (e *Entry) addMember(n *metadata.Navigation, item any) {
	if e.relationship == nil {
		return
	}
	e.sm.touch(e)
	members, _ := e.relationship[n.RelationshipIndex()].([]any)
	if !slices.Contains(members, item) {
		e.relationship[n.RelationshipIndex()] = append(slices.Clip(members), item)
	}
}

func (e *Entry) removeMember(n *metadata.Navigation, item any) {
	if e.relationship == nil {
		return
	}
	e.sm.touch(e)
	members, _ := e.relationship[n.RelationshipIndex()].([]any)
	if i := slices.Index(members, item); i >= 0 {
		e.relationship[n.RelationshipIndex()] = slices.Delete(slices.Clone(members), i, i+1)
	}
}

// snapshotValue returns the relationship snapshot of p.
func (e *Entry) snapshotValue(p *metadata.Property) any {
	return e.relationship[p.RelationshipIndex()]
}

// snapshotTarget returns the relationship snapshot of a reference.
func (e *Entry) snapshotTarget(n *metadata.Navigation) any {
	return e.relationship[n.RelationshipIndex()]
}

// snapshotMembers returns the relationship snapshot of a collection.
func (e *Entry) snapshotMembers(n *metadata.Navigation) []any {
	members, _ := e.relationship[n.RelationshipIndex()].([]any)
	return members
}

func hasNull(values []any) bool {
	return slices.Contains(values, nil)
}

func valuesEqual(props []*metadata.Property, a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i, p := range props {
		if !p.Comparer.Equals(a[i], b[i]) {
			return false
		}
	}
	return true
}

func snapshotValues(props []*metadata.Property, values []any) []any {
	out := make([]any, len(values))
	for i, p := range props {
		out[i] = p.Comparer.Snapshot(values[i])
	}
	return out
}
