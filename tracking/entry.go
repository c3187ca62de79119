package tracking

import (
	"fmt"
	"slices"
	"strings"

	"github.com/syssam/tether"
	"github.com/syssam/tether/metadata"
)

// Entry is the tracking record of one entity instance. The instance itself
// stays owned by the caller; the entry holds its state and snapshots.
type Entry struct {
	id     int
	seq    uint64
	sm     *StateManager
	entity any
	typ    *metadata.EntityType
	state  State

	original     []any // by Property.OriginalIndex
	relationship []any // by RelationshipIndex; nil until the first snapshot
	shadow       []any // by Property.ShadowIndex
	modified     bitset
	temporary    bitset
	nulls        []*metadata.ForeignKey // conceptual nulls

	registered map[*metadata.Key][]any
}

// ID returns the arena slot of the entry. It is stable while tracked.
func (e *Entry) ID() int { return e.id }

// Seq returns the discovery order of the entry.
func (e *Entry) Seq() uint64 { return e.seq }

// Entity returns the tracked instance.
func (e *Entry) Entity() any { return e.entity }

// EntityType returns the entity type of the instance.
func (e *Entry) EntityType() *metadata.EntityType { return e.typ }

// State returns the current state.
func (e *Entry) State() State { return e.state }

// SetState moves the entry to s, running cascades and fixup as needed.
func (e *Entry) SetState(s State) error {
	if e.state == Detached {
		return tether.NewInvalidOperationError(e.String(), "entry is not tracked")
	}
	return e.sm.atomic(func() error {
		return e.sm.setState(e, s)
	})
}

// CurrentValue returns the current value of p.
func (e *Entry) CurrentValue(p *metadata.Property) any {
	if p.IsShadow() {
		return e.shadow[p.ShadowIndex()]
	}
	return p.Get(e.entity)
}

// OriginalValue returns the value of p when the entry was last accepted.
func (e *Entry) OriginalValue(p *metadata.Property) any {
	if e.original == nil {
		return e.CurrentValue(p)
	}
	return e.original[p.OriginalIndex()]
}

// Value returns the current value of the named property.
func (e *Entry) Value(name string) (any, bool) {
	p, ok := e.typ.FindProperty(name)
	if !ok {
		return nil, false
	}
	return e.CurrentValue(p), true
}

// SetValue sets the named property. Key and foreign key edits are fixed up
// immediately.
func (e *Entry) SetValue(name string, v any) error {
	p, ok := e.typ.FindProperty(name)
	if !ok {
		return tether.NewInvalidOperationError(e.typ.Name, "unknown property %q", name)
	}
	return e.SetCurrentValue(p, v)
}

// SetCurrentValue sets p to v. Key and foreign key edits are fixed up
// immediately.
func (e *Entry) SetCurrentValue(p *metadata.Property, v any) error {
	return e.sm.atomic(func() error {
		return e.sm.setValue(e, p, v)
	})
}

// IsModified reports whether p differs from its original value or was
// explicitly marked modified. Added entries report false.
func (e *Entry) IsModified(p *metadata.Property) bool {
	if e.state == Added || e.state == Detached {
		return false
	}
	if e.modified.has(p.Index()) {
		return true
	}
	return e.original != nil && !p.Comparer.Equals(e.CurrentValue(p), e.original[p.OriginalIndex()])
}

// SetModified marks or unmarks p. Marking moves an Unchanged entry to
// Modified.
func (e *Entry) SetModified(p *metadata.Property, modified bool) {
	if !modified {
		e.modified.clear(p.Index())
		return
	}
	if e.state == Unchanged || e.state == Modified {
		e.modified.set(p.Index())
		e.state = Modified
	}
}

// ModifiedProperties returns the properties flagged modified, in index order.
func (e *Entry) ModifiedProperties() []*metadata.Property {
	var props []*metadata.Property
	for _, p := range e.typ.Properties() {
		if e.modified.has(p.Index()) {
			props = append(props, p)
		}
	}
	return props
}

// IsTemporary reports whether p holds a placeholder awaiting a store value.
func (e *Entry) IsTemporary(p *metadata.Property) bool {
	return e.temporary.has(p.Index())
}

// HasTemporaryValues reports whether any property is temporary.
func (e *Entry) HasTemporaryValues() bool {
	return e.temporary.any()
}

// ConceptualNulls returns the required relationships severed without
// clearing their foreign key.
func (e *Entry) ConceptualNulls() []*metadata.ForeignKey {
	return slices.Clone(e.nulls)
}

// HasConceptualNull reports whether fk was severed.
func (e *Entry) HasConceptualNull(fk *metadata.ForeignKey) bool {
	return slices.Contains(e.nulls, fk)
}

// KeyValues returns the current values of k.
func (e *Entry) KeyValues(k *metadata.Key) []any {
	return e.values(k.Properties)
}

// OriginalKeyValues returns the original values of k.
func (e *Entry) OriginalKeyValues(k *metadata.Key) []any {
	return e.originalValues(k.Properties)
}

// ForeignKeyValues returns the current values of fk.
func (e *Entry) ForeignKeyValues(fk *metadata.ForeignKey) []any {
	return e.values(fk.Properties)
}

// OriginalForeignKeyValues returns the original values of fk.
func (e *Entry) OriginalForeignKeyValues(fk *metadata.ForeignKey) []any {
	return e.originalValues(fk.Properties)
}

func (e *Entry) values(props []*metadata.Property) []any {
	out := make([]any, len(props))
	for i, p := range props {
		out[i] = e.CurrentValue(p)
	}
	return out
}

func (e *Entry) originalValues(props []*metadata.Property) []any {
	out := make([]any, len(props))
	for i, p := range props {
		out[i] = e.OriginalValue(p)
	}
	return out
}

// String returns "Type{key}".
func (e *Entry) String() string {
	pk := e.typ.PrimaryKey()
	if pk == nil {
		return e.typ.Name
	}
	parts := make([]string, len(pk.Properties))
	for i, p := range pk.Properties {
		parts[i] = fmt.Sprint(e.CurrentValue(p))
	}
	return e.typ.Name + "{" + strings.Join(parts, ", ") + "}"
}

func (e *Entry) setRaw(p *metadata.Property, v any) {
	e.sm.touch(e)
	if p.IsShadow() {
		e.shadow[p.ShadowIndex()] = v
		return
	}
	p.Set(e.entity, v)
}

// markModified flags p after a fixup write when it now differs from the
// original value.
func (e *Entry) markModified(p *metadata.Property) {
	if e.state != Unchanged && e.state != Modified {
		return
	}
	if e.original != nil && p.Comparer.Equals(e.CurrentValue(p), e.original[p.OriginalIndex()]) {
		return
	}
	e.sm.touch(e)
	e.modified.set(p.Index())
	e.state = Modified
}

func (e *Entry) markConceptualNull(fk *metadata.ForeignKey) {
	if !slices.Contains(e.nulls, fk) {
		e.sm.touch(e)
		e.nulls = append(e.nulls, fk)
	}
}

func (e *Entry) clearConceptualNull(fk *metadata.ForeignKey) {
	if i := slices.Index(e.nulls, fk); i >= 0 {
		e.sm.touch(e)
		e.nulls = slices.Delete(slices.Clone(e.nulls), i, i+1)
	}
}
