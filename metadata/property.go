package metadata

import "fmt"

// ValueGenerated describes when the store produces a property value.
type ValueGenerated uint8

// List of value generation strategies.
const (
	GeneratedNever ValueGenerated = iota
	GeneratedOnAdd
	GeneratedOnAddOrUpdate
)

// String returns the strategy name.
func (v ValueGenerated) String() string {
	switch v {
	case GeneratedOnAdd:
		return "on_add"
	case GeneratedOnAddOrUpdate:
		return "on_add_or_update"
	}
	return "never"
}

// ParseValueGenerated parses the YAML spelling of a strategy.
func ParseValueGenerated(s string) (ValueGenerated, error) {
	switch s {
	case "", "never":
		return GeneratedNever, nil
	case "on_add":
		return GeneratedOnAdd, nil
	case "on_add_or_update":
		return GeneratedOnAddOrUpdate, nil
	}
	return GeneratedNever, fmt.Errorf("metadata: unknown value generation %q", s)
}

// Property is a scalar member of an entity type. The slot indices are
// assigned by Builder.Build and address the snapshot arrays of a tracked
// entry; -1 means the property has no slot of that kind.
type Property struct {
	Name             string
	Type             Type
	Nullable         bool
	MaxLength        int
	ValueGenerated   ValueGenerated
	ClientGenerated  bool // generated in-process on track instead of by the store
	ConcurrencyToken bool
	Comparer         ValueComparer
	DeclaringType    *EntityType

	accessor *ValueAccessor

	index                int
	shadowIndex          int
	relationshipIndex    int
	storeGenerationIndex int

	keys        []*Key
	foreignKeys []*ForeignKey
}

// Index returns the position of the property among all properties of its
// hierarchy. Inherited properties keep their base type index.
func (p *Property) Index() int { return p.index }

// OriginalIndex returns the slot of the property in the original-values
// snapshot.
func (p *Property) OriginalIndex() int { return p.index }

// ShadowIndex returns the slot of the property in the shadow-values array,
// or -1 when the property is stored on the instance.
func (p *Property) ShadowIndex() int { return p.shadowIndex }

// RelationshipIndex returns the slot in the relationship snapshot, or -1
// when the property takes part in no key or foreign key.
func (p *Property) RelationshipIndex() int { return p.relationshipIndex }

// StoreGenerationIndex returns the slot used for store-generated values,
// or -1.
func (p *Property) StoreGenerationIndex() int { return p.storeGenerationIndex }

// IsShadow reports whether the property has no field on the instance.
func (p *Property) IsShadow() bool { return p.accessor == nil }

// IsKey reports whether the property is part of any key.
func (p *Property) IsKey() bool { return len(p.keys) > 0 }

// IsPrimaryKey reports whether the property is part of the primary key.
func (p *Property) IsPrimaryKey() bool {
	for _, k := range p.keys {
		if k.Primary {
			return true
		}
	}
	return false
}

// IsForeignKey reports whether the property is part of a foreign key.
func (p *Property) IsForeignKey() bool { return len(p.foreignKeys) > 0 }

// Keys returns the keys containing the property.
func (p *Property) Keys() []*Key { return p.keys }

// ForeignKeys returns the foreign keys containing the property.
func (p *Property) ForeignKeys() []*ForeignKey { return p.foreignKeys }

// Generated reports whether the store may produce the value.
func (p *Property) Generated() bool {
	return p.ValueGenerated != GeneratedNever && !p.ClientGenerated
}

// Get reads the property from an instance. Shadow properties panic; their
// values live in the tracked entry.
func (p *Property) Get(entity any) any {
	if p.accessor == nil {
		panic(fmt.Sprintf("metadata: %s is a shadow property", p))
	}
	return p.accessor.Get(entity)
}

// Set writes the property on an instance.
func (p *Property) Set(entity, value any) {
	if p.accessor == nil {
		panic(fmt.Sprintf("metadata: %s is a shadow property", p))
	}
	p.accessor.Set(entity, value)
}

// IsDefault reports whether v is unset for the property: nil or the zero
// value of its type.
func (p *Property) IsDefault(v any) bool {
	if v == nil {
		return true
	}
	zero := p.Type.Zero()
	return zero != nil && p.Comparer.Equals(v, zero)
}

// String returns "Type.Property".
func (p *Property) String() string {
	if p.DeclaringType == nil {
		return p.Name
	}
	return p.DeclaringType.Name + "." + p.Name
}
