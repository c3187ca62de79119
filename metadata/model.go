package metadata

import (
	"fmt"
	"reflect"
)

// Model is an immutable, validated set of entity types produced by
// Builder.Build. It is safe for concurrent use.
type Model struct {
	types    []*EntityType
	byName   map[string]*EntityType
	byGoType map[reflect.Type]*EntityType
}

// EntityTypes returns all entity types in declaration order.
func (m *Model) EntityTypes() []*EntityType { return m.types }

// FindEntityType returns the type with the given name.
func (m *Model) FindEntityType(name string) (*EntityType, bool) {
	t, ok := m.byName[name]
	return t, ok
}

// TypeOf resolves the entity type of an instance.
func (m *Model) TypeOf(entity any) (*EntityType, error) {
	if entity == nil {
		return nil, fmt.Errorf("metadata: nil entity")
	}
	if b, ok := entity.(*Bag); ok {
		if t, ok := m.byName[b.TypeName()]; ok {
			return t, nil
		}
		return nil, fmt.Errorf("metadata: unknown entity type %q", b.TypeName())
	}
	if t, ok := m.byGoType[reflect.TypeOf(entity)]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("metadata: %T is not an entity type of the model", entity)
}

// ResolveDiscriminator returns the type in the hierarchy of root whose
// discriminator value equals v.
func (m *Model) ResolveDiscriminator(root *EntityType, v any) (*EntityType, error) {
	d := root.Discriminator()
	if d == nil {
		return root, nil
	}
	var found *EntityType
	m.walk(root, func(t *EntityType) {
		if found == nil && t.discriminatorValue != nil && d.Comparer.Equals(t.discriminatorValue, v) {
			found = t
		}
	})
	if found == nil {
		return nil, fmt.Errorf("metadata: no type of %s has discriminator value %v", root.Name, v)
	}
	return found, nil
}

func (m *Model) walk(t *EntityType, fn func(*EntityType)) {
	fn(t)
	for _, d := range t.derived {
		m.walk(d, fn)
	}
}
