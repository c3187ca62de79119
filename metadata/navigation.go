package metadata

import "fmt"

// Navigation is an object reference or collection linking two entity
// types through a foreign key.
type Navigation struct {
	Name          string
	DeclaringType *EntityType
	TargetType    *EntityType
	ForeignKey    *ForeignKey

	collection        bool
	onDependent       bool
	reference         *ReferenceAccessor
	items             *CollectionAccessor
	relationshipIndex int
}

// IsCollection reports whether the navigation holds many entities.
func (n *Navigation) IsCollection() bool { return n.collection }

// IsOnDependent reports whether the navigation is declared on the
// dependent end of its foreign key.
func (n *Navigation) IsOnDependent() bool { return n.onDependent }

// Inverse returns the navigation on the other end, or nil.
func (n *Navigation) Inverse() *Navigation {
	if n.ForeignKey == nil {
		return nil
	}
	if n.onDependent {
		return n.ForeignKey.PrincipalToDependent
	}
	return n.ForeignKey.DependentToPrincipal
}

// RelationshipIndex returns the slot of the navigation in the relationship
// snapshot.
func (n *Navigation) RelationshipIndex() int { return n.relationshipIndex }

// GetReference reads a reference navigation. It returns nil for an unset
// reference.
func (n *Navigation) GetReference(entity any) any {
	return n.reference.Get(entity)
}

// SetReference writes a reference navigation.
func (n *Navigation) SetReference(entity, target any) {
	n.reference.Set(entity, target)
}

// Items returns a copy of the members of a collection navigation.
func (n *Navigation) Items(entity any) []any {
	return n.items.Items(entity)
}

// Add appends item to a collection navigation unless already present.
func (n *Navigation) Add(entity, item any) {
	if !n.items.Contains(entity, item) {
		n.items.Add(entity, item)
	}
}

// Remove removes item from a collection navigation.
func (n *Navigation) Remove(entity, item any) bool {
	return n.items.Remove(entity, item)
}

// Contains reports whether item is a member of a collection navigation.
func (n *Navigation) Contains(entity, item any) bool {
	return n.items.Contains(entity, item)
}

// String returns "Type.Navigation".
func (n *Navigation) String() string {
	return fmt.Sprintf("%s.%s", n.DeclaringType.Name, n.Name)
}
