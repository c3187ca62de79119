package metadata

import "reflect"

// Counts holds the sizes of the per-entry snapshot arrays of a type.
type Counts struct {
	Properties     int
	Shadow         int
	Relationship   int
	StoreGenerated int
	ForeignKeys    int
	Navigations    int
}

// EntityType describes one tracked type. Derived types share the keys and
// identity maps of their root.
type EntityType struct {
	Name  string
	Model *Model

	base     *EntityType
	derived  []*EntityType
	goType   reflect.Type
	factory  func() any
	abstract bool

	discriminator      *Property
	discriminatorValue any

	properties  []*Property
	propByName  map[string]*Property
	navigations []*Navigation
	navByName   map[string]*Navigation
	primaryKey  *Key
	keys        []*Key
	foreignKeys []*ForeignKey
	referencing []*ForeignKey
	counts      Counts
}

// Root returns the top of the inheritance hierarchy.
func (t *EntityType) Root() *EntityType {
	for t.base != nil {
		t = t.base
	}
	return t
}

// BaseType returns the direct base type, or nil.
func (t *EntityType) BaseType() *EntityType { return t.base }

// DerivedTypes returns the direct derived types.
func (t *EntityType) DerivedTypes() []*EntityType { return t.derived }

// IsAssignableFrom reports whether other is t or derives from it.
func (t *EntityType) IsAssignableFrom(other *EntityType) bool {
	for ; other != nil; other = other.base {
		if other == t {
			return true
		}
	}
	return false
}

// IsAbstract reports whether instances of the type cannot be created.
func (t *EntityType) IsAbstract() bool { return t.abstract }

// Discriminator returns the discriminator property of the hierarchy, or nil.
func (t *EntityType) Discriminator() *Property { return t.Root().discriminator }

// DiscriminatorValue returns the value identifying t in its hierarchy.
func (t *EntityType) DiscriminatorValue() any { return t.discriminatorValue }

// Properties returns all properties including inherited ones, in index
// order.
func (t *EntityType) Properties() []*Property { return t.properties }

// FindProperty returns the property with the given name.
func (t *EntityType) FindProperty(name string) (*Property, bool) {
	p, ok := t.propByName[name]
	return p, ok
}

// Navigations returns all navigations including inherited ones.
func (t *EntityType) Navigations() []*Navigation { return t.navigations }

// FindNavigation returns the navigation with the given name.
func (t *EntityType) FindNavigation(name string) (*Navigation, bool) {
	n, ok := t.navByName[name]
	return n, ok
}

// PrimaryKey returns the primary key of the hierarchy.
func (t *EntityType) PrimaryKey() *Key { return t.Root().primaryKey }

// Keys returns the primary key followed by alternate keys.
func (t *EntityType) Keys() []*Key { return t.Root().keys }

// ForeignKeys returns the foreign keys where t, or a base type, is the
// dependent.
func (t *EntityType) ForeignKeys() []*ForeignKey { return t.foreignKeys }

// ReferencingForeignKeys returns the foreign keys where t, or a base type,
// is the principal.
func (t *EntityType) ReferencingForeignKeys() []*ForeignKey { return t.referencing }

// Counts returns the snapshot array sizes.
func (t *EntityType) Counts() Counts { return t.counts }

// New returns a new instance of the type.
func (t *EntityType) New() any {
	if t.factory == nil {
		return NewBag(t.Name)
	}
	return t.factory()
}

// String returns the type name.
func (t *EntityType) String() string { return t.Name }
