package metadata

import (
	"errors"
	"fmt"
	"reflect"
	"slices"

	"github.com/syssam/tether"
)

// ModelError reports an invalid model definition.
type ModelError struct {
	Type string
	Msg  string
}

// Error returns the error string.
func (e *ModelError) Error() string {
	if e.Type == "" {
		return "tether: invalid model: " + e.Msg
	}
	return fmt.Sprintf("tether: invalid model: %s: %s", e.Type, e.Msg)
}

// Is reports whether the target error matches tether.ErrInvalidModel.
func (e *ModelError) Is(err error) bool {
	return err == tether.ErrInvalidModel
}

// Builder collects entity and relationship declarations and validates them
// into a Model.
//
//	b := metadata.NewBuilder()
//	blog := metadata.Entity[Blog](b, "Blog").Key("ID")
//	blog.Property("ID", metadata.TypeInt64).
//		Accessor(metadata.Field(func(b *Blog) int64 { return b.ID }, func(b *Blog, v int64) { b.ID = v })).
//		Generated(metadata.GeneratedOnAdd)
type Builder struct {
	entities      []*EntityBuilder
	relationships []*RelationshipBuilder
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// EntityBuilder declares one entity type.
type EntityBuilder struct {
	builder            *Builder
	name               string
	base               string
	goType             reflect.Type
	factory            func() any
	abstract           bool
	discriminator      string
	discriminatorValue any
	props              []*PropertyBuilder
	navs               []*navigationDecl
	key                []string
	alternateKeys      [][]string
}

type navigationDecl struct {
	name       string
	collection bool
	reference  ReferenceAccessor
	items      CollectionAccessor
}

// Entity declares an entity type backed by *Bag instances.
func (b *Builder) Entity(name string) *EntityBuilder {
	eb := &EntityBuilder{builder: b, name: name}
	b.entities = append(b.entities, eb)
	return eb
}

// Entity declares an entity type backed by *E instances.
func Entity[E any](b *Builder, name string) *EntityBuilder {
	eb := b.Entity(name)
	eb.goType = reflect.TypeOf((*E)(nil))
	eb.factory = func() any { return new(E) }
	return eb
}

// Extends makes the type derive from base.
func (eb *EntityBuilder) Extends(base string) *EntityBuilder {
	eb.base = base
	return eb
}

// Abstract marks the type as having no instances of its own.
func (eb *EntityBuilder) Abstract() *EntityBuilder {
	eb.abstract = true
	return eb
}

// Discriminator names the property that tells derived types apart. Only
// valid on a root type.
func (eb *EntityBuilder) Discriminator(property string) *EntityBuilder {
	eb.discriminator = property
	return eb
}

// DiscriminatorValue sets the discriminator value of the type.
func (eb *EntityBuilder) DiscriminatorValue(v any) *EntityBuilder {
	eb.discriminatorValue = v
	return eb
}

// Key sets the primary key.
func (eb *EntityBuilder) Key(properties ...string) *EntityBuilder {
	eb.key = properties
	return eb
}

// AlternateKey adds an alternate key that foreign keys may reference.
func (eb *EntityBuilder) AlternateKey(properties ...string) *EntityBuilder {
	eb.alternateKeys = append(eb.alternateKeys, properties)
	return eb
}

// Reference declares a single-valued navigation.
func (eb *EntityBuilder) Reference(name string, acc ReferenceAccessor) *EntityBuilder {
	eb.navs = append(eb.navs, &navigationDecl{name: name, reference: acc})
	return eb
}

// Collection declares a collection navigation.
func (eb *EntityBuilder) Collection(name string, acc CollectionAccessor) *EntityBuilder {
	eb.navs = append(eb.navs, &navigationDecl{name: name, collection: true, items: acc})
	return eb
}

// Property declares a scalar property. Without an accessor the property is
// a shadow property.
func (eb *EntityBuilder) Property(name string, t Type) *PropertyBuilder {
	pb := &PropertyBuilder{name: name, typ: t}
	eb.props = append(eb.props, pb)
	return pb
}

// HasOne declares a relationship where this type is the dependent. The
// navigation names a reference declared on this type and may be empty.
func (eb *EntityBuilder) HasOne(navigation, principal string) *RelationshipBuilder {
	rb := &RelationshipBuilder{dependent: eb.name, principal: principal, navigation: navigation}
	eb.builder.relationships = append(eb.builder.relationships, rb)
	return rb
}

// PropertyBuilder configures a property.
type PropertyBuilder struct {
	name             string
	typ              Type
	nullable         bool
	maxLength        int
	generated        ValueGenerated
	clientGenerated  bool
	concurrencyToken bool
	shadow           bool
	comparer         ValueComparer
	accessor         *ValueAccessor
}

// Nullable allows nil values.
func (pb *PropertyBuilder) Nullable() *PropertyBuilder {
	pb.nullable = true
	return pb
}

// MaxLength sets the maximum length of string and bytes values.
func (pb *PropertyBuilder) MaxLength(n int) *PropertyBuilder {
	pb.maxLength = n
	return pb
}

// Generated sets when the store generates the value.
func (pb *PropertyBuilder) Generated(v ValueGenerated) *PropertyBuilder {
	pb.generated = v
	return pb
}

// ClientGenerated generates the value in-process when an entity is added.
// Only UUID and string properties support it.
func (pb *PropertyBuilder) ClientGenerated() *PropertyBuilder {
	pb.generated = GeneratedOnAdd
	pb.clientGenerated = true
	return pb
}

// ConcurrencyToken adds the original value to update and delete conditions.
func (pb *PropertyBuilder) ConcurrencyToken() *PropertyBuilder {
	pb.concurrencyToken = true
	return pb
}

// Shadow keeps the value in the tracked entry instead of on the instance.
func (pb *PropertyBuilder) Shadow() *PropertyBuilder {
	pb.shadow = true
	pb.accessor = nil
	return pb
}

// Comparer overrides the default comparer of the property type.
func (pb *PropertyBuilder) Comparer(c ValueComparer) *PropertyBuilder {
	pb.comparer = c
	return pb
}

// Accessor binds the property to a field of the instance.
func (pb *PropertyBuilder) Accessor(acc ValueAccessor) *PropertyBuilder {
	pb.accessor = &acc
	return pb
}

// RelationshipBuilder configures a foreign key.
type RelationshipBuilder struct {
	name         string
	dependent    string
	principal    string
	navigation   string
	inverse      string
	inverseMany  bool
	unique       bool
	properties   []string
	principalKey []string
	required     *bool
	onDelete     *DeleteBehavior
	storeCascade bool
	deferred     bool
}

// WithMany names the collection navigation on the principal.
func (rb *RelationshipBuilder) WithMany(navigation string) *RelationshipBuilder {
	rb.inverse, rb.inverseMany, rb.unique = navigation, true, false
	return rb
}

// WithOne makes the relationship one-to-one and names the reference
// navigation on the principal, which may be empty.
func (rb *RelationshipBuilder) WithOne(navigation string) *RelationshipBuilder {
	rb.inverse, rb.inverseMany, rb.unique = navigation, false, true
	return rb
}

// ForeignKey sets the dependent properties holding the key values.
func (rb *RelationshipBuilder) ForeignKey(properties ...string) *RelationshipBuilder {
	rb.properties = properties
	return rb
}

// PrincipalKey sets the referenced principal key. Defaults to the primary
// key.
func (rb *RelationshipBuilder) PrincipalKey(properties ...string) *RelationshipBuilder {
	rb.principalKey = properties
	return rb
}

// Required makes every dependent need a principal.
func (rb *RelationshipBuilder) Required() *RelationshipBuilder {
	v := true
	rb.required = &v
	return rb
}

// Optional allows dependents without a principal.
func (rb *RelationshipBuilder) Optional() *RelationshipBuilder {
	v := false
	rb.required = &v
	return rb
}

// OnDelete sets the delete behavior.
func (rb *RelationshipBuilder) OnDelete(b DeleteBehavior) *RelationshipBuilder {
	rb.onDelete = &b
	return rb
}

// StoreCascade marks the relationship as cascaded by the store.
func (rb *RelationshipBuilder) StoreCascade() *RelationshipBuilder {
	rb.storeCascade = true
	return rb
}

// Deferred marks the constraint as checked at commit.
func (rb *RelationshipBuilder) Deferred() *RelationshipBuilder {
	rb.deferred = true
	return rb
}

// Name names the relationship.
func (rb *RelationshipBuilder) Name(name string) *RelationshipBuilder {
	rb.name = name
	return rb
}

// Build validates the declarations and returns the model. All problems
// found are reported together.
func (b *Builder) Build() (*Model, error) {
	c := &compiler{
		model:    &Model{byName: make(map[string]*EntityType), byGoType: make(map[reflect.Type]*EntityType)},
		builders: make(map[*EntityType]*EntityBuilder),
		declFKs:  make(map[*EntityType][]*ForeignKey),
		declRefs: make(map[*EntityType][]*ForeignKey),
	}
	c.types(b.entities)
	if len(c.errs) > 0 {
		return nil, errors.Join(c.errs...)
	}
	ordered := c.order()
	for _, t := range ordered {
		c.members(t)
	}
	c.discriminators()
	c.keys()
	for _, rb := range b.relationships {
		c.relationship(rb)
	}
	for _, t := range ordered {
		c.inherit(t)
	}
	c.unbound()
	for _, t := range ordered {
		c.slots(t)
	}
	if len(c.errs) > 0 {
		return nil, errors.Join(c.errs...)
	}
	return c.model, nil
}

type compiler struct {
	model    *Model
	builders map[*EntityType]*EntityBuilder
	declFKs  map[*EntityType][]*ForeignKey
	declRefs map[*EntityType][]*ForeignKey
	errs     []error
}

func (c *compiler) fail(typ, format string, args ...any) {
	c.errs = append(c.errs, &ModelError{Type: typ, Msg: fmt.Sprintf(format, args...)})
}

func (c *compiler) types(entities []*EntityBuilder) {
	m := c.model
	for _, eb := range entities {
		if eb.name == "" {
			c.fail("", "entity type without a name")
			continue
		}
		if _, ok := m.byName[eb.name]; ok {
			c.fail(eb.name, "entity type declared twice")
			continue
		}
		t := &EntityType{
			Name:               eb.name,
			Model:              m,
			goType:             eb.goType,
			factory:            eb.factory,
			abstract:           eb.abstract,
			discriminatorValue: eb.discriminatorValue,
			propByName:         make(map[string]*Property),
			navByName:          make(map[string]*Navigation),
		}
		m.types = append(m.types, t)
		m.byName[t.Name] = t
		c.builders[t] = eb
		if eb.goType != nil {
			if other, ok := m.byGoType[eb.goType]; ok {
				c.fail(eb.name, "Go type %s already mapped to %s", eb.goType, other.Name)
				continue
			}
			m.byGoType[eb.goType] = t
		}
	}
	for _, t := range m.types {
		eb := c.builders[t]
		if eb.base == "" {
			continue
		}
		base, ok := m.byName[eb.base]
		if !ok {
			c.fail(t.Name, "unknown base type %q", eb.base)
			continue
		}
		t.base = base
		base.derived = append(base.derived, t)
	}
	for _, t := range m.types {
		seen := 0
		for p := t.base; p != nil; p = p.base {
			if seen++; seen > len(m.types) {
				c.fail(t.Name, "inheritance cycle")
				break
			}
		}
	}
}

// order returns the types with every base before its derived types.
func (c *compiler) order() []*EntityType {
	depth := func(t *EntityType) int {
		n := 0
		for p := t.base; p != nil; p = p.base {
			n++
		}
		return n
	}
	ordered := slices.Clone(c.model.types)
	slices.SortStableFunc(ordered, func(a, b *EntityType) int {
		return depth(a) - depth(b)
	})
	return ordered
}

func (c *compiler) members(t *EntityType) {
	eb := c.builders[t]
	if t.base != nil {
		t.properties = slices.Clone(t.base.properties)
		t.navigations = slices.Clone(t.base.navigations)
		for _, p := range t.properties {
			t.propByName[p.Name] = p
		}
		for _, n := range t.navigations {
			t.navByName[n.Name] = n
		}
	}
	for _, pb := range eb.props {
		if _, ok := t.propByName[pb.name]; ok {
			c.fail(t.Name, "property %q declared twice", pb.name)
			continue
		}
		if !pb.typ.Valid() {
			c.fail(t.Name, "property %q has invalid type", pb.name)
			continue
		}
		if pb.clientGenerated && pb.typ != TypeUUID && pb.typ != TypeString {
			c.fail(t.Name, "property %q of type %s cannot be generated by the client", pb.name, pb.typ)
		}
		p := &Property{
			Name:                 pb.name,
			Type:                 pb.typ,
			Nullable:             pb.nullable,
			MaxLength:            pb.maxLength,
			ValueGenerated:       pb.generated,
			ClientGenerated:      pb.clientGenerated,
			ConcurrencyToken:     pb.concurrencyToken,
			Comparer:             pb.comparer,
			DeclaringType:        t,
			accessor:             pb.accessor,
			index:                len(t.properties),
			shadowIndex:          -1,
			relationshipIndex:    -1,
			storeGenerationIndex: -1,
		}
		if p.Comparer == nil {
			p.Comparer = DefaultComparer(p.Type)
		}
		if t.goType == nil && p.accessor == nil && !pb.shadow {
			acc := BagField(p.Name)
			p.accessor = &acc
		}
		t.properties = append(t.properties, p)
		t.propByName[p.Name] = p
	}
	for _, nd := range eb.navs {
		if _, ok := t.navByName[nd.name]; ok {
			c.fail(t.Name, "navigation %q declared twice", nd.name)
			continue
		}
		if _, ok := t.propByName[nd.name]; ok {
			c.fail(t.Name, "navigation %q clashes with a property", nd.name)
			continue
		}
		n := &Navigation{Name: nd.name, DeclaringType: t, collection: nd.collection, relationshipIndex: -1}
		if nd.collection {
			items := nd.items
			if items.Items == nil {
				items = BagCollection(nd.name)
			}
			n.items = &items
		} else {
			ref := nd.reference
			if ref.Get == nil {
				ref = BagReference(nd.name)
			}
			n.reference = &ref
		}
		t.navigations = append(t.navigations, n)
		t.navByName[n.Name] = n
	}
}

func (c *compiler) discriminators() {
	for _, t := range c.model.types {
		eb := c.builders[t]
		if eb.discriminator == "" {
			continue
		}
		if t.base != nil {
			c.fail(t.Name, "discriminator must be declared on the root type")
			continue
		}
		p, ok := t.propByName[eb.discriminator]
		if !ok {
			c.fail(t.Name, "unknown discriminator property %q", eb.discriminator)
			continue
		}
		t.discriminator = p
	}
	for _, root := range c.model.types {
		if root.base != nil || (root.discriminator == nil && len(root.derived) == 0) {
			continue
		}
		if root.discriminator == nil {
			c.fail(root.Name, "hierarchy requires a discriminator")
			continue
		}
		var seen []*EntityType
		c.model.walk(root, func(t *EntityType) {
			if t.discriminatorValue == nil {
				if !t.abstract {
					c.fail(t.Name, "missing discriminator value")
				}
				return
			}
			v, err := Coerce(root.discriminator.Type, t.discriminatorValue)
			if err != nil {
				c.fail(t.Name, "discriminator value: %v", err)
				return
			}
			t.discriminatorValue = v
			for _, other := range seen {
				if root.discriminator.Comparer.Equals(other.discriminatorValue, v) {
					c.fail(t.Name, "discriminator value %v already used by %s", v, other.Name)
				}
			}
			seen = append(seen, t)
		})
	}
}

func (c *compiler) keys() {
	for _, t := range c.model.types {
		eb := c.builders[t]
		if t.base != nil {
			if len(eb.key) > 0 || len(eb.alternateKeys) > 0 {
				c.fail(t.Name, "derived types inherit the keys of %s", t.Root().Name)
			}
			continue
		}
		if len(eb.key) == 0 {
			c.fail(t.Name, "missing primary key")
			continue
		}
		if k := c.key(t, eb.key, true); k != nil {
			t.primaryKey = k
			t.keys = append(t.keys, k)
		}
		for _, names := range eb.alternateKeys {
			if k := c.key(t, names, false); k != nil {
				t.keys = append(t.keys, k)
			}
		}
	}
}

func (c *compiler) key(t *EntityType, names []string, primary bool) *Key {
	props, ok := c.resolve(t, names)
	if !ok {
		return nil
	}
	for _, p := range props {
		if p.Nullable {
			c.fail(t.Name, "key property %q cannot be nullable", p.Name)
			return nil
		}
	}
	k := &Key{Properties: props, DeclaringType: t, Primary: primary}
	for _, p := range props {
		p.keys = append(p.keys, k)
	}
	return k
}

func (c *compiler) resolve(t *EntityType, names []string) ([]*Property, bool) {
	if len(names) == 0 {
		c.fail(t.Name, "empty property list")
		return nil, false
	}
	props := make([]*Property, 0, len(names))
	for _, name := range names {
		p, ok := t.propByName[name]
		if !ok {
			c.fail(t.Name, "unknown property %q", name)
			return nil, false
		}
		props = append(props, p)
	}
	return props, true
}

func (c *compiler) relationship(rb *RelationshipBuilder) {
	m := c.model
	dep, ok := m.byName[rb.dependent]
	if !ok {
		c.fail(rb.dependent, "unknown dependent type")
		return
	}
	principal, ok := m.byName[rb.principal]
	if !ok {
		c.fail(dep.Name, "unknown principal type %q", rb.principal)
		return
	}
	props, ok := c.resolve(dep, rb.properties)
	if !ok {
		return
	}
	pk := principal.PrimaryKey()
	if len(rb.principalKey) > 0 {
		pk = nil
		for _, k := range principal.Keys() {
			if slices.Equal(propertyNamesOf(k.Properties), rb.principalKey) {
				pk = k
			}
		}
		if pk == nil {
			c.fail(principal.Name, "no key matches (%v)", rb.principalKey)
			return
		}
	}
	if pk == nil {
		return
	}
	if len(pk.Properties) != len(props) {
		c.fail(dep.Name, "foreign key (%s) does not match %s", propertyNames(props), pk)
		return
	}
	for i, p := range props {
		if pt := pk.Properties[i].Type; p.Type != pt {
			c.fail(dep.Name, "foreign key property %q is %s but principal key property %q is %s", p.Name, p.Type, pk.Properties[i].Name, pt)
			return
		}
	}
	fk := &ForeignKey{
		Name:           rb.name,
		DeclaringType:  dep,
		Properties:     props,
		PrincipalType:  principal,
		PrincipalKey:   pk,
		Unique:         rb.unique,
		StoreCascade:   rb.storeCascade,
		Deferred:       rb.deferred,
		DeleteBehavior: Cascade,
	}
	anyNullable := slices.ContainsFunc(props, func(p *Property) bool { return p.Nullable })
	fk.Required = !anyNullable
	if rb.required != nil {
		fk.Required = *rb.required
	}
	if !fk.Required {
		fk.DeleteBehavior = SetNull
	}
	if rb.onDelete != nil {
		fk.DeleteBehavior = *rb.onDelete
	}
	if !fk.Required && !anyNullable {
		c.fail(dep.Name, "optional relationship %s needs a nullable foreign key property", fk)
		return
	}
	if fk.DeleteBehavior == SetNull && !anyNullable {
		c.fail(dep.Name, "relationship %s cannot use set_null without a nullable foreign key property", fk)
		return
	}
	if rb.navigation != "" {
		n, ok := dep.navByName[rb.navigation]
		switch {
		case !ok:
			c.fail(dep.Name, "unknown navigation %q", rb.navigation)
			return
		case n.collection:
			c.fail(dep.Name, "navigation %q on the dependent must be a reference", n.Name)
			return
		case n.ForeignKey != nil:
			c.fail(dep.Name, "navigation %q already used by %s", n.Name, n.ForeignKey)
			return
		}
		n.ForeignKey, n.TargetType, n.onDependent = fk, principal, true
		fk.DependentToPrincipal = n
	}
	if rb.inverse != "" {
		n, ok := principal.navByName[rb.inverse]
		switch {
		case !ok:
			c.fail(principal.Name, "unknown navigation %q", rb.inverse)
			return
		case n.collection != rb.inverseMany:
			c.fail(principal.Name, "navigation %q has the wrong multiplicity for %s", n.Name, fk)
			return
		case n.ForeignKey != nil:
			c.fail(principal.Name, "navigation %q already used by %s", n.Name, n.ForeignKey)
			return
		}
		n.ForeignKey, n.TargetType = fk, dep
		fk.PrincipalToDependent = n
	}
	for _, p := range props {
		p.foreignKeys = append(p.foreignKeys, fk)
	}
	pk.referencing = append(pk.referencing, fk)
	c.declFKs[dep] = append(c.declFKs[dep], fk)
	c.declRefs[principal] = append(c.declRefs[principal], fk)
}

func (c *compiler) inherit(t *EntityType) {
	if t.base != nil {
		t.foreignKeys = slices.Clone(t.base.foreignKeys)
		t.referencing = slices.Clone(t.base.referencing)
	}
	t.foreignKeys = append(t.foreignKeys, c.declFKs[t]...)
	t.referencing = append(t.referencing, c.declRefs[t]...)
}

func (c *compiler) unbound() {
	for _, t := range c.model.types {
		for _, n := range t.navigations {
			if n.DeclaringType == t && n.ForeignKey == nil {
				c.fail(t.Name, "navigation %q is not bound to a relationship", n.Name)
			}
		}
	}
}

// slots assigns snapshot indices. Derived types continue after the slots
// of their base so inherited members keep their positions.
func (c *compiler) slots(t *EntityType) {
	var counts Counts
	if t.base != nil {
		counts = t.base.counts
	}
	for _, p := range t.properties {
		if p.DeclaringType != t {
			continue
		}
		if p.IsShadow() {
			p.shadowIndex = counts.Shadow
			counts.Shadow++
		}
		if p.IsKey() || p.IsForeignKey() {
			p.relationshipIndex = counts.Relationship
			counts.Relationship++
		}
		if p.ValueGenerated != GeneratedNever || p.IsForeignKey() {
			p.storeGenerationIndex = counts.StoreGenerated
			counts.StoreGenerated++
		}
	}
	for _, collection := range []bool{false, true} {
		for _, n := range t.navigations {
			if n.DeclaringType == t && n.collection == collection {
				n.relationshipIndex = counts.Relationship
				counts.Relationship++
			}
		}
	}
	counts.Properties = len(t.properties)
	counts.Navigations = len(t.navigations)
	counts.ForeignKeys = len(t.foreignKeys)
	t.counts = counts
}

func propertyNamesOf(props []*Property) []string {
	names := make([]string, len(props))
	for i, p := range props {
		names[i] = p.Name
	}
	return names
}
