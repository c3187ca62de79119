package metadata

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Bag is a dynamic entity instance used by models loaded from YAML, where no
// Go struct exists. It keeps scalar values, references and collections in
// separate maps.
type Bag struct {
	typ    string
	values map[string]any
	refs   map[string]*Bag
	lists  map[string][]*Bag
}

// NewBag returns an empty bag of the given entity type.
func NewBag(typ string) *Bag {
	return &Bag{
		typ:    typ,
		values: make(map[string]any),
		refs:   make(map[string]*Bag),
		lists:  make(map[string][]*Bag),
	}
}

// TypeName returns the entity type name of the bag.
func (b *Bag) TypeName() string { return b.typ }

// Get returns the scalar value stored under name.
func (b *Bag) Get(name string) any { return b.values[name] }

// Set stores a scalar value. Setting nil removes it.
func (b *Bag) Set(name string, v any) {
	if v == nil {
		delete(b.values, name)
		return
	}
	b.values[name] = v
}

// Ref returns the bag referenced by the named navigation.
func (b *Bag) Ref(name string) *Bag { return b.refs[name] }

// SetRef points the named navigation at target.
func (b *Bag) SetRef(name string, target *Bag) {
	if target == nil {
		delete(b.refs, name)
		return
	}
	b.refs[name] = target
}

// List returns the members of the named collection.
func (b *Bag) List(name string) []*Bag { return b.lists[name] }

// SetList replaces the members of the named collection.
func (b *Bag) SetList(name string, items []*Bag) { b.lists[name] = items }

// String renders the scalar values in name order.
func (b *Bag) String() string {
	names := make([]string, 0, len(b.values))
	for name := range b.values {
		names = append(names, name)
	}
	sort.Strings(names)
	var sb strings.Builder
	sb.WriteString(b.typ)
	sb.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s: %v", name, b.values[name])
	}
	sb.WriteByte('}')
	return sb.String()
}

// BagField returns an accessor for a scalar value of a Bag.
func BagField(name string) ValueAccessor {
	return ValueAccessor{
		Get: func(entity any) any { return entity.(*Bag).Get(name) },
		Set: func(entity, value any) { entity.(*Bag).Set(name, value) },
	}
}

// BagReference returns an accessor for a reference navigation of a Bag.
func BagReference(name string) ReferenceAccessor {
	return ReferenceAccessor{
		Get: func(entity any) any {
			if t := entity.(*Bag).Ref(name); t != nil {
				return t
			}
			return nil
		},
		Set: func(entity, target any) {
			if target == nil {
				entity.(*Bag).SetRef(name, nil)
				return
			}
			entity.(*Bag).SetRef(name, target.(*Bag))
		},
	}
}

// BagCollection returns an accessor for a collection navigation of a Bag.
func BagCollection(name string) CollectionAccessor {
	return CollectionAccessor{
		Items: func(entity any) []any {
			items := entity.(*Bag).List(name)
			out := make([]any, len(items))
			for i, item := range items {
				out[i] = item
			}
			return out
		},
		Add: func(entity, item any) {
			b := entity.(*Bag)
			b.SetList(name, append(b.List(name), item.(*Bag)))
		},
		Remove: func(entity, item any) bool {
			b := entity.(*Bag)
			items := b.List(name)
			i := slices.Index(items, item.(*Bag))
			if i < 0 {
				return false
			}
			b.SetList(name, slices.Delete(slices.Clone(items), i, i+1))
			return true
		},
		Contains: func(entity, item any) bool {
			t, ok := item.(*Bag)
			return ok && slices.Contains(entity.(*Bag).List(name), t)
		},
	}
}
