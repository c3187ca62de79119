package metadata

import "slices"

// ValueAccessor reads and writes one scalar property of an entity
// instance. Accessors are built once per model, so reading a property never
// goes through reflection.
type ValueAccessor struct {
	Get func(entity any) any
	Set func(entity, value any)
}

// ReferenceAccessor reads and writes a single-valued navigation.
type ReferenceAccessor struct {
	Get func(entity any) any
	Set func(entity, target any)
}

// CollectionAccessor reads and mutates a collection navigation. Items
// returns a fresh slice owned by the caller.
type CollectionAccessor struct {
	Items    func(entity any) []any
	Add      func(entity, item any)
	Remove   func(entity, item any) bool
	Contains func(entity, item any) bool
}

// Field returns an accessor for a non-nullable field of *E. Writing nil
// stores the zero value of V.
func Field[E, V any](get func(*E) V, set func(*E, V)) ValueAccessor {
	return ValueAccessor{
		Get: func(entity any) any {
			return get(entity.(*E))
		},
		Set: func(entity, value any) {
			if value == nil {
				var zero V
				set(entity.(*E), zero)
				return
			}
			set(entity.(*E), value.(V))
		},
	}
}

// NullableField returns an accessor for a pointer field of *E. A nil
// pointer reads as nil and writing nil clears the field.
func NullableField[E, V any](get func(*E) *V, set func(*E, *V)) ValueAccessor {
	return ValueAccessor{
		Get: func(entity any) any {
			if p := get(entity.(*E)); p != nil {
				return *p
			}
			return nil
		},
		Set: func(entity, value any) {
			if value == nil {
				set(entity.(*E), nil)
				return
			}
			v := value.(V)
			set(entity.(*E), &v)
		},
	}
}

// Reference returns an accessor for a *T navigation field of *E.
func Reference[E, T any](get func(*E) *T, set func(*E, *T)) ReferenceAccessor {
	return ReferenceAccessor{
		Get: func(entity any) any {
			if t := get(entity.(*E)); t != nil {
				return t
			}
			return nil
		},
		Set: func(entity, target any) {
			if target == nil {
				set(entity.(*E), nil)
				return
			}
			set(entity.(*E), target.(*T))
		},
	}
}

// Collection returns an accessor for a []*T navigation field of *E.
func Collection[E, T any](get func(*E) []*T, set func(*E, []*T)) CollectionAccessor {
	return CollectionAccessor{
		Items: func(entity any) []any {
			items := get(entity.(*E))
			out := make([]any, len(items))
			for i, item := range items {
				out[i] = item
			}
			return out
		},
		Add: func(entity, item any) {
			e := entity.(*E)
			set(e, append(get(e), item.(*T)))
		},
		Remove: func(entity, item any) bool {
			e, target := entity.(*E), item.(*T)
			items := get(e)
			i := slices.Index(items, target)
			if i < 0 {
				return false
			}
			set(e, slices.Delete(slices.Clone(items), i, i+1))
			return true
		},
		Contains: func(entity, item any) bool {
			t, ok := item.(*T)
			return ok && slices.Contains(get(entity.(*E)), t)
		},
	}
}

// Via adapts an accessor written for an embedded base struct to derived
// instances. unwrap returns the embedded base of an instance.
func (a ValueAccessor) Via(unwrap func(entity any) any) ValueAccessor {
	return ValueAccessor{
		Get: func(entity any) any { return a.Get(unwrap(entity)) },
		Set: func(entity, value any) { a.Set(unwrap(entity), value) },
	}
}

// Via adapts a reference accessor written for an embedded base struct to
// derived instances.
func (a ReferenceAccessor) Via(unwrap func(entity any) any) ReferenceAccessor {
	return ReferenceAccessor{
		Get: func(entity any) any { return a.Get(unwrap(entity)) },
		Set: func(entity, target any) { a.Set(unwrap(entity), target) },
	}
}
