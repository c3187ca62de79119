package metadata

import "strings"

// Key is a primary or alternate key of a root entity type.
type Key struct {
	Properties    []*Property
	DeclaringType *EntityType
	Primary       bool

	referencing []*ForeignKey
}

// ReferencingForeignKeys returns the foreign keys whose principal key is k.
func (k *Key) ReferencingForeignKeys() []*ForeignKey { return k.referencing }

// String returns "Type(A, B)".
func (k *Key) String() string {
	return k.DeclaringType.Name + "(" + propertyNames(k.Properties) + ")"
}

func propertyNames(props []*Property) string {
	names := make([]string, len(props))
	for i, p := range props {
		names[i] = p.Name
	}
	return strings.Join(names, ", ")
}
