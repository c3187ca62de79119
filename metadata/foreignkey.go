package metadata

import "fmt"

// DeleteBehavior is applied to tracked dependents when their principal is
// deleted.
type DeleteBehavior uint8

// List of delete behaviors.
const (
	// Cascade deletes dependents, required or optional. Optional
	// relationships default to SetNull.
	Cascade DeleteBehavior = iota
	// SetNull nulls the foreign key of dependents.
	SetNull
	// Restrict leaves dependents alone and fails the save if any remain.
	Restrict
)

// String returns the behavior name.
func (b DeleteBehavior) String() string {
	switch b {
	case SetNull:
		return "set_null"
	case Restrict:
		return "restrict"
	}
	return "cascade"
}

// ParseDeleteBehavior parses the YAML spelling of a behavior.
func ParseDeleteBehavior(s string) (DeleteBehavior, error) {
	switch s {
	case "", "cascade":
		return Cascade, nil
	case "set_null":
		return SetNull, nil
	case "restrict":
		return Restrict, nil
	}
	return Cascade, fmt.Errorf("metadata: unknown delete behavior %q", s)
}

// ForeignKey is a relationship between a dependent type, which stores the
// key values, and a principal type, which owns the referenced key.
type ForeignKey struct {
	Name           string
	DeclaringType  *EntityType // dependent
	Properties     []*Property
	PrincipalType  *EntityType
	PrincipalKey   *Key
	Required       bool
	Unique         bool
	DeleteBehavior DeleteBehavior
	// StoreCascade marks relationships the store cascades on its own, so
	// the delete ordering edge may be dropped to break a cycle.
	StoreCascade bool
	// Deferred marks constraints checked at commit, so every ordering edge
	// of the relationship may be dropped to break a cycle.
	Deferred bool

	DependentToPrincipal *Navigation
	PrincipalToDependent *Navigation
}

// IsSelfReferencing reports whether both ends share a hierarchy.
func (fk *ForeignKey) IsSelfReferencing() bool {
	return fk.DeclaringType.Root() == fk.PrincipalType.Root()
}

// Nullable reports whether every property of the foreign key accepts null.
func (fk *ForeignKey) Nullable() bool {
	for _, p := range fk.Properties {
		if !p.Nullable {
			return false
		}
	}
	return true
}

// String returns the relationship name, or "Dependent(A)->Principal" when
// unnamed.
func (fk *ForeignKey) String() string {
	if fk.Name != "" {
		return fk.Name
	}
	return fk.DeclaringType.Name + "(" + propertyNames(fk.Properties) + ")->" + fk.PrincipalType.Name
}
