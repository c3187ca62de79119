// Package store defines the contract between a session and the backend that
// persists its changes. A session hands the store ordered batches of
// operations and reads back the values the store generated.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/syssam/tether/metadata"
)

// Kind is the kind of an operation.
type Kind uint8

// List of operation kinds.
const (
	Insert Kind = iota + 1
	Update
	Delete
)

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Value is a property value sent to the store.
type Value struct {
	Property *metadata.Property
	Value    any
}

// Operation is one row-level command.
type Operation struct {
	// Type is the concrete entity type of the row.
	Type *metadata.EntityType
	Kind Kind
	// Values holds the columns written by an insert or update.
	Values []Value
	// Conditions holds the key and concurrency token values, as originally
	// read, that the affected row must match. Unused by inserts.
	Conditions []Value
	// Generated lists the properties whose store values must be returned,
	// in order, in Result.Generated.
	Generated []*metadata.Property
}

// Value returns the written value of the named property.
func (op *Operation) Value(name string) (any, bool) {
	for _, v := range op.Values {
		if v.Property.Name == name {
			return v.Value, true
		}
	}
	return nil, false
}

// String returns a compact description such as "update Post(ID=1)".
func (op *Operation) String() string {
	values := op.Conditions
	if op.Kind == Insert {
		values = op.Values
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%s=%v", v.Property.Name, v.Value)
	}
	return op.Kind.String() + " " + op.Type.Name + "(" + strings.Join(parts, ", ") + ")"
}

// Result is the outcome of one operation.
type Result struct {
	// Generated holds one value per Operation.Generated property.
	Generated []any
	// RowsAffected is the number of rows the operation touched.
	RowsAffected int64
}

// Store persists batches of operations. Results are returned in operation
// order. An error aborts the rest of the batch; the results of operations
// applied before the failure are returned alongside it.
type Store interface {
	Persist(ctx context.Context, ops []Operation) ([]Result, error)
}

// Transactional is implemented by stores that can group several batches
// into one atomic unit.
type Transactional interface {
	Store
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a store transaction.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

// TableName returns the storage table of an entity type: the name of its
// hierarchy root. Derived types share the root table.
func TableName(t *metadata.EntityType) string {
	return t.Root().Name
}
