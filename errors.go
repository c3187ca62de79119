package tether

import (
	"errors"
	"fmt"
	"strings"
)

// Standard sentinel errors. Every typed error below reports true for
// errors.Is against its sentinel.
var (
	// ErrDuplicateKey is returned when two tracked entries claim the same key.
	ErrDuplicateKey = errors.New("tether: duplicate key")

	// ErrFixupDidNotConverge is returned when detection and fixup keep
	// producing changes past the configured iteration limit.
	ErrFixupDidNotConverge = errors.New("tether: fixup did not converge")

	// ErrConflictingSharedForeignKeyValues is returned when two relationships
	// sharing a foreign-key column require different values.
	ErrConflictingSharedForeignKeyValues = errors.New("tether: conflicting shared foreign key values")

	// ErrCircularDependency is returned when the pending commands cannot be
	// ordered.
	ErrCircularDependency = errors.New("tether: circular dependency")

	// ErrRequiredRelationship is returned when a required relationship is
	// severed or a restricted principal is deleted while dependents remain.
	ErrRequiredRelationship = errors.New("tether: required relationship violation")

	// ErrConcurrencyConflict is returned when the store affected a different
	// number of rows than expected.
	ErrConcurrencyConflict = errors.New("tether: concurrency conflict")

	// ErrConstraintViolation is returned when the store rejects a command.
	ErrConstraintViolation = errors.New("tether: constraint violation")

	// ErrInvalidOperation is returned when the tracking API is misused.
	ErrInvalidOperation = errors.New("tether: invalid operation")

	// ErrInvalidModel is returned when a metadata model fails validation.
	ErrInvalidModel = errors.New("tether: invalid model")
)

// DuplicateKeyError reports an identity map collision.
type DuplicateKeyError struct {
	Entity string // Entity type name
	Key    []any  // Colliding key values
}

// Error returns the error string.
func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("tether: %s with key %s is already tracked", e.Entity, formatKey(e.Key))
}

// Is reports whether the target error matches ErrDuplicateKey.
func (e *DuplicateKeyError) Is(err error) bool {
	return err == ErrDuplicateKey
}

// NewDuplicateKeyError returns a new DuplicateKeyError.
func NewDuplicateKeyError(entity string, key []any) *DuplicateKeyError {
	return &DuplicateKeyError{Entity: entity, Key: key}
}

// IsDuplicateKey returns true if the error is a DuplicateKeyError.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	var e *DuplicateKeyError
	return errors.As(err, &e) || errors.Is(err, ErrDuplicateKey)
}

// FixupDidNotConvergeError reports a runaway sequence of cascading edits.
type FixupDidNotConvergeError struct {
	Iterations int // Passes executed before giving up
}

// Error returns the error string.
func (e *FixupDidNotConvergeError) Error() string {
	return fmt.Sprintf("tether: fixup did not converge after %d passes", e.Iterations)
}

// Is reports whether the target error matches ErrFixupDidNotConverge.
func (e *FixupDidNotConvergeError) Is(err error) bool {
	return err == ErrFixupDidNotConverge
}

// NewFixupDidNotConvergeError returns a new FixupDidNotConvergeError.
func NewFixupDidNotConvergeError(iterations int) *FixupDidNotConvergeError {
	return &FixupDidNotConvergeError{Iterations: iterations}
}

// IsFixupDidNotConverge returns true if the error is a FixupDidNotConvergeError.
func IsFixupDidNotConverge(err error) bool {
	if err == nil {
		return false
	}
	var e *FixupDidNotConvergeError
	return errors.As(err, &e) || errors.Is(err, ErrFixupDidNotConverge)
}

// ConflictingSharedForeignKeyValuesError reports that writing or nulling a
// foreign-key column would corrupt another relationship stored in the same
// column.
type ConflictingSharedForeignKeyValuesError struct {
	Entity      string   // Dependent entity type
	Property    string   // Shared foreign-key property
	ForeignKeys []string // Relationships claiming the property
}

// Error returns the error string.
func (e *ConflictingSharedForeignKeyValuesError) Error() string {
	return fmt.Sprintf("tether: %s.%s is shared by %s which require different values",
		e.Entity, e.Property, strings.Join(e.ForeignKeys, ", "))
}

// Is reports whether the target error matches ErrConflictingSharedForeignKeyValues.
func (e *ConflictingSharedForeignKeyValuesError) Is(err error) bool {
	return err == ErrConflictingSharedForeignKeyValues
}

// NewConflictingSharedForeignKeyValuesError returns a new ConflictingSharedForeignKeyValuesError.
func NewConflictingSharedForeignKeyValuesError(entity, property string, fks ...string) *ConflictingSharedForeignKeyValuesError {
	return &ConflictingSharedForeignKeyValuesError{Entity: entity, Property: property, ForeignKeys: fks}
}

// IsConflictingSharedForeignKeyValues returns true if the error is a
// ConflictingSharedForeignKeyValuesError.
func IsConflictingSharedForeignKeyValues(err error) bool {
	if err == nil {
		return false
	}
	var e *ConflictingSharedForeignKeyValuesError
	return errors.As(err, &e) || errors.Is(err, ErrConflictingSharedForeignKeyValues)
}

// CircularDependencyError reports a cycle between pending commands.
type CircularDependencyError struct {
	Entities []string // Entries forming the cycle, in discovery order
}

// Error returns the error string.
func (e *CircularDependencyError) Error() string {
	if len(e.Entities) == 0 {
		return "tether: unable to save changes because a circular dependency was detected"
	}
	return fmt.Sprintf("tether: unable to save changes because a circular dependency was detected: %s",
		strings.Join(e.Entities, " -> "))
}

// Is reports whether the target error matches ErrCircularDependency.
func (e *CircularDependencyError) Is(err error) bool {
	return err == ErrCircularDependency
}

// Entity returns one implicated entity, or "" when unknown.
func (e *CircularDependencyError) Entity() string {
	if len(e.Entities) == 0 {
		return ""
	}
	return e.Entities[0]
}

// NewCircularDependencyError returns a new CircularDependencyError.
func NewCircularDependencyError(entities ...string) *CircularDependencyError {
	return &CircularDependencyError{Entities: entities}
}

// IsCircularDependency returns true if the error is a CircularDependencyError.
func IsCircularDependency(err error) bool {
	if err == nil {
		return false
	}
	var e *CircularDependencyError
	return errors.As(err, &e) || errors.Is(err, ErrCircularDependency)
}

// RequiredRelationshipViolationError reports a live dependent left without
// a valid principal.
type RequiredRelationshipViolationError struct {
	Entity     string // Dependent entry
	ForeignKey string // Relationship
	Reason     string // "severed" or "restrict"
}

// Error returns the error string.
func (e *RequiredRelationshipViolationError) Error() string {
	switch e.Reason {
	case "restrict":
		return fmt.Sprintf("tether: %s still references a deleted principal through %s with restrict behavior", e.Entity, e.ForeignKey)
	case "severed":
		return fmt.Sprintf("tether: the required relationship %s of %s was severed", e.ForeignKey, e.Entity)
	}
	return fmt.Sprintf("tether: required relationship %s of %s violated", e.ForeignKey, e.Entity)
}

// Is reports whether the target error matches ErrRequiredRelationship.
func (e *RequiredRelationshipViolationError) Is(err error) bool {
	return err == ErrRequiredRelationship
}

// NewRequiredRelationshipViolationError returns a new RequiredRelationshipViolationError.
func NewRequiredRelationshipViolationError(entity, fk, reason string) *RequiredRelationshipViolationError {
	return &RequiredRelationshipViolationError{Entity: entity, ForeignKey: fk, Reason: reason}
}

// IsRequiredRelationshipViolation returns true if the error is a
// RequiredRelationshipViolationError.
func IsRequiredRelationshipViolation(err error) bool {
	if err == nil {
		return false
	}
	var e *RequiredRelationshipViolationError
	return errors.As(err, &e) || errors.Is(err, ErrRequiredRelationship)
}

// ConcurrencyConflictError reports a rows-affected mismatch.
type ConcurrencyConflictError struct {
	Entity   string // Entry whose command failed
	Op       string // insert, update or delete
	Expected int64
	Actual   int64
	Err      error // Optional store error
}

// Error returns the error string.
func (e *ConcurrencyConflictError) Error() string {
	msg := fmt.Sprintf("tether: %s %s expected to affect %d row(s) but affected %d",
		e.Op, e.Entity, e.Expected, e.Actual)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ConcurrencyConflictError) Unwrap() error {
	return e.Err
}

// Is reports whether the target error matches ErrConcurrencyConflict.
func (e *ConcurrencyConflictError) Is(err error) bool {
	return err == ErrConcurrencyConflict
}

// NewConcurrencyConflictError returns a new ConcurrencyConflictError.
func NewConcurrencyConflictError(entity, op string, expected, actual int64) *ConcurrencyConflictError {
	return &ConcurrencyConflictError{Entity: entity, Op: op, Expected: expected, Actual: actual}
}

// IsConcurrencyConflict returns true if the error is a ConcurrencyConflictError.
func IsConcurrencyConflict(err error) bool {
	if err == nil {
		return false
	}
	var e *ConcurrencyConflictError
	return errors.As(err, &e) || errors.Is(err, ErrConcurrencyConflict)
}

// ConstraintViolationError represents a constraint rejected by the store.
type ConstraintViolationError struct {
	Constraint string // Constraint or table name when known
	Msg        string
	Err        error
}

// Error returns the error string.
func (e *ConstraintViolationError) Error() string {
	if e.Constraint != "" {
		return fmt.Sprintf("tether: constraint %s failed: %s", e.Constraint, e.Msg)
	}
	return fmt.Sprintf("tether: constraint failed: %s", e.Msg)
}

// Unwrap returns the underlying error.
func (e *ConstraintViolationError) Unwrap() error {
	return e.Err
}

// Is reports whether the target error matches ErrConstraintViolation.
func (e *ConstraintViolationError) Is(err error) bool {
	return err == ErrConstraintViolation
}

// NewConstraintViolationError returns a new ConstraintViolationError.
func NewConstraintViolationError(constraint, msg string, wrap error) *ConstraintViolationError {
	return &ConstraintViolationError{Constraint: constraint, Msg: msg, Err: wrap}
}

// IsConstraintViolation returns true if the error is a ConstraintViolationError.
func IsConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	var e *ConstraintViolationError
	return errors.As(err, &e) || errors.Is(err, ErrConstraintViolation)
}

// InvalidOperationError reports misuse of the tracking API, such as editing
// the key of a persisted entry or saving from inside a save.
type InvalidOperationError struct {
	Entity string
	Msg    string
}

// Error returns the error string.
func (e *InvalidOperationError) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("tether: %s: %s", e.Entity, e.Msg)
	}
	return "tether: " + e.Msg
}

// Is reports whether the target error matches ErrInvalidOperation.
func (e *InvalidOperationError) Is(err error) bool {
	return err == ErrInvalidOperation
}

// NewInvalidOperationError returns a new InvalidOperationError.
func NewInvalidOperationError(entity, format string, args ...any) *InvalidOperationError {
	return &InvalidOperationError{Entity: entity, Msg: fmt.Sprintf(format, args...)}
}

// IsInvalidOperation returns true if the error is an InvalidOperationError.
func IsInvalidOperation(err error) bool {
	if err == nil {
		return false
	}
	var e *InvalidOperationError
	return errors.As(err, &e) || errors.Is(err, ErrInvalidOperation)
}

func formatKey(key []any) string {
	parts := make([]string, len(key))
	for i, v := range key {
		parts[i] = fmt.Sprint(v)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
