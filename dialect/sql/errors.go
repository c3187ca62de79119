package sql

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/syssam/tether"
)

// ConstraintKind classifies a constraint violation reported by a driver.
type ConstraintKind uint8

// List of constraint kinds.
const (
	NoConstraint ConstraintKind = iota
	UniqueConstraint
	ForeignKeyConstraint
	CheckConstraint
	NotNullConstraint
)

// String returns the kind name.
func (k ConstraintKind) String() string {
	switch k {
	case UniqueConstraint:
		return "unique"
	case ForeignKeyConstraint:
		return "foreign key"
	case CheckConstraint:
		return "check"
	case NotNullConstraint:
		return "not null"
	}
	return "none"
}

// PostgreSQL SQLSTATE codes for constraint violations (Class 23).
const (
	pgNotNullViolation    = "23502"
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
	pgCheckViolation      = "23514"
)

// MySQL error numbers for constraint violations.
const (
	mysqlBadNull                = 1048
	mysqlDuplicateEntry         = 1062
	mysqlForeignKeyParent       = 1451 // Cannot delete or update a parent row
	mysqlForeignKeyChild        = 1452 // Cannot add or update a child row
	mysqlCheckConstraintViolate = 3819
)

// Classify returns the kind of constraint err violates and the constraint
// name when the driver reports one.
func Classify(err error) (ConstraintKind, string) {
	if err == nil {
		return NoConstraint, ""
	}
	if e, ok := asError[*pq.Error](err); ok {
		return pgKind(string(e.Code)), e.Constraint
	}
	if e, ok := asError[*pgconn.PgError](err); ok {
		return pgKind(e.Code), e.ConstraintName
	}
	if e, ok := asError[*mysql.MySQLError](err); ok {
		switch e.Number {
		case mysqlDuplicateEntry:
			return UniqueConstraint, ""
		case mysqlForeignKeyParent, mysqlForeignKeyChild:
			return ForeignKeyConstraint, ""
		case mysqlCheckConstraintViolate:
			return CheckConstraint, ""
		case mysqlBadNull:
			return NotNullConstraint, ""
		}
		return NoConstraint, ""
	}
	if e, ok := asError[*sqlite.Error](err); ok {
		switch e.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return UniqueConstraint, ""
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return ForeignKeyConstraint, ""
		case sqlite3.SQLITE_CONSTRAINT_CHECK:
			return CheckConstraint, ""
		case sqlite3.SQLITE_CONSTRAINT_NOTNULL:
			return NotNullConstraint, ""
		}
	}
	// Fallback to string matching for wrapped or unknown drivers.
	msg := err.Error()
	switch {
	case containsAny(msg, "Error 1062", "violates unique constraint", "UNIQUE constraint failed"):
		return UniqueConstraint, ""
	case containsAny(msg, "Error 1451", "Error 1452", "violates foreign key constraint", "FOREIGN KEY constraint failed"):
		return ForeignKeyConstraint, ""
	case containsAny(msg, "Error 3819", "violates check constraint", "CHECK constraint failed"):
		return CheckConstraint, ""
	case containsAny(msg, "Error 1048", "violates not-null constraint", "NOT NULL constraint failed"):
		return NotNullConstraint, ""
	}
	return NoConstraint, ""
}

func pgKind(code string) ConstraintKind {
	switch code {
	case pgUniqueViolation:
		return UniqueConstraint
	case pgForeignKeyViolation:
		return ForeignKeyConstraint
	case pgCheckViolation:
		return CheckConstraint
	case pgNotNullViolation:
		return NotNullConstraint
	}
	return NoConstraint
}

// IsConstraintError returns true if the error resulted from a database
// constraint violation.
func IsConstraintError(err error) bool {
	kind, _ := Classify(err)
	return kind != NoConstraint
}

// IsUniqueConstraintError reports if the error resulted from a DB
// uniqueness constraint violation.
func IsUniqueConstraintError(err error) bool {
	kind, _ := Classify(err)
	return kind == UniqueConstraint
}

// IsForeignKeyConstraintError reports if the error resulted from a
// database foreign-key constraint violation.
func IsForeignKeyConstraintError(err error) bool {
	kind, _ := Classify(err)
	return kind == ForeignKeyConstraint
}

// ConstraintError converts a driver constraint violation into a
// tether.ConstraintViolationError. Other errors are returned unchanged.
// table names the constraint when the driver does not.
func ConstraintError(err error, table string) error {
	kind, name := Classify(err)
	if kind == NoConstraint {
		return err
	}
	if name == "" {
		name = table
	}
	return tether.NewConstraintViolationError(name, kind.String()+" constraint violated", err)
}

// asError finds the first error of type T in the chain of err.
func asError[T error](err error) (T, bool) {
	var target T
	ok := errors.As(err, &target)
	return target, ok
}

func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
