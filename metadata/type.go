package metadata

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type is the value type of a property.
type Type uint8

// List of property types.
const (
	TypeInvalid Type = iota
	TypeBool
	TypeInt
	TypeInt64
	TypeFloat64
	TypeString
	TypeBytes
	TypeTime
	TypeUUID
	TypeDecimal
	TypeJSON
	TypeOther
	endTypes
)

var typeNames = [...]string{
	TypeInvalid: "invalid",
	TypeBool:    "bool",
	TypeInt:     "int",
	TypeInt64:   "int64",
	TypeFloat64: "float64",
	TypeString:  "string",
	TypeBytes:   "bytes",
	TypeTime:    "time",
	TypeUUID:    "uuid",
	TypeDecimal: "decimal",
	TypeJSON:    "json",
	TypeOther:   "other",
}

// String returns the name of the type.
func (t Type) String() string {
	if t < endTypes {
		return typeNames[t]
	}
	return typeNames[TypeInvalid]
}

// Valid reports if the given type is a known type.
func (t Type) Valid() bool {
	return t > TypeInvalid && t < endTypes
}

// Integer reports if the given type is an integer type.
func (t Type) Integer() bool {
	return t == TypeInt || t == TypeInt64
}

// ParseType returns the type with the given name.
func ParseType(name string) (Type, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for t := TypeBool; t < endTypes; t++ {
		if typeNames[t] == name {
			return t, nil
		}
	}
	return TypeInvalid, fmt.Errorf("metadata: unknown property type %q", name)
}

// Zero returns the zero value stored for the type. A nil result means the
// type has no comparable zero.
func (t Type) Zero() any {
	switch t {
	case TypeBool:
		return false
	case TypeInt:
		return 0
	case TypeInt64:
		return int64(0)
	case TypeFloat64:
		return float64(0)
	case TypeString:
		return ""
	case TypeTime:
		return time.Time{}
	case TypeUUID:
		return uuid.Nil
	case TypeDecimal:
		return decimal.Zero
	}
	return nil
}
