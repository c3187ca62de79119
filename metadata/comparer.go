package metadata

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

// ValueComparer defines equality, snapshotting and hashing for the values
// of one property. Hash must agree with Equals.
type ValueComparer interface {
	Equals(a, b any) bool
	Snapshot(v any) any
	Hash(v any) uint64
}

// DefaultComparer returns the comparer used for properties of type t when
// none is configured.
func DefaultComparer(t Type) ValueComparer {
	switch t {
	case TypeBytes:
		return bytesComparer{}
	case TypeTime:
		return timeComparer{}
	case TypeDecimal:
		return decimalComparer{}
	case TypeJSON, TypeOther:
		return StructuralComparer()
	}
	return scalarComparer{}
}

// ComparerFuncs adapts plain functions to a ValueComparer. A nil Snapshot
// returns the value unchanged and a nil Hash hashes the printed value.
type ComparerFuncs struct {
	EqualsFunc   func(a, b any) bool
	SnapshotFunc func(v any) any
	HashFunc     func(v any) uint64
}

// Equals implements ValueComparer.
func (c ComparerFuncs) Equals(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return c.EqualsFunc(a, b)
}

// Snapshot implements ValueComparer.
func (c ComparerFuncs) Snapshot(v any) any {
	if c.SnapshotFunc == nil || v == nil {
		return v
	}
	return c.SnapshotFunc(v)
}

// Hash implements ValueComparer.
func (c ComparerFuncs) Hash(v any) uint64 {
	if c.HashFunc == nil {
		return hashString(fmt.Sprint(v))
	}
	return c.HashFunc(v)
}

// scalarComparer handles comparable Go values.
type scalarComparer struct{}

func (scalarComparer) Equals(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a == b
}

func (scalarComparer) Snapshot(v any) any { return v }

func (scalarComparer) Hash(v any) uint64 {
	switch v := v.(type) {
	case nil:
		return 0
	case int:
		return hashUint(uint64(v))
	case int64:
		return hashUint(uint64(v))
	case int32:
		return hashUint(uint64(v))
	case uint64:
		return hashUint(v)
	case float64:
		return hashUint(math.Float64bits(v))
	case bool:
		if v {
			return 1
		}
		return 2
	case string:
		return hashString(v)
	case uuid.UUID:
		return hashBytes(v[:])
	}
	return hashString(fmt.Sprintf("%T:%v", v, v))
}

type bytesComparer struct{}

func (bytesComparer) Equals(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return bytes.Equal(a.([]byte), b.([]byte))
}

func (bytesComparer) Snapshot(v any) any {
	if v == nil {
		return nil
	}
	return bytes.Clone(v.([]byte))
}

func (bytesComparer) Hash(v any) uint64 {
	if v == nil {
		return 0
	}
	return hashBytes(v.([]byte))
}

type timeComparer struct{}

func (timeComparer) Equals(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.(time.Time).Equal(b.(time.Time))
}

func (timeComparer) Snapshot(v any) any { return v }

func (timeComparer) Hash(v any) uint64 {
	if v == nil {
		return 0
	}
	return hashUint(uint64(v.(time.Time).UnixNano()))
}

type decimalComparer struct{}

func (decimalComparer) Equals(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.(decimal.Decimal).Equal(b.(decimal.Decimal))
}

func (decimalComparer) Snapshot(v any) any { return v }

// Hash uses the canonical string form, which drops trailing zeros.
func (decimalComparer) Hash(v any) uint64 {
	if v == nil {
		return 0
	}
	return hashString(v.(decimal.Decimal).String())
}

// StructuralComparer returns a comparer for opaque values such as maps,
// slices and structs. Values are compared by their msgpack encoding with
// sorted map keys and compact integers, so a decoded snapshot compares equal
// to its source, and snapshotted by a decode round trip.
func StructuralComparer() ValueComparer {
	return structuralComparer{}
}

type structuralComparer struct{}

func (structuralComparer) Equals(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ea, err := encodeSorted(a)
	if err != nil {
		return false
	}
	eb, err := encodeSorted(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ea, eb)
}

func (structuralComparer) Snapshot(v any) any {
	if v == nil {
		return nil
	}
	b, err := encodeSorted(v)
	if err != nil {
		return v
	}
	ptr := reflect.New(reflect.TypeOf(v))
	if err := msgpack.Unmarshal(b, ptr.Interface()); err != nil {
		return v
	}
	return ptr.Elem().Interface()
}

func (structuralComparer) Hash(v any) uint64 {
	if v == nil {
		return 0
	}
	b, err := encodeSorted(v)
	if err != nil {
		return hashString(fmt.Sprint(v))
	}
	return hashBytes(b)
}

func encodeSorted(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func hashUint(v uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return hashBytes(b[:])
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}
