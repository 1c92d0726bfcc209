// Package metadata defines the typed key/value properties attached to a service
// registration.
//
// A property value is one of four kinds: a string, a number, a boolean, or an
// unordered set of scalar values. Values are immutable once constructed.
package metadata

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Static errors for metadata package
var (
	ErrUnsupportedType = errors.New("unsupported metadata value type")
	ErrNestedSet       = errors.New("metadata sets cannot contain sets")
	ErrEmptyKey        = errors.New("metadata key cannot be empty")
	ErrInvalidRanking  = errors.New("service ranking must be an integral number")
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindNumber
	KindBool
	KindSet
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindSet:
		return "set"
	default:
		return "invalid"
	}
}

// Value is a tagged union over {string, number, bool, set}.
// The zero Value is invalid and never stored in Properties.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	set  []Value
}

// String creates a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number creates a numeric value.
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Int creates a numeric value from an integer.
func Int(i int64) Value { return Value{kind: KindNumber, num: float64(i)} }

// Bool creates a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Set creates a set value. Duplicate members are collapsed. Members must be
// scalar values.
func Set(members ...Value) (Value, error) {
	out := make([]Value, 0, len(members))
	for _, m := range members {
		switch m.kind {
		case KindSet:
			return Value{}, ErrNestedSet
		case KindInvalid:
			return Value{}, fmt.Errorf("%w: invalid set member", ErrUnsupportedType)
		}
		dup := false
		for _, existing := range out {
			if existing.Equal(m) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].sortKey() < out[j].sortKey() })
	return Value{kind: KindSet, set: out}, nil
}

// MustSet is like Set but panics on error.
func MustSet(members ...Value) Value {
	v, err := Set(members...)
	if err != nil {
		panic(err)
	}
	return v
}

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether v holds one of the supported variants.
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// AsString returns the string and true when v is a string.
func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

// AsNumber returns the number and true when v is a number.
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }

// AsInt returns the number truncated to int64 and true when v is a number.
func (v Value) AsInt() (int64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return int64(v.num), true
}

// AsBool returns the boolean and true when v is a bool.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// Members returns a copy of the set members and true when v is a set.
func (v Value) Members() ([]Value, bool) {
	if v.kind != KindSet {
		return nil, false
	}
	out := make([]Value, len(v.set))
	copy(out, v.set)
	return out, true
}

// Equal reports whether two values have the same kind and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindSet:
		if len(v.set) != len(o.set) {
			return false
		}
		for i := range v.set {
			if !v.set[i].Equal(o.set[i]) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// Interface converts v back to a plain Go value: string, float64, bool or []any.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		if v.num == math.Trunc(v.num) && math.Abs(v.num) < 1<<53 {
			return int64(v.num)
		}
		return v.num
	case KindBool:
		return v.b
	case KindSet:
		out := make([]any, len(v.set))
		for i, m := range v.set {
			out[i] = m.Interface()
		}
		return out
	default:
		return nil
	}
}

// String renders v for logs and diagnostics.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindSet:
		parts := make([]string, len(v.set))
		for i, m := range v.set {
			parts[i] = m.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return "<invalid>"
	}
}

func (v Value) sortKey() string {
	return v.kind.String() + ":" + v.String()
}

// FromAny converts a Go value into a Value. Supported inputs are strings, bools,
// all integer and float kinds, Value itself, and slices or arrays of those
// (which become sets).
func FromAny(in any) (Value, error) {
	switch t := in.(type) {
	case Value:
		if !t.IsValid() {
			return Value{}, fmt.Errorf("%w: invalid value", ErrUnsupportedType)
		}
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case nil:
		return Value{}, fmt.Errorf("%w: nil", ErrUnsupportedType)
	}

	rv := reflect.ValueOf(in)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return Number(float64(rv.Uint())), nil
	case reflect.Float32, reflect.Float64:
		return Number(rv.Float()), nil
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Slice, reflect.Array:
		members := make([]Value, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			elem := rv.Index(i).Interface()
			m, err := FromAny(elem)
			if err != nil {
				return Value{}, err
			}
			if m.kind == KindSet {
				return Value{}, ErrNestedSet
			}
			members = append(members, m)
		}
		return Set(members...)
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedType, in)
	}
}
