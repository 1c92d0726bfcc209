package svcregistry

import (
	"fmt"
	"reflect"
	"unicode"
)

// Contract identifies what a published service implements. Matching is
// exact; there is no hierarchy or aliasing between contracts.
type Contract string

// Validate reports ErrInvalidContract for empty contracts and contracts
// containing whitespace or control characters.
func (c Contract) Validate() error {
	if c == "" {
		return fmt.Errorf("%w: empty contract", ErrInvalidContract)
	}
	for i, r := range string(c) {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q has a blank or control character at byte %d", ErrInvalidContract, string(c), i)
		}
	}
	return nil
}

func (c Contract) String() string { return string(c) }

// ContractOf derives the contract name for T from its package path and type
// name, e.g. "github.com/acme/greeting.Greeting". Unnamed types fall back to
// their Go syntax representation.
func ContractOf[T any]() Contract {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.Name() != "" && t.PkgPath() != "" {
		return Contract(t.PkgPath() + "." + t.Name())
	}
	return Contract(t.String())
}

// isNilImplementation reports whether v is nil or a typed nil of a nillable
// kind.
func isNilImplementation(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Func, reflect.Chan, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}
