package svcregistry

// Optional holds either one value or nothing. The zero value is empty.
// Lookups use it so that "no match" is never an error.
type Optional[T any] struct {
	value   T
	present bool
}

// Some wraps v in a present Optional.
func Some[T any](v T) Optional[T] {
	return Optional[T]{value: v, present: true}
}

// None returns an empty Optional.
func None[T any]() Optional[T] {
	return Optional[T]{}
}

// Get returns the value and whether it is present.
func (o Optional[T]) Get() (T, bool) {
	return o.value, o.present
}

// IsPresent reports whether a value is held.
func (o Optional[T]) IsPresent() bool { return o.present }

// IsEmpty reports whether no value is held.
func (o Optional[T]) IsEmpty() bool { return !o.present }

// OrElse returns the value or fallback when empty.
func (o Optional[T]) OrElse(fallback T) T {
	if o.present {
		return o.value
	}
	return fallback
}

// MustGet returns the value and panics when empty.
func (o Optional[T]) MustGet() T {
	if !o.present {
		panic("svcregistry: MustGet on empty Optional")
	}
	return o.value
}

// MapOptional applies fn to a present value.
func MapOptional[T, R any](o Optional[T], fn func(T) R) Optional[R] {
	if !o.present {
		return None[R]()
	}
	return Some(fn(o.value))
}
