package metadata

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// KeyRanking is the reserved property carrying an explicit service ranking.
// When present it must be an integral number within ±2^53; higher rankings are
// preferred by lookups.
const KeyRanking = "service.ranking"

// maxRanking bounds rankings to the integers a float64 holds exactly.
const maxRanking = 1 << 53

// Properties is an immutable set of metadata entries. The zero value is an
// empty property set and is ready to use.
type Properties struct {
	entries map[string]Value
}

// Empty returns an empty property set.
func Empty() Properties { return Properties{} }

// New builds Properties from a plain map, converting each value with FromAny.
func New(in map[string]any) (Properties, error) {
	if len(in) == 0 {
		return Properties{}, nil
	}
	entries := make(map[string]Value, len(in))
	for k, raw := range in {
		if k == "" {
			return Properties{}, ErrEmptyKey
		}
		v, err := FromAny(raw)
		if err != nil {
			return Properties{}, fmt.Errorf("property %q: %w", k, err)
		}
		entries[k] = v
	}
	p := Properties{entries: entries}
	if err := p.validate(); err != nil {
		return Properties{}, err
	}
	return p, nil
}

// MustNew is like New but panics on error. Intended for literals in tests and
// examples.
func MustNew(in map[string]any) Properties {
	p, err := New(in)
	if err != nil {
		panic(err)
	}
	return p
}

// Of builds Properties from typed values.
func Of(in map[string]Value) (Properties, error) {
	entries := make(map[string]Value, len(in))
	for k, v := range in {
		if k == "" {
			return Properties{}, ErrEmptyKey
		}
		if !v.IsValid() {
			return Properties{}, fmt.Errorf("property %q: %w", k, ErrUnsupportedType)
		}
		entries[k] = v
	}
	p := Properties{entries: entries}
	if err := p.validate(); err != nil {
		return Properties{}, err
	}
	return p, nil
}

func (p Properties) validate() error {
	v, ok := p.entries[KeyRanking]
	if !ok {
		return nil
	}
	if v.kind != KindNumber {
		return fmt.Errorf("%w: got %s", ErrInvalidRanking, v.kind)
	}
	if v.num != math.Trunc(v.num) || math.Abs(v.num) > maxRanking {
		return fmt.Errorf("%w: got %v", ErrInvalidRanking, v.num)
	}
	return nil
}

// Get returns the value stored under key.
func (p Properties) Get(key string) (Value, bool) {
	v, ok := p.entries[key]
	return v, ok
}

// Has reports whether key is present, regardless of its value.
func (p Properties) Has(key string) bool {
	_, ok := p.entries[key]
	return ok
}

// Len returns the number of entries.
func (p Properties) Len() int { return len(p.entries) }

// Keys returns the keys in sorted order.
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p.entries))
	for k := range p.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Ranking returns the explicit service ranking, or 0 and false when absent.
func (p Properties) Ranking() (int64, bool) {
	v, ok := p.entries[KeyRanking]
	if !ok {
		return 0, false
	}
	return v.AsInt()
}

// With returns a copy of p with key set to v.
func (p Properties) With(key string, v Value) (Properties, error) {
	if key == "" {
		return Properties{}, ErrEmptyKey
	}
	if !v.IsValid() {
		return Properties{}, fmt.Errorf("property %q: %w", key, ErrUnsupportedType)
	}
	entries := make(map[string]Value, len(p.entries)+1)
	for k, existing := range p.entries {
		entries[k] = existing
	}
	entries[key] = v
	out := Properties{entries: entries}
	if err := out.validate(); err != nil {
		return Properties{}, err
	}
	return out, nil
}

// Without returns a copy of p with key removed.
func (p Properties) Without(key string) Properties {
	if _, ok := p.entries[key]; !ok {
		return p
	}
	entries := make(map[string]Value, len(p.entries))
	for k, v := range p.entries {
		if k != key {
			entries[k] = v
		}
	}
	return Properties{entries: entries}
}

// Map converts the properties to a plain map using Value.Interface.
func (p Properties) Map() map[string]any {
	out := make(map[string]any, len(p.entries))
	for k, v := range p.entries {
		out[k] = v.Interface()
	}
	return out
}

// Equal reports whether both property sets hold the same keys and values.
func (p Properties) Equal(o Properties) bool {
	if len(p.entries) != len(o.entries) {
		return false
	}
	for k, v := range p.entries {
		ov, ok := o.entries[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// String renders the properties as {k=v, ...} in key order.
func (p Properties) String() string {
	keys := p.Keys()
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + p.entries[k].String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
