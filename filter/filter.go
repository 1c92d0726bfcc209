// Package filter implements the LDAP-style boolean expressions used to narrow
// service lookups by metadata.
//
// Supported grammar:
//
//	filter  = "(" ( and | or | not | item ) ")"
//	and     = "&" filter+
//	or      = "|" filter+
//	not     = "!" filter
//	item    = key "=" ( "*" | value )
//
// Values match literally. A backslash escapes "(", ")", "*" and "\" inside a
// value. The bare "*" is a presence test; any other unescaped "*" is rejected.
// Whitespace is permitted between operands.
//
// Compile once, then call Match for each candidate:
//
//	f, err := filter.Compile("(&(name=welcome)(!(region=*)))")
//	if err != nil {
//		return err
//	}
//	if f.Match(props) {
//		...
//	}
package filter

import (
	"reflect"
	"strings"

	"github.com/golobby/cast"

	"github.com/GoCodeAlone/svcregistry/metadata"
)

var (
	float64Type = reflect.TypeOf(float64(0))
	boolType    = reflect.TypeOf(false)
)

// Node is one vertex of a compiled expression tree. The concrete types are
// Equals, Present, And, Or and Not.
type Node interface {
	match(props metadata.Properties) bool
	write(b *strings.Builder)
}

// Equals matches when Key is present and its value equals Value.
type Equals struct {
	Key   string
	Value string
}

// Present matches when Key is present with any value.
type Present struct {
	Key string
}

// And matches when every operand matches.
type And struct {
	Operands []Node
}

// Or matches when at least one operand matches.
type Or struct {
	Operands []Node
}

// Not negates its operand.
type Not struct {
	Operand Node
}

func (n Equals) match(props metadata.Properties) bool {
	v, ok := props.Get(n.Key)
	if !ok {
		return false
	}
	return valueEquals(v, n.Value)
}

func (n Present) match(props metadata.Properties) bool {
	return props.Has(n.Key)
}

func (n And) match(props metadata.Properties) bool {
	for _, op := range n.Operands {
		if !op.match(props) {
			return false
		}
	}
	return true
}

func (n Or) match(props metadata.Properties) bool {
	for _, op := range n.Operands {
		if op.match(props) {
			return true
		}
	}
	return false
}

func (n Not) match(props metadata.Properties) bool {
	return !n.Operand.match(props)
}

// valueEquals compares a typed property value against a filter literal.
// Numbers and booleans are compared after converting the literal; a literal
// that does not convert simply does not match.
func valueEquals(v metadata.Value, literal string) bool {
	switch v.Kind() {
	case metadata.KindString:
		s, _ := v.AsString()
		return s == literal
	case metadata.KindNumber:
		n, _ := v.AsNumber()
		converted, err := cast.FromType(strings.TrimSpace(literal), float64Type)
		if err != nil {
			return false
		}
		f, ok := converted.(float64)
		return ok && f == n
	case metadata.KindBool:
		b, _ := v.AsBool()
		converted, err := cast.FromType(strings.TrimSpace(literal), boolType)
		if err != nil {
			return false
		}
		lb, ok := converted.(bool)
		return ok && lb == b
	case metadata.KindSet:
		members, _ := v.Members()
		for _, m := range members {
			if valueEquals(m, literal) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (n Equals) write(b *strings.Builder) {
	b.WriteByte('(')
	b.WriteString(n.Key)
	b.WriteByte('=')
	b.WriteString(Escape(n.Value))
	b.WriteByte(')')
}

func (n Present) write(b *strings.Builder) {
	b.WriteByte('(')
	b.WriteString(n.Key)
	b.WriteString("=*)")
}

func (n And) write(b *strings.Builder) {
	b.WriteString("(&")
	for _, op := range n.Operands {
		op.write(b)
	}
	b.WriteByte(')')
}

func (n Or) write(b *strings.Builder) {
	b.WriteString("(|")
	for _, op := range n.Operands {
		op.write(b)
	}
	b.WriteByte(')')
}

func (n Not) write(b *strings.Builder) {
	b.WriteString("(!")
	n.Operand.write(b)
	b.WriteByte(')')
}

// Filter is a compiled filter expression. A nil *Filter, or one compiled from
// empty text, matches every property set.
type Filter struct {
	root Node
}

// Compile parses text into a Filter. Empty or all-whitespace text yields a
// filter that matches everything.
func Compile(text string) (*Filter, error) {
	if strings.TrimSpace(text) == "" {
		return &Filter{}, nil
	}
	root, err := parse(text)
	if err != nil {
		return nil, err
	}
	return &Filter{root: root}, nil
}

// MustCompile is like Compile but panics if the text is malformed.
func MustCompile(text string) *Filter {
	f, err := Compile(text)
	if err != nil {
		panic(err)
	}
	return f
}

// Match evaluates the filter against props. It never fails: keys the filter
// references but props lacks simply do not match.
func (f *Filter) Match(props metadata.Properties) bool {
	if f == nil || f.root == nil {
		return true
	}
	return f.root.match(props)
}

// MatchesAll reports whether the filter is the match-everything filter.
func (f *Filter) MatchesAll() bool {
	return f == nil || f.root == nil
}

// Root returns the expression tree, or nil for the match-everything filter.
func (f *Filter) Root() Node {
	if f == nil {
		return nil
	}
	return f.root
}

// String renders the canonical text of the filter. Compiling the result yields
// an equivalent filter.
func (f *Filter) String() string {
	if f == nil || f.root == nil {
		return ""
	}
	var b strings.Builder
	f.root.write(&b)
	return b.String()
}

// Equal reports whether two filters have the same canonical form.
func (f *Filter) Equal(o *Filter) bool {
	return f.String() == o.String()
}

// Escape escapes the characters that carry meaning inside a filter value.
func Escape(value string) string {
	if !strings.ContainsAny(value, `\()*`) {
		return value
	}
	var b strings.Builder
	for _, r := range value {
		switch r {
		case '\\', '(', ')', '*':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
