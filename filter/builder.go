package filter

import (
	"fmt"
	"strings"
)

// Programmatic construction of filters, for callers that would otherwise
// assemble filter text by string concatenation:
//
//	f, err := filter.New(filter.AllOf(
//		filter.Eq("name", "welcome"),
//		filter.Negate(filter.Has("deprecated")),
//	))

// Eq builds an equality test.
func Eq(key, value string) Node { return Equals{Key: key, Value: value} }

// Has builds a presence test.
func Has(key string) Node { return Present{Key: key} }

// AllOf builds a conjunction. A single operand is returned unchanged.
func AllOf(ops ...Node) Node {
	if len(ops) == 1 {
		return ops[0]
	}
	return And{Operands: ops}
}

// AnyOf builds a disjunction. A single operand is returned unchanged.
func AnyOf(ops ...Node) Node {
	if len(ops) == 1 {
		return ops[0]
	}
	return Or{Operands: ops}
}

// Negate builds a negation.
func Negate(op Node) Node { return Not{Operand: op} }

// New wraps a node tree in a Filter after checking that it could have been
// produced by Compile. A nil root yields the match-everything filter.
func New(root Node) (*Filter, error) {
	if root == nil {
		return &Filter{}, nil
	}
	if err := validate(root); err != nil {
		return nil, err
	}
	return &Filter{root: root}, nil
}

func validate(n Node) error {
	switch t := n.(type) {
	case Equals:
		return validateKey(t.Key)
	case Present:
		return validateKey(t.Key)
	case And:
		return validateOperands(t.Operands)
	case Or:
		return validateOperands(t.Operands)
	case Not:
		if t.Operand == nil {
			return &SyntaxError{Msg: "negation needs an operand"}
		}
		return validate(t.Operand)
	default:
		return &SyntaxError{Msg: fmt.Sprintf("unknown node type %T", n)}
	}
}

func validateOperands(ops []Node) error {
	if len(ops) == 0 {
		return &SyntaxError{Msg: "operator needs at least one operand"}
	}
	for _, op := range ops {
		if op == nil {
			return &SyntaxError{Msg: "nil operand"}
		}
		if err := validate(op); err != nil {
			return err
		}
	}
	return nil
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" || key != strings.TrimSpace(key) {
		return &SyntaxError{Msg: fmt.Sprintf("invalid attribute name %q", key)}
	}
	if strings.ContainsAny(key, "()=<>~") {
		return &SyntaxError{Msg: fmt.Sprintf("invalid attribute name %q", key)}
	}
	return nil
}
