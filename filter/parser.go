package filter

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedFilter is returned (wrapped in a *SyntaxError) when filter text
// cannot be parsed.
var ErrMalformedFilter = errors.New("malformed filter")

// MaxDepth is the deepest nesting of parenthesized expressions Compile accepts.
const MaxDepth = 64

// SyntaxError describes where and why parsing failed.
type SyntaxError struct {
	Text   string
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("malformed filter %q at offset %d: %s", e.Text, e.Offset, e.Msg)
}

// Unwrap lets errors.Is(err, ErrMalformedFilter) succeed.
func (e *SyntaxError) Unwrap() error { return ErrMalformedFilter }

type parser struct {
	text  string
	pos   int
	depth int
}

func parse(text string) (Node, error) {
	p := &parser{text: text}
	p.skipSpace()
	node, err := p.filter()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.text) {
		return nil, p.errorf("unexpected trailing input")
	}
	return node, nil
}

func (p *parser) errorf(format string, args ...any) error {
	return &SyntaxError{Text: p.text, Offset: p.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) eof() bool { return p.pos >= len(p.text) }

func (p *parser) peek() byte { return p.text[p.pos] }

func (p *parser) skipSpace() {
	for !p.eof() {
		switch p.peek() {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *parser) expect(c byte) error {
	if p.eof() {
		return p.errorf("expected %q, found end of input", c)
	}
	if p.peek() != c {
		return p.errorf("expected %q, found %q", c, p.peek())
	}
	p.pos++
	return nil
}

func (p *parser) filter() (Node, error) {
	if p.depth == MaxDepth {
		return nil, p.errorf("nesting deeper than %d levels", MaxDepth)
	}
	if err := p.expect('('); err != nil {
		return nil, err
	}
	p.depth++
	defer func() { p.depth-- }()
	p.skipSpace()
	if p.eof() {
		return nil, p.errorf("unexpected end of input")
	}

	var (
		node Node
		err  error
	)
	switch p.peek() {
	case '&':
		p.pos++
		var ops []Node
		ops, err = p.operands()
		node = And{Operands: ops}
	case '|':
		p.pos++
		var ops []Node
		ops, err = p.operands()
		node = Or{Operands: ops}
	case '!':
		p.pos++
		p.skipSpace()
		var op Node
		op, err = p.filter()
		node = Not{Operand: op}
		p.skipSpace()
	default:
		node, err = p.item()
	}
	if err != nil {
		return nil, err
	}

	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return node, nil
}

func (p *parser) operands() ([]Node, error) {
	var ops []Node
	for {
		p.skipSpace()
		if p.eof() {
			return nil, p.errorf("unexpected end of input")
		}
		if p.peek() == ')' {
			break
		}
		op, err := p.filter()
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if len(ops) == 0 {
		return nil, p.errorf("operator needs at least one operand")
	}
	return ops, nil
}

func (p *parser) item() (Node, error) {
	start := p.pos
	for !p.eof() && p.peek() != '=' {
		switch p.peek() {
		case '(', ')':
			return nil, p.errorf("unexpected %q in attribute name", p.peek())
		case '<', '>', '~':
			return nil, p.errorf("unsupported comparison operator %q", p.peek())
		}
		p.pos++
	}
	if p.eof() {
		return nil, p.errorf("expected '=' after attribute name")
	}
	key := strings.TrimSpace(p.text[start:p.pos])
	if key == "" {
		return nil, p.errorf("empty attribute name")
	}
	p.pos++ // '='

	var (
		value      strings.Builder
		wildcard   bool
		valueStart = p.pos
	)
	for !p.eof() && p.peek() != ')' {
		c := p.peek()
		switch c {
		case '\\':
			p.pos++
			if p.eof() {
				return nil, p.errorf("dangling escape")
			}
			value.WriteByte(p.peek())
		case '(':
			return nil, p.errorf("unescaped '(' in value")
		case '*':
			wildcard = true
			value.WriteByte(c)
		default:
			value.WriteByte(c)
		}
		p.pos++
	}

	if wildcard {
		if p.text[valueStart:p.pos] == "*" {
			return Present{Key: key}, nil
		}
		return nil, &SyntaxError{Text: p.text, Offset: valueStart, Msg: "wildcards are only supported as a bare presence test"}
	}
	return Equals{Key: key, Value: value.String()}, nil
}
