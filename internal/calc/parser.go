package calc

import (
	"errors"
	"fmt"
)

const maxDepth = 64

// node is an evaluable piece of a parsed expression.
type node interface {
	eval() (value, error)
}

type literalNode struct{ v value }

func (n literalNode) eval() (value, error) { return n.v, nil }

type unaryNode struct {
	op string
	x  node
}

func (n unaryNode) eval() (value, error) {
	v, err := n.x.eval()
	if err != nil {
		return value{}, err
	}
	if n.op == "-" {
		return negate(v)
	}
	if !v.isNumber() {
		return value{}, fmt.Errorf("bad operand type for unary +: %s", v.typeName())
	}
	return v, nil
}

type binaryNode struct {
	op   string
	l, r node
}

func (n binaryNode) eval() (value, error) {
	l, err := n.l.eval()
	if err != nil {
		return value{}, err
	}
	r, err := n.r.eval()
	if err != nil {
		return value{}, err
	}
	return binary(n.op, l, r)
}

type listNode struct{ items []node }

func (n listNode) eval() (value, error) {
	out := make([]value, 0, len(n.items))
	for _, item := range n.items {
		v, err := item.eval()
		if err != nil {
			return value{}, err
		}
		if !v.isNumber() {
			return value{}, errors.New("lists may only contain numbers")
		}
		out = append(out, v)
	}
	return value{kind: kindList, list: out}, nil
}

type callNode struct {
	name string
	fn   function
	args []node
}

func (n callNode) eval() (value, error) {
	if len(n.args) < n.fn.minArgs || (n.fn.maxArgs >= 0 && len(n.args) > n.fn.maxArgs) {
		return value{}, n.fn.arityError(n.name, len(n.args))
	}
	args := make([]value, 0, len(n.args))
	for _, a := range n.args {
		v, err := a.eval()
		if err != nil {
			return value{}, err
		}
		args = append(args, v)
	}
	if !n.fn.acceptsList {
		for _, a := range args {
			if !a.isNumber() {
				return value{}, fmt.Errorf("%s() argument must be a number, not list", n.name)
			}
		}
	}
	return n.fn.call(args)
}

type parser struct {
	toks  []token
	pos   int
	depth int
}

func parse(toks []token) (node, error) {
	p := &parser{toks: toks}
	n, err := p.expr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("invalid syntax: unexpected %s at position %d", t, t.pos)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) isOp(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			return op, true
		}
	}
	return "", false
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > maxDepth {
		return errors.New("expression is nested too deeply")
	}
	return nil
}

func (p *parser) leave() { p.depth-- }

// expr := term (('+'|'-') term)*
func (p *parser) expr() (node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	left, err := p.term()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.isOp("+", "-")
		if !ok {
			return left, nil
		}
		p.next()
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, l: left, r: right}
	}
}

// term := unary (('*'|'/'|'//'|'%') unary)*
func (p *parser) term() (node, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.isOp("*", "/", "//", "%")
		if !ok {
			return left, nil
		}
		p.next()
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, l: left, r: right}
	}
}

// unary := ('+'|'-') unary | power
func (p *parser) unary() (node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	if op, ok := p.isOp("+", "-"); ok {
		p.next()
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: op, x: x}, nil
	}
	return p.power()
}

// power := primary ('**' unary)?
func (p *parser) power() (node, error) {
	base, err := p.primary()
	if err != nil {
		return nil, err
	}
	if _, ok := p.isOp("**"); !ok {
		return base, nil
	}
	p.next()
	exp, err := p.unary()
	if err != nil {
		return nil, err
	}
	return binaryNode{op: "**", l: base, r: exp}, nil
}

func (p *parser) primary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return literalNode{v: t.num}, nil
	case tokName:
		return p.name(t)
	case tokLParen:
		inner, err := p.expr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, errors.New("invalid syntax: missing ')'")
		}
		return inner, nil
	case tokLBracket:
		items, err := p.args(tokRBracket)
		if err != nil {
			return nil, err
		}
		return listNode{items: items}, nil
	case tokIllegal:
		return nil, fmt.Errorf("invalid syntax: unexpected character %s at position %d", t, t.pos)
	case tokBadNumber:
		return nil, fmt.Errorf("invalid syntax: invalid decimal literal %s at position %d", t, t.pos)
	}
	return nil, fmt.Errorf("invalid syntax: unexpected %s", t)
}

func (p *parser) name(t token) (node, error) {
	if c, ok := constants[t.text]; ok {
		if p.peek().kind == tokLParen {
			return nil, fmt.Errorf("'%s' is not callable", t.text)
		}
		return literalNode{v: floatValue(c)}, nil
	}
	fn, ok := functions[t.text]
	if !ok {
		return nil, notAllowed(t.text)
	}
	if p.next().kind != tokLParen {
		return nil, fmt.Errorf("function '%s' must be called with arguments in parentheses", t.text)
	}
	args, err := p.args(tokRParen)
	if err != nil {
		return nil, err
	}
	return callNode{name: t.text, fn: fn, args: args}, nil
}

// args parses a comma separated list up to the closing token, allowing a
// trailing comma.
func (p *parser) args(closing tokenKind) ([]node, error) {
	var out []node
	for {
		if p.peek().kind == closing {
			p.next()
			return out, nil
		}
		n, err := p.expr()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
		switch p.next().kind {
		case tokComma:
		case closing:
			return out, nil
		default:
			return nil, errors.New("invalid syntax: expected ',' or closing bracket")
		}
	}
}
