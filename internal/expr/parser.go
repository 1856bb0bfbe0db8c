package expr

import (
	"fmt"
	"sort"
	"strings"
)

const (
	maxSourceLen = 2048
	maxDepth     = 48
)

// SyntaxError reports a malformed or ill-typed expression.
type SyntaxError struct {
	Src string
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("expr %q at %d: %s", e.Src, e.Pos, e.Msg)
}

// Resolver reports the declared type of a variable. Unknown names are
// rejected at compile time.
type Resolver interface {
	TypeOf(name string) (Type, bool)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(name string) (Type, bool)

// TypeOf implements Resolver.
func (f ResolverFunc) TypeOf(name string) (Type, bool) { return f(name) }

// Expr is a compiled, type-checked boolean expression.
type Expr struct {
	src  string
	root node
	vars []string
}

// Compile parses src and checks it against r. The expression as a whole
// must be boolean.
func Compile(src string, r Resolver) (*Expr, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, &SyntaxError{Src: src, Msg: "empty expression"}
	}
	if len(src) > maxSourceLen {
		return nil, &SyntaxError{Src: src[:32] + "...", Msg: fmt.Sprintf("expression longer than %d bytes", maxSourceLen)}
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks, resolver: r, seen: map[string]struct{}{}}
	root, err := p.parseOr(0)
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %s", t.kind)
	}
	if root.typ() != TypeBool {
		return nil, &SyntaxError{Src: src, Msg: "expression must be boolean, got number"}
	}
	vars := make([]string, 0, len(p.seen))
	for name := range p.seen {
		vars = append(vars, name)
	}
	sort.Strings(vars)
	return &Expr{src: src, root: root, vars: vars}, nil
}

// MustCompile is like Compile but panics on error. Intended for tests and
// static tables.
func MustCompile(src string, r Resolver) *Expr {
	e, err := Compile(src, r)
	if err != nil {
		panic(err)
	}
	return e
}

// Eval evaluates the expression against env.
func (e *Expr) Eval(env Env) bool {
	if e == nil || e.root == nil {
		return false
	}
	return e.root.truth(env)
}

// Source returns the expression text as written.
func (e *Expr) Source() string { return e.src }

// Vars returns the sorted set of variable names the expression reads.
func (e *Expr) Vars() []string { return append([]string(nil), e.vars...) }

// String returns a fully parenthesised rendering of the parsed tree.
func (e *Expr) String() string { return e.root.String() }

type parser struct {
	src      string
	toks     []token
	pos      int
	resolver Resolver
	seen     map[string]struct{}
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return &SyntaxError{Src: p.src, Pos: t.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) guard(depth int) error {
	if depth > maxDepth {
		return p.errorf(p.peek(), "expression nested deeper than %d", maxDepth)
	}
	return nil
}

func (p *parser) parseOr(depth int) (node, error) {
	if err := p.guard(depth); err != nil {
		return nil, err
	}
	l, err := p.parseAnd(depth + 1)
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		op := p.next()
		r, err := p.parseAnd(depth + 1)
		if err != nil {
			return nil, err
		}
		if err := p.wantBool(op, l, r); err != nil {
			return nil, err
		}
		l = logical{op: tokOr, l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseAnd(depth int) (node, error) {
	l, err := p.parseNot(depth + 1)
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		op := p.next()
		r, err := p.parseNot(depth + 1)
		if err != nil {
			return nil, err
		}
		if err := p.wantBool(op, l, r); err != nil {
			return nil, err
		}
		l = logical{op: tokAnd, l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseNot(depth int) (node, error) {
	if err := p.guard(depth); err != nil {
		return nil, err
	}
	if p.peek().kind == tokNot {
		op := p.next()
		x, err := p.parseNot(depth + 1)
		if err != nil {
			return nil, err
		}
		if x.typ() != TypeBool {
			return nil, p.errorf(op, "operand of ! must be bool, got %s", x.typ())
		}
		return not{x: x}, nil
	}
	return p.parseCompare(depth + 1)
}

func (p *parser) parseCompare(depth int) (node, error) {
	l, err := p.parseSum(depth + 1)
	if err != nil {
		return nil, err
	}
	switch p.peek().kind {
	case tokLT, tokLE, tokGT, tokGE, tokEQ, tokNE:
	default:
		return l, nil
	}
	op := p.next()
	r, err := p.parseSum(depth + 1)
	if err != nil {
		return nil, err
	}
	if l.typ() != r.typ() {
		return nil, p.errorf(op, "cannot compare %s with %s", l.typ(), r.typ())
	}
	if l.typ() == TypeBool && op.kind != tokEQ && op.kind != tokNE {
		return nil, p.errorf(op, "operator %s is not defined on bool", op.kind)
	}
	return compare{op: op.kind, l: l, r: r}, nil
}

func (p *parser) parseSum(depth int) (node, error) {
	l, err := p.parseTerm(depth + 1)
	if err != nil {
		return nil, err
	}
	for k := p.peek().kind; k == tokPlus || k == tokMinus; k = p.peek().kind {
		op := p.next()
		r, err := p.parseTerm(depth + 1)
		if err != nil {
			return nil, err
		}
		if err := p.wantNumber(op, l, r); err != nil {
			return nil, err
		}
		l = arith{op: op.kind, l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseTerm(depth int) (node, error) {
	l, err := p.parseUnary(depth + 1)
	if err != nil {
		return nil, err
	}
	for k := p.peek().kind; k == tokStar || k == tokSlash; k = p.peek().kind {
		op := p.next()
		r, err := p.parseUnary(depth + 1)
		if err != nil {
			return nil, err
		}
		if err := p.wantNumber(op, l, r); err != nil {
			return nil, err
		}
		l = arith{op: op.kind, l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseUnary(depth int) (node, error) {
	if err := p.guard(depth); err != nil {
		return nil, err
	}
	if p.peek().kind == tokMinus {
		op := p.next()
		x, err := p.parseUnary(depth + 1)
		if err != nil {
			return nil, err
		}
		if x.typ() != TypeNumber {
			return nil, p.errorf(op, "operand of unary - must be number, got %s", x.typ())
		}
		if lit, ok := x.(numLit); ok {
			return numLit{v: -lit.v}, nil
		}
		return negate{x: x}, nil
	}
	return p.parsePrimary(depth + 1)
}

func (p *parser) parsePrimary(depth int) (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return numLit{v: t.num}, nil
	case tokTrue:
		return boolLit{v: true}, nil
	case tokFalse:
		return boolLit{v: false}, nil
	case tokIdent:
		if p.resolver == nil {
			return nil, p.errorf(t, "unknown variable %q", t.text)
		}
		typ, ok := p.resolver.TypeOf(t.text)
		if !ok {
			return nil, p.errorf(t, "unknown variable %q", t.text)
		}
		p.seen[t.text] = struct{}{}
		return varRef{name: t.text, t: typ}, nil
	case tokLParen:
		x, err := p.parseOr(depth + 1)
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, p.errorf(closing, "expected ), got %s", closing.kind)
		}
		return x, nil
	default:
		return nil, p.errorf(t, "unexpected %s", t.kind)
	}
}

func (p *parser) wantBool(op token, l, r node) error {
	if l.typ() != TypeBool || r.typ() != TypeBool {
		return p.errorf(op, "operands of %s must be bool, got %s and %s", op.kind, l.typ(), r.typ())
	}
	return nil
}

func (p *parser) wantNumber(op token, l, r node) error {
	if l.typ() != TypeNumber || r.typ() != TypeNumber {
		return p.errorf(op, "operands of %s must be number, got %s and %s", op.kind, l.typ(), r.typ())
	}
	return nil
}
