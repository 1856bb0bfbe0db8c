package expr

import "strconv"

// Type is the static type of an expression or variable.
type Type int

const (
	TypeNumber Type = iota + 1
	TypeBool
)

func (t Type) String() string {
	switch t {
	case TypeNumber:
		return "number"
	case TypeBool:
		return "bool"
	default:
		return "invalid"
	}
}

// Env supplies variable values during evaluation. Names passed to an Env have
// already been resolved at compile time.
type Env interface {
	Number(name string) float64
	Bool(name string) bool
}

type node interface {
	typ() Type
	num(env Env) float64
	truth(env Env) bool
	String() string
}

type numLit struct{ v float64 }

func (n numLit) typ() Type       { return TypeNumber }
func (n numLit) num(Env) float64 { return n.v }
func (n numLit) truth(Env) bool  { return n.v != 0 }
func (n numLit) String() string  { return strconv.FormatFloat(n.v, 'g', -1, 64) }

type boolLit struct{ v bool }

func (n boolLit) typ() Type       { return TypeBool }
func (n boolLit) num(Env) float64 { return b2f(n.v) }
func (n boolLit) truth(Env) bool  { return n.v }
func (n boolLit) String() string  { return strconv.FormatBool(n.v) }

type varRef struct {
	name string
	t    Type
}

func (n varRef) typ() Type { return n.t }
func (n varRef) num(env Env) float64 {
	if n.t == TypeBool {
		return b2f(env.Bool(n.name))
	}
	return env.Number(n.name)
}
func (n varRef) truth(env Env) bool {
	if n.t == TypeBool {
		return env.Bool(n.name)
	}
	return env.Number(n.name) != 0
}
func (n varRef) String() string { return n.name }

type negate struct{ x node }

func (n negate) typ() Type           { return TypeNumber }
func (n negate) num(env Env) float64 { return -n.x.num(env) }
func (n negate) truth(env Env) bool  { return n.num(env) != 0 }
func (n negate) String() string      { return "(-" + n.x.String() + ")" }

type not struct{ x node }

func (n not) typ() Type           { return TypeBool }
func (n not) num(env Env) float64 { return b2f(n.truth(env)) }
func (n not) truth(env Env) bool  { return !n.x.truth(env) }
func (n not) String() string      { return "(!" + n.x.String() + ")" }

type arith struct {
	op   tokenKind
	l, r node
}

func (n arith) typ() Type { return TypeNumber }
func (n arith) num(env Env) float64 {
	l, r := n.l.num(env), n.r.num(env)
	switch n.op {
	case tokPlus:
		return l + r
	case tokMinus:
		return l - r
	case tokStar:
		return l * r
	case tokSlash:
		if r == 0 {
			return 0
		}
		return l / r
	}
	return 0
}
func (n arith) truth(env Env) bool { return n.num(env) != 0 }
func (n arith) String() string {
	return "(" + n.l.String() + " " + n.op.String() + " " + n.r.String() + ")"
}

type compare struct {
	op   tokenKind
	l, r node
}

func (n compare) typ() Type           { return TypeBool }
func (n compare) num(env Env) float64 { return b2f(n.truth(env)) }
func (n compare) truth(env Env) bool {
	if n.l.typ() == TypeBool {
		l, r := n.l.truth(env), n.r.truth(env)
		if n.op == tokEQ {
			return l == r
		}
		return l != r
	}
	l, r := n.l.num(env), n.r.num(env)
	switch n.op {
	case tokLT:
		return l < r
	case tokLE:
		return l <= r
	case tokGT:
		return l > r
	case tokGE:
		return l >= r
	case tokEQ:
		return l == r
	case tokNE:
		return l != r
	}
	return false
}
func (n compare) String() string {
	return "(" + n.l.String() + " " + n.op.String() + " " + n.r.String() + ")"
}

type logical struct {
	op   tokenKind
	l, r node
}

func (n logical) typ() Type           { return TypeBool }
func (n logical) num(env Env) float64 { return b2f(n.truth(env)) }
func (n logical) truth(env Env) bool {
	if n.op == tokAnd {
		return n.l.truth(env) && n.r.truth(env)
	}
	return n.l.truth(env) || n.r.truth(env)
}
func (n logical) String() string {
	return "(" + n.l.String() + " " + n.op.String() + " " + n.r.String() + ")"
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
