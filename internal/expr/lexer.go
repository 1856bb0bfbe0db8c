package expr

import (
	"fmt"
	"strconv"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokTrue
	tokFalse
	tokLParen
	tokRParen
	tokNot
	tokAnd
	tokOr
	tokLT
	tokLE
	tokGT
	tokGE
	tokEQ
	tokNE
	tokPlus
	tokMinus
	tokStar
	tokSlash
)

var tokenNames = map[tokenKind]string{
	tokEOF:    "end of expression",
	tokNumber: "number",
	tokIdent:  "identifier",
	tokTrue:   "true",
	tokFalse:  "false",
	tokLParen: "(",
	tokRParen: ")",
	tokNot:    "!",
	tokAnd:    "&&",
	tokOr:     "||",
	tokLT:     "<",
	tokLE:     "<=",
	tokGT:     ">",
	tokGE:     ">=",
	tokEQ:     "==",
	tokNE:     "!=",
	tokPlus:   "+",
	tokMinus:  "-",
	tokStar:   "*",
	tokSlash:  "/",
}

func (k tokenKind) String() string {
	if s, ok := tokenNames[k]; ok {
		return s
	}
	return fmt.Sprintf("token(%d)", int(k))
}

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

// lex splits src into tokens. Word operators (and, or, not) are folded into
// their symbolic forms.
func lex(src string) ([]token, error) {
	var toks []token
	rs := []rune(src)
	i := 0
	for i < len(rs) {
		c := rs[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, pos: i})
			i++
		case c == '+':
			toks = append(toks, token{kind: tokPlus, pos: i})
			i++
		case c == '-':
			toks = append(toks, token{kind: tokMinus, pos: i})
			i++
		case c == '*':
			toks = append(toks, token{kind: tokStar, pos: i})
			i++
		case c == '/':
			toks = append(toks, token{kind: tokSlash, pos: i})
			i++
		case c == '!':
			if i+1 < len(rs) && rs[i+1] == '=' {
				toks = append(toks, token{kind: tokNE, pos: i})
				i += 2
			} else {
				toks = append(toks, token{kind: tokNot, pos: i})
				i++
			}
		case c == '<' || c == '>':
			kind := tokLT
			if c == '>' {
				kind = tokGT
			}
			if i+1 < len(rs) && rs[i+1] == '=' {
				kind++
				toks = append(toks, token{kind: kind, pos: i})
				i += 2
			} else {
				toks = append(toks, token{kind: kind, pos: i})
				i++
			}
		case c == '=':
			if i+1 >= len(rs) || rs[i+1] != '=' {
				return nil, &SyntaxError{Src: src, Pos: i, Msg: "single '=' is not an operator, use '=='"}
			}
			toks = append(toks, token{kind: tokEQ, pos: i})
			i += 2
		case c == '&':
			if i+1 >= len(rs) || rs[i+1] != '&' {
				return nil, &SyntaxError{Src: src, Pos: i, Msg: "expected '&&'"}
			}
			toks = append(toks, token{kind: tokAnd, pos: i})
			i += 2
		case c == '|':
			if i+1 >= len(rs) || rs[i+1] != '|' {
				return nil, &SyntaxError{Src: src, Pos: i, Msg: "expected '||'"}
			}
			toks = append(toks, token{kind: tokOr, pos: i})
			i += 2
		case unicode.IsDigit(c) || c == '.':
			start := i
			for i < len(rs) && (unicode.IsDigit(rs[i]) || rs[i] == '.') {
				i++
			}
			text := string(rs[start:i])
			v, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, &SyntaxError{Src: src, Pos: start, Msg: fmt.Sprintf("bad number %q", text)}
			}
			toks = append(toks, token{kind: tokNumber, text: text, num: v, pos: start})
		case c == '_' || unicode.IsLetter(c):
			start := i
			for i < len(rs) && (rs[i] == '_' || unicode.IsLetter(rs[i]) || unicode.IsDigit(rs[i])) {
				i++
			}
			word := string(rs[start:i])
			switch word {
			case "true":
				toks = append(toks, token{kind: tokTrue, text: word, pos: start})
			case "false":
				toks = append(toks, token{kind: tokFalse, text: word, pos: start})
			case "and":
				toks = append(toks, token{kind: tokAnd, text: word, pos: start})
			case "or":
				toks = append(toks, token{kind: tokOr, text: word, pos: start})
			case "not":
				toks = append(toks, token{kind: tokNot, text: word, pos: start})
			default:
				toks = append(toks, token{kind: tokIdent, text: word, pos: start})
			}
		default:
			return nil, &SyntaxError{Src: src, Pos: i, Msg: fmt.Sprintf("unexpected character %q", c)}
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(rs)})
	return toks, nil
}
