// Package expr evaluates the restricted expression language used in
// plan arguments, foreach sources, and success conditions. It is a
// closed grammar over JSON-shaped values: literals, scope identifiers,
// member and index access, arithmetic, comparisons, boolean operators,
// the ternary, and len(). There is no call syntax beyond len, no
// assignment, and no way to reach outside the provided scope.
package expr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Eval parses and evaluates src against scope. Unknown identifiers and
// missing members resolve to nil rather than failing, so conditions can
// probe outputs that a skipped step never produced.
func Eval(src string, scope map[string]any) (any, error) {
	p := &parser{toks: nil, scope: scope}
	toks, err := lex(src)
	if err != nil {
		return nil, fmt.Errorf("expr %q: %w", src, err)
	}
	p.toks = toks
	v, err := p.ternary()
	if err != nil {
		return nil, fmt.Errorf("expr %q: %w", src, err)
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("expr %q: trailing input at %q", src, p.toks[p.pos].text)
	}
	return v, nil
}

// EvalBool evaluates src and reduces the result to truthiness.
func EvalBool(src string, scope map[string]any) (bool, error) {
	v, err := Eval(src, scope)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Truthy follows JSON-ish conventions: nil, false, zero, the empty
// string, and empty collections are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

type tokKind int

const (
	tokNumber tokKind = iota
	tokString
	tokIdent
	tokOp
)

type token struct {
	kind tokKind
	text string
	num  float64
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '"' || c == '\'':
			quote := src[i]
			j := i + 1
			var sb strings.Builder
			for j < len(src) && src[j] != quote {
				if src[j] == '\\' && j+1 < len(src) {
					j++
				}
				sb.WriteByte(src[j])
				j++
			}
			if j >= len(src) {
				return nil, errors.New("unterminated string")
			}
			toks = append(toks, token{kind: tokString, text: sb.String()})
			i = j + 1
		case unicode.IsDigit(c):
			j := i
			for j < len(src) && (unicode.IsDigit(rune(src[j])) || src[j] == '.') {
				j++
			}
			n, err := strconv.ParseFloat(src[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q", src[i:j])
			}
			toks = append(toks, token{kind: tokNumber, text: src[i:j], num: n})
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) || src[j] == '_') {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: src[i:j]})
			i = j
		default:
			n := lexOp(src[i:])
			if n == 0 {
				return nil, fmt.Errorf("unexpected character %q", c)
			}
			toks = append(toks, token{kind: tokOp, text: src[i : i+n]})
			i += n
		}
	}
	return toks, nil
}

// lexOp returns the byte length of the operator at the head of src,
// or zero when none matches. Two-character operators win over their
// one-character prefixes.
func lexOp(src string) int {
	for _, op := range []string{"==", "!=", "<=", ">=", "&&", "||"} {
		if strings.HasPrefix(src, op) {
			return 2
		}
	}
	if len(src) > 0 && strings.ContainsRune("+-*/%<>!?:.[](),", rune(src[0])) {
		return 1
	}
	return 0
}

type parser struct {
	toks  []token
	pos   int
	scope map[string]any

	// dead counts nesting inside untaken ternary/boolean branches.
	// Such branches are still parsed for syntax but their evaluation
	// errors are discarded.
	dead int
}

// value passes an evaluated result through, swallowing evaluation
// errors inside an untaken branch. Syntax errors never route here.
func (p *parser) value(v any, err error) (any, error) {
	if err != nil && p.dead > 0 {
		return nil, nil
	}
	return v, err
}

func (p *parser) peekOp(text string) bool {
	return p.pos < len(p.toks) && p.toks[p.pos].kind == tokOp && p.toks[p.pos].text == text
}

func (p *parser) eatOp(text string) bool {
	if p.peekOp(text) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) ternary() (any, error) {
	cond, err := p.or()
	if err != nil {
		return nil, err
	}
	if !p.eatOp("?") {
		return cond, nil
	}
	takeTrue := Truthy(cond)
	if !takeTrue {
		p.dead++
	}
	ifTrue, err := p.ternary()
	if !takeTrue {
		p.dead--
	}
	if err != nil {
		return nil, err
	}
	if !p.eatOp(":") {
		return nil, errors.New("ternary missing ':'")
	}
	if takeTrue {
		p.dead++
	}
	ifFalse, err := p.ternary()
	if takeTrue {
		p.dead--
	}
	if err != nil {
		return nil, err
	}
	if takeTrue {
		return ifTrue, nil
	}
	return ifFalse, nil
}

func (p *parser) or() (any, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.eatOp("||") {
		taken := !Truthy(left)
		if !taken {
			p.dead++
		}
		right, err := p.and()
		if !taken {
			p.dead--
		}
		if err != nil {
			return nil, err
		}
		if taken {
			left = right
		}
	}
	return left, nil
}

func (p *parser) and() (any, error) {
	left, err := p.equality()
	if err != nil {
		return nil, err
	}
	for p.eatOp("&&") {
		taken := Truthy(left)
		if !taken {
			p.dead++
		}
		right, err := p.equality()
		if !taken {
			p.dead--
		}
		if err != nil {
			return nil, err
		}
		if taken {
			left = right
		}
	}
	return left, nil
}

func (p *parser) equality() (any, error) {
	left, err := p.comparison()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.eatOp("=="):
			right, err := p.comparison()
			if err != nil {
				return nil, err
			}
			left = looseEqual(left, right)
		case p.eatOp("!="):
			right, err := p.comparison()
			if err != nil {
				return nil, err
			}
			left = !looseEqual(left, right)
		default:
			return left, nil
		}
	}
}

func (p *parser) comparison() (any, error) {
	left, err := p.additive()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.eatOp("<="):
			op = "<="
		case p.eatOp(">="):
			op = ">="
		case p.eatOp("<"):
			op = "<"
		case p.eatOp(">"):
			op = ">"
		default:
			return left, nil
		}
		right, err := p.additive()
		if err != nil {
			return nil, err
		}
		left, err = p.value(compare(op, left, right))
		if err != nil {
			return nil, err
		}
	}
}

func (p *parser) additive() (any, error) {
	left, err := p.multiplicative()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.eatOp("+"):
			right, err := p.multiplicative()
			if err != nil {
				return nil, err
			}
			left, err = p.value(add(left, right))
			if err != nil {
				return nil, err
			}
		case p.eatOp("-"):
			right, err := p.multiplicative()
			if err != nil {
				return nil, err
			}
			left, err = p.value(arith("-", left, right))
			if err != nil {
				return nil, err
			}
		default:
			return left, nil
		}
	}
}

func (p *parser) multiplicative() (any, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.eatOp("*"):
			op = "*"
		case p.eatOp("/"):
			op = "/"
		case p.eatOp("%"):
			op = "%"
		default:
			return left, nil
		}
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left, err = p.value(arith(op, left, right))
		if err != nil {
			return nil, err
		}
	}
}

func (p *parser) unary() (any, error) {
	if p.eatOp("!") {
		v, err := p.unary()
		if err != nil {
			return nil, err
		}
		return !Truthy(v), nil
	}
	if p.eatOp("-") {
		v, err := p.unary()
		if err != nil {
			return nil, err
		}
		n, ok := asNumber(v)
		if !ok {
			return p.value(nil, fmt.Errorf("cannot negate %T", v))
		}
		return -n, nil
	}
	return p.postfix()
}

func (p *parser) postfix() (any, error) {
	v, err := p.primary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.eatOp("."):
			if p.pos >= len(p.toks) || p.toks[p.pos].kind != tokIdent {
				return nil, errors.New("member access missing name")
			}
			name := p.toks[p.pos].text
			p.pos++
			v = member(v, name)
		case p.eatOp("["):
			idx, err := p.ternary()
			if err != nil {
				return nil, err
			}
			if !p.eatOp("]") {
				return nil, errors.New("index missing ']'")
			}
			v, err = p.value(index(v, idx))
			if err != nil {
				return nil, err
			}
		default:
			return v, nil
		}
	}
}

func (p *parser) primary() (any, error) {
	if p.pos >= len(p.toks) {
		return nil, errors.New("unexpected end of expression")
	}
	t := p.toks[p.pos]
	switch t.kind {
	case tokNumber:
		p.pos++
		return t.num, nil
	case tokString:
		p.pos++
		return t.text, nil
	case tokIdent:
		p.pos++
		switch t.text {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null":
			return nil, nil
		case "len":
			if !p.eatOp("(") {
				return nil, errors.New("len missing '('")
			}
			arg, err := p.ternary()
			if err != nil {
				return nil, err
			}
			if !p.eatOp(")") {
				return nil, errors.New("len missing ')'")
			}
			return p.value(length(arg))
		}
		return p.scope[t.text], nil
	case tokOp:
		if t.text == "(" {
			p.pos++
			v, err := p.ternary()
			if err != nil {
				return nil, err
			}
			if !p.eatOp(")") {
				return nil, errors.New("missing ')'")
			}
			return v, nil
		}
	}
	return nil, fmt.Errorf("unexpected token %q", t.text)
}

func member(v any, name string) any {
	if m, ok := v.(map[string]any); ok {
		return m[name]
	}
	return nil
}

func index(v, idx any) (any, error) {
	switch c := v.(type) {
	case []any:
		n, ok := asNumber(idx)
		if !ok {
			return nil, fmt.Errorf("list index must be a number, got %T", idx)
		}
		i := int(n)
		if i < 0 || i >= len(c) {
			return nil, nil
		}
		return c[i], nil
	case map[string]any:
		s, ok := idx.(string)
		if !ok {
			return nil, fmt.Errorf("map index must be a string, got %T", idx)
		}
		return c[s], nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("cannot index %T", v)
	}
}

func length(v any) (any, error) {
	switch c := v.(type) {
	case string:
		return float64(len(c)), nil
	case []any:
		return float64(len(c)), nil
	case map[string]any:
		return float64(len(c)), nil
	case nil:
		return float64(0), nil
	default:
		return nil, fmt.Errorf("len of %T", v)
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func looseEqual(a, b any) bool {
	if an, ok := asNumber(a); ok {
		if bn, ok := asNumber(b); ok {
			return an == bn
		}
	}
	return a == b
}

func compare(op string, a, b any) (any, error) {
	if an, aok := asNumber(a); aok {
		if bn, bok := asNumber(b); bok {
			switch op {
			case "<":
				return an < bn, nil
			case "<=":
				return an <= bn, nil
			case ">":
				return an > bn, nil
			case ">=":
				return an >= bn, nil
			}
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch op {
		case "<":
			return as < bs, nil
		case "<=":
			return as <= bs, nil
		case ">":
			return as > bs, nil
		case ">=":
			return as >= bs, nil
		}
	}
	return nil, fmt.Errorf("cannot compare %T %s %T", a, op, b)
}

func add(a, b any) (any, error) {
	if an, aok := asNumber(a); aok {
		if bn, bok := asNumber(b); bok {
			return an + bn, nil
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as + bs, nil
	}
	return nil, fmt.Errorf("cannot add %T and %T", a, b)
}

func arith(op string, a, b any) (any, error) {
	an, aok := asNumber(a)
	bn, bok := asNumber(b)
	if !aok || !bok {
		return nil, fmt.Errorf("cannot apply %s to %T and %T", op, a, b)
	}
	switch op {
	case "-":
		return an - bn, nil
	case "*":
		return an * bn, nil
	case "/":
		if bn == 0 {
			return nil, errors.New("division by zero")
		}
		return an / bn, nil
	case "%":
		if bn == 0 {
			return nil, errors.New("division by zero")
		}
		return float64(int64(an) % int64(bn)), nil
	}
	return nil, fmt.Errorf("unknown operator %s", op)
}
