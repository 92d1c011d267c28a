package render

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"
)

// The expression language inside {{ }} covers what playbooks actually
// write: dotted path references, literals, not/and/or, comparisons, and
// parentheses. Evaluation is strict: referencing an undefined name fails

type (
	exprKind int

	exprNode struct {
		left    *exprNode
		right   *exprNode
		literal any
		path    []string
		op      string
		kind    exprKind
	}

	parser struct {
		tokens []token
		pos    int
	}

	token struct {
		value string
		kind  tokenKind
	}

	tokenKind int
)

const (
	exprLiteral exprKind = iota
	exprPath
	exprNot
	exprAnd
	exprOr
	exprCompare
)

const (
	tokenIdent tokenKind = iota
	tokenString
	tokenNumber
	tokenOp
	tokenLParen
	tokenRParen
)

var (
	ErrEmptyExpr    = errors.New("empty expression")
	ErrBadExpr      = errors.New("malformed expression")
	ErrBadToken     = errors.New("unexpected token")
	ErrUnterminated = errors.New("unterminated string literal")
)

func parseExpr(src string) (*exprNode, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, ErrEmptyExpr
	}
	p := &parser{tokens: tokens}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("%w: %q", ErrBadToken, p.tokens[p.pos].value)
	}
	return node, nil
}

func tokenize(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(':
			tokens = append(tokens, token{kind: tokenLParen, value: "("})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokenRParen, value: ")"})
			i++
		case c == '\'' || c == '"':
			end := strings.IndexByte(src[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("%w: %s", ErrUnterminated, src)
			}
			tokens = append(tokens, token{
				kind:  tokenString,
				value: src[i+1 : i+1+end],
			})
			i += end + 2
		case strings.ContainsRune("=!<>", rune(c)):
			op := src[i : i+1]
			if i+1 < len(src) && src[i+1] == '=' {
				op = src[i : i+2]
				i++
			}
			i++
			if op == "=" || op == "!" {
				return nil, fmt.Errorf("%w: %q", ErrBadToken, op)
			}
			tokens = append(tokens, token{kind: tokenOp, value: op})
		case c >= '0' && c <= '9' || c == '-':
			start := i
			i++
			for i < len(src) &&
				(src[i] >= '0' && src[i] <= '9' || src[i] == '.') {
				i++
			}
			tokens = append(tokens, token{
				kind:  tokenNumber,
				value: src[start:i],
			})
		case isIdentRune(rune(c)):
			start := i
			for i < len(src) && isPathRune(rune(src[i])) {
				i++
			}
			tokens = append(tokens, token{
				kind:  tokenIdent,
				value: src[start:i],
			})
		default:
			return nil, fmt.Errorf("%w: %q", ErrBadToken, string(c))
		}
	}
	return tokens, nil
}

func isIdentRune(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isPathRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) ||
		r == '_' || r == '.' || r == '[' || r == ']'
}

func (p *parser) parseOr() (*exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.matchIdent("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &exprNode{kind: exprOr, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (*exprNode, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.matchIdent("and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &exprNode{kind: exprAnd, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (*exprNode, error) {
	if p.matchIdent("not") {
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &exprNode{kind: exprNot, left: operand}, nil
	}
	return p.parseCompare()
}

func (p *parser) parseCompare() (*exprNode, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.tokens) && p.tokens[p.pos].kind == tokenOp {
		op := p.tokens[p.pos].value
		p.pos++
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &exprNode{kind: exprCompare, op: op, left: left, right: right},
			nil
	}
	return left, nil
}

func (p *parser) parsePrimary() (*exprNode, error) {
	if p.pos >= len(p.tokens) {
		return nil, ErrBadExpr
	}
	tok := p.tokens[p.pos]
	p.pos++

	switch tok.kind {
	case tokenLParen:
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.pos >= len(p.tokens) || p.tokens[p.pos].kind != tokenRParen {
			return nil, fmt.Errorf("%w: missing )", ErrBadExpr)
		}
		p.pos++
		return node, nil
	case tokenString:
		return &exprNode{kind: exprLiteral, literal: tok.value}, nil
	case tokenNumber:
		n, err := strconv.ParseFloat(tok.value, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrBadToken, tok.value)
		}
		return &exprNode{kind: exprLiteral, literal: n}, nil
	case tokenIdent:
		switch tok.value {
		case "true":
			return &exprNode{kind: exprLiteral, literal: true}, nil
		case "false":
			return &exprNode{kind: exprLiteral, literal: false}, nil
		case "null", "none", "None":
			return &exprNode{kind: exprLiteral, literal: nil}, nil
		}
		return &exprNode{kind: exprPath, path: splitPath(tok.value)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadToken, tok.value)
	}
}

func splitPath(s string) []string {
	s = strings.ReplaceAll(s, "[", ".")
	s = strings.ReplaceAll(s, "]", "")
	return strings.Split(s, ".")
}

func (p *parser) matchIdent(word string) bool {
	if p.pos < len(p.tokens) && p.tokens[p.pos].kind == tokenIdent &&
		p.tokens[p.pos].value == word {
		p.pos++
		return true
	}
	return false
}

func (n *exprNode) eval(ctx map[string]any) (any, error) {
	switch n.kind {
	case exprLiteral:
		return n.literal, nil
	case exprPath:
		return lookupPath(ctx, n.path)
	case exprNot:
		v, err := n.left.eval(ctx)
		if err != nil {
			return nil, err
		}
		return !Truthy(v), nil
	case exprAnd:
		left, err := n.left.eval(ctx)
		if err != nil {
			return nil, err
		}
		if !Truthy(left) {
			return false, nil
		}
		right, err := n.right.eval(ctx)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	case exprOr:
		left, err := n.left.eval(ctx)
		if err != nil {
			return nil, err
		}
		if Truthy(left) {
			return true, nil
		}
		right, err := n.right.eval(ctx)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	case exprCompare:
		left, err := n.left.eval(ctx)
		if err != nil {
			return nil, err
		}
		right, err := n.right.eval(ctx)
		if err != nil {
			return nil, err
		}
		return compare(n.op, left, right)
	default:
		return nil, ErrBadExpr
	}
}

// lookupPath walks maps and slices along a dotted path. A missing name is
// a hard error so typos surface instead of routing silently
func lookupPath(ctx map[string]any, path []string) (any, error) {
	var cur any = ctx
	for i, part := range path {
		switch t := cur.(type) {
		case map[string]any:
			v, ok := t[part]
			if !ok {
				return nil, fmt.Errorf("%w: %s",
					ErrUndefinedRef, strings.Join(path[:i+1], "."))
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(t) {
				return nil, fmt.Errorf("%w: %s",
					ErrUndefinedRef, strings.Join(path[:i+1], "."))
			}
			cur = t[idx]
		default:
			return nil, fmt.Errorf("%w: %s",
				ErrUndefinedRef, strings.Join(path[:i+1], "."))
		}
	}
	return cur, nil
}

func compare(op string, left, right any) (any, error) {
	if ln, lok := asNumber(left); lok {
		if rn, rok := asNumber(right); rok {
			switch op {
			case "==":
				return ln == rn, nil
			case "!=":
				return ln != rn, nil
			case "<":
				return ln < rn, nil
			case "<=":
				return ln <= rn, nil
			case ">":
				return ln > rn, nil
			case ">=":
				return ln >= rn, nil
			}
		}
	}

	switch op {
	case "==":
		return equal(left, right), nil
	case "!=":
		return !equal(left, right), nil
	case "<", "<=", ">", ">=":
		ls, rs := stringify(left), stringify(right)
		switch op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		default:
			return ls >= rs, nil
		}
	}
	return nil, fmt.Errorf("%w: operator %q", ErrBadExpr, op)
}

func equal(left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	if ls, ok := left.(string); ok {
		return ls == stringify(right)
	}
	if rs, ok := right.(string); ok {
		return stringify(left) == rs
	}
	return reflect.DeepEqual(left, right)
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case float32:
		return float64(t), true
	default:
		return 0, false
	}
}
