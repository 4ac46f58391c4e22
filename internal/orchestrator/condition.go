package orchestrator

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Condition is a parsed stop condition. The grammar is deliberately small:
//
//	expr    = or
//	or      = and { "||" and }
//	and     = unary { "&&" unary }
//	unary   = "!" unary | compare
//	compare = operand [ ( "==" | "!=" | "<" | "<=" | ">" | ">=" | "contains" ) operand ]
//	operand = number | string | "true" | "false" | variable | "(" expr ")"
//
// Variables are round, artifact, artifact.length, lastReplies.<Role> and
// lastReplies.<Role>.length.
type Condition struct {
	src  string
	root condNode
}

var ErrConditionType = errors.New("condition type mismatch")

func ParseCondition(src string) (*Condition, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &condParser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("condition %q: unexpected %q at %d", src, p.peek().text, p.peek().pos)
	}
	return &Condition{src: src, root: root}, nil
}

func (c *Condition) String() string { return c.src }

// Eval reports whether the condition holds for vars.
func (c *Condition) Eval(vars Vars) (bool, error) {
	v, err := c.root.eval(vars)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", c.src, err)
	}
	return v.truthy(), nil
}

type valueKind int

const (
	kindNumber valueKind = iota
	kindString
	kindBool
)

type condValue struct {
	kind valueKind
	num  float64
	str  string
	b    bool
}

func (v condValue) truthy() bool {
	switch v.kind {
	case kindNumber:
		return v.num != 0
	case kindString:
		return v.str != ""
	default:
		return v.b
	}
}

func boolValue(b bool) condValue { return condValue{kind: kindBool, b: b} }

type condNode interface {
	eval(Vars) (condValue, error)
}

type literalNode struct{ v condValue }

func (n literalNode) eval(Vars) (condValue, error) { return n.v, nil }

type varNode struct {
	name   string // round | artifact | lastReplies
	role   string
	length bool
}

func (n varNode) eval(vars Vars) (condValue, error) {
	var s string
	switch n.name {
	case "round":
		return condValue{kind: kindNumber, num: float64(vars.Round)}, nil
	case "artifact":
		s = vars.CentralArtifact
	case "lastReplies":
		s = vars.LastReplies[n.role]
	}
	if n.length {
		return condValue{kind: kindNumber, num: float64(len([]rune(s)))}, nil
	}
	return condValue{kind: kindString, str: s}, nil
}

type notNode struct{ inner condNode }

func (n notNode) eval(vars Vars) (condValue, error) {
	v, err := n.inner.eval(vars)
	if err != nil {
		return condValue{}, err
	}
	return boolValue(!v.truthy()), nil
}

type logicNode struct {
	and         bool
	left, right condNode
}

func (n logicNode) eval(vars Vars) (condValue, error) {
	l, err := n.left.eval(vars)
	if err != nil {
		return condValue{}, err
	}
	if n.and && !l.truthy() {
		return boolValue(false), nil
	}
	if !n.and && l.truthy() {
		return boolValue(true), nil
	}
	r, err := n.right.eval(vars)
	if err != nil {
		return condValue{}, err
	}
	return boolValue(r.truthy()), nil
}

type compareNode struct {
	op          string
	left, right condNode
}

func (n compareNode) eval(vars Vars) (condValue, error) {
	l, err := n.left.eval(vars)
	if err != nil {
		return condValue{}, err
	}
	r, err := n.right.eval(vars)
	if err != nil {
		return condValue{}, err
	}

	if n.op == "contains" {
		if l.kind != kindString || r.kind != kindString {
			return condValue{}, fmt.Errorf("%w: contains needs strings", ErrConditionType)
		}
		return boolValue(strings.Contains(l.str, r.str)), nil
	}
	if l.kind != r.kind {
		switch n.op {
		case "==":
			return boolValue(false), nil
		case "!=":
			return boolValue(true), nil
		}
		return condValue{}, fmt.Errorf("%w: cannot order mixed operands", ErrConditionType)
	}

	var cmp int
	switch l.kind {
	case kindNumber:
		cmp = compareFloat(l.num, r.num)
	case kindString:
		cmp = strings.Compare(l.str, r.str)
	case kindBool:
		switch n.op {
		case "==":
			return boolValue(l.b == r.b), nil
		case "!=":
			return boolValue(l.b != r.b), nil
		}
		return condValue{}, fmt.Errorf("%w: cannot order booleans", ErrConditionType)
	}

	switch n.op {
	case "==":
		return boolValue(cmp == 0), nil
	case "!=":
		return boolValue(cmp != 0), nil
	case "<":
		return boolValue(cmp < 0), nil
	case "<=":
		return boolValue(cmp <= 0), nil
	case ">":
		return boolValue(cmp > 0), nil
	default:
		return boolValue(cmp >= 0), nil
	}
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func tokenize(src string) ([]token, error) {
	var out []token
	rs := []rune(src)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			out = append(out, token{tokLParen, "(", i})
			i++
		case r == ')':
			out = append(out, token{tokRParen, ")", i})
			i++
		case unicode.IsDigit(r):
			start := i
			for i < len(rs) && (unicode.IsDigit(rs[i]) || rs[i] == '.') {
				i++
			}
			out = append(out, token{tokNumber, string(rs[start:i]), start})
		case r == '"' || r == '\'':
			start := i
			var sb strings.Builder
			i++
			closed := false
			for i < len(rs) {
				c := rs[i]
				if c == '\\' && i+1 < len(rs) {
					sb.WriteRune(rs[i+1])
					i += 2
					continue
				}
				if c == r {
					closed = true
					i++
					break
				}
				sb.WriteRune(c)
				i++
			}
			if !closed {
				return nil, fmt.Errorf("condition %q: unterminated string at %d", src, start)
			}
			out = append(out, token{tokString, sb.String(), start})
		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(rs) && (unicode.IsLetter(rs[i]) || unicode.IsDigit(rs[i]) || rs[i] == '_' || rs[i] == '.') {
				i++
			}
			out = append(out, token{tokIdent, string(rs[start:i]), start})
		default:
			op, width := matchOperator(rs[i:])
			if width == 0 {
				return nil, fmt.Errorf("condition %q: unexpected %q at %d", src, string(r), i)
			}
			out = append(out, token{tokOp, op, i})
			i += width
		}
	}
	return append(out, token{tokEOF, "", len(rs)}), nil
}

// matchOperator returns the operator at the start of rs and its source
// width. === and !== are read as == and != so older templates still parse.
func matchOperator(rs []rune) (string, int) {
	s := string(rs)
	for _, op := range []string{"===", "!==", "==", "!=", "<=", ">=", "&&", "||", "<", ">", "!"} {
		if !strings.HasPrefix(s, op) {
			continue
		}
		switch op {
		case "===":
			return "==", 3
		case "!==":
			return "!=", 3
		}
		return op, len(op)
	}
	return "", 0
}

type condParser struct {
	toks []token
	pos  int
}

func (p *condParser) peek() token { return p.toks[p.pos] }

func (p *condParser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *condParser) isOp(text string) bool {
	t := p.peek()
	return t.kind == tokOp && t.text == text
}

func (p *condParser) parseOr() (condNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isOp("||") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = logicNode{and: false, left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseAnd() (condNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isOp("&&") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = logicNode{and: true, left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseUnary() (condNode, error) {
	if p.isOp("!") {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{inner: inner}, nil
	}
	return p.parseCompare()
}

func (p *condParser) parseCompare() (condNode, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	op := ""
	switch {
	case t.kind == tokOp && t.text != "&&" && t.text != "||" && t.text != "!":
		op = t.text
	case t.kind == tokIdent && t.text == "contains":
		op = "contains"
	default:
		return left, nil
	}
	p.next()
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return compareNode{op: op, left: left, right: right}, nil
}

func (p *condParser) parseOperand() (condNode, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at %d", t.text, t.pos)
		}
		return literalNode{condValue{kind: kindNumber, num: n}}, nil
	case tokString:
		return literalNode{condValue{kind: kindString, str: t.text}}, nil
	case tokIdent:
		return parseVariable(t)
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("missing ) for ( at %d", t.pos)
		}
		return inner, nil
	case tokEOF:
		return nil, errors.New("unexpected end of condition")
	}
	return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
}

func parseVariable(t token) (condNode, error) {
	switch t.text {
	case "true":
		return literalNode{boolValue(true)}, nil
	case "false":
		return literalNode{boolValue(false)}, nil
	case "round":
		return varNode{name: "round"}, nil
	case "artifact":
		return varNode{name: "artifact"}, nil
	case "artifact.length":
		return varNode{name: "artifact", length: true}, nil
	}
	parts := strings.Split(t.text, ".")
	if parts[0] == "lastReplies" && len(parts) >= 2 && len(parts) <= 3 && parts[1] != "" {
		if len(parts) == 3 && parts[2] != "length" {
			return nil, fmt.Errorf("unknown property %q at %d", parts[2], t.pos)
		}
		return varNode{name: "lastReplies", role: parts[1], length: len(parts) == 3}, nil
	}
	return nil, fmt.Errorf("unknown variable %q at %d", t.text, t.pos)
}
