package exprlang

import "strings"

type termKind int

const (
	termCompare termKind = iota
	termRange
	termIn
	termLiteral
)

type operandKind int

const (
	opNumber operandKind = iota
	opString
	opBool
	opIdent
)

type operand struct {
	kind operandKind
	num  float64
	str  string
	b    bool
	path []string
}

type term struct {
	kind           termKind
	ident          []string // empty: the term applies to the column input
	op             string
	operand        operand
	lo, hi         operand
	loIncl, hiIncl bool
	set            []operand
}

// Test is a compiled expression: either the wildcard or a conjunction of
// terms.
type Test struct {
	src      string
	wildcard bool
	terms    []term
}

// Source returns the original expression text.
func (t *Test) Source() string { return t.src }

// Parse compiles src without consulting any cache.
func Parse(src string) (*Test, error) {
	trimmed := strings.TrimSpace(src)
	lx := &lexer{src: src}
	toks, err := lx.tokens()
	if err != nil {
		return nil, err
	}

	p := &parser{src: src, toks: toks}

	if trimmed == "-" {
		return &Test{src: src, wildcard: true}, nil
	}
	if p.peek().kind == tokEOF {
		return nil, p.errorf("empty expression")
	}

	t := &Test{src: src}
	for {
		tm, err := p.term()
		if err != nil {
			return nil, err
		}
		t.terms = append(t.terms, tm)

		switch p.peek().kind {
		case tokAnd:
			p.advance()
		case tokEOF:
			return t, nil
		default:
			return nil, p.errorf("unexpected %q", p.peek().text)
		}
	}
}

type parser struct {
	src  string
	toks []lexToken
	pos  int
}

func (p *parser) peek() lexToken { return p.toks[p.pos] }

func (p *parser) advance() lexToken {
	tok := p.toks[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) errorf(format string, args ...interface{}) error {
	lx := lexer{src: p.src}
	return lx.errorf(p.peek().pos, format, args...)
}

func (p *parser) term() (term, error) {
	tok := p.peek()
	switch tok.kind {
	case tokOp:
		return p.comparison(nil)
	case tokLBracket, tokLParen:
		return p.rangeTerm(nil)
	case tokIn:
		return p.membership(nil)
	case tokNumber, tokString, tokBool:
		p.advance()
		return term{kind: termLiteral, operand: literalOperand(tok)}, nil
	case tokIdent:
		p.advance()
		ident := strings.Split(tok.text, ".")
		switch p.peek().kind {
		case tokOp:
			return p.comparison(ident)
		case tokLBracket, tokLParen:
			return p.rangeTerm(ident)
		case tokIn:
			return p.membership(ident)
		default:
			// A bare identifier: equality against the resolved value in
			// unary mode, a boolean lookup in condition mode.
			return term{kind: termLiteral, operand: operand{kind: opIdent, path: ident}}, nil
		}
	case tokDash:
		return term{}, p.errorf("wildcard '-' must stand alone")
	}
	return term{}, p.errorf("unexpected %q", tok.text)
}

func (p *parser) comparison(ident []string) (term, error) {
	op := p.advance()
	val, err := p.operand()
	if err != nil {
		return term{}, err
	}
	return term{kind: termCompare, ident: ident, op: op.text, operand: val}, nil
}

func (p *parser) rangeTerm(ident []string) (term, error) {
	open := p.advance()
	lo, err := p.operand()
	if err != nil {
		return term{}, err
	}
	if p.peek().kind != tokDotDot {
		return term{}, p.errorf("expected '..' in range")
	}
	p.advance()
	hi, err := p.operand()
	if err != nil {
		return term{}, err
	}
	closeTok := p.advance()
	if closeTok.kind != tokRBracket && closeTok.kind != tokRParen {
		return term{}, p.errorf("expected ']' or ')' to close range")
	}
	return term{
		kind:   termRange,
		ident:  ident,
		lo:     lo,
		hi:     hi,
		loIncl: open.kind == tokLBracket,
		hiIncl: closeTok.kind == tokRBracket,
	}, nil
}

func (p *parser) membership(ident []string) (term, error) {
	p.advance() // "in"
	if p.peek().kind != tokLParen {
		return term{}, p.errorf("expected '(' after 'in'")
	}
	p.advance()

	var set []operand
	for {
		val, err := p.operand()
		if err != nil {
			return term{}, err
		}
		set = append(set, val)

		switch p.peek().kind {
		case tokComma:
			p.advance()
		case tokRParen:
			p.advance()
			return term{kind: termIn, ident: ident, set: set}, nil
		default:
			return term{}, p.errorf("expected ',' or ')' in membership set")
		}
	}
}

func (p *parser) operand() (operand, error) {
	tok := p.advance()
	switch tok.kind {
	case tokNumber, tokString, tokBool:
		return literalOperand(tok), nil
	case tokIdent:
		return operand{kind: opIdent, path: strings.Split(tok.text, ".")}, nil
	}
	return operand{}, p.errorf("expected a value, got %q", tok.text)
}

func literalOperand(tok lexToken) operand {
	switch tok.kind {
	case tokNumber:
		return operand{kind: opNumber, num: tok.num}
	case tokString:
		return operand{kind: opString, str: tok.text}
	default:
		return operand{kind: opBool, b: tok.b}
	}
}
