package exprlang

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ParseError reports a malformed expression with its source position.
type ParseError struct {
	Src string
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q at offset %d: %s", e.Src, e.Pos, e.Msg)
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokBool
	tokOp       // = != < <= > >=
	tokLBracket // [
	tokRBracket // ]
	tokLParen   // (
	tokRParen   // )
	tokDotDot   // ..
	tokComma    // ,
	tokDash     // standalone -
	tokAnd      // keyword and
	tokIn       // keyword in
)

type lexToken struct {
	kind tokenKind
	text string
	num  float64
	b    bool
	pos  int
}

type lexer struct {
	src string
	pos int
}

func (l *lexer) errorf(pos int, format string, args ...interface{}) error {
	return &ParseError{Src: l.src, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func (l *lexer) tokens() ([]lexToken, error) {
	var toks []lexToken
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.kind == tokEOF {
			return toks, nil
		}
	}
}

func (l *lexer) next() (lexToken, error) {
	for l.pos < len(l.src) && unicode.IsSpace(rune(l.src[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return lexToken{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.src[l.pos]

	switch {
	case c == '[':
		l.pos++
		return lexToken{kind: tokLBracket, text: "[", pos: start}, nil
	case c == ']':
		l.pos++
		return lexToken{kind: tokRBracket, text: "]", pos: start}, nil
	case c == '(':
		l.pos++
		return lexToken{kind: tokLParen, text: "(", pos: start}, nil
	case c == ')':
		l.pos++
		return lexToken{kind: tokRParen, text: ")", pos: start}, nil
	case c == ',':
		l.pos++
		return lexToken{kind: tokComma, text: ",", pos: start}, nil
	case c == '.':
		if l.pos+1 < len(l.src) && l.src[l.pos+1] == '.' {
			l.pos += 2
			return lexToken{kind: tokDotDot, text: "..", pos: start}, nil
		}
		return lexToken{}, l.errorf(start, "unexpected '.'")
	case c == '=':
		l.pos++
		return lexToken{kind: tokOp, text: "=", pos: start}, nil
	case c == '!':
		if l.pos+1 < len(l.src) && l.src[l.pos+1] == '=' {
			l.pos += 2
			return lexToken{kind: tokOp, text: "!=", pos: start}, nil
		}
		return lexToken{}, l.errorf(start, "unexpected '!'")
	case c == '<' || c == '>':
		op := string(c)
		l.pos++
		if l.pos < len(l.src) && l.src[l.pos] == '=' {
			op += "="
			l.pos++
		}
		return lexToken{kind: tokOp, text: op, pos: start}, nil
	case c == '-':
		// A dash starts a negative number when a digit follows,
		// otherwise it is the wildcard.
		if l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1]) {
			return l.lexNumber()
		}
		l.pos++
		return lexToken{kind: tokDash, text: "-", pos: start}, nil
	case c == '"' || c == '\'':
		return l.lexString(c)
	case isDigit(c):
		return l.lexNumber()
	case isIdentStart(c):
		return l.lexIdent()
	}

	return lexToken{}, l.errorf(start, "unexpected character %q", string(c))
}

func (l *lexer) lexNumber() (lexToken, error) {
	start := l.pos
	if l.src[l.pos] == '-' {
		l.pos++
	}
	for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
		l.pos++
	}
	// A single dot continues the fraction; ".." belongs to a range.
	if l.pos+1 < len(l.src) && l.src[l.pos] == '.' && isDigit(l.src[l.pos+1]) {
		l.pos++
		for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
			l.pos++
		}
	}
	text := l.src[start:l.pos]
	num, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return lexToken{}, l.errorf(start, "malformed number %q", text)
	}
	return lexToken{kind: tokNumber, text: text, num: num, pos: start}, nil
}

func (l *lexer) lexString(quote byte) (lexToken, error) {
	start := l.pos
	l.pos++
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\\' && l.pos+1 < len(l.src) {
			sb.WriteByte(l.src[l.pos+1])
			l.pos += 2
			continue
		}
		if c == quote {
			l.pos++
			return lexToken{kind: tokString, text: sb.String(), pos: start}, nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return lexToken{}, l.errorf(start, "unterminated string")
}

func (l *lexer) lexIdent() (lexToken, error) {
	start := l.pos
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if isIdentPart(c) {
			l.pos++
			continue
		}
		// A single dot followed by an identifier continues the path.
		if c == '.' && l.pos+1 < len(l.src) && isIdentStart(l.src[l.pos+1]) {
			l.pos++
			continue
		}
		break
	}
	text := l.src[start:l.pos]
	switch text {
	case "and":
		return lexToken{kind: tokAnd, text: text, pos: start}, nil
	case "in":
		return lexToken{kind: tokIn, text: text, pos: start}, nil
	case "true":
		return lexToken{kind: tokBool, text: text, b: true, pos: start}, nil
	case "false":
		return lexToken{kind: tokBool, text: text, b: false, pos: start}, nil
	}
	return lexToken{kind: tokIdent, text: text, pos: start}, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool { return isIdentStart(c) || isDigit(c) }
