package expr

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/cockroachdb/errors"
)

// ParseError reports a syntax error with its byte offset in the source.
type ParseError struct {
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return "parse error at offset " + strconv.Itoa(e.Pos) + ": " + e.Msg
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	src  string
	pos  int
	toks []token
}

func lex(src string) ([]token, error) {
	l := &lexer{src: src}
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			l.pos++
		case c >= '0' && c <= '9':
			l.lexNumber()
		case c == '"':
			if err := l.lexString(); err != nil {
				return nil, err
			}
		case isIdentStart(rune(c)):
			l.lexIdent()
		case c == '(':
			l.emit(tokLParen, "(")
		case c == ')':
			l.emit(tokRParen, ")")
		case c == ',':
			l.emit(tokComma, ",")
		case strings.ContainsRune("+-*/%", rune(c)):
			l.emit(tokOp, string(c))
		case c == '=' || c == '!' || c == '<' || c == '>':
			op := string(c)
			if l.pos+1 < len(l.src) && l.src[l.pos+1] == '=' {
				op += "="
				l.pos++
			}
			if op == "=" {
				return nil, &ParseError{Pos: l.pos, Msg: "unexpected '='"}
			}
			l.toks = append(l.toks, token{kind: tokOp, text: op, pos: l.pos - len(op) + 1})
			l.pos++
		default:
			return nil, &ParseError{Pos: l.pos, Msg: "unexpected character " + strconv.QuoteRune(rune(c))}
		}
	}
	l.toks = append(l.toks, token{kind: tokEOF, pos: len(l.src)})
	return l.toks, nil
}

func (l *lexer) emit(k tokenKind, text string) {
	l.toks = append(l.toks, token{kind: k, text: text, pos: l.pos})
	l.pos += len(text)
}

func (l *lexer) lexNumber() {
	start := l.pos
	for l.pos < len(l.src) && (l.src[l.pos] >= '0' && l.src[l.pos] <= '9' || l.src[l.pos] == '.') {
		l.pos++
	}
	l.toks = append(l.toks, token{kind: tokNumber, text: l.src[start:l.pos], pos: start})
}

func (l *lexer) lexString() error {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\\' && l.pos+1 < len(l.src) {
			next := l.src[l.pos+1]
			switch next {
			case '"', '\\':
				sb.WriteByte(next)
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				return &ParseError{Pos: l.pos, Msg: "unknown escape \\" + string(next)}
			}
			l.pos += 2
			continue
		}
		if c == '"' {
			l.pos++
			l.toks = append(l.toks, token{kind: tokString, text: sb.String(), pos: start})
			return nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return &ParseError{Pos: start, Msg: "unterminated string"}
}

func (l *lexer) lexIdent() {
	start := l.pos
	for l.pos < len(l.src) && isIdentPart(rune(l.src[l.pos])) {
		l.pos++
	}
	l.toks = append(l.toks, token{kind: tokIdent, text: l.src[start:l.pos], pos: start})
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Parse parses a single expression. Trailing input after the expression is an
// error: a command is exactly one expression.
func Parse(src string) (Node, error) {
	if strings.TrimSpace(src) == "" {
		return nil, &ParseError{Pos: 0, Msg: "empty command"}
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	node, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, &ParseError{Pos: p.peek().pos, Msg: "trailing input"}
	}
	return node, nil
}

type parser struct {
	toks []token
	idx  int
}

func (p *parser) peek() token { return p.toks[p.idx] }

func (p *parser) next() token {
	t := p.toks[p.idx]
	if p.idx < len(p.toks)-1 {
		p.idx++
	}
	return t
}

// binding powers, higher binds tighter
func precedence(op string) int {
	switch op {
	case "==", "!=", "<", "<=", ">", ">=":
		return 10
	case "+", "-":
		return 20
	case "*", "/", "%":
		return 30
	default:
		return 0
	}
}

func (p *parser) parseExpr(minPrec int) (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp {
			return left, nil
		}
		prec := precedence(t.text)
		if prec == 0 || prec <= minPrec {
			return left, nil
		}
		p.next()
		right, err := p.parseExpr(prec)
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: t.text, L: left, R: right}
	}
}

func (p *parser) parseUnary() (Node, error) {
	t := p.peek()
	if t.kind == tokOp && (t.text == "-" || t.text == "!") {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: t.text, X: x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, &ParseError{Pos: t.pos, Msg: "bad number " + strconv.Quote(t.text)}
		}
		return &NumberLit{Value: v, Text: t.text}, nil
	case tokString:
		return &StringLit{Value: t.text}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return &BoolLit{Value: true}, nil
		case "false":
			return &BoolLit{Value: false}, nil
		}
		if p.peek().kind == tokLParen {
			p.next() // consume '('
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			return &Call{Func: t.text, Args: args}, nil
		}
		return &Ident{Name: t.text}, nil
	case tokLParen:
		inner, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		if close := p.next(); close.kind != tokRParen {
			return nil, &ParseError{Pos: close.pos, Msg: "expected ')'"}
		}
		return inner, nil
	default:
		return nil, &ParseError{Pos: t.pos, Msg: "unexpected token"}
	}
}

func (p *parser) parseArgs() ([]Node, error) {
	var args []Node
	if p.peek().kind == tokRParen {
		p.next()
		return args, nil
	}
	for {
		arg, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		t := p.next()
		switch t.kind {
		case tokRParen:
			return args, nil
		case tokComma:
			continue
		default:
			return nil, &ParseError{Pos: t.pos, Msg: "expected ',' or ')'"}
		}
	}
}

// MustParse parses src and panics on error. Test helper.
func MustParse(src string) Node {
	n, err := Parse(src)
	if err != nil {
		panic(errors.Wrapf(err, "MustParse(%q)", src))
	}
	return n
}
