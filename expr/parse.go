package expr

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/pflow-xyz/go-ctmc/symtab"
)

// ErrSyntax is returned for malformed expression input.
var ErrSyntax = errors.New("syntax error")

// ErrUnboundSymbol is returned when an identifier does not resolve through
// the model's symbol table. It matches symtab.ErrUnknownSymbol under
// errors.Is so callers can treat the two interchangeably.
var ErrUnboundSymbol = symtab.ErrUnknownSymbol

// funcNames is the closed set of transcendental functions the grammar
// accepts. "ln" is normalized to "log" at construction.
var funcNames = map[string]bool{
	"sin":  true,
	"cos":  true,
	"tan":  true,
	"exp":  true,
	"log":  true,
	"ln":   true,
	"sqrt": true,
}

type tokenType int

const (
	tokEOF tokenType = iota
	tokNumber
	tokIdent
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokCaret
	tokLParen
	tokRParen
)

type token struct {
	typ     tokenType
	literal string
	pos     int
}

// lexer scans an expression string into tokens.
type lexer struct {
	input   string
	pos     int
	readPos int
	ch      byte
}

func newLexer(input string) *lexer {
	l := &lexer{input: input}
	l.readChar()
	return l
}

func (l *lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPos]
	}
	l.pos = l.readPos
	l.readPos++
}

func (l *lexer) skipWhitespace() {
	for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
		l.readChar()
	}
}

func (l *lexer) next() (token, error) {
	l.skipWhitespace()
	pos := l.pos

	switch l.ch {
	case 0:
		return token{typ: tokEOF, pos: pos}, nil
	case '+':
		l.readChar()
		return token{typ: tokPlus, literal: "+", pos: pos}, nil
	case '-':
		l.readChar()
		return token{typ: tokMinus, literal: "-", pos: pos}, nil
	case '*':
		l.readChar()
		return token{typ: tokStar, literal: "*", pos: pos}, nil
	case '/':
		l.readChar()
		return token{typ: tokSlash, literal: "/", pos: pos}, nil
	case '^':
		l.readChar()
		return token{typ: tokCaret, literal: "^", pos: pos}, nil
	case '(':
		l.readChar()
		return token{typ: tokLParen, literal: "(", pos: pos}, nil
	case ')':
		l.readChar()
		return token{typ: tokRParen, literal: ")", pos: pos}, nil
	}

	if isDigit(l.ch) || l.ch == '.' {
		return token{typ: tokNumber, literal: l.readNumber(), pos: pos}, nil
	}
	if isIdentStart(l.ch) {
		return token{typ: tokIdent, literal: l.readIdent(), pos: pos}, nil
	}
	return token{}, fmt.Errorf("%w: unexpected character %q at position %d", ErrSyntax, string(l.ch), pos)
}

func (l *lexer) readNumber() string {
	start := l.pos
	for isDigit(l.ch) || l.ch == '.' {
		l.readChar()
	}
	// Optional exponent part: 1e-3, 2.5E4.
	if l.ch == 'e' || l.ch == 'E' {
		save := l.pos
		l.readChar()
		if l.ch == '+' || l.ch == '-' {
			l.readChar()
		}
		if !isDigit(l.ch) {
			// Not an exponent after all; rewind so the e starts the next
			// token instead of vanishing from the stream.
			l.readPos = save
			l.readChar()
			return l.input[start:save]
		}
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	return l.input[start:l.pos]
}

func (l *lexer) readIdent() string {
	start := l.pos
	for isIdentChar(l.ch) {
		l.readChar()
	}
	return l.input[start:l.pos]
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentChar(ch byte) bool {
	return isIdentStart(ch) || isDigit(ch)
}

// parser consumes tokens with precedence climbing. Grammar:
//
//	expr   := term { (+|-) term }
//	term   := unary { (*|/) unary }
//	unary  := - unary | power
//	power  := atom [ ^ unary ]
//	atom   := NUMBER | IDENT | IDENT ( expr ) | ( expr )
type parser struct {
	lex   *lexer
	tok   token
	table *symtab.Table
}

// Parse parses a rate or ODE expression against the given symbol table and
// returns its simplified form. Parsing has no side effects on the table;
// every identifier must already be registered, and an unresolved identifier
// fails with an error naming the offending token.
func Parse(input string, table *symtab.Table) (Expr, error) {
	p := &parser{lex: newLexer(input), table: table}
	if err := p.advance(); err != nil {
		return nil, err
	}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.tok.typ != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %q at position %d", ErrSyntax, p.tok.literal, p.tok.pos)
	}
	return e.Simplify(), nil
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) parseExpr() (Expr, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.tok.typ == tokPlus || p.tok.typ == tokMinus {
		neg := p.tok.typ == tokMinus
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		if neg {
			right = Neg(right)
		}
		left = AddOf(left, right)
	}
	return left, nil
}

func (p *parser) parseTerm() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.typ == tokStar || p.tok.typ == tokSlash {
		div := p.tok.typ == tokSlash
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if div {
			left = Div(left, right)
		} else {
			left = MulOf(left, right)
		}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.tok.typ == tokMinus {
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Neg(inner), nil
	}
	return p.parsePower()
}

func (p *parser) parsePower() (Expr, error) {
	base, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	if p.tok.typ == tokCaret {
		if err := p.advance(); err != nil {
			return nil, err
		}
		// Right-associative; the exponent may carry a unary minus.
		exp, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return PowOf(base, exp), nil
	}
	return base, nil
}

func (p *parser) parseAtom() (Expr, error) {
	switch p.tok.typ {
	case tokNumber:
		lit := p.tok.literal
		r, ok := new(big.Rat).SetString(lit)
		if !ok {
			return nil, fmt.Errorf("%w: invalid number %q at position %d", ErrSyntax, lit, p.tok.pos)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return FromRat(r), nil

	case tokIdent:
		name := p.tok.literal
		pos := p.tok.pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.typ == tokLParen {
			if !funcNames[name] {
				return nil, fmt.Errorf("%w: %q at position %d is not a known function", ErrUnboundSymbol, name, pos)
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if p.tok.typ != tokRParen {
				return nil, fmt.Errorf("%w: missing ) for %s( at position %d", ErrSyntax, name, pos)
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
			return CallOf(name, arg), nil
		}
		sym, err := p.table.Resolve(name)
		if err != nil {
			return nil, fmt.Errorf("unbound symbol %q at position %d: %w", name, pos, err)
		}
		return Symbol(sym), nil

	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.tok.typ != tokRParen {
			return nil, fmt.Errorf("%w: missing ) at position %d", ErrSyntax, p.tok.pos)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return inner, nil

	case tokEOF:
		return nil, fmt.Errorf("%w: unexpected end of expression", ErrSyntax)

	default:
		return nil, fmt.Errorf("%w: unexpected %q at position %d", ErrSyntax, p.tok.literal, p.tok.pos)
	}
}

// MustParse parses the expression and panics on error. Intended for tests
// and fixed built-in expressions.
func MustParse(input string, table *symtab.Table) Expr {
	e, err := Parse(input, table)
	if err != nil {
		panic(err)
	}
	return e
}
