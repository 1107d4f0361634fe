// Package expr evaluates the `${{ ... }}` expression language used in
// workflow definitions.
//
// Expressions are parsed into a small AST ([Node]) and evaluated against a
// [Context], a mapping from scope name (github, matrix, steps, env, needs,
// job, runner, strategy, inputs) to values. Values are plain Go data: nil,
// bool, float64, string, map[string]any and []any.
//
// Key types:
//   - [Evaluator] binds a context, functions and the unresolved-reference policy
//   - [Node] is a parsed expression
//   - [UnresolvedReferenceError] reports a path missing from the context
//
// The language supports dotted and indexed property access
// (matrix.os, matrix['python-version']), literals, the operators
// ! < <= > >= == != && ||, and function calls. && and || return one of their
// operands, so `a || 'default'` is a fallback.
package expr

import (
	"fmt"
	"strings"
	"unicode"
)

// TokenType identifies the lexical class of a [Token].
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenIdentifier
	TokenNumber
	TokenString
	TokenTrue
	TokenFalse
	TokenNull
	TokenDot
	TokenComma
	TokenLeftParen
	TokenRightParen
	TokenLeftBracket
	TokenRightBracket
	TokenNot
	TokenAnd
	TokenOr
	TokenEquals
	TokenNotEquals
	TokenLess
	TokenLessEqual
	TokenGreater
	TokenGreaterEqual
	TokenStar
)

var tokenNames = map[TokenType]string{
	TokenEOF:          "end of expression",
	TokenIdentifier:   "identifier",
	TokenNumber:       "number",
	TokenString:       "string",
	TokenTrue:         "true",
	TokenFalse:        "false",
	TokenNull:         "null",
	TokenDot:          "'.'",
	TokenComma:        "','",
	TokenLeftParen:    "'('",
	TokenRightParen:   "')'",
	TokenLeftBracket:  "'['",
	TokenRightBracket: "']'",
	TokenNot:          "'!'",
	TokenAnd:          "'&&'",
	TokenOr:           "'||'",
	TokenEquals:       "'=='",
	TokenNotEquals:    "'!='",
	TokenLess:         "'<'",
	TokenLessEqual:    "'<='",
	TokenGreater:      "'>'",
	TokenGreaterEqual: "'>='",
	TokenStar:         "'*'",
}

func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("token(%d)", int(t))
}

// Token is a lexical token with its source offset.
type Token struct {
	Type  TokenType
	Value string
	Pos   int
}

// Lexer tokenizes an expression string.
type Lexer struct {
	input []rune
	pos   int
}

// NewLexer creates a lexer over input.
func NewLexer(input string) *Lexer {
	return &Lexer{input: []rune(input)}
}

func (l *Lexer) peek(offset int) rune {
	if l.pos+offset >= len(l.input) {
		return 0
	}
	return l.input[l.pos+offset]
}

func (l *Lexer) skipWhitespace() {
	for l.pos < len(l.input) && unicode.IsSpace(l.input[l.pos]) {
		l.pos++
	}
}

func isIdentStart(ch rune) bool {
	return unicode.IsLetter(ch) || ch == '_'
}

// Property names such as python-version are legal, there is no subtraction.
func isIdentChar(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '-'
}

// NextToken returns the next token or an error for malformed input.
func (l *Lexer) NextToken() (Token, error) {
	l.skipWhitespace()
	start := l.pos
	if l.pos >= len(l.input) {
		return Token{Type: TokenEOF, Pos: start}, nil
	}

	ch := l.input[l.pos]
	single := func(t TokenType) (Token, error) {
		l.pos++
		return Token{Type: t, Value: string(ch), Pos: start}, nil
	}
	double := func(t TokenType) (Token, error) {
		l.pos += 2
		return Token{Type: t, Value: string(l.input[start:l.pos]), Pos: start}, nil
	}

	switch {
	case ch == '.' && !unicode.IsDigit(l.peek(1)):
		return single(TokenDot)
	case ch == ',':
		return single(TokenComma)
	case ch == '(':
		return single(TokenLeftParen)
	case ch == ')':
		return single(TokenRightParen)
	case ch == '[':
		return single(TokenLeftBracket)
	case ch == ']':
		return single(TokenRightBracket)
	case ch == '*':
		return single(TokenStar)
	case ch == '!':
		if l.peek(1) == '=' {
			return double(TokenNotEquals)
		}
		return single(TokenNot)
	case ch == '=':
		if l.peek(1) == '=' {
			return double(TokenEquals)
		}
		return Token{}, fmt.Errorf("unexpected '=' at position %d (use '==')", start)
	case ch == '<':
		if l.peek(1) == '=' {
			return double(TokenLessEqual)
		}
		return single(TokenLess)
	case ch == '>':
		if l.peek(1) == '=' {
			return double(TokenGreaterEqual)
		}
		return single(TokenGreater)
	case ch == '&':
		if l.peek(1) == '&' {
			return double(TokenAnd)
		}
		return Token{}, fmt.Errorf("unexpected '&' at position %d (use '&&')", start)
	case ch == '|':
		if l.peek(1) == '|' {
			return double(TokenOr)
		}
		return Token{}, fmt.Errorf("unexpected '|' at position %d (use '||')", start)
	case ch == '\'':
		return l.readString()
	case unicode.IsDigit(ch) || ch == '.' || (ch == '-' && (unicode.IsDigit(l.peek(1)) || l.peek(1) == '.')):
		return l.readNumber(), nil
	case isIdentStart(ch):
		return l.readIdentifier(), nil
	}

	return Token{}, fmt.Errorf("unexpected character %q at position %d", ch, start)
}

// readString reads a single-quoted literal; ” inside the literal is an
// escaped quote.
func (l *Lexer) readString() (Token, error) {
	start := l.pos
	l.pos++
	var b strings.Builder
	for {
		if l.pos >= len(l.input) {
			return Token{}, fmt.Errorf("unterminated string starting at position %d", start)
		}
		ch := l.input[l.pos]
		if ch == '\'' {
			if l.peek(1) == '\'' {
				b.WriteRune('\'')
				l.pos += 2
				continue
			}
			l.pos++
			return Token{Type: TokenString, Value: b.String(), Pos: start}, nil
		}
		b.WriteRune(ch)
		l.pos++
	}
}

func (l *Lexer) readNumber() Token {
	start := l.pos
	if l.input[l.pos] == '-' {
		l.pos++
	}
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if unicode.IsDigit(ch) || ch == '.' || ch == 'e' || ch == 'E' || ch == 'x' ||
			(ch >= 'a' && ch <= 'f') || (ch >= 'A' && ch <= 'F') {
			l.pos++
			continue
		}
		break
	}
	return Token{Type: TokenNumber, Value: string(l.input[start:l.pos]), Pos: start}
}

func (l *Lexer) readIdentifier() Token {
	start := l.pos
	for l.pos < len(l.input) && isIdentChar(l.input[l.pos]) {
		l.pos++
	}
	word := string(l.input[start:l.pos])
	switch word {
	case "true":
		return Token{Type: TokenTrue, Value: word, Pos: start}
	case "false":
		return Token{Type: TokenFalse, Value: word, Pos: start}
	case "null":
		return Token{Type: TokenNull, Value: word, Pos: start}
	}
	return Token{Type: TokenIdentifier, Value: word, Pos: start}
}
