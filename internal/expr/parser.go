package expr

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Parser is a recursive descent parser. Precedence from lowest to highest:
// ||, &&, == !=, < <= > >=, !, then property access and primaries.
type Parser struct {
	lexer   *Lexer
	current Token
}

// Parse parses a complete expression. The input must not include the
// ${{ }} markers.
func Parse(input string) (Node, error) {
	p := &Parser{lexer: NewLexer(input)}
	if err := p.next(); err != nil {
		return nil, err
	}
	if p.current.Type == TokenEOF {
		return nil, fmt.Errorf("empty expression")
	}

	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.current.Type != TokenEOF {
		return nil, fmt.Errorf("unexpected %s at position %d", p.current.Type, p.current.Pos)
	}
	return node, nil
}

func (p *Parser) next() error {
	tok, err := p.lexer.NextToken()
	if err != nil {
		return err
	}
	p.current = tok
	return nil
}

func (p *Parser) expect(t TokenType) error {
	if p.current.Type != t {
		return fmt.Errorf("expected %s, found %s at position %d", t, p.current.Type, p.current.Pos)
	}
	return p.next()
}

func (p *Parser) parseOr() (Node, error) {
	return p.parseBinary(p.parseAnd, TokenOr)
}

func (p *Parser) parseAnd() (Node, error) {
	return p.parseBinary(p.parseEquality, TokenAnd)
}

func (p *Parser) parseEquality() (Node, error) {
	return p.parseBinary(p.parseComparison, TokenEquals, TokenNotEquals)
}

func (p *Parser) parseComparison() (Node, error) {
	return p.parseBinary(p.parseUnary, TokenLess, TokenLessEqual, TokenGreater, TokenGreaterEqual)
}

// parseBinary builds a left-associative chain of the given operators.
func (p *Parser) parseBinary(operand func() (Node, error), operators ...TokenType) (Node, error) {
	left, err := operand()
	if err != nil {
		return nil, err
	}

	for p.matches(operators...) {
		op := p.current.Type
		if err := p.next(); err != nil {
			return nil, err
		}
		right, err := operand()
		if err != nil {
			return nil, err
		}
		left = &BinaryNode{Operator: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) matches(types ...TokenType) bool {
	for _, t := range types {
		if p.current.Type == t {
			return true
		}
	}
	return false
}

func (p *Parser) parseUnary() (Node, error) {
	if p.current.Type == TokenNot {
		if err := p.next(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &NotNode{Operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *Parser) parsePostfix() (Node, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for {
		switch p.current.Type {
		case TokenDot:
			if err := p.next(); err != nil {
				return nil, err
			}
			switch p.current.Type {
			case TokenStar:
				node = &WildcardNode{Object: node}
			case TokenIdentifier, TokenTrue, TokenFalse, TokenNull:
				node = &PropertyNode{Object: node, Name: p.current.Value}
			default:
				return nil, fmt.Errorf("expected property name after '.', found %s at position %d", p.current.Type, p.current.Pos)
			}
			if err := p.next(); err != nil {
				return nil, err
			}
		case TokenLeftBracket:
			if err := p.next(); err != nil {
				return nil, err
			}
			if p.current.Type == TokenStar {
				if err := p.next(); err != nil {
					return nil, err
				}
				node = &WildcardNode{Object: node}
			} else {
				index, err := p.parseOr()
				if err != nil {
					return nil, err
				}
				node = &IndexNode{Object: node, Index: index}
			}
			if err := p.expect(TokenRightBracket); err != nil {
				return nil, err
			}
		default:
			return node, nil
		}
	}
}

func (p *Parser) parsePrimary() (Node, error) {
	tok := p.current
	switch tok.Type {
	case TokenLeftParen:
		if err := p.next(); err != nil {
			return nil, err
		}
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(TokenRightParen); err != nil {
			return nil, err
		}
		return node, nil

	case TokenString:
		return &LiteralNode{Value: tok.Value}, p.next()

	case TokenNumber:
		value, err := parseNumber(tok.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at position %d", tok.Value, tok.Pos)
		}
		return &LiteralNode{Value: value}, p.next()

	case TokenTrue:
		return &LiteralNode{Value: true}, p.next()

	case TokenFalse:
		return &LiteralNode{Value: false}, p.next()

	case TokenNull:
		return &LiteralNode{Value: nil}, p.next()

	case TokenIdentifier:
		if err := p.next(); err != nil {
			return nil, err
		}
		if p.current.Type != TokenLeftParen {
			return &IdentifierNode{Name: tok.Value}, nil
		}
		return p.parseCall(tok.Value)
	}

	return nil, fmt.Errorf("unexpected %s at position %d", tok.Type, tok.Pos)
}

func (p *Parser) parseCall(name string) (Node, error) {
	if err := p.next(); err != nil {
		return nil, err
	}

	call := &CallNode{Name: name}
	for p.current.Type != TokenRightParen {
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, arg)

		if p.current.Type == TokenComma {
			if err := p.next(); err != nil {
				return nil, err
			}
			continue
		}
		if p.current.Type != TokenRightParen {
			return nil, fmt.Errorf("expected ',' or ')' in call to %s, found %s at position %d", name, p.current.Type, p.current.Pos)
		}
	}
	return call, p.next()
}

func parseNumber(s string) (float64, error) {
	lower := strings.ToLower(strings.TrimPrefix(s, "-"))
	if strings.HasPrefix(lower, "0x") {
		n, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return math.NaN(), err
		}
		return float64(n), nil
	}
	return strconv.ParseFloat(s, 64)
}
