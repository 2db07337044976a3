// parser.go turns DSL source into the node tree. Hand-rolled lexer and
// recursive-descent parser; the grammar is small enough that a parser
// generator would be more code than this.
package condition

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokLParen
	tokRParen
	tokComma
	tokOp // > >= < <= ==
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	runes := []rune(src)
	i := 0

	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++

		case r == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case r == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case r == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++

		case r == '>' || r == '<':
			op := string(r)
			if i+1 < len(runes) && runes[i+1] == '=' {
				op += "="
				i++
			}
			toks = append(toks, token{tokOp, op, i})
			i++
		case r == '=':
			if i+1 >= len(runes) || runes[i+1] != '=' {
				return nil, fmt.Errorf("single '=' at offset %d, use '=='", i)
			}
			toks = append(toks, token{tokOp, "==", i})
			i += 2

		case unicode.IsDigit(r) || (r == '-' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			start := i
			i++
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			toks = append(toks, token{tokNumber, string(runes[start:i]), start})

		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(runes) && isIdentRune(runes[i]) {
				i++
			}
			toks = append(toks, token{tokIdent, string(runes[start:i]), start})

		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", r, i)
		}
	}

	toks = append(toks, token{tokEOF, "", len(runes)})
	return toks, nil
}

// Asset symbols like BTC/USD lex as one identifier; there is no
// division in the grammar, so '/' is safe inside names.
func isIdentRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '/'
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) peekAt(offset int) token {
	if p.pos+offset >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.pos+offset]
}

func (p *parser) next() token {
	tok := p.toks[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	tok := p.next()
	if tok.kind != kind {
		return token{}, fmt.Errorf("expected %s at offset %d, got %q", what, tok.pos, tok.text)
	}
	return tok, nil
}

func (p *parser) parseExpr() (node, error) {
	tok := p.peek()
	if tok.kind == tokIdent && p.peekAt(1).kind == tokLParen {
		switch {
		case strings.EqualFold(tok.text, "AND"), strings.EqualFold(tok.text, "OR"):
			return p.parseLogical()
		case strings.EqualFold(tok.text, "NOT"):
			return p.parseNot()
		}
	}
	return p.parseComparison()
}

func (p *parser) parseLogical() (node, error) {
	name := p.next()
	if _, err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}

	var children []node
	for {
		child, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		children = append(children, child)

		tok := p.next()
		if tok.kind == tokComma {
			continue
		}
		if tok.kind == tokRParen {
			break
		}
		return nil, fmt.Errorf("expected ',' or ')' at offset %d, got %q", tok.pos, tok.text)
	}

	if len(children) < 2 {
		return nil, fmt.Errorf("%s requires at least 2 arguments, got %d", strings.ToUpper(name.text), len(children))
	}
	if strings.EqualFold(name.text, "AND") {
		return &andNode{children: children}, nil
	}
	return &orNode{children: children}, nil
}

func (p *parser) parseNot() (node, error) {
	p.next() // NOT
	if _, err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}
	child, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	tok := p.next()
	if tok.kind == tokComma {
		return nil, fmt.Errorf("NOT takes exactly 1 argument (offset %d)", tok.pos)
	}
	if tok.kind != tokRParen {
		return nil, fmt.Errorf("expected ')' at offset %d, got %q", tok.pos, tok.text)
	}
	return &notNode{child: child}, nil
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseValue()
	if err != nil {
		return nil, err
	}

	tok := p.next()
	switch {
	case tok.kind == tokOp:
		right, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		return &cmpNode{left: left, op: tok.text, right: right}, nil

	case tok.kind == tokIdent && strings.EqualFold(tok.text, "crosses_above"):
		right, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		return &crossNode{left: left, right: right, above: true}, nil

	case tok.kind == tokIdent && strings.EqualFold(tok.text, "crosses_below"):
		right, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		return &crossNode{left: left, right: right, above: false}, nil

	default:
		return nil, fmt.Errorf("expected comparison operator at offset %d, got %q", tok.pos, tok.text)
	}
}

func (p *parser) parseValue() (value, error) {
	tok := p.next()
	switch tok.kind {
	case tokNumber:
		d, err := decimal.NewFromString(tok.text)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at offset %d", tok.text, tok.pos)
		}
		return literalValue{v: d}, nil

	case tokIdent:
		if p.peek().kind != tokLParen {
			return nil, fmt.Errorf("bare identifier %q at offset %d: values are price(ASSET), INDICATOR(params, ASSET) or a number", tok.text, tok.pos)
		}
		p.next() // (

		var args []token
		for {
			arg := p.next()
			if arg.kind != tokNumber && arg.kind != tokIdent {
				return nil, fmt.Errorf("expected argument at offset %d, got %q", arg.pos, arg.text)
			}
			args = append(args, arg)

			sep := p.next()
			if sep.kind == tokComma {
				continue
			}
			if sep.kind == tokRParen {
				break
			}
			return nil, fmt.Errorf("expected ',' or ')' at offset %d, got %q", sep.pos, sep.text)
		}

		return buildValue(tok, args)

	default:
		return nil, fmt.Errorf("expected value at offset %d, got %q", tok.pos, tok.text)
	}
}

// buildValue resolves a function-style value. price(ASSET) reads the
// snapshot mid; any other name is an indicator lookup whose key is the
// name plus its numeric parameters: CUSTOM(7, BTC/USD) → CUSTOM_7.
func buildValue(name token, args []token) (value, error) {
	last := args[len(args)-1]
	if last.kind != tokIdent {
		return nil, fmt.Errorf("%s at offset %d: last argument must be an asset symbol", name.text, name.pos)
	}
	asset := last.text

	if strings.EqualFold(name.text, "price") {
		if len(args) != 1 {
			return nil, fmt.Errorf("price takes exactly 1 argument (offset %d)", name.pos)
		}
		return priceValue{asset: asset}, nil
	}

	parts := []string{name.text}
	for _, arg := range args[:len(args)-1] {
		parts = append(parts, arg.text)
	}
	return indicatorValue{asset: asset, key: strings.ToUpper(strings.Join(parts, "_"))}, nil
}
