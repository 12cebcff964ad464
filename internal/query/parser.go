package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/evalgo/veddb/internal/document"
	"github.com/evalgo/veddb/internal/veddberr"
)

// Parse parses a small textual filter language:
//
//	expr    := term (" OR " term)*
//	term    := factor (" AND " factor)*
//	factor  := "NOT" factor | "(" expr ")" | compare
//	compare := field op literal
//	op      := "=" | "!=" | ">" | ">=" | "<" | "<=" | "IN"
//
// This is the predicate grammar the protocol's Query/Scan opcodes accept as
// payload; it is intentionally far smaller than the out-of-scope
// aggregation pipeline DSL.
func Parse(src string) (Expr, error) {
	p := &parser{tokens: tokenize(src)}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, veddberr.New(veddberr.KindInput, "InvalidQuery", fmt.Sprintf("unexpected token %q", p.tokens[p.pos]))
	}
	return expr, nil
}

type parser struct {
	tokens []string
	pos    int
}

func (p *parser) peek() string {
	if p.pos >= len(p.tokens) {
		return ""
	}
	return p.tokens[p.pos]
}

func (p *parser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	exprs := []Expr{left}
	for strings.EqualFold(p.peek(), "OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, right)
	}
	if len(exprs) == 1 {
		return exprs[0], nil
	}
	return Or{Exprs: exprs}, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	exprs := []Expr{left}
	for strings.EqualFold(p.peek(), "AND") {
		p.next()
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, right)
	}
	if len(exprs) == 1 {
		return exprs[0], nil
	}
	return And{Exprs: exprs}, nil
}

func (p *parser) parseFactor() (Expr, error) {
	if strings.EqualFold(p.peek(), "NOT") {
		p.next()
		inner, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return Not{Expr: inner}, nil
	}
	if p.peek() == "(" {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next() != ")" {
			return nil, veddberr.New(veddberr.KindInput, "InvalidQuery", "expected closing paren")
		}
		return inner, nil
	}
	return p.parseCompare()
}

var opTokens = map[string]Op{
	"=": OpEq, "==": OpEq, "!=": OpNe, "<>": OpNe,
	">": OpGt, ">=": OpGte, "<": OpLt, "<=": OpLte, "IN": OpIn,
}

func (p *parser) parseCompare() (Expr, error) {
	field := p.next()
	if field == "" {
		return nil, veddberr.New(veddberr.KindInput, "InvalidQuery", "expected field name")
	}
	opTok := p.next()
	op, ok := opTokens[strings.ToUpper(opTok)]
	if !ok {
		return nil, veddberr.New(veddberr.KindInput, "InvalidQuery", fmt.Sprintf("unknown operator %q", opTok))
	}
	if op == OpIn {
		if p.next() != "(" {
			return nil, veddberr.New(veddberr.KindInput, "InvalidQuery", "expected ( after IN")
		}
		var set []document.Value
		for p.peek() != ")" {
			set = append(set, literal(p.next()))
			if p.peek() == "," {
				p.next()
			}
		}
		p.next() // consume ")"
		return Compare{Field: field, Op: OpIn, Set: set}, nil
	}
	valTok := p.next()
	if valTok == "" {
		return nil, veddberr.New(veddberr.KindInput, "InvalidQuery", "expected comparison value")
	}
	return Compare{Field: field, Op: op, Value: literal(valTok)}, nil
}

func literal(tok string) document.Value {
	if len(tok) >= 2 && tok[0] == '"' && tok[len(tok)-1] == '"' {
		return document.String(tok[1 : len(tok)-1])
	}
	if tok == "true" {
		return document.Bool(true)
	}
	if tok == "false" {
		return document.Bool(false)
	}
	if tok == "null" {
		return document.Value{Kind: document.KindNull}
	}
	if i, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return document.Int64(i)
	}
	if f, err := strconv.ParseFloat(tok, 64); err == nil {
		return document.Float64(f)
	}
	return document.String(tok)
}

// tokenize splits src into field/op/value/paren tokens. Quoted strings are
// kept intact as a single token including their quotes.
func tokenize(src string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	inQuote := false
	runes := []rune(src)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case inQuote:
			cur.WriteRune(r)
			if r == '"' {
				inQuote = false
			}
		case r == '"':
			flush()
			cur.WriteRune(r)
			inQuote = true
		case r == '(' || r == ')' || r == ',':
			flush()
			tokens = append(tokens, string(r))
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		case (r == '!' || r == '<' || r == '>' || r == '=') && i+1 < len(runes) && runes[i+1] == '=':
			flush()
			tokens = append(tokens, string(r)+"=")
			i++
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}
