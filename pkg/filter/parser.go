package filter

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Parse parses one pattern expression.
//
// Grammar, loosest binding first:
//
//	or    := and ( ("||" | "|" | "or") and )*
//	and   := not ( ("&&" | "&" | "and") not | ("-" | "minus") not )*
//	not   := ("!" | "~" | "not") not | simple
//	simple:= "(" or ")" | field "." matcher param | name [ "()" ]
//
// Simple names: all, any, true (match everything); none, false (match
// nothing). Compound selectors apply a matcher (equals, contains,
// starts_with, ends_with, matches) to a field (name, package, binary).
// The matcher parameter is delimited by any of ()/[]/{}/<> (nesting-aware)
// or a pair of slashes, so regexes and names containing brackets need no
// escaping.
func Parse(input string) (Expr, error) {
	p := &parser{input: input}
	expr, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("filter: parsing %q: %w", input, err)
	}
	p.skipSpaces()
	if !p.atEnd() {
		return nil, fmt.Errorf("filter: parsing %q: trailing input at offset %d", input, p.pos)
	}
	return expr, nil
}

type parser struct {
	input string
	pos   int
}

func (p *parser) atEnd() bool { return p.pos >= len(p.input) }

func (p *parser) peek() byte {
	if p.atEnd() {
		return 0
	}
	return p.input[p.pos]
}

func (p *parser) skipSpaces() {
	for !p.atEnd() && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
}

// eat consumes s if it is next, preferring the longest alternative the
// caller lists first.
func (p *parser) eat(s string) bool {
	if strings.HasPrefix(p.input[p.pos:], s) {
		p.pos += len(s)
		return true
	}
	return false
}

// eatWord consumes a keyword only when it is not a prefix of a longer
// identifier, so "android.equals(x)" is not read as the operator "and".
func (p *parser) eatWord(w string) bool {
	rest := p.input[p.pos:]
	if !strings.HasPrefix(rest, w) {
		return false
	}
	if len(rest) > len(w) && isIdentChar(rest[len(w)]) {
		return false
	}
	p.pos += len(w)
	return true
}

func isIdentChar(b byte) bool {
	return b == '_' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpaces()
		if p.eat("||") || p.eat("|") || p.eatWord("or") {
			right, err := p.parseAnd()
			if err != nil {
				return nil, err
			}
			left = &binExpr{op: opOr, left: left, right: right}
			continue
		}
		return left, nil
	}
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpaces()
		var op binOp
		switch {
		case p.eat("&&") || p.eat("&") || p.eat("+") || p.eatWord("and"):
			op = opAnd
		case p.eat("-") || p.eat("\\") || p.eatWord("minus"):
			op = opDiff
		default:
			return left, nil
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &binExpr{op: op, left: left, right: right}
	}
}

func (p *parser) parseNot() (Expr, error) {
	p.skipSpaces()
	if p.eat("!") || p.eat("~") || p.eatWord("not") {
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notExpr{inner: inner}, nil
	}
	return p.parseSimple()
}

func (p *parser) parseSimple() (Expr, error) {
	p.skipSpaces()
	if p.eat("(") {
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		p.skipSpaces()
		if !p.eat(")") {
			return nil, fmt.Errorf("missing ')' at offset %d", p.pos)
		}
		return inner, nil
	}

	word := p.readIdent()
	if word == "" {
		return nil, fmt.Errorf("expected expression at offset %d", p.pos)
	}

	switch word {
	case "all", "any", "true":
		p.eat("()")
		return constant(true), nil
	case "none", "false":
		p.eat("()")
		return constant(false), nil
	}

	field, ok := map[string]Field{
		"name":    FieldName,
		"package": FieldPackage,
		"binary":  FieldBinary,
	}[word]
	if !ok {
		return nil, fmt.Errorf("unknown selector %q", word)
	}
	if !p.eat(".") {
		return nil, fmt.Errorf("expected '.' after %q", word)
	}

	matcherWord := p.readIdent()
	matcher, ok := map[string]MatcherKind{
		"equals":      MatcherEquals,
		"contains":    MatcherContains,
		"starts_with": MatcherStartsWith,
		"ends_with":   MatcherEndsWith,
		"matches":     MatcherMatches,
	}[matcherWord]
	if !ok {
		return nil, fmt.Errorf("unknown matcher %q", matcherWord)
	}

	param, err := p.readParam()
	if err != nil {
		return nil, err
	}

	e := &compound{field: field, matcher: matcher, param: param}
	if matcher == MatcherMatches {
		// A /regex/ written inside another delimiter pair drops its slashes.
		expr := param
		if len(expr) >= 2 && expr[0] == '/' && expr[len(expr)-1] == '/' {
			expr = expr[1 : len(expr)-1]
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("bad regex %q: %w", param, err)
		}
		e.re = re
	}
	return e, nil
}

func (p *parser) readIdent() string {
	start := p.pos
	for !p.atEnd() && isIdentChar(p.input[p.pos]) {
		p.pos++
	}
	return p.input[start:p.pos]
}

var paramDelims = map[byte]byte{'(': ')', '[': ']', '{': '}', '<': '>', '/': '/'}

// readParam reads a delimited matcher parameter, tracking nesting for
// bracket pairs so parameters may contain balanced delimiters.
func (p *parser) readParam() (string, error) {
	if p.atEnd() {
		return "", fmt.Errorf("expected matcher parameter at offset %d", p.pos)
	}
	open := p.peek()
	closer, ok := paramDelims[open]
	if !ok {
		return "", fmt.Errorf("expected parameter delimiter at offset %d", p.pos)
	}
	p.pos++

	var sb strings.Builder
	depth := 1
	for !p.atEnd() {
		c := p.input[p.pos]
		p.pos++
		switch {
		case c == closer:
			depth--
			if depth == 0 {
				return sb.String(), nil
			}
			sb.WriteByte(c)
		case c == open && open != closer:
			depth++
			sb.WriteByte(c)
		default:
			sb.WriteByte(c)
		}
	}
	return "", fmt.Errorf("unterminated parameter (missing %q)", string(closer))
}
