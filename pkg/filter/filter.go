// Package filter implements the test-selection pattern language: compound
// selectors like name.equals(foo) or package.matches(/web_.*/) combined
// with boolean operators. Parsed patterns format back to a canonical string
// that parses to an equivalent pattern, so expressions survive being
// persisted and re-read.
package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// TestCase is the unit a pattern selects over.
type TestCase struct {
	Package string
	Binary  string
	Name    string
}

// Expr is one parsed pattern node.
type Expr interface {
	// Match reports whether the case is selected by this expression.
	Match(c TestCase) bool
	// Format renders the expression in canonical, re-parseable form.
	Format() string
}

// Field names the test-case attribute a compound selector inspects.
type Field string

const (
	FieldName    Field = "name"
	FieldPackage Field = "package"
	FieldBinary  Field = "binary"
)

func (f Field) valueOf(c TestCase) string {
	switch f {
	case FieldName:
		return c.Name
	case FieldPackage:
		return c.Package
	default:
		return c.Binary
	}
}

// MatcherKind names the string predicate a compound selector applies.
type MatcherKind string

const (
	MatcherEquals     MatcherKind = "equals"
	MatcherContains   MatcherKind = "contains"
	MatcherStartsWith MatcherKind = "starts_with"
	MatcherEndsWith   MatcherKind = "ends_with"
	MatcherMatches    MatcherKind = "matches"
)

// compound is a field.matcher(param) selector.
type compound struct {
	field   Field
	matcher MatcherKind
	param   string
	re      *regexp.Regexp // compiled when matcher is MatcherMatches
}

func (e *compound) Match(c TestCase) bool {
	v := e.field.valueOf(c)
	switch e.matcher {
	case MatcherEquals:
		return v == e.param
	case MatcherContains:
		return strings.Contains(v, e.param)
	case MatcherStartsWith:
		return strings.HasPrefix(v, e.param)
	case MatcherEndsWith:
		return strings.HasSuffix(v, e.param)
	default:
		return e.re.MatchString(v)
	}
}

func (e *compound) Format() string {
	if e.matcher == MatcherMatches {
		return fmt.Sprintf("%s.matches(%s)", e.field, e.param)
	}
	return fmt.Sprintf("%s.%s(%s)", e.field, e.matcher, e.param)
}

// constant is the all/none family of simple selectors.
type constant bool

func (e constant) Match(TestCase) bool { return bool(e) }
func (e constant) Format() string {
	if e {
		return "all"
	}
	return "none"
}

type notExpr struct{ inner Expr }

func (e *notExpr) Match(c TestCase) bool { return !e.inner.Match(c) }
func (e *notExpr) Format() string        { return "!" + e.inner.Format() }

type binOp int

const (
	opAnd binOp = iota
	opOr
	opDiff
)

type binExpr struct {
	op          binOp
	left, right Expr
}

func (e *binExpr) Match(c TestCase) bool {
	switch e.op {
	case opAnd:
		return e.left.Match(c) && e.right.Match(c)
	case opOr:
		return e.left.Match(c) || e.right.Match(c)
	default:
		return e.left.Match(c) && !e.right.Match(c)
	}
}

func (e *binExpr) Format() string {
	var op string
	switch e.op {
	case opAnd:
		op = "&&"
	case opOr:
		op = "||"
	default:
		op = "-"
	}
	return fmt.Sprintf("(%s %s %s)", e.left.Format(), op, e.right.Format())
}

// MatchAny reports whether any expression selects the case. An empty slice
// matches nothing.
func MatchAny(exprs []Expr, c TestCase) bool {
	for _, e := range exprs {
		if e.Match(c) {
			return true
		}
	}
	return false
}

// ParseAll parses each pattern string, failing on the first bad one.
func ParseAll(patterns []string) ([]Expr, error) {
	exprs := make([]Expr, 0, len(patterns))
	for _, p := range patterns {
		e, err := Parse(p)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, e)
	}
	return exprs, nil
}
