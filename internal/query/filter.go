// Package query parses OData system query options and evaluates them over
// loaded content. Filters are parsed into an expression tree once and then
// matched in memory against each candidate.
package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nlstn/go-contentrepo/internal/content"
)

// Expr is a parsed filter expression node.
type Expr interface {
	// Matches evaluates the expression against one content item.
	Matches(c *content.Content) bool
}

// ParseError reports the filter text position where parsing failed.
type ParseError struct {
	Filter   string
	Position int
	Reason   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid filter at position %d: %s", e.Position, e.Reason)
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokLParen
	tokRParen
	tokComma
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	input string
	pos   int
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.input) && l.input[l.pos] == ' ' {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}
	start := l.pos
	switch ch := l.input[l.pos]; {
	case ch == '(':
		l.pos++
		return token{kind: tokLParen, text: "(", pos: start}, nil
	case ch == ')':
		l.pos++
		return token{kind: tokRParen, text: ")", pos: start}, nil
	case ch == ',':
		l.pos++
		return token{kind: tokComma, text: ",", pos: start}, nil
	case ch == '\'':
		l.pos++
		var sb strings.Builder
		for l.pos < len(l.input) {
			if l.input[l.pos] == '\'' {
				// Doubled quote is an escaped quote inside the literal.
				if l.pos+1 < len(l.input) && l.input[l.pos+1] == '\'' {
					sb.WriteByte('\'')
					l.pos += 2
					continue
				}
				l.pos++
				return token{kind: tokString, text: sb.String(), pos: start}, nil
			}
			sb.WriteByte(l.input[l.pos])
			l.pos++
		}
		return token{}, &ParseError{Filter: l.input, Position: start, Reason: "unterminated string literal"}
	case ch >= '0' && ch <= '9' || ch == '-':
		l.pos++
		for l.pos < len(l.input) && (l.input[l.pos] >= '0' && l.input[l.pos] <= '9' || l.input[l.pos] == '.') {
			l.pos++
		}
		return token{kind: tokNumber, text: l.input[start:l.pos], pos: start}, nil
	default:
		for l.pos < len(l.input) && isIdentChar(l.input[l.pos]) {
			l.pos++
		}
		if l.pos == start {
			return token{}, &ParseError{Filter: l.input, Position: start, Reason: fmt.Sprintf("unexpected character %q", ch)}
		}
		return token{kind: tokIdent, text: l.input[start:l.pos], pos: start}, nil
	}
}

func isIdentChar(ch byte) bool {
	return ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' ||
		ch >= '0' && ch <= '9' || ch == '_' || ch == '/' || ch == '.'
}

type parser struct {
	lex  *lexer
	tok  token
	text string
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) fail(reason string) error {
	return &ParseError{Filter: p.text, Position: p.tok.pos, Reason: reason}
}

// ParseFilter parses an OData $filter expression. Supported forms are the
// eq/ne comparisons, startswith, endswith, substringof, isof, and the
// and/or/not combinators with parentheses.
func ParseFilter(filter string) (Expr, error) {
	p := &parser{lex: &lexer{input: filter}, text: filter}
	if err := p.advance(); err != nil {
		return nil, err
	}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, p.fail(fmt.Sprintf("unexpected trailing token %q", p.tok.text))
	}
	return expr, nil
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokIdent && strings.EqualFold(p.tok.text, "or") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokIdent && strings.EqualFold(p.tok.text, "and") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.tok.kind == tokIdent && strings.EqualFold(p.tok.text, "not") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notExpr{inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	switch p.tok.kind {
	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, p.fail("expected closing parenthesis")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return inner, nil
	case tokIdent:
		name := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind == tokLParen {
			fn, err := p.parseFunction(name)
			if err != nil {
				return nil, err
			}
			return p.parseBoolPostfix(fn)
		}
		return p.parseComparison(name)
	default:
		return nil, p.fail(fmt.Sprintf("unexpected token %q", p.tok.text))
	}
}

// parseBoolPostfix accepts the verbose "fn(...) eq true" form, folding the
// boolean comparison back into the function expression.
func (p *parser) parseBoolPostfix(fn Expr) (Expr, error) {
	if p.tok.kind != tokIdent {
		return fn, nil
	}
	op := strings.ToLower(p.tok.text)
	if op != "eq" && op != "ne" {
		return fn, nil
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	value, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	truth, ok := value.(bool)
	if !ok {
		return nil, p.fail("function comparison requires a boolean literal")
	}
	if (op == "eq") == truth {
		return fn, nil
	}
	return &notExpr{inner: fn}, nil
}

func (p *parser) parseComparison(field string) (Expr, error) {
	if p.tok.kind != tokIdent {
		return nil, p.fail("expected comparison operator")
	}
	op := strings.ToLower(p.tok.text)
	switch op {
	case "eq", "ne", "gt", "ge", "lt", "le":
	default:
		return nil, p.fail(fmt.Sprintf("unsupported operator %q", p.tok.text))
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	value, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	return &compareExpr{field: field, op: op, value: value}, nil
}

func (p *parser) parseLiteral() (interface{}, error) {
	switch p.tok.kind {
	case tokString:
		text := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return text, nil
	case tokNumber:
		text := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		if f, err := strconv.ParseFloat(text, 64); err == nil {
			return f, nil
		}
		return nil, p.fail(fmt.Sprintf("invalid number %q", text))
	case tokIdent:
		text := strings.ToLower(p.tok.text)
		if err := p.advance(); err != nil {
			return nil, err
		}
		switch text {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null":
			return nil, nil
		}
		return nil, p.fail(fmt.Sprintf("unexpected literal %q", text))
	default:
		return nil, p.fail("expected literal value")
	}
}

func (p *parser) parseFunction(name string) (Expr, error) {
	fn := strings.ToLower(name)
	if err := p.advance(); err != nil { // consume (
		return nil, err
	}
	var args []token
	for p.tok.kind != tokRParen {
		if p.tok.kind == tokEOF {
			return nil, p.fail("unterminated function call")
		}
		args = append(args, p.tok)
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind == tokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	if err := p.advance(); err != nil { // consume )
		return nil, err
	}
	switch fn {
	case "startswith", "endswith":
		if len(args) != 2 {
			return nil, p.fail(fmt.Sprintf("%s expects 2 arguments", fn))
		}
		return &stringFnExpr{fn: fn, field: args[0].text, literal: args[1].text}, nil
	case "substringof":
		// substringof reverses the argument order: literal first, field second.
		if len(args) != 2 {
			return nil, p.fail("substringof expects 2 arguments")
		}
		return &stringFnExpr{fn: fn, field: args[1].text, literal: args[0].text}, nil
	case "isof":
		// isof takes either the type name alone or a field plus type name.
		if len(args) == 0 || len(args) > 2 {
			return nil, p.fail("isof expects 1 or 2 arguments")
		}
		return &isOfExpr{typeName: args[len(args)-1].text}, nil
	default:
		return nil, p.fail(fmt.Sprintf("unsupported function %q", fn))
	}
}

type binaryExpr struct {
	op          string
	left, right Expr
}

func (e *binaryExpr) Matches(c *content.Content) bool {
	if e.op == "and" {
		return e.left.Matches(c) && e.right.Matches(c)
	}
	return e.left.Matches(c) || e.right.Matches(c)
}

type notExpr struct {
	inner Expr
}

func (e *notExpr) Matches(c *content.Content) bool { return !e.inner.Matches(c) }

type compareExpr struct {
	field string
	op    string
	value interface{}
}

func (e *compareExpr) Matches(c *content.Content) bool {
	actual := fieldValue(c, e.field)
	switch e.op {
	case "eq":
		return looseEqual(actual, e.value)
	case "ne":
		return !looseEqual(actual, e.value)
	}
	af, aok := asFloat(actual)
	bf, bok := asFloat(e.value)
	if !aok || !bok {
		return false
	}
	switch e.op {
	case "gt":
		return af > bf
	case "ge":
		return af >= bf
	case "lt":
		return af < bf
	case "le":
		return af <= bf
	}
	return false
}

type stringFnExpr struct {
	fn      string
	field   string
	literal string
}

// String functions match case-insensitively, following the repository's
// case-preserving but case-insensitive naming.
func (e *stringFnExpr) Matches(c *content.Content) bool {
	actual, ok := fieldValue(c, e.field).(string)
	if !ok {
		return false
	}
	haystack := strings.ToLower(actual)
	needle := strings.ToLower(e.literal)
	switch e.fn {
	case "startswith":
		return strings.HasPrefix(haystack, needle)
	case "endswith":
		return strings.HasSuffix(haystack, needle)
	case "substringof":
		return strings.Contains(haystack, needle)
	}
	return false
}

type isOfExpr struct {
	typeName string
}

func (e *isOfExpr) Matches(c *content.Content) bool {
	name := e.typeName
	// Tolerate namespace-qualified type names.
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	return c.Schema().IsInstanceOf(c.TypeName(), name)
}

// fieldValue resolves a filter field name against the content, checking the
// well-known node columns before the dynamic field bag.
func fieldValue(c *content.Content, name string) interface{} {
	switch strings.ToLower(name) {
	case "name":
		return c.Name()
	case "path":
		return c.Path()
	case "id":
		return float64(c.ID())
	case "type", "typename":
		return c.TypeName()
	}
	if v, ok := c.Value(name); ok {
		return v
	}
	return nil
}

func looseEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return as == bs
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}
	}
	return false
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
