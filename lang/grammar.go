package lang

import (
	"fmt"
	"strings"
)

// Rule is one production of a declared grammar. Rules never consume input
// when they fail.
type Rule interface {
	match(c *cursor) bool
	label() string
}

// cursor walks the token stream, collecting emitted syntax nodes and the
// furthest failure seen so far.
type cursor struct {
	tokens   []Token
	pos      int
	out      []SyntaxNode
	failPos  int
	expected []string
}

func (c *cursor) current() Token {
	if c.pos < len(c.tokens) {
		return c.tokens[c.pos]
	}
	return Token{Kind: TokenEOF}
}

func (c *cursor) emit(kind SyntaxKind, tok Token) {
	if kind == KindNone {
		return
	}
	c.out = append(c.out, SyntaxNode{Kind: kind, Value: tok.Value, Pos: tok.Pos})
}

// fail records what was expected at the current position.
func (c *cursor) fail(what string) {
	switch {
	case c.pos > c.failPos:
		c.failPos = c.pos
		c.expected = []string{what}
	case c.pos == c.failPos:
		for _, e := range c.expected {
			if e == what {
				return
			}
		}
		c.expected = append(c.expected, what)
	}
}

type failMark struct {
	pos int
	n   int
}

func (c *cursor) mark() failMark {
	return failMark{pos: c.failPos, n: len(c.expected)}
}

// failNamed collapses the expectations recorded by a named rule that failed
// without consuming anything into the rule's own name.
func (c *cursor) failNamed(name string, start int, m failMark) {
	if name == "" || c.failPos != start {
		return
	}
	if m.pos == start {
		c.expected = c.expected[:m.n]
	} else {
		c.expected = nil
	}
	c.fail(name)
}

// scope captures the cursor so a failed attempt can be undone. rollback is a
// no-op after commit, which allows "defer s.rollback()".
type scope struct {
	c      *cursor
	pos    int
	outLen int
	done   bool
}

func (c *cursor) begin() *scope {
	return &scope{c: c, pos: c.pos, outLen: len(c.out)}
}

func (s *scope) commit() { s.done = true }

func (s *scope) rollback() {
	if s.done {
		return
	}
	s.c.pos = s.pos
	s.c.out = s.c.out[:s.outLen]
	s.done = true
}

type litRule struct {
	text string
	kind SyntaxKind
}

// Lit matches a keyword, ignoring case.
func Lit(text string, kind SyntaxKind) Rule { return &litRule{text: text, kind: kind} }

func (r *litRule) label() string { return fmt.Sprintf("%q", r.text) }

func (r *litRule) match(c *cursor) bool {
	tok := c.current()
	if tok.Kind != TokenValue || !strings.EqualFold(tok.Value, r.text) {
		c.fail(r.label())
		return false
	}
	c.emit(r.kind, tok)
	c.pos++
	return true
}

type symRule struct {
	text string
	kind SyntaxKind
}

// Sym matches a delimiter token exactly.
func Sym(text string, kind SyntaxKind) Rule { return &symRule{text: text, kind: kind} }

func (r *symRule) label() string { return fmt.Sprintf("%q", r.text) }

func (r *symRule) match(c *cursor) bool {
	tok := c.current()
	if tok.Kind != TokenSymbol || tok.Value != r.text {
		c.fail(r.label())
		return false
	}
	c.emit(r.kind, tok)
	c.pos++
	return true
}

type valRule struct {
	name    string
	kind    SyntaxKind
	accept  []TokenKind
	exclude map[string]bool
}

// Val matches one token of the accepted kinds.
func Val(kind SyntaxKind, accept ...TokenKind) Rule {
	return &valRule{name: kind.String(), kind: kind, accept: accept}
}

// ValExcept is Val that refuses the given keywords.
func ValExcept(kind SyntaxKind, keywords []string, accept ...TokenKind) Rule {
	ex := make(map[string]bool, len(keywords))
	for _, k := range keywords {
		ex[strings.ToLower(k)] = true
	}
	return &valRule{name: kind.String(), kind: kind, accept: accept, exclude: ex}
}

func (r *valRule) label() string { return r.name }

func (r *valRule) match(c *cursor) bool {
	tok := c.current()
	ok := false
	for _, k := range r.accept {
		if tok.Kind == k {
			ok = true
			break
		}
	}
	if ok && tok.Kind == TokenValue && r.exclude[strings.ToLower(tok.Value)] {
		ok = false
	}
	if !ok {
		c.fail(r.label())
		return false
	}
	c.emit(r.kind, tok)
	c.pos++
	return true
}

type seqRule struct {
	name  string
	rules []Rule
}

// Seq matches every rule in order.
func Seq(name string, rules ...Rule) Rule { return &seqRule{name: name, rules: rules} }

func (r *seqRule) label() string { return r.name }

func (r *seqRule) match(c *cursor) bool {
	start, m := c.pos, c.mark()
	s := c.begin()
	defer s.rollback()
	for _, rule := range r.rules {
		if !rule.match(c) {
			c.failNamed(r.name, start, m)
			return false
		}
	}
	s.commit()
	return true
}

type orRule struct {
	name string
	alts []Rule
}

// Or matches the first alternative that succeeds.
func Or(name string, alts ...Rule) Rule { return &orRule{name: name, alts: alts} }

func (r *orRule) label() string { return r.name }

func (r *orRule) match(c *cursor) bool {
	start, m := c.pos, c.mark()
	for _, alt := range r.alts {
		if alt.match(c) {
			return true
		}
	}
	c.failNamed(r.name, start, m)
	return false
}

type optRule struct{ rule Rule }

// Opt matches rule zero or one time.
func Opt(rule Rule) Rule { return &optRule{rule: rule} }

func (r *optRule) label() string { return r.rule.label() }

func (r *optRule) match(c *cursor) bool {
	r.rule.match(c)
	return true
}

type repeatRule struct {
	rule Rule
	sep  Rule
	min  int
}

// Repeat matches rule at least min times, separated by sep when sep is
// not nil. A trailing separator is not consumed.
func Repeat(rule, sep Rule, min int) Rule { return &repeatRule{rule: rule, sep: sep, min: min} }

func (r *repeatRule) label() string { return r.rule.label() }

func (r *repeatRule) match(c *cursor) bool {
	s := c.begin()
	defer s.rollback()
	count := 0
	for {
		item := c.begin()
		if count > 0 && r.sep != nil && !r.sep.match(c) {
			item.rollback()
			break
		}
		before := c.pos
		if !r.rule.match(c) {
			item.rollback()
			break
		}
		item.commit()
		count++
		if c.pos == before {
			break
		}
	}
	if count < r.min {
		return false
	}
	s.commit()
	return true
}

// Match runs rule against tokens and requires it to consume everything up
// to the end-of-input token.
func Match(rule Rule, tokens []Token) ([]SyntaxNode, error) {
	c := &cursor{tokens: tokens}
	ok := rule.match(c)
	if ok && c.current().Kind == TokenEOF {
		return c.out, nil
	}
	if ok {
		c.fail("end of input")
	}
	tok := Token{Kind: TokenEOF}
	if c.failPos < len(tokens) {
		tok = tokens[c.failPos]
	}
	return nil, &SyntaxError{Token: tok, Expected: strings.Join(c.expected, " or ")}
}
