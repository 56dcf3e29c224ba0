package lang

import (
	"github.com/sirupsen/logrus"
)

// Keywords cannot be used as aliases or return names.
var Keywords = []string{"add", "upsert", "select", "delete", "return", "set", "node", "edge"}

// QueryGrammar declares the graph query language.
//
//	statement  := add | select | delete
//	add        := ("add" | "upsert") ("node" group | "edge" "[" body "]") ";"
//	select     := "select" steps ["return" names | "set" body] ";"
//	delete     := "delete" steps ";"
//	steps      := step {[join] step}
//	step       := "(" body ")" [alias] | ["edge"] "[" body "]" [alias]
//	join       := "->" | "<->" | "<-"
//	body       := [kv {"," kv}]
//	kv         := lvalue "=" rvalue | svalue
func QueryGrammar() Rule {
	lvalue := Val(KindLValue, TokenValue)
	rvalue := Val(KindRValue, TokenValue, TokenLiteral, TokenBlock)
	svalue := Val(KindSValue, TokenValue, TokenLiteral)
	kv := Or("key-value", Seq("", lvalue, Sym("=", KindNone), rvalue), svalue)
	body := Repeat(kv, Sym(",", KindNone), 0)
	group := func(name string, kind SyntaxKind, open, close string) Rule {
		return Seq(name, Sym(open, kind), body, Sym(close, KindGroupEnd))
	}
	term := Sym(";", KindTerm)

	nodeAdd := Seq("", Lit("node", KindNone), Or("node-group",
		group("", KindNodeGroup, "[", "]"),
		group("", KindNodeGroup, "(", ")"),
	))
	edgeAdd := Seq("", Lit("edge", KindNone), group("edge-group", KindEdgeGroup, "[", "]"))
	addStmt := Seq("add",
		Or("", Lit("add", KindAdd), Lit("upsert", KindUpsert)),
		Or("node or edge", nodeAdd, edgeAdd),
		term,
	)

	alias := Opt(ValExcept(KindAlias, Keywords, TokenValue))
	nodeStep := Seq("", group("node-group", KindNodeGroup, "(", ")"), alias)
	edgeStep := Seq("", Opt(Lit("edge", KindNone)), group("edge-group", KindEdgeGroup, "[", "]"), alias)
	step := Or("search", nodeStep, edgeStep)
	join := Or("join",
		Sym("<->", KindFullJoin),
		Sym("->", KindJoin),
		Sym("<-", KindRightJoin),
	)
	steps := Seq("", step, Repeat(Seq("", Opt(join), step), nil, 0))

	returnClause := Seq("return", Lit("return", KindReturn),
		Repeat(ValExcept(KindReturnName, Keywords, TokenValue), Sym(",", KindNone), 1))
	updateSet := Seq("update-set", Lit("set", KindUpdateSet), Repeat(kv, Sym(",", KindNone), 1))

	selectStmt := Seq("select", Lit("select", KindSelect), steps, Opt(Or("", returnClause, updateSet)), term)
	deleteStmt := Seq("delete", Lit("delete", KindDelete), steps, term)

	return Repeat(Or("statement", addStmt, selectStmt, deleteStmt), nil, 1)
}

// Parser matches token streams against a grammar. A Parser holds no
// per-parse state and may be shared.
type Parser struct {
	tokenizer *Tokenizer
	grammar   Rule
}

// NewParser returns a parser for the query language.
func NewParser() *Parser {
	return &Parser{tokenizer: DefaultTokenizer(), grammar: QueryGrammar()}
}

// NewParserWith returns a parser for a custom tokenizer and grammar.
func NewParserWith(t *Tokenizer, grammar Rule) *Parser {
	return &Parser{tokenizer: t, grammar: grammar}
}

// Parse tokenizes and parses input into the syntax stack.
func (p *Parser) Parse(input string) ([]SyntaxNode, error) {
	log := logrus.WithField("component", "Parser")
	tokens, err := p.tokenizer.Tokenize(input)
	if err != nil {
		log.WithError(err).Debug("Tokenization failed")
		return nil, err
	}
	return p.ParseTokens(tokens)
}

// ParseTokens parses an already tokenized input.
func (p *Parser) ParseTokens(tokens []Token) ([]SyntaxNode, error) {
	log := logrus.WithField("component", "Parser")
	nodes, err := Match(p.grammar, tokens)
	if err != nil {
		log.WithError(err).Debug("Parsing failed")
		return nil, err
	}
	log.WithField("node_count", len(nodes)).Debug("Parsing complete")
	return nodes, nil
}

var defaultParser = NewParser()

// Parse parses input with the query language grammar.
func Parse(input string) ([]SyntaxNode, error) {
	return defaultParser.Parse(input)
}
