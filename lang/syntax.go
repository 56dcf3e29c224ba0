package lang

import "fmt"

// SyntaxKind names a matched grammar production. The set is closed: the
// builder switches over every kind.
type SyntaxKind int

const (
	KindNone SyntaxKind = iota
	KindAdd
	KindUpsert
	KindSelect
	KindDelete
	KindNodeGroup
	KindEdgeGroup
	KindGroupEnd
	KindLValue
	KindRValue
	KindSValue
	KindAlias
	KindJoin
	KindFullJoin
	KindRightJoin
	KindReturn
	KindReturnName
	KindUpdateSet
	KindTerm
)

var kindNames = map[SyntaxKind]string{
	KindNone:       "none",
	KindAdd:        "add",
	KindUpsert:     "upsert",
	KindSelect:     "select",
	KindDelete:     "delete",
	KindNodeGroup:  "node-group",
	KindEdgeGroup:  "edge-group",
	KindGroupEnd:   "group-end",
	KindLValue:     "lvalue",
	KindRValue:     "rvalue",
	KindSValue:     "svalue",
	KindAlias:      "alias",
	KindJoin:       "join",
	KindFullJoin:   "full-join",
	KindRightJoin:  "right-join",
	KindReturn:     "return",
	KindReturnName: "return-name",
	KindUpdateSet:  "update-set",
	KindTerm:       "term",
}

func (k SyntaxKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// SyntaxNode is one entry of the parse output.
type SyntaxNode struct {
	Kind  SyntaxKind
	Value string
	Pos   int
}

func (n SyntaxNode) String() string {
	return fmt.Sprintf("%s:%s", n.Kind, n.Value)
}

// SyntaxError reports the offending token and, when known, the rule that
// was expected at that position.
type SyntaxError struct {
	Token    Token
	Expected string
	Message  string
}

func (e *SyntaxError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unexpected token"
	}
	if e.Expected != "" {
		return fmt.Sprintf("syntax error at position %d: %s %s, expected %s", e.Token.Pos, msg, e.Token, e.Expected)
	}
	return fmt.Sprintf("syntax error at position %d: %s %s", e.Token.Pos, msg, e.Token)
}
