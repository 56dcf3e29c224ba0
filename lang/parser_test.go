package lang

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func render(nodes []SyntaxNode) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.String()
	}
	return out
}

func TestParse_AddNode(t *testing.T) {
	nodes, err := Parse("add node [key=user:alice, role=admin, isActive];")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"add:add",
		"node-group:[",
		"lvalue:key", "rvalue:user:alice",
		"lvalue:role", "rvalue:admin",
		"svalue:isActive",
		"group-end:]",
		"term:;",
	}, render(nodes))
}

func TestParse_UpsertNodeWithParens(t *testing.T) {
	nodes, err := Parse("UPSERT NODE (key=user:alice);")
	require.NoError(t, err)
	assert.Equal(t, []string{"upsert:UPSERT", "node-group:(", "lvalue:key", "rvalue:user:alice", "group-end:)", "term:;"}, render(nodes))
}

func TestParse_SelectWithAliasesAndReturn(t *testing.T) {
	nodes, err := Parse("select (key=user:alice) a1 edge[from=user:alice, type=owns] a2 return a1, a2;")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"select:select",
		"node-group:(", "lvalue:key", "rvalue:user:alice", "group-end:)", "alias:a1",
		"edge-group:[", "lvalue:from", "rvalue:user:alice", "lvalue:type", "rvalue:owns", "group-end:]", "alias:a2",
		"return:return", "return-name:a1", "return-name:a2",
		"term:;",
	}, render(nodes))
}

func TestParse_Joins(t *testing.T) {
	nodes, err := Parse("select (key=a) <-> [type=owns] e <- (*) n;")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"select:select",
		"node-group:(", "lvalue:key", "rvalue:a", "group-end:)",
		"full-join:<->",
		"edge-group:[", "lvalue:type", "rvalue:owns", "group-end:]", "alias:e",
		"right-join:<-",
		"node-group:(", "svalue:*", "group-end:)", "alias:n",
		"term:;",
	}, render(nodes))
}

func TestParse_UpdateSetAndDelete(t *testing.T) {
	nodes, err := Parse("select (key=user:*) set reviewed, -stale, score=3; delete (key=user:bob);")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"select:select",
		"node-group:(", "lvalue:key", "rvalue:user:*", "group-end:)",
		"update-set:set", "svalue:reviewed", "svalue:-stale", "lvalue:score", "rvalue:3",
		"term:;",
		"delete:delete",
		"node-group:(", "lvalue:key", "rvalue:user:bob", "group-end:)",
		"term:;",
	}, render(nodes))
}

func TestParse_EmptyGroup(t *testing.T) {
	nodes, err := Parse("select ();")
	require.NoError(t, err)
	assert.Equal(t, []string{"select:select", "node-group:(", "group-end:)", "term:;"}, render(nodes))
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		pos      int
		expected string
	}{
		{"unknown statement", "foo;", 0, "statement"},
		{"empty input", "", 0, "statement"},
		{"unclosed group", "add node [key=a", 15, `"," or "]"`},
		{"trailing comma", "add node [key=a,];", 16, "key-value"},
		{"edge add needs brackets", "add edge (from=a);", 9, "edge-group"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			require.Error(t, err)
			var syn *SyntaxError
			require.True(t, errors.As(err, &syn))
			assert.Equal(t, tt.pos, syn.Token.Pos)
			assert.Equal(t, tt.expected, syn.Expected)
		})
	}
}

func TestParse_MissingTerminator(t *testing.T) {
	_, err := Parse("select (key=a)")
	require.Error(t, err)
	var syn *SyntaxError
	require.True(t, errors.As(err, &syn))
	assert.Equal(t, TokenEOF, syn.Token.Kind)
	assert.Contains(t, syn.Expected, `";"`)
	assert.Contains(t, err.Error(), "end of input")
}

func TestMatch_RollsBackFailedAlternatives(t *testing.T) {
	grammar := Or("pair",
		Seq("", Val(KindLValue, TokenValue), Sym("=", KindNone), Val(KindRValue, TokenValue)),
		Seq("", Val(KindSValue, TokenValue)),
	)
	tokens, err := Tokenize("flag")
	require.NoError(t, err)

	nodes, err := Match(grammar, tokens)
	require.NoError(t, err)
	assert.Equal(t, []string{"svalue:flag"}, render(nodes))
}
