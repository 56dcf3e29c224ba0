package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphengine/graph"
	"graphengine/query"
)

var fixedNow = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestExecutor() *Executor {
	x := NewExecutor(func() time.Time { return fixedNow })
	n := 0
	x.newKey = func() string {
		n++
		return fmt.Sprintf("edge-%d", n)
	}
	return x
}

// run compiles text and executes it in a transaction on g, rolling back on
// failure the way the client does.
func run(t *testing.T, x *Executor, g *graph.Map, text string) ([]Row, error) {
	t.Helper()
	instrs, err := query.Compile(text)
	require.NoError(t, err, text)
	tx := NewTransactionManager().Begin(g)
	rows, err := x.Execute(tx, instrs)
	if err != nil {
		require.NoError(t, tx.Rollback())
		return nil, err
	}
	tx.Commit()
	return rows, nil
}

func keys(rows []Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Alias + "=" + r.Key()
	}
	return out
}

func TestExecutor_SearchesAndJoins(t *testing.T) {
	x := newTestExecutor()
	g := graph.NewMap()
	_, err := run(t, x, g, `
		add node [key=user:alice, role=admin];
		add node [key=user:bob];
		add node [key=proposal:1, open];
		add node [key=proposal:2];
		add edge [key=o1, from=user:alice, to=proposal:1, type=owns];
		add edge [key=o2, from=user:bob, to=proposal:2, type=owns];
		add edge [key=f1, from=user:alice, to=user:bob, type=friend, direction=both];`)
	require.NoError(t, err)

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"exact key", `select (key=user:alice) a return a;`, []string{"a=user:alice"}},
		{"prefix", `select (key=user:*) u return u;`, []string{"u=user:alice", "u=user:bob"}},
		{"tag filter", `select (*, open) p return p;`, []string{"p=proposal:1"}},
		{"tag value filter", `select (role=admin) a return a;`, []string{"a=user:alice"}},
		{"no return projects last step", `select (key=user:alice) -> [type=owns];`, []string{"=o1"}},
		{"node then edge forward", `select (key=user:alice) a edge[type=owns] e return a, e;`,
			[]string{"a=user:alice", "e=o1"}},
		{"node to node forward", `select (key=user:alice) -> (key=proposal:*) p return p;`,
			[]string{"p=proposal:1"}},
		{"right join walks backwards", `select (key=proposal:2) <- [type=owns] e <- (*) u return u;`,
			[]string{"u=user:bob"}},
		{"both-direction edge reaches both ends", `select (key=user:bob) -> [type=friend] e -> (*) n return n;`,
			[]string{"n=user:alice", "n=user:bob"}},
		{"full join", `select (key=proposal:1) <-> (*) n return n;`, []string{"n=user:alice"}},
		{"nodekey matches either endpoint", `select [nodekey=proposal:2] e return e;`, []string{"e=o2"}},
		{"no match is empty", `select (key=user:nobody) -> (*) n return n;`, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := run(t, x, g, tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.want, keys(rows))
		})
	}
}

func TestExecutor_UniqueEdge(t *testing.T) {
	x := newTestExecutor()
	g := graph.NewMap()
	_, err := run(t, x, g, `add node [key=user:bob]; add node [key=proposal:7];
		add edge [from=user:bob, to=proposal:7, type=owns, unique];`)
	require.NoError(t, err)

	_, err = run(t, x, g, `add edge [from=user:bob, to=proposal:7, type=owns, unique];`)
	assert.ErrorIs(t, err, ErrUniqueViolation)
	assert.Equal(t, StatusConflict, Classify(err))
	assert.Equal(t, 1, g.EdgeCount())

	_, err = run(t, x, g, `add edge [from=user:bob, to=proposal:7, type=reviews, unique];`)
	require.NoError(t, err)
	assert.Equal(t, 2, g.EdgeCount())
}

func TestExecutor_Upsert(t *testing.T) {
	x := newTestExecutor()
	g := graph.NewMap()
	_, err := run(t, x, g, `add node [key=a, v=1]; add node [key=b];
		add edge [from=a, to=b, type=t, w=1];`)
	require.NoError(t, err)

	_, err = run(t, x, g, `add node [key=a];`)
	assert.ErrorIs(t, err, graph.ErrNodeExists)

	_, err = run(t, x, g, `upsert node [key=a, v=2]; upsert edge [from=a, to=b, type=t, w=2];`)
	require.NoError(t, err)

	n, _ := g.Node("a")
	assert.Equal(t, graph.NewTags("v", "2"), n.Tags)
	edges := g.FindEdges("a", "b", "t")
	require.Len(t, edges, 1)
	assert.Equal(t, "edge-1", edges[0].Key, "upsert keeps the edge key")
	assert.Equal(t, graph.NewTags("w", "2"), edges[0].Tags)
}

func TestExecutor_EdgeNeedsEndpoints(t *testing.T) {
	x := newTestExecutor()
	g := graph.NewMap()
	_, err := run(t, x, g, `add node [key=a]; add edge [from=a, to=missing];`)
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)
	assert.Equal(t, StatusNotFound, Classify(err))
	assert.Zero(t, g.NodeCount(), "the whole command is undone")
}

func TestExecutor_UpdateAndDelete(t *testing.T) {
	x := newTestExecutor()
	g := graph.NewMap()
	_, err := run(t, x, g, `add node [key=user:a, stale]; add node [key=user:b, stale]; add node [key=doc:1];
		add edge [key=w1, from=user:a, to=doc:1, type=wrote];`)
	require.NoError(t, err)

	rows, err := run(t, x, g, `select (key=user:*) set reviewed=yes, -stale;`)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	for _, key := range []string{"user:a", "user:b"} {
		n, _ := g.Node(key)
		assert.Equal(t, graph.NewTags("reviewed", "yes"), n.Tags, key)
	}

	rows, err = run(t, x, g, `delete (key=user:a);`)
	require.NoError(t, err)
	assert.Equal(t, []string{"=user:a"}, keys(rows))
	_, ok := g.Edge("w1")
	assert.False(t, ok, "deleting a node removes its edges")

	rows, err = run(t, x, g, `delete (key=user:nobody);`)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
