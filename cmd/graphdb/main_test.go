package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args against a fresh bolt file unless
// args already name a store.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func storeArgs(t *testing.T) []string {
	return []string{"--backend", "bolt", "--store-path", filepath.Join(t.TempDir(), "graph.db")}
}

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"exec", "repl", "dump"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
}

func TestExec_PersistsAcrossInvocations(t *testing.T) {
	args := storeArgs(t)

	out, err := execute(t, "", append(args, "exec",
		"add node [key=user:bob]; add node [key=proposal:7]; add edge [key=e1, from=user:bob, to=proposal:7, type=owns, unique];")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Ok (0 rows)")

	out, err = execute(t, "", append(args, "exec", "select edge[from=user:bob, type=owns] e return e;")...)
	require.NoError(t, err)
	assert.Contains(t, out, "e edge e1 user:bob-[owns]->proposal:7")
	assert.Contains(t, out, "Ok (1 rows)")

	out, err = execute(t, "", append(args, "exec", "add edge [from=user:bob, to=proposal:7, type=owns, unique];")...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, exitCode(err))
	assert.Contains(t, out, "Conflict:")
}

func TestExec_JSONFromStdin(t *testing.T) {
	args := append(storeArgs(t), "--format", "json", "exec", "-")
	out, err := execute(t, "add node [key=a, role=admin]; select (key=a) n return n;", args...)
	require.NoError(t, err)

	var res jsonResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "Ok", res.Status)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "n", res.Rows[0].Alias)
	require.NotNil(t, res.Rows[0].Node)
	assert.Equal(t, map[string]string{"role": "admin"}, res.Rows[0].Node.Tags)
}

func TestExec_BadInput(t *testing.T) {
	_, err := execute(t, "", append(storeArgs(t), "--format", "yaml", "exec", "select (*);")...)
	assert.Equal(t, ExitCommandError, exitCode(err))

	_, err = execute(t, "", append(storeArgs(t), "exec")...)
	assert.Equal(t, ExitCommandError, exitCode(err))

	out, err := execute(t, "", append(storeArgs(t), "exec", "select (key=a")...)
	assert.Equal(t, ExitFailure, exitCode(err))
	assert.Contains(t, out, "BadRequest: syntax error")
}

func TestRepl_Session(t *testing.T) {
	args := storeArgs(t)
	script := strings.Join([]string{
		".help",
		"add node [key=user:alice];",
		"add node [key=user:bob];",
		"select (key=user:*) u",
		"  return u;",
		".stats",
		".use graphs/other",
		".stats",
		".locks",
		".metrics",
		".bogus",
		".exit",
		"select (*);",
	}, "\n")

	out, err := execute(t, script, append(args, "repl")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Statements end with ';'")
	assert.Contains(t, out, "u node user:alice")
	assert.Contains(t, out, "u node user:bob")
	assert.Contains(t, out, "Graph graph: 2 nodes, 0 edges")
	assert.Contains(t, out, "Graph graphs/other: 0 nodes, 0 edges")
	assert.Contains(t, out, "graphs/other shared lease")
	assert.Contains(t, out, `graphengine_lock_acquired_total{mode=exclusive} 2`)
	assert.Contains(t, out, "unknown command: .bogus")
	assert.Contains(t, out, "Goodbye!")
	assert.Equal(t, 1, strings.Count(out, "Ok (2 rows)"), "input after .exit is ignored")
}

func TestDump(t *testing.T) {
	args := storeArgs(t)
	_, err := execute(t, "", append(args, "exec", "add node [key=a]; add node [key=b]; add edge [key=ab, from=a, to=b, type=next];")...)
	require.NoError(t, err)

	out, err := execute(t, "", append(args, "dump")...)
	require.NoError(t, err)
	assert.Contains(t, out, "edge ab a-[next]->b directed")
	assert.Contains(t, out, "2 nodes, 1 edges")
}
