package query

import (
	"fmt"
	"strings"

	"graphengine/graph"
)

// Instruction is one compiled statement: NodeAdd, EdgeAdd, Select, Update
// or Delete.
type Instruction interface {
	fmt.Stringer
	instruction()
}

// SelectInstruction is one step of a Select: NodeSearch, EdgeSearch or Join.
type SelectInstruction interface {
	fmt.Stringer
	selectInstruction()
}

// NodeAdd creates a node, or replaces it when Upsert is set.
type NodeAdd struct {
	Key    string
	Tags   graph.Tags
	Upsert bool
}

// EdgeAdd creates an edge between two existing nodes. Key is optional and
// generated at execution time when empty.
type EdgeAdd struct {
	Key       string
	FromKey   string
	ToKey     string
	EdgeType  string
	Direction graph.Direction
	Tags      graph.Tags
	Unique    bool
	Upsert    bool
}

// NodeSearch matches nodes by key pattern and tags.
type NodeSearch struct {
	Key   string
	Tags  graph.Tags
	Alias string
}

// EdgeSearch matches edges. NodeKey matches either endpoint.
type EdgeSearch struct {
	Key      string
	FromKey  string
	ToKey    string
	NodeKey  string
	EdgeType string
	Tags     graph.Tags
	Alias    string
}

// JoinKind controls how a search step relates to the one before it.
type JoinKind int

const (
	JoinForward JoinKind = iota
	JoinFull
	JoinRight
)

func (k JoinKind) String() string {
	switch k {
	case JoinForward:
		return "forward"
	case JoinFull:
		return "full"
	case JoinRight:
		return "right"
	default:
		return "unknown"
	}
}

// Join modifies the relation between the preceding step and the next one.
type Join struct {
	Kind JoinKind
}

// Select is an ordered sequence of search steps and joins. ReturnNames
// lists the aliases to project; when empty the last step is returned.
type Select struct {
	Instructions []SelectInstruction
	ReturnNames  []string
}

// Update applies tag changes to everything matched by the last step of
// Select.
type Update struct {
	Select Select
	Set    graph.Tags
	Remove []string
}

// Delete removes everything matched by the last step of Select. Node
// deletes cascade to their edges.
type Delete struct {
	Select Select
}

func (NodeAdd) instruction() {}
func (EdgeAdd) instruction() {}
func (Select) instruction()  {}
func (Update) instruction()  {}
func (Delete) instruction()  {}

func (NodeSearch) selectInstruction() {}
func (EdgeSearch) selectInstruction() {}
func (Join) selectInstruction()       {}

// Mutates reports whether executing the instruction changes the graph.
func Mutates(in Instruction) bool {
	switch in.(type) {
	case Select:
		return false
	default:
		return true
	}
}

type fields []string

func (f *fields) add(name, value string) {
	if value != "" {
		*f = append(*f, name+"="+value)
	}
}

func (f *fields) flag(name string, on bool) {
	if on {
		*f = append(*f, name)
	}
}

func (f *fields) tags(t graph.Tags) {
	if len(t) > 0 {
		*f = append(*f, "tags=["+t.String()+"]")
	}
}

func (f fields) join(head string) string {
	if len(f) == 0 {
		return head
	}
	return head + " " + strings.Join(f, " ")
}

func (n NodeAdd) String() string {
	var f fields
	f.add("key", n.Key)
	f.tags(n.Tags)
	return f.join(verb(n.Upsert) + " node")
}

func (e EdgeAdd) String() string {
	var f fields
	f.add("key", e.Key)
	f.add("from", e.FromKey)
	f.add("to", e.ToKey)
	f.add("type", e.EdgeType)
	f.add("direction", e.Direction.String())
	f.flag("unique", e.Unique)
	f.tags(e.Tags)
	return f.join(verb(e.Upsert) + " edge")
}

func verb(upsert bool) string {
	if upsert {
		return "upsert"
	}
	return "add"
}

func (n NodeSearch) String() string {
	var f fields
	f.add("key", n.Key)
	f.tags(n.Tags)
	f.add("alias", n.Alias)
	return f.join("node")
}

func (e EdgeSearch) String() string {
	var f fields
	f.add("key", e.Key)
	f.add("from", e.FromKey)
	f.add("to", e.ToKey)
	f.add("nodekey", e.NodeKey)
	f.add("type", e.EdgeType)
	f.tags(e.Tags)
	f.add("alias", e.Alias)
	return f.join("edge")
}

func (j Join) String() string { return "join " + j.Kind.String() }

func (s Select) String() string {
	steps := make([]string, len(s.Instructions))
	for i, in := range s.Instructions {
		steps[i] = in.String()
	}
	out := "select { " + strings.Join(steps, "; ") + " }"
	if len(s.ReturnNames) > 0 {
		out += " return " + strings.Join(s.ReturnNames, ",")
	}
	return out
}

func (u Update) String() string {
	var f fields
	if len(u.Set) > 0 {
		f = append(f, "set=["+u.Set.String()+"]")
	}
	if len(u.Remove) > 0 {
		f = append(f, "remove=["+strings.Join(u.Remove, ",")+"]")
	}
	return f.join("update " + u.Select.String())
}

func (d Delete) String() string {
	return "delete " + d.Select.String()
}

// Steps returns the search steps of the select, skipping joins.
func (s Select) Steps() []SelectInstruction {
	var out []SelectInstruction
	for _, in := range s.Instructions {
		if _, ok := in.(Join); !ok {
			out = append(out, in)
		}
	}
	return out
}
