package query

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"graphengine/graph"
	"graphengine/lang"
)

// BuildError is a semantic error found while assembling instructions.
type BuildError struct {
	Message string
	Node    lang.SyntaxNode
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build error at position %d: %s", e.Node.Pos, e.Message)
}

func buildErr(n lang.SyntaxNode, format string, args ...any) *BuildError {
	return &BuildError{Message: fmt.Sprintf(format, args...), Node: n}
}

// stack hands syntax nodes to the builder. The first parsed node is on top.
type stack struct {
	items []lang.SyntaxNode
}

func newStack(nodes []lang.SyntaxNode) *stack {
	items := make([]lang.SyntaxNode, len(nodes))
	for i, n := range nodes {
		items[len(nodes)-1-i] = n
	}
	return &stack{items: items}
}

func (s *stack) Pop() (lang.SyntaxNode, bool) {
	if len(s.items) == 0 {
		return lang.SyntaxNode{}, false
	}
	n := s.items[len(s.items)-1]
	s.items = s.items[:len(s.items)-1]
	return n, true
}

func (s *stack) Peek() (lang.SyntaxNode, bool) {
	if len(s.items) == 0 {
		return lang.SyntaxNode{}, false
	}
	return s.items[len(s.items)-1], true
}

func (s *stack) PushBack(n lang.SyntaxNode) { s.items = append(s.items, n) }

func (s *stack) Len() int { return len(s.items) }

// Compile parses and builds query text.
func Compile(text string) ([]Instruction, error) {
	nodes, err := lang.Parse(text)
	if err != nil {
		return nil, err
	}
	return Build(nodes)
}

// Build assembles instructions from a syntax stack. Statements are built in
// the order they were written.
func Build(nodes []lang.SyntaxNode) ([]Instruction, error) {
	log := logrus.WithField("component", "Builder")
	st := newStack(nodes)
	var out []Instruction
	var open *Select

	for st.Len() > 0 {
		n, _ := st.Pop()
		if open != nil && n.Kind != lang.KindUpdateSet {
			return nil, buildErr(n, "no closure for select")
		}
		switch n.Kind {
		case lang.KindAdd, lang.KindUpsert:
			in, err := buildAdd(st, n)
			if err != nil {
				return nil, err
			}
			out = append(out, in)
		case lang.KindSelect:
			sel, terminated, err := buildSelect(st, n)
			if err != nil {
				return nil, err
			}
			if !terminated {
				open = &sel
				continue
			}
			out = append(out, sel)
		case lang.KindDelete:
			sel, terminated, err := buildSelect(st, n)
			if err != nil {
				return nil, err
			}
			if !terminated || len(sel.ReturnNames) > 0 {
				return nil, buildErr(n, "delete takes no return or set clause")
			}
			out = append(out, Delete{Select: sel})
		case lang.KindUpdateSet:
			if open == nil {
				return nil, buildErr(n, "update-set without select")
			}
			upd, err := buildUpdate(st, n, *open)
			if err != nil {
				return nil, err
			}
			open = nil
			out = append(out, upd)
		case lang.KindNone, lang.KindNodeGroup, lang.KindEdgeGroup, lang.KindGroupEnd,
			lang.KindLValue, lang.KindRValue, lang.KindSValue, lang.KindAlias,
			lang.KindJoin, lang.KindFullJoin, lang.KindRightJoin,
			lang.KindReturn, lang.KindReturnName, lang.KindTerm:
			return nil, buildErr(n, "unexpected syntax node %s", n.Kind)
		default:
			return nil, buildErr(n, "unexpected syntax node %s", n.Kind)
		}
	}
	if open != nil {
		return nil, &BuildError{Message: "no closure for select"}
	}
	log.WithField("instruction_count", len(out)).Debug("Build complete")
	return out, nil
}

type pair struct {
	name  string
	value string
	bare  bool
	node  lang.SyntaxNode
}

// readGroup pops the key/value pairs of a group up to its group-end.
func readGroup(st *stack, open lang.SyntaxNode) ([]pair, error) {
	var pairs []pair
	for {
		n, ok := st.Pop()
		if !ok {
			return nil, buildErr(open, "no closure for %s", open.Kind)
		}
		switch n.Kind {
		case lang.KindGroupEnd:
			return pairs, nil
		case lang.KindLValue:
			v, ok := st.Pop()
			if !ok {
				return nil, buildErr(open, "no closure for %s", open.Kind)
			}
			if v.Kind != lang.KindRValue {
				return nil, buildErr(v, "unexpected syntax node %s", v.Kind)
			}
			pairs = append(pairs, pair{name: n.Value, value: v.Value, node: n})
		case lang.KindSValue:
			pairs = append(pairs, pair{name: n.Value, bare: true, node: n})
		default:
			return nil, buildErr(n, "unexpected syntax node %s", n.Kind)
		}
	}
}

// reserved captures each reserved key at most once.
type reserved struct {
	names map[string]string
	seen  map[string]bool
	dst   map[string]*string
}

// newReserved maps query spellings to a canonical field name and target.
func newReserved() *reserved {
	return &reserved{names: map[string]string{}, seen: map[string]bool{}, dst: map[string]*string{}}
}

func (r *reserved) field(canonical string, dst *string, spellings ...string) *reserved {
	for _, s := range spellings {
		r.names[s] = canonical
	}
	r.dst[canonical] = dst
	return r
}

// take assigns p to its reserved field. It reports false when p is not
// reserved.
func (r *reserved) take(p pair) (bool, error) {
	if p.bare {
		return false, nil
	}
	canonical, ok := r.names[strings.ToLower(p.name)]
	if !ok {
		return false, nil
	}
	if r.seen[canonical] {
		return true, buildErr(p.node, "%s already specified", canonical)
	}
	r.seen[canonical] = true
	*r.dst[canonical] = p.value
	return true, nil
}

func (r *reserved) mark(canonical string, p pair) error {
	if r.seen[canonical] {
		return buildErr(p.node, "%s already specified", canonical)
	}
	r.seen[canonical] = true
	return nil
}

func addTag(tags graph.Tags, p pair) error {
	value := p.value
	if p.bare {
		value = ""
	}
	if err := tags.Add(p.name, value); err != nil {
		return buildErr(p.node, "%v", err)
	}
	return nil
}

func buildAdd(st *stack, verb lang.SyntaxNode) (Instruction, error) {
	upsert := verb.Kind == lang.KindUpsert
	group, ok := st.Pop()
	if !ok {
		return nil, buildErr(verb, "no closure for %s", verb.Kind)
	}
	pairs, err := readGroup(st, group)
	if err != nil {
		return nil, err
	}
	if err := expectTerm(st, verb); err != nil {
		return nil, err
	}

	switch group.Kind {
	case lang.KindNodeGroup:
		in := NodeAdd{Tags: graph.Tags{}, Upsert: upsert}
		r := newReserved().field("Key", &in.Key, "key")
		for _, p := range pairs {
			taken, err := r.take(p)
			if err != nil {
				return nil, err
			}
			if !taken {
				if err := addTag(in.Tags, p); err != nil {
					return nil, err
				}
			}
		}
		if in.Key == "" {
			return nil, buildErr(group, "missing required Key")
		}
		return in, nil
	case lang.KindEdgeGroup:
		in := EdgeAdd{Tags: graph.Tags{}, Upsert: upsert}
		var direction string
		r := newReserved().
			field("Key", &in.Key, "key").
			field("FromKey", &in.FromKey, "fromkey", "from").
			field("ToKey", &in.ToKey, "tokey", "to").
			field("EdgeType", &in.EdgeType, "edgetype", "type").
			field("Direction", &direction, "direction")
		for _, p := range pairs {
			if p.bare && strings.EqualFold(p.name, "unique") {
				if err := r.mark("Unique", p); err != nil {
					return nil, err
				}
				in.Unique = true
				continue
			}
			taken, err := r.take(p)
			if err != nil {
				return nil, err
			}
			if !taken {
				if err := addTag(in.Tags, p); err != nil {
					return nil, err
				}
			}
		}
		d, ok := graph.ParseDirection(direction)
		if !ok {
			return nil, buildErr(group, "invalid direction %q", direction)
		}
		in.Direction = d
		if in.FromKey == "" {
			return nil, buildErr(group, "missing required FromKey")
		}
		if in.ToKey == "" {
			return nil, buildErr(group, "missing required ToKey")
		}
		return in, nil
	default:
		return nil, buildErr(group, "unexpected syntax node %s", group.Kind)
	}
}

// buildSelect builds search steps until a term. It stops early, pushing the
// node back, when an update-set follows the steps.
func buildSelect(st *stack, verb lang.SyntaxNode) (Select, bool, error) {
	var sel Select
	aliases := map[string]bool{}
	declare := func(alias string, n lang.SyntaxNode) error {
		if alias == "" {
			return nil
		}
		key := strings.ToLower(alias)
		if aliases[key] {
			return buildErr(n, "alias %q already specified", alias)
		}
		aliases[key] = true
		return nil
	}

	for {
		n, ok := st.Pop()
		if !ok {
			return Select{}, false, buildErr(verb, "no closure for %s", verb.Kind)
		}
		switch n.Kind {
		case lang.KindNodeGroup:
			ns, err := buildNodeSearch(st, n)
			if err != nil {
				return Select{}, false, err
			}
			if err := declare(ns.Alias, n); err != nil {
				return Select{}, false, err
			}
			sel.Instructions = append(sel.Instructions, ns)
		case lang.KindEdgeGroup:
			es, err := buildEdgeSearch(st, n)
			if err != nil {
				return Select{}, false, err
			}
			if err := declare(es.Alias, n); err != nil {
				return Select{}, false, err
			}
			sel.Instructions = append(sel.Instructions, es)
		case lang.KindJoin:
			sel.Instructions = append(sel.Instructions, Join{Kind: JoinForward})
		case lang.KindFullJoin:
			sel.Instructions = append(sel.Instructions, Join{Kind: JoinFull})
		case lang.KindRightJoin:
			sel.Instructions = append(sel.Instructions, Join{Kind: JoinRight})
		case lang.KindReturn:
			for {
				rn, ok := st.Peek()
				if !ok || rn.Kind != lang.KindReturnName {
					break
				}
				st.Pop()
				if !aliases[strings.ToLower(rn.Value)] {
					return Select{}, false, buildErr(rn, "unknown alias %q", rn.Value)
				}
				sel.ReturnNames = append(sel.ReturnNames, rn.Value)
			}
			if len(sel.ReturnNames) == 0 {
				return Select{}, false, buildErr(n, "return needs at least one name")
			}
		case lang.KindUpdateSet:
			st.PushBack(n)
			return sel, false, validateSelect(sel, verb)
		case lang.KindTerm:
			return sel, true, validateSelect(sel, verb)
		default:
			return Select{}, false, buildErr(n, "unexpected syntax node %s", n.Kind)
		}
	}
}

func validateSelect(sel Select, verb lang.SyntaxNode) error {
	if len(sel.Steps()) == 0 {
		return buildErr(verb, "%s needs at least one search step", verb.Kind)
	}
	if _, ok := sel.Instructions[len(sel.Instructions)-1].(Join); ok {
		return buildErr(verb, "join must be followed by a search step")
	}
	return nil
}

func buildNodeSearch(st *stack, group lang.SyntaxNode) (NodeSearch, error) {
	pairs, err := readGroup(st, group)
	if err != nil {
		return NodeSearch{}, err
	}
	in := NodeSearch{Tags: graph.Tags{}}
	r := newReserved().field("Key", &in.Key, "key")
	for _, p := range pairs {
		if p.bare && p.name == "*" {
			if err := r.mark("Key", p); err != nil {
				return NodeSearch{}, err
			}
			in.Key = "*"
			continue
		}
		taken, err := r.take(p)
		if err != nil {
			return NodeSearch{}, err
		}
		if !taken {
			if err := addTag(in.Tags, p); err != nil {
				return NodeSearch{}, err
			}
		}
	}
	in.Alias = popAlias(st)
	return in, nil
}

func buildEdgeSearch(st *stack, group lang.SyntaxNode) (EdgeSearch, error) {
	pairs, err := readGroup(st, group)
	if err != nil {
		return EdgeSearch{}, err
	}
	in := EdgeSearch{Tags: graph.Tags{}}
	r := newReserved().
		field("Key", &in.Key, "key").
		field("FromKey", &in.FromKey, "fromkey", "from").
		field("ToKey", &in.ToKey, "tokey", "to").
		field("NodeKey", &in.NodeKey, "nodekey").
		field("EdgeType", &in.EdgeType, "edgetype", "type")
	for _, p := range pairs {
		if p.bare && p.name == "*" {
			continue
		}
		taken, err := r.take(p)
		if err != nil {
			return EdgeSearch{}, err
		}
		if !taken {
			if err := addTag(in.Tags, p); err != nil {
				return EdgeSearch{}, err
			}
		}
	}
	in.Alias = popAlias(st)
	return in, nil
}

func popAlias(st *stack) string {
	if n, ok := st.Peek(); ok && n.Kind == lang.KindAlias {
		st.Pop()
		return n.Value
	}
	return ""
}

func buildUpdate(st *stack, set lang.SyntaxNode, sel Select) (Update, error) {
	upd := Update{Select: sel, Set: graph.Tags{}}
	removed := map[string]bool{}
	for {
		n, ok := st.Pop()
		if !ok {
			return Update{}, buildErr(set, "no closure for %s", set.Kind)
		}
		switch n.Kind {
		case lang.KindTerm:
			if len(upd.Set) == 0 && len(upd.Remove) == 0 {
				return Update{}, buildErr(set, "update-set needs at least one tag")
			}
			return upd, nil
		case lang.KindLValue:
			v, ok := st.Pop()
			if !ok || v.Kind != lang.KindRValue {
				return Update{}, buildErr(n, "unexpected syntax node %s", v.Kind)
			}
			if err := addTag(upd.Set, pair{name: n.Value, value: v.Value, node: n}); err != nil {
				return Update{}, err
			}
		case lang.KindSValue:
			if name, ok := strings.CutPrefix(n.Value, "-"); ok && name != "" {
				name = strings.ToLower(name)
				if removed[name] || upd.Set.Has(name) {
					return Update{}, buildErr(n, "duplicate tag %q", name)
				}
				removed[name] = true
				upd.Remove = append(upd.Remove, name)
				continue
			}
			if removed[strings.ToLower(n.Value)] {
				return Update{}, buildErr(n, "duplicate tag %q", strings.ToLower(n.Value))
			}
			if err := addTag(upd.Set, pair{name: n.Value, bare: true, node: n}); err != nil {
				return Update{}, err
			}
		default:
			return Update{}, buildErr(n, "unexpected syntax node %s", n.Kind)
		}
	}
}

func expectTerm(st *stack, verb lang.SyntaxNode) error {
	n, ok := st.Pop()
	if !ok {
		return buildErr(verb, "no closure for %s", verb.Kind)
	}
	if n.Kind != lang.KindTerm {
		return buildErr(n, "unexpected syntax node %s", n.Kind)
	}
	return nil
}
