package engine

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"graphengine/graph"
	"graphengine/query"
	"graphengine/store"
)

// Executor applies compiled instructions to a transaction.
type Executor struct {
	clock  store.Clock
	newKey func() string
}

// NewExecutor initializes a new Executor.
func NewExecutor(clock store.Clock) *Executor {
	if clock == nil {
		clock = store.SystemClock
	}
	return &Executor{clock: clock, newKey: uuid.NewString}
}

// binding is the result of one search step.
type binding struct {
	alias  string
	onEdge bool
	nodes  []graph.Node
	edges  []graph.Edge
}

func (b binding) rows() []Row {
	var out []Row
	if b.onEdge {
		for i := range b.edges {
			out = append(out, Row{Alias: b.alias, Edge: &b.edges[i]})
		}
		return out
	}
	for i := range b.nodes {
		out = append(out, Row{Alias: b.alias, Node: &b.nodes[i]})
	}
	return out
}

// Execute runs instrs in order against tx and returns the rows they
// produce. The caller rolls tx back when an error is returned.
func (x *Executor) Execute(tx *Transaction, instrs []query.Instruction) ([]Row, error) {
	log := logrus.WithFields(logrus.Fields{
		"component": "Executor",
		"txn_id":    tx.ID(),
	})
	var rows []Row
	for i, in := range instrs {
		log.WithField("instruction", in.String()).Debug("Executing instruction")
		var (
			out []Row
			err error
		)
		switch v := in.(type) {
		case query.NodeAdd:
			err = x.addNode(tx, v)
		case query.EdgeAdd:
			err = x.addEdge(tx, v)
		case query.Select:
			out, err = x.selectRows(tx.Graph(), v)
		case query.Update:
			out, err = x.update(tx, v)
		case query.Delete:
			out, err = x.delete(tx, v)
		default:
			err = fmt.Errorf("unsupported instruction %T", in)
		}
		if err != nil {
			log.WithError(err).WithField("statement", i).Debug("Instruction failed")
			return nil, fmt.Errorf("statement %d: %w", i+1, err)
		}
		rows = append(rows, out...)
	}
	return rows, nil
}

func (x *Executor) addNode(tx *Transaction, in query.NodeAdd) error {
	n := graph.Node{Key: in.Key, Tags: in.Tags.Clone(), CreatedDate: x.clock()}
	if !in.Upsert {
		return tx.AddNode(n)
	}
	if prev, ok := tx.Graph().Node(in.Key); ok {
		n.CreatedDate = prev.CreatedDate
	}
	tx.SetNode(n)
	return nil
}

func (x *Executor) addEdge(tx *Transaction, in query.EdgeAdd) error {
	g := tx.Graph()
	for _, k := range []string{in.FromKey, in.ToKey} {
		if _, ok := g.Node(k); !ok {
			return fmt.Errorf("edge endpoint %s: %w", k, graph.ErrNodeNotFound)
		}
	}
	e := graph.Edge{
		Key:         in.Key,
		FromKey:     in.FromKey,
		ToKey:       in.ToKey,
		EdgeType:    in.EdgeType,
		Direction:   in.Direction,
		Tags:        in.Tags.Clone(),
		CreatedDate: x.clock(),
	}
	linked := sameLink(g, e)

	if in.Upsert {
		var target *graph.Edge
		if prev, ok := g.Edge(in.Key); ok && in.Key != "" {
			target = &prev
		} else if len(linked) > 0 {
			target = &linked[0]
		}
		if target != nil {
			e.Key = target.Key
			e.CreatedDate = target.CreatedDate
			return tx.SetEdge(e)
		}
	} else if in.Unique && len(linked) > 0 {
		return fmt.Errorf("edge %s-[%s]->%s: %w", in.FromKey, in.EdgeType, in.ToKey, ErrUniqueViolation)
	}

	if e.Key == "" {
		e.Key = x.newKey()
	}
	return tx.AddEdge(e)
}

// sameLink returns the edges of e's type connecting e's endpoints. An
// edge in the opposite direction counts when either side is bidirectional.
func sameLink(g *graph.Map, e graph.Edge) []graph.Edge {
	out := g.FindEdges(e.FromKey, e.ToKey, e.EdgeType)
	if e.FromKey == e.ToKey {
		return out
	}
	for _, r := range g.FindEdges(e.ToKey, e.FromKey, e.EdgeType) {
		if r.Direction == graph.Both || e.Direction == graph.Both {
			out = append(out, r)
		}
	}
	return out
}

func (x *Executor) update(tx *Transaction, in query.Update) ([]Row, error) {
	b, err := x.lastStep(tx.Graph(), in.Select)
	if err != nil {
		return nil, err
	}
	apply := func(t graph.Tags) graph.Tags {
		t = t.Clone()
		if t == nil {
			t = graph.Tags{}
		}
		for name, value := range in.Set {
			t.Set(name, value)
		}
		for _, name := range in.Remove {
			t.Remove(name)
		}
		return t
	}
	if b.onEdge {
		for i, e := range b.edges {
			e.Tags = apply(e.Tags)
			if err := tx.SetEdge(e); err != nil {
				return nil, err
			}
			b.edges[i] = e
		}
	} else {
		for i, n := range b.nodes {
			n.Tags = apply(n.Tags)
			tx.SetNode(n)
			b.nodes[i] = n
		}
	}
	return b.rows(), nil
}

func (x *Executor) delete(tx *Transaction, in query.Delete) ([]Row, error) {
	b, err := x.lastStep(tx.Graph(), in.Select)
	if err != nil {
		return nil, err
	}
	if b.onEdge {
		for _, e := range b.edges {
			if _, err := tx.RemoveEdge(e.Key); err != nil {
				return nil, err
			}
		}
	} else {
		for _, n := range b.nodes {
			if _, _, err := tx.RemoveNode(n.Key); err != nil {
				return nil, err
			}
		}
	}
	return b.rows(), nil
}

func (x *Executor) lastStep(g *graph.Map, s query.Select) (binding, error) {
	bindings, err := x.search(g, s)
	if err != nil {
		return binding{}, err
	}
	if len(bindings) == 0 {
		return binding{}, fmt.Errorf("select has no search step: %w", store.ErrInvalidRequest)
	}
	return bindings[len(bindings)-1], nil
}

func (x *Executor) selectRows(g *graph.Map, s query.Select) ([]Row, error) {
	bindings, err := x.search(g, s)
	if err != nil {
		return nil, err
	}
	if len(bindings) == 0 {
		return nil, nil
	}
	if len(s.ReturnNames) == 0 {
		return bindings[len(bindings)-1].rows(), nil
	}
	var rows []Row
	for _, name := range s.ReturnNames {
		found := false
		for _, b := range bindings {
			if strings.EqualFold(b.alias, name) {
				rows = append(rows, b.rows()...)
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown alias %q: %w", name, store.ErrInvalidRequest)
		}
	}
	return rows, nil
}

// search evaluates every step of s. Each step after the first keeps only
// the entities related to the step before it under the pending join.
func (x *Executor) search(g *graph.Map, s query.Select) ([]binding, error) {
	var bindings []binding
	join := query.JoinForward
	for _, in := range s.Instructions {
		var b binding
		switch v := in.(type) {
		case query.Join:
			join = v.Kind
			continue
		case query.NodeSearch:
			b = binding{alias: v.Alias, nodes: searchNodes(g, v)}
		case query.EdgeSearch:
			b = binding{alias: v.Alias, onEdge: true, edges: searchEdges(g, v)}
		default:
			return nil, fmt.Errorf("unsupported select step %T", in)
		}
		if n := len(bindings); n > 0 {
			b = relate(g, bindings[n-1], b, join)
		}
		bindings = append(bindings, b)
		join = query.JoinForward
	}
	return bindings, nil
}

func searchNodes(g *graph.Map, s query.NodeSearch) []graph.Node {
	if s.Key != "" && !strings.HasSuffix(s.Key, "*") {
		n, ok := g.Node(s.Key)
		if !ok || !n.Tags.Match(s.Tags) {
			return nil
		}
		return []graph.Node{n}
	}
	var out []graph.Node
	for _, n := range g.Nodes() {
		if KeyFilter(s.Key, n.Key) && n.Tags.Match(s.Tags) {
			out = append(out, n)
		}
	}
	return out
}

func searchEdges(g *graph.Map, s query.EdgeSearch) []graph.Edge {
	var candidates []graph.Edge
	switch {
	case exact(s.Key):
		if e, ok := g.Edge(s.Key); ok {
			candidates = []graph.Edge{e}
		}
	case exact(s.FromKey):
		candidates = g.EdgesOf(s.FromKey)
	case exact(s.ToKey):
		candidates = g.EdgesOf(s.ToKey)
	case exact(s.NodeKey):
		candidates = g.EdgesOf(s.NodeKey)
	default:
		candidates = g.Edges()
	}
	var out []graph.Edge
	for _, e := range candidates {
		switch {
		case !KeyFilter(s.Key, e.Key),
			!KeyFilter(s.FromKey, e.FromKey),
			!KeyFilter(s.ToKey, e.ToKey),
			s.NodeKey != "" && !KeyFilter(s.NodeKey, e.FromKey) && !KeyFilter(s.NodeKey, e.ToKey),
			s.EdgeType != "" && s.EdgeType != e.EdgeType,
			!e.Tags.Match(s.Tags):
			continue
		}
		out = append(out, e)
	}
	return out
}

func exact(pattern string) bool {
	return pattern != "" && !strings.HasSuffix(pattern, "*")
}

// KeyFilter reports whether key passes an optional key pattern. An empty
// pattern passes everything.
func KeyFilter(pattern, key string) bool {
	return pattern == "" || graph.KeyMatch(pattern, key)
}

// traversable reports whether e can be walked starting at node k.
func traversable(e graph.Edge, k string, kind query.JoinKind) bool {
	both := e.Direction == graph.Both
	switch kind {
	case query.JoinRight:
		return e.ToKey == k || (both && e.FromKey == k)
	case query.JoinFull:
		return e.Touches(k)
	default:
		return e.FromKey == k || (both && e.ToKey == k)
	}
}

// frontier returns the nodes reached by walking edges under kind.
func frontier(edges []graph.Edge, kind query.JoinKind) map[string]bool {
	out := make(map[string]bool)
	for _, e := range edges {
		both := e.Direction == graph.Both
		switch kind {
		case query.JoinRight:
			out[e.FromKey] = true
			if both {
				out[e.ToKey] = true
			}
		case query.JoinFull:
			out[e.FromKey] = true
			out[e.ToKey] = true
		default:
			out[e.ToKey] = true
			if both {
				out[e.FromKey] = true
			}
		}
	}
	return out
}

func nodeKeys(nodes []graph.Node) map[string]bool {
	out := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		out[n.Key] = true
	}
	return out
}

// relate narrows next to what prev reaches under kind.
func relate(g *graph.Map, prev, next binding, kind query.JoinKind) binding {
	var from map[string]bool
	switch {
	case prev.onEdge:
		from = frontier(prev.edges, kind)
	case !next.onEdge:
		// Node to node: step over one edge.
		reached := make(map[string]bool)
		for _, n := range prev.nodes {
			for _, e := range g.EdgesOf(n.Key) {
				if !traversable(e, n.Key, kind) {
					continue
				}
				if e.FromKey == n.Key {
					reached[e.ToKey] = true
				} else {
					reached[e.FromKey] = true
				}
			}
		}
		next.nodes = keepNodes(next.nodes, reached)
		return next
	default:
		from = nodeKeys(prev.nodes)
	}

	if !next.onEdge {
		next.nodes = keepNodes(next.nodes, from)
		return next
	}
	kept := next.edges[:0]
	for _, e := range next.edges {
		if (from[e.FromKey] && traversable(e, e.FromKey, kind)) ||
			(from[e.ToKey] && traversable(e, e.ToKey, kind)) {
			kept = append(kept, e)
		}
	}
	next.edges = kept
	return next
}

func keepNodes(nodes []graph.Node, keys map[string]bool) []graph.Node {
	kept := nodes[:0]
	for _, n := range nodes {
		if keys[n.Key] {
			kept = append(kept, n)
		}
	}
	return kept
}
