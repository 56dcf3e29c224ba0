package graph

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// Map is the in-memory working graph. It is not safe for concurrent
// mutation; the engine serializes writers per path.
type Map struct {
	nodes map[string]Node
	edges map[string]Edge
	index *edgeIndex
}

// NewMap returns an empty graph.
func NewMap() *Map {
	return &Map{
		nodes: make(map[string]Node),
		edges: make(map[string]Edge),
		index: newEdgeIndex(),
	}
}

// NodeCount returns the number of nodes.
func (m *Map) NodeCount() int { return len(m.nodes) }

// EdgeCount returns the number of edges.
func (m *Map) EdgeCount() int { return len(m.edges) }

// AddNode inserts a node that must not already exist.
func (m *Map) AddNode(n Node) error {
	log := logrus.WithFields(logrus.Fields{
		"component": "GraphMap",
		"node_key":  n.Key,
	})
	if n.Key == "" {
		return fmt.Errorf("add node: %w: empty key", ErrInvalidKey)
	}
	if _, exists := m.nodes[n.Key]; exists {
		log.Debug("Node already exists")
		return fmt.Errorf("node %s: %w", n.Key, ErrNodeExists)
	}
	m.nodes[n.Key] = n.Clone()
	log.Debug("Node added")
	return nil
}

// SetNode inserts or replaces a node, returning the previous value.
func (m *Map) SetNode(n Node) (Node, bool) {
	prev, existed := m.nodes[n.Key]
	m.nodes[n.Key] = n.Clone()
	return prev, existed
}

// RemoveNode deletes a node and every edge touching it. The removed edges
// are returned so callers can undo the operation.
func (m *Map) RemoveNode(key string) (Node, []Edge, error) {
	n, ok := m.nodes[key]
	if !ok {
		return Node{}, nil, fmt.Errorf("node %s: %w", key, ErrNodeNotFound)
	}
	removed := m.EdgesOf(key)
	for _, e := range removed {
		m.index.remove(e)
		delete(m.edges, e.Key)
	}
	delete(m.nodes, key)
	logrus.WithFields(logrus.Fields{
		"component":     "GraphMap",
		"node_key":      key,
		"removed_edges": len(removed),
	}).Debug("Node removed")
	return n, removed, nil
}

// Node returns a copy of the node stored under key.
func (m *Map) Node(key string) (Node, bool) {
	n, ok := m.nodes[key]
	if !ok {
		return Node{}, false
	}
	return n.Clone(), true
}

// Nodes returns copies of all nodes ordered by key.
func (m *Map) Nodes() []Node {
	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// AddEdge inserts an edge whose endpoints must exist.
func (m *Map) AddEdge(e Edge) error {
	log := logrus.WithFields(logrus.Fields{
		"component": "GraphMap",
		"edge_key":  e.Key,
		"from":      e.FromKey,
		"to":        e.ToKey,
	})
	if e.Key == "" {
		return fmt.Errorf("add edge: %w: empty key", ErrInvalidKey)
	}
	if _, exists := m.edges[e.Key]; exists {
		return fmt.Errorf("edge %s: %w", e.Key, ErrEdgeExists)
	}
	for _, k := range []string{e.FromKey, e.ToKey} {
		if _, ok := m.nodes[k]; !ok {
			log.Debug("Edge endpoint missing")
			return fmt.Errorf("edge endpoint %s: %w", k, ErrNodeNotFound)
		}
	}
	if err := m.index.insert(e); err != nil {
		log.WithError(err).Error("Failed to index edge")
		return err
	}
	m.edges[e.Key] = e.Clone()
	log.Debug("Edge added")
	return nil
}

// SetEdge replaces an existing edge (matched by key) or inserts a new one.
func (m *Map) SetEdge(e Edge) (Edge, bool, error) {
	prev, existed := m.edges[e.Key]
	if existed {
		m.index.remove(prev)
		delete(m.edges, e.Key)
	}
	if err := m.AddEdge(e); err != nil {
		if existed {
			m.edges[prev.Key] = prev
			_ = m.index.insert(prev)
		}
		return Edge{}, false, err
	}
	return prev, existed, nil
}

// RemoveEdge deletes an edge by key.
func (m *Map) RemoveEdge(key string) (Edge, error) {
	e, ok := m.edges[key]
	if !ok {
		return Edge{}, fmt.Errorf("edge %s: %w", key, ErrEdgeNotFound)
	}
	m.index.remove(e)
	delete(m.edges, key)
	return e, nil
}

// Edge returns a copy of the edge stored under key.
func (m *Map) Edge(key string) (Edge, bool) {
	e, ok := m.edges[key]
	if !ok {
		return Edge{}, false
	}
	return e.Clone(), true
}

// Edges returns copies of all edges in a stable order.
func (m *Map) Edges() []Edge {
	out := make([]Edge, 0, len(m.edges))
	for _, e := range m.edges {
		out = append(out, e.Clone())
	}
	sortEdges(out)
	return out
}

// EdgesOf returns the edges touching a node.
func (m *Map) EdgesOf(nodeKey string) []Edge {
	keys := m.index.search(nodeKey)
	out := make([]Edge, 0, len(keys))
	for _, k := range keys {
		if e, ok := m.edges[k]; ok {
			out = append(out, e.Clone())
		}
	}
	sortEdges(out)
	return out
}

// FindEdges returns edges between from and to with the given type.
// An empty edgeType matches only untyped edges.
func (m *Map) FindEdges(from, to, edgeType string) []Edge {
	var out []Edge
	for _, e := range m.EdgesOf(from) {
		if e.FromKey == from && e.ToKey == to && e.EdgeType == edgeType {
			out = append(out, e)
		}
	}
	return out
}

// Clone returns a deep copy of the graph.
func (m *Map) Clone() *Map {
	c := &Map{
		nodes: make(map[string]Node, len(m.nodes)),
		edges: make(map[string]Edge, len(m.edges)),
		index: m.index.clone(),
	}
	for k, n := range m.nodes {
		c.nodes[k] = n.Clone()
	}
	for k, e := range m.edges {
		c.edges[k] = e.Clone()
	}
	return c
}

// Equal reports whether both graphs hold the same nodes, edges and tags.
func (m *Map) Equal(o *Map) bool {
	if len(m.nodes) != len(o.nodes) || len(m.edges) != len(o.edges) {
		return false
	}
	for k, n := range m.nodes {
		on, ok := o.nodes[k]
		if !ok || !n.Equal(on) {
			return false
		}
	}
	for k, e := range m.edges {
		oe, ok := o.edges[k]
		if !ok || !e.Equal(oe) {
			return false
		}
	}
	return true
}

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.FromKey != b.FromKey {
			return a.FromKey < b.FromKey
		}
		if a.ToKey != b.ToKey {
			return a.ToKey < b.ToKey
		}
		if a.EdgeType != b.EdgeType {
			return a.EdgeType < b.EdgeType
		}
		return a.Key < b.Key
	})
}
