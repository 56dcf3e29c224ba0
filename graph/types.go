package graph

import (
	"strings"
	"time"
)

// Direction controls how an edge is traversed by joins.
type Direction int

const (
	Directed Direction = iota
	Both
)

// String returns the keyword used in queries.
func (d Direction) String() string {
	switch d {
	case Directed:
		return "directed"
	case Both:
		return "both"
	default:
		return "unknown"
	}
}

// ParseDirection converts a query keyword to a Direction.
func ParseDirection(s string) (Direction, bool) {
	switch strings.ToLower(s) {
	case "directed", "":
		return Directed, true
	case "both":
		return Both, true
	default:
		return Directed, false
	}
}

// Node is a keyed graph vertex.
type Node struct {
	Key         string
	Tags        Tags
	CreatedDate time.Time
}

// Clone returns a deep copy of the node.
func (n Node) Clone() Node {
	n.Tags = n.Tags.Clone()
	return n
}

// Equal compares key and tags.
func (n Node) Equal(o Node) bool {
	return n.Key == o.Key && n.Tags.Equal(o.Tags) && n.CreatedDate.Equal(o.CreatedDate)
}

// Edge connects two nodes by key.
type Edge struct {
	Key         string
	FromKey     string
	ToKey       string
	EdgeType    string
	Direction   Direction
	Tags        Tags
	CreatedDate time.Time
}

// Clone returns a deep copy of the edge.
func (e Edge) Clone() Edge {
	e.Tags = e.Tags.Clone()
	return e
}

// Equal compares every field of the edge.
func (e Edge) Equal(o Edge) bool {
	return e.Key == o.Key &&
		e.FromKey == o.FromKey &&
		e.ToKey == o.ToKey &&
		e.EdgeType == o.EdgeType &&
		e.Direction == o.Direction &&
		e.Tags.Equal(o.Tags) &&
		e.CreatedDate.Equal(o.CreatedDate)
}

// Touches reports whether key is one of the edge endpoints.
func (e Edge) Touches(key string) bool {
	return e.FromKey == key || e.ToKey == key
}

// NodeKey builds a "{schema}:{identifier}" key.
func NodeKey(schema, id string) string {
	return strings.ToLower(schema) + ":" + id
}

// SplitKey splits a node key into schema and identifier. Keys without a
// schema return an empty schema.
func SplitKey(key string) (schema, id string) {
	schema, id, ok := strings.Cut(key, ":")
	if !ok {
		return "", key
	}
	return schema, id
}

// KeyMatch compares a key against a pattern. A pattern ending in "*" is a
// prefix match and "*" alone matches everything.
func KeyMatch(pattern, key string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(key, prefix)
	}
	return pattern == key
}
