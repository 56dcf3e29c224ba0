package graph

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// edgeIndex maps node keys to the keys of the edges touching them.
type edgeIndex struct {
	byNode map[string]map[string]struct{}
}

func newEdgeIndex() *edgeIndex {
	return &edgeIndex{byNode: make(map[string]map[string]struct{})}
}

// insert registers an edge under both of its endpoints.
func (ix *edgeIndex) insert(e Edge) error {
	log := logrus.WithFields(logrus.Fields{
		"component": "EdgeIndex",
		"edge_key":  e.Key,
	})
	for _, nodeKey := range []string{e.FromKey, e.ToKey} {
		set, ok := ix.byNode[nodeKey]
		if !ok {
			set = make(map[string]struct{})
			ix.byNode[nodeKey] = set
		}
		if _, exists := set[e.Key]; exists && e.FromKey != e.ToKey {
			log.Error("Edge already indexed")
			return fmt.Errorf("edge %s already indexed under %s", e.Key, nodeKey)
		}
		set[e.Key] = struct{}{}
	}
	log.Debug("Edge inserted into index")
	return nil
}

// remove drops an edge from both endpoints and cleans up empty entries.
func (ix *edgeIndex) remove(e Edge) {
	for _, nodeKey := range []string{e.FromKey, e.ToKey} {
		set, ok := ix.byNode[nodeKey]
		if !ok {
			continue
		}
		delete(set, e.Key)
		if len(set) == 0 {
			delete(ix.byNode, nodeKey)
		}
	}
}

// search returns the edge keys touching a node.
func (ix *edgeIndex) search(nodeKey string) []string {
	set := ix.byNode[nodeKey]
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys
}

func (ix *edgeIndex) clone() *edgeIndex {
	c := newEdgeIndex()
	for nodeKey, set := range ix.byNode {
		cs := make(map[string]struct{}, len(set))
		for k := range set {
			cs[k] = struct{}{}
		}
		c.byNode[nodeKey] = cs
	}
	return c
}
