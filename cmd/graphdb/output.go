package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"graphengine/engine"
	"graphengine/graph"
)

// printer renders results as text or JSON.
type printer struct {
	format string
	w      io.Writer
}

type jsonNode struct {
	Key         string            `json:"key"`
	Tags        map[string]string `json:"tags,omitempty"`
	CreatedDate time.Time         `json:"created_date"`
}

type jsonEdge struct {
	Key         string            `json:"key"`
	From        string            `json:"from"`
	To          string            `json:"to"`
	Type        string            `json:"type,omitempty"`
	Direction   string            `json:"direction"`
	Tags        map[string]string `json:"tags,omitempty"`
	CreatedDate time.Time         `json:"created_date"`
}

type jsonRow struct {
	Alias string    `json:"alias,omitempty"`
	Node  *jsonNode `json:"node,omitempty"`
	Edge  *jsonEdge `json:"edge,omitempty"`
}

type jsonResult struct {
	Status  string    `json:"status"`
	Message string    `json:"message,omitempty"`
	Rows    []jsonRow `json:"rows"`
}

type jsonGraph struct {
	Nodes []jsonNode `json:"nodes"`
	Edges []jsonEdge `json:"edges"`
}

func toJSONNode(n graph.Node) *jsonNode {
	return &jsonNode{Key: n.Key, Tags: n.Tags, CreatedDate: n.CreatedDate}
}

func toJSONEdge(e graph.Edge) *jsonEdge {
	return &jsonEdge{
		Key:         e.Key,
		From:        e.FromKey,
		To:          e.ToKey,
		Type:        e.EdgeType,
		Direction:   e.Direction.String(),
		Tags:        e.Tags,
		CreatedDate: e.CreatedDate,
	}
}

func (p *printer) encode(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) result(res engine.QueryResult) error {
	if p.format == "json" {
		out := jsonResult{Status: res.Status.String(), Message: res.Message, Rows: []jsonRow{}}
		for _, r := range res.Rows {
			row := jsonRow{Alias: r.Alias}
			if r.Node != nil {
				row.Node = toJSONNode(*r.Node)
			}
			if r.Edge != nil {
				row.Edge = toJSONEdge(*r.Edge)
			}
			out.Rows = append(out.Rows, row)
		}
		return p.encode(out)
	}

	if !res.Ok() {
		_, err := fmt.Fprintf(p.w, "%s: %s\n", res.Status, res.Message)
		return err
	}
	for _, r := range res.Rows {
		if _, err := fmt.Fprintln(p.w, r.String()); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(p.w, "%s (%d rows)\n", res.Status, len(res.Rows))
	return err
}

func (p *printer) graph(g *graph.Map) error {
	nodes, edges := g.Nodes(), g.Edges()
	if p.format == "json" {
		out := jsonGraph{Nodes: []jsonNode{}, Edges: []jsonEdge{}}
		for _, n := range nodes {
			out.Nodes = append(out.Nodes, *toJSONNode(n))
		}
		for _, e := range edges {
			out.Edges = append(out.Edges, *toJSONEdge(e))
		}
		return p.encode(out)
	}
	for _, n := range nodes {
		fmt.Fprintf(p.w, "node %s [%s]\n", n.Key, n.Tags)
	}
	for _, e := range edges {
		fmt.Fprintf(p.w, "edge %s %s-[%s]->%s %s [%s]\n", e.Key, e.FromKey, e.EdgeType, e.ToKey, e.Direction, e.Tags)
	}
	_, err := fmt.Fprintf(p.w, "%d nodes, %d edges\n", len(nodes), len(edges))
	return err
}
