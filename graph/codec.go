package graph

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

const codecVersion byte = 1

var codecMagic = []byte("GDB\000")

// Encode serializes the graph into the versioned snapshot format. Output is
// deterministic: nodes and edges are written in sorted order.
func Encode(m *Map) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(64 + 64*(m.NodeCount()+m.EdgeCount()))

	buf.Write(codecMagic)
	if err := buf.WriteByte(codecVersion); err != nil {
		return nil, fmt.Errorf("failed to write version: %w", err)
	}

	nodes := m.Nodes()
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(nodes))); err != nil {
		return nil, fmt.Errorf("failed to write node count: %w", err)
	}
	for _, n := range nodes {
		if err := writeNode(&buf, n); err != nil {
			return nil, fmt.Errorf("failed to serialize node %q: %w", n.Key, err)
		}
	}

	edges := m.Edges()
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(edges))); err != nil {
		return nil, fmt.Errorf("failed to write edge count: %w", err)
	}
	for _, e := range edges {
		if err := writeEdge(&buf, e); err != nil {
			return nil, fmt.Errorf("failed to serialize edge %q: %w", e.Key, err)
		}
	}
	return buf.Bytes(), nil
}

// Decode rebuilds a graph from Encode output.
func Decode(data []byte) (*Map, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty data for deserialization")
	}
	buf := bytes.NewReader(data)

	magic := make([]byte, len(codecMagic))
	if _, err := io.ReadFull(buf, magic); err != nil || !bytes.Equal(magic, codecMagic) {
		return nil, fmt.Errorf("invalid snapshot header")
	}
	version, err := buf.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read version: %w", err)
	}
	if version != codecVersion {
		return nil, fmt.Errorf("unsupported version: %d", version)
	}

	m := NewMap()
	var nodeCount uint32
	if err := binary.Read(buf, binary.LittleEndian, &nodeCount); err != nil {
		return nil, fmt.Errorf("failed to read node count: %w", err)
	}
	for i := uint32(0); i < nodeCount; i++ {
		n, err := readNode(buf)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize node at index %d: %w", i, err)
		}
		if err := m.AddNode(n); err != nil {
			return nil, err
		}
	}

	var edgeCount uint32
	if err := binary.Read(buf, binary.LittleEndian, &edgeCount); err != nil {
		return nil, fmt.Errorf("failed to read edge count: %w", err)
	}
	for i := uint32(0); i < edgeCount; i++ {
		e, err := readEdge(buf)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize edge at index %d: %w", i, err)
		}
		if err := m.AddEdge(e); err != nil {
			return nil, err
		}
	}
	if buf.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after snapshot", buf.Len())
	}
	return m, nil
}

func writeNode(buf *bytes.Buffer, n Node) error {
	if err := writeString(buf, n.Key); err != nil {
		return err
	}
	if err := writeTime(buf, n.CreatedDate); err != nil {
		return err
	}
	return writeTags(buf, n.Tags)
}

func readNode(buf *bytes.Reader) (Node, error) {
	var n Node
	var err error
	if n.Key, err = readString(buf); err != nil {
		return Node{}, fmt.Errorf("failed to read key: %w", err)
	}
	if n.CreatedDate, err = readTime(buf); err != nil {
		return Node{}, err
	}
	if n.Tags, err = readTags(buf); err != nil {
		return Node{}, err
	}
	return n, nil
}

func writeEdge(buf *bytes.Buffer, e Edge) error {
	for _, s := range []string{e.Key, e.FromKey, e.ToKey, e.EdgeType} {
		if err := writeString(buf, s); err != nil {
			return err
		}
	}
	if err := buf.WriteByte(byte(e.Direction)); err != nil {
		return fmt.Errorf("failed to write direction: %w", err)
	}
	if err := writeTime(buf, e.CreatedDate); err != nil {
		return err
	}
	return writeTags(buf, e.Tags)
}

func readEdge(buf *bytes.Reader) (Edge, error) {
	var e Edge
	fields := []*string{&e.Key, &e.FromKey, &e.ToKey, &e.EdgeType}
	for _, f := range fields {
		s, err := readString(buf)
		if err != nil {
			return Edge{}, err
		}
		*f = s
	}
	dir, err := buf.ReadByte()
	if err != nil {
		return Edge{}, fmt.Errorf("failed to read direction: %w", err)
	}
	e.Direction = Direction(dir)
	if e.Direction != Directed && e.Direction != Both {
		return Edge{}, fmt.Errorf("invalid direction: %d", dir)
	}
	if e.CreatedDate, err = readTime(buf); err != nil {
		return Edge{}, err
	}
	if e.Tags, err = readTags(buf); err != nil {
		return Edge{}, err
	}
	return e, nil
}

func writeTags(buf *bytes.Buffer, t Tags) error {
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(t))); err != nil {
		return fmt.Errorf("failed to write tag count: %w", err)
	}
	for _, name := range t.Names() {
		if err := writeString(buf, name); err != nil {
			return fmt.Errorf("failed to write tag name %q: %w", name, err)
		}
		if err := writeString(buf, t[name]); err != nil {
			return fmt.Errorf("failed to write tag value for %q: %w", name, err)
		}
	}
	return nil
}

func readTags(buf *bytes.Reader) (Tags, error) {
	var count uint32
	if err := binary.Read(buf, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("failed to read tag count: %w", err)
	}
	t := make(Tags, count)
	for i := uint32(0); i < count; i++ {
		name, err := readString(buf)
		if err != nil {
			return nil, fmt.Errorf("failed to read tag name at index %d: %w", i, err)
		}
		value, err := readString(buf)
		if err != nil {
			return nil, fmt.Errorf("failed to read tag value at index %d: %w", i, err)
		}
		t[name] = value
	}
	return t, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(s))); err != nil {
		return fmt.Errorf("failed to write string length: %w", err)
	}
	_, err := buf.WriteString(s)
	return err
}

func readString(buf *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(buf, binary.LittleEndian, &n); err != nil {
		return "", fmt.Errorf("failed to read string length: %w", err)
	}
	if int(n) > buf.Len() {
		return "", fmt.Errorf("string length %d exceeds remaining buffer %d", n, buf.Len())
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(buf, b); err != nil {
		return "", fmt.Errorf("failed to read string: %w", err)
	}
	return string(b), nil
}

// Times are stored as UTC nanoseconds; zero is reserved for the zero time.
func writeTime(buf *bytes.Buffer, t time.Time) error {
	var v int64
	if !t.IsZero() {
		v = t.UnixNano()
	}
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("failed to write timestamp: %w", err)
	}
	return nil
}

func readTime(buf *bytes.Reader) (time.Time, error) {
	var v int64
	if err := binary.Read(buf, binary.LittleEndian, &v); err != nil {
		return time.Time{}, fmt.Errorf("failed to read timestamp: %w", err)
	}
	if v == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, v).UTC(), nil
}
