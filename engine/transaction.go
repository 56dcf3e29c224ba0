package engine

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"graphengine/graph"
)

// OperationType identifies a journaled graph mutation.
type OperationType int

const (
	OpAddNode OperationType = iota
	OpReplaceNode
	OpDeleteNode
	OpAddEdge
	OpReplaceEdge
	OpDeleteEdge
)

func (t OperationType) String() string {
	switch t {
	case OpAddNode:
		return "add-node"
	case OpReplaceNode:
		return "replace-node"
	case OpDeleteNode:
		return "delete-node"
	case OpAddEdge:
		return "add-edge"
	case OpReplaceEdge:
		return "replace-edge"
	case OpDeleteEdge:
		return "delete-edge"
	default:
		return "unknown"
	}
}

// Operation is one undo record. Node and Edge hold the state needed to
// reverse the mutation; Cascade holds edges removed with a node.
type Operation struct {
	Type    OperationType
	Node    graph.Node
	Edge    graph.Edge
	Cascade []graph.Edge
}

// TransactionManager hands out per-command transactions.
type TransactionManager struct {
	nextTxnID atomic.Int64
}

// NewTransactionManager initializes a new TransactionManager.
func NewTransactionManager() *TransactionManager {
	return &TransactionManager{}
}

// Begin starts a transaction over g. Mutating calls require exclusive
// access to g until Commit or Rollback.
func (tm *TransactionManager) Begin(g *graph.Map) *Transaction {
	id := tm.nextTxnID.Add(1)
	logrus.WithFields(logrus.Fields{
		"component": "TransactionManager",
		"txn_id":    id,
	}).Debug("Transaction started")
	return &Transaction{id: id, graph: g}
}

// Transaction applies mutations to a graph and journals how to undo them.
type Transaction struct {
	id    int64
	graph *graph.Map
	ops   []Operation
	done  bool
}

// ID returns the transaction number.
func (tx *Transaction) ID() int64 { return tx.id }

// Graph returns the graph the transaction mutates.
func (tx *Transaction) Graph() *graph.Map { return tx.graph }

// Mutated reports whether any operation was journaled.
func (tx *Transaction) Mutated() bool { return len(tx.ops) > 0 }

func (tx *Transaction) record(op Operation) {
	tx.ops = append(tx.ops, op)
	logrus.WithFields(logrus.Fields{
		"component": "TransactionManager",
		"txn_id":    tx.id,
		"op_type":   op.Type.String(),
	}).Debug("Operation recorded")
}

// AddNode inserts a new node.
func (tx *Transaction) AddNode(n graph.Node) error {
	if err := tx.graph.AddNode(n); err != nil {
		return err
	}
	tx.record(Operation{Type: OpAddNode, Node: n})
	return nil
}

// SetNode inserts or replaces a node.
func (tx *Transaction) SetNode(n graph.Node) {
	prev, existed := tx.graph.SetNode(n)
	if existed {
		tx.record(Operation{Type: OpReplaceNode, Node: prev})
		return
	}
	tx.record(Operation{Type: OpAddNode, Node: n})
}

// RemoveNode deletes a node and its edges.
func (tx *Transaction) RemoveNode(key string) (graph.Node, []graph.Edge, error) {
	n, edges, err := tx.graph.RemoveNode(key)
	if err != nil {
		return graph.Node{}, nil, err
	}
	tx.record(Operation{Type: OpDeleteNode, Node: n, Cascade: edges})
	return n, edges, nil
}

// AddEdge inserts a new edge.
func (tx *Transaction) AddEdge(e graph.Edge) error {
	if err := tx.graph.AddEdge(e); err != nil {
		return err
	}
	tx.record(Operation{Type: OpAddEdge, Edge: e})
	return nil
}

// SetEdge inserts or replaces an edge by key.
func (tx *Transaction) SetEdge(e graph.Edge) error {
	prev, existed, err := tx.graph.SetEdge(e)
	if err != nil {
		return err
	}
	if existed {
		tx.record(Operation{Type: OpReplaceEdge, Edge: prev})
		return nil
	}
	tx.record(Operation{Type: OpAddEdge, Edge: e})
	return nil
}

// RemoveEdge deletes an edge.
func (tx *Transaction) RemoveEdge(key string) (graph.Edge, error) {
	e, err := tx.graph.RemoveEdge(key)
	if err != nil {
		return graph.Edge{}, err
	}
	tx.record(Operation{Type: OpDeleteEdge, Edge: e})
	return e, nil
}

// Commit forgets the journal.
func (tx *Transaction) Commit() {
	tx.done = true
	logrus.WithFields(logrus.Fields{
		"component": "TransactionManager",
		"txn_id":    tx.id,
		"ops":       len(tx.ops),
	}).Debug("Transaction committed")
	tx.ops = nil
}

// Rollback undoes every journaled operation in reverse order.
func (tx *Transaction) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	log := logrus.WithFields(logrus.Fields{
		"component": "TransactionManager",
		"txn_id":    tx.id,
	})
	for i := len(tx.ops) - 1; i >= 0; i-- {
		if err := tx.undo(tx.ops[i]); err != nil {
			log.WithError(err).Error("Failed to undo operation")
			return fmt.Errorf("rollback txn %d: %w", tx.id, err)
		}
	}
	log.WithField("ops", len(tx.ops)).Debug("Transaction rolled back")
	tx.ops = nil
	return nil
}

func (tx *Transaction) undo(op Operation) error {
	g := tx.graph
	switch op.Type {
	case OpAddNode:
		_, _, err := g.RemoveNode(op.Node.Key)
		return err
	case OpReplaceNode:
		g.SetNode(op.Node)
		return nil
	case OpDeleteNode:
		if err := g.AddNode(op.Node); err != nil {
			return err
		}
		for _, e := range op.Cascade {
			if err := g.AddEdge(e); err != nil {
				return err
			}
		}
		return nil
	case OpAddEdge:
		_, err := g.RemoveEdge(op.Edge.Key)
		return err
	case OpReplaceEdge:
		_, _, err := g.SetEdge(op.Edge)
		return err
	case OpDeleteEdge:
		return g.AddEdge(op.Edge)
	default:
		return fmt.Errorf("unknown operation %d", op.Type)
	}
}
