package engine

import (
	"context"
	"errors"
	"fmt"

	"graphengine/graph"
	"graphengine/lang"
	"graphengine/query"
	"graphengine/store"
)

// Status classifies the outcome of a command.
type Status int

const (
	StatusOk Status = iota
	StatusBadRequest
	StatusNotFound
	StatusConflict
	StatusLocked
	StatusCanceled
	StatusInternal
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "Ok"
	case StatusBadRequest:
		return "BadRequest"
	case StatusNotFound:
		return "NotFound"
	case StatusConflict:
		return "Conflict"
	case StatusLocked:
		return "Locked"
	case StatusCanceled:
		return "Canceled"
	case StatusInternal:
		return "Error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Retryable reports whether a caller may reasonably retry the command.
func (s Status) Retryable() bool {
	return s == StatusLocked || s == StatusConflict
}

var (
	// ErrUniqueViolation is returned when a unique edge already exists.
	ErrUniqueViolation = errors.New("unique edge already exists")
)

// StatusError carries a non-Ok status as an error.
type StatusError struct {
	Status  Status
	Message string
	Err     error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Status, e.Message)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Row binds one matched node or edge to an alias. Exactly one of Node and
// Edge is set.
type Row struct {
	Alias string
	Node  *graph.Node
	Edge  *graph.Edge
}

// Key returns the key of the bound entity.
func (r Row) Key() string {
	if r.Node != nil {
		return r.Node.Key
	}
	if r.Edge != nil {
		return r.Edge.Key
	}
	return ""
}

func (r Row) String() string {
	switch {
	case r.Node != nil:
		return fmt.Sprintf("%s node %s [%s]", r.Alias, r.Node.Key, r.Node.Tags)
	case r.Edge != nil:
		return fmt.Sprintf("%s edge %s %s-[%s]->%s [%s]", r.Alias, r.Edge.Key, r.Edge.FromKey, r.Edge.EdgeType, r.Edge.ToKey, r.Edge.Tags)
	default:
		return r.Alias
	}
}

// QueryResult is the structured outcome of a command. Expected failures
// are reported here rather than as Go errors.
type QueryResult struct {
	Status  Status
	Message string
	Rows    []Row
	err     error
}

// Ok reports whether the command succeeded.
func (r QueryResult) Ok() bool { return r.Status == StatusOk }

// Err returns nil for Ok results and a *StatusError otherwise.
func (r QueryResult) Err() error {
	if r.Status == StatusOk {
		return nil
	}
	return &StatusError{Status: r.Status, Message: r.Message, Err: r.err}
}

// Alias returns the rows bound to alias.
func (r QueryResult) Alias(alias string) []Row {
	var out []Row
	for _, row := range r.Rows {
		if row.Alias == alias {
			out = append(out, row)
		}
	}
	return out
}

func okResult(rows []Row) QueryResult {
	return QueryResult{Status: StatusOk, Rows: rows}
}

// failure builds a result from err, choosing the status from its class.
func failure(err error) QueryResult {
	return QueryResult{Status: Classify(err), Message: err.Error(), err: err}
}

// Classify maps an error to a status.
func Classify(err error) Status {
	var (
		syn *lang.SyntaxError
		bld *query.BuildError
		se  *StatusError
	)
	switch {
	case err == nil:
		return StatusOk
	case errors.As(err, &se):
		return se.Status
	case errors.As(err, &syn), errors.As(err, &bld), errors.Is(err, graph.ErrInvalidKey),
		errors.Is(err, store.ErrInvalidRequest):
		return StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StatusCanceled
	case errors.Is(err, store.ErrLeaseConflict):
		return StatusLocked
	case errors.Is(err, store.ErrConflict), errors.Is(err, graph.ErrNodeExists),
		errors.Is(err, graph.ErrEdgeExists), errors.Is(err, ErrUniqueViolation):
		return StatusConflict
	case errors.Is(err, graph.ErrNodeNotFound), errors.Is(err, graph.ErrEdgeNotFound),
		errors.Is(err, store.ErrNotFound):
		return StatusNotFound
	default:
		return StatusInternal
	}
}
