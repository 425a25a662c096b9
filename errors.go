package flowgraph

import "fmt"

// ErrorKind classifies the errors flowgraph's own components raise, per the
// taxonomy in spec §7. Kind, not concrete type, is the stable contract.
type ErrorKind string

const (
	// ErrInvalidGraph marks a graph that failed validation at submission
	// time: a cycle, a dangling edge, or other structural defect.
	ErrInvalidGraph ErrorKind = "InvalidGraph"
	// ErrNotConfigured marks an operator invoked with no function attached,
	// or a builder chain attempting a non-source operation before
	// from_source.
	ErrNotConfigured ErrorKind = "NotConfigured"
	// ErrFunctionError marks a function's execute reporting a per-record
	// failure. Recoverable; never promoted to graph-level failure.
	ErrFunctionError ErrorKind = "FunctionError"
	// ErrFatalEngine marks an unrecoverable condition inside the engine
	// itself (e.g. corrupted adjacency).
	ErrFatalEngine ErrorKind = "FatalEngineError"
	// ErrResource marks an init/close lifecycle failure.
	ErrResource ErrorKind = "ResourceError"
)

// EngineError is the error type flowgraph raises at the operator/engine
// boundary. Concrete type is this one struct throughout; callers should
// switch on Kind, not on Go type, per §9 ("exceptions replaced by
// result-type returns at the operator/engine boundary").
type EngineError struct {
	Kind       ErrorKind
	GraphID    uint64
	OperatorID uint64
	Operator   string
	Err        error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf(
		"flowgraph: %s: graph=%d operator=%d(%s): %v",
		e.Kind, e.GraphID, e.OperatorID, e.Operator, e.Err,
	)
}

// Unwrap allows errors.Is/errors.As to reach the underlying cause.
func (e *EngineError) Unwrap() error { return e.Err }

func newEngineError(kind ErrorKind, graphID uint64, op *operatorCore, err error) *EngineError {
	ee := &EngineError{Kind: kind, GraphID: graphID, Err: err}
	if op != nil {
		ee.OperatorID = op.id
		ee.Operator = op.name
	}
	return ee
}
