package flowgraph

import (
	"context"
	"fmt"
)

// Builder is flowgraph's fluent construction surface (§4.6): it wraps an
// engine, a fresh ExecutionGraph under construction, and the ID of the
// last-appended operator. Every chainable method returns the same Builder
// handle; the builder is not safe to fork (matching the source's
// move-consuming chain semantics, §9) — build one linear chain at a time
// and use Connect to merge a second chain in.
type Builder struct {
	engine *StreamEngine
	graph  *ExecutionGraph

	lastID  uint64
	hasLast bool

	submitted bool
	finalized bool
	graphID   uint64

	err error
}

// NewBuilder starts a fresh chain bound to engine.
func NewBuilder(engine *StreamEngine) *Builder {
	return &Builder{engine: engine, graph: NewExecutionGraph()}
}

// fail records the chain's first build-time error. Builder-chain misuse —
// a non-source operation before from_source, or any operation after the
// chain has been finalized by sink — falls under the NotConfigured kind
// (§7), so it is tagged the same way every other NotConfigured site is
// (operator.go's notConfigured/recordStructuralError), letting a caller
// switch on Kind rather than inspect the error text.
func (b *Builder) fail(format string, args ...interface{}) *Builder {
	if b.err == nil {
		b.err = &EngineError{Kind: ErrNotConfigured, Err: fmt.Errorf(format, args...)}
	}
	return b
}

// Err returns the first error encountered while building the chain, if any.
func (b *Builder) Err() error { return b.err }

// FromSource must be the first call in a chain: it creates a Source
// operator wrapping fn, registers it, and sets it as the chain's head.
func (b *Builder) FromSource(name string, fn SourceFunc) *Builder {
	if b.err != nil {
		return b
	}
	if b.hasLast {
		return b.fail("from_source must be the first operation in a chain")
	}
	op := newSourceOperator(name, fn)
	b.lastID = b.graph.AddOperator(op)
	b.hasLast = true
	return b
}

func (b *Builder) chain(label string, op Operator) *Builder {
	if b.err != nil {
		return b
	}
	if b.finalized {
		return b.fail("%s: chain already finalized by sink", label)
	}
	if !b.hasLast {
		return b.fail("%s requires from_source first", label)
	}
	if fn := op.core().fn; fn != nil && fn.Kind() != op.Kind() {
		return b.fail("%s: function kind %s does not match operator kind %s", label, fn.Kind(), op.Kind())
	}
	id := b.graph.AddOperator(op)
	b.graph.Connect(b.lastID, id)
	b.lastID = id
	return b
}

// Map appends a Map operator wrapping fn.
func (b *Builder) Map(name string, fn MapFunc) *Builder {
	return b.chain("map", newMapOperator(name, fn))
}

// Filter appends a Filter operator wrapping fn.
func (b *Builder) Filter(name string, fn FilterFunc) *Builder {
	return b.chain("filter", newFilterOperator(name, fn))
}

// FlatMap appends a FlatMap operator wrapping fn.
func (b *Builder) FlatMap(name string, fn FlatMapFunc) *Builder {
	return b.chain("flat_map", newFlatMapOperator(name, fn))
}

// KeyBy appends a KeyBy operator wrapping fn.
func (b *Builder) KeyBy(name string, fn KeyByFunc) *Builder {
	return b.chain("key_by", newKeyByOperator(name, fn))
}

// Window appends a Window operator wrapping fn.
func (b *Builder) Window(name string, fn WindowFunc) *Builder {
	return b.chain("window", newWindowOperator(name, fn))
}

// Aggregate appends an Aggregate operator wrapping fn.
func (b *Builder) Aggregate(name string, fn AggregateFunc) *Builder {
	return b.chain("aggregate", newAggregateOperator(name, fn))
}

// TopK appends a TopK operator wrapping fn.
func (b *Builder) TopK(name string, fn TopKFunc) *Builder {
	return b.chain("topk", newTopKOperator(name, fn))
}

// ITopK appends an ITopK operator wrapping fn.
func (b *Builder) ITopK(name string, fn ITopKFunc) *Builder {
	return b.chain("itopk", newITopKOperator(name, fn))
}

// Connect merges other's graph into this one and inserts a Join operator
// fed by both chains' last-ids (§4.6). Per §9's Open Questions, the join
// operator rejects execution with NotConfigured until fn is supplied here
// — Connect always supplies one, so a graph built through Connect is
// immediately runnable; callers needing the "reject until configured"
// behavior can reach the lower-level newJoinOperator/SetFunc directly.
func (b *Builder) Connect(name string, other *Builder, fn JoinFunc) *Builder {
	if b.err != nil {
		return b
	}
	if b.finalized {
		return b.fail("connect: chain already finalized by sink")
	}
	if other == nil {
		return b.fail("connect: other builder is nil")
	}
	if fn == nil {
		return b.fail("connect: join function is nil")
	}
	if other.err != nil {
		b.err = other.err
		return b
	}
	if !b.hasLast || !other.hasLast {
		return b.fail("connect requires both chains to have a preceding operator")
	}

	for _, id := range other.graph.order {
		op, _ := other.graph.Operator(id)
		b.graph.adoptOperator(op)
	}
	for _, id := range other.graph.order {
		for _, succ := range other.graph.forward[id] {
			b.graph.Connect(id, succ)
		}
	}

	join := newJoinOperator(name)
	joinID := b.graph.AddOperator(join)
	b.graph.Connect(b.lastID, joinID)
	b.graph.Connect(other.lastID, joinID)
	join.(*joinOperator).SetFunc(fn)

	b.lastID = joinID
	return b
}

// Sink appends a Sink operator wrapping fn and finalizes the graph: after
// Sink, no further chain/Connect calls are accepted (§4.6).
func (b *Builder) Sink(name string, fn SinkFunc) *Builder {
	if b.err != nil {
		return b
	}
	if b.finalized {
		return b.fail("sink: chain already finalized")
	}
	if !b.hasLast {
		return b.fail("sink requires a preceding operator")
	}
	op := newSinkOperator(name, fn)
	id := b.graph.AddOperator(op)
	b.graph.Connect(b.lastID, id)
	b.lastID = id
	b.finalized = true
	return b
}

// Graph returns the ExecutionGraph under construction, mainly for tests
// and introspection; the chain remains usable afterward.
func (b *Builder) Graph() *ExecutionGraph { return b.graph }

func (b *Builder) ensureSubmitted() error {
	if b.submitted {
		return nil
	}
	id, err := b.engine.Submit(b.graph)
	if err != nil {
		return err
	}
	b.graphID = id
	b.submitted = true
	return nil
}

// Execute submits the graph (first call only; subsequent calls reuse the
// cached GraphId, §4.6) and drives it synchronously.
func (b *Builder) Execute(ctx context.Context) (uint64, error) {
	if b.err != nil {
		return 0, b.err
	}
	if err := b.ensureSubmitted(); err != nil {
		return 0, err
	}
	return b.graphID, b.engine.Execute(ctx, b.graphID)
}

// ExecuteAsync submits the graph if needed and drives it in the
// background, returning immediately.
func (b *Builder) ExecuteAsync(ctx context.Context) (uint64, error) {
	if b.err != nil {
		return 0, b.err
	}
	if err := b.ensureSubmitted(); err != nil {
		return 0, err
	}
	return b.graphID, b.engine.ExecuteAsync(ctx, b.graphID)
}

// Stop requests cooperative termination of the builder's graph, a no-op
// if it was never submitted.
func (b *Builder) Stop() error {
	if b.err != nil {
		return b.err
	}
	if !b.submitted {
		return nil
	}
	return b.engine.Stop(b.graphID)
}

// GraphID returns the cached GraphId, valid only once Execute/ExecuteAsync
// has been called at least once.
func (b *Builder) GraphID() (uint64, bool) {
	return b.graphID, b.submitted
}
