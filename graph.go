package flowgraph

import "sync/atomic"

var operatorSeq uint64

func nextOperatorID() uint64 {
	return atomic.AddUint64(&operatorSeq, 1)
}

// ExecutionGraph is a DAG registry: operator IDs map to Operators, and two
// adjacency maps (forward and reverse) record edges between them (§4.4).
type ExecutionGraph struct {
	operators map[uint64]Operator
	// order preserves operator registration order, independent of map
	// iteration, so sources()/sinks() and wiring stay deterministic.
	order   []uint64
	forward map[uint64][]uint64
	reverse map[uint64][]uint64
}

// NewExecutionGraph returns an empty graph.
func NewExecutionGraph() *ExecutionGraph {
	return &ExecutionGraph{
		operators: map[uint64]Operator{},
		forward:   map[uint64][]uint64{},
		reverse:   map[uint64][]uint64{},
	}
}

// AddOperator assigns the next sequential ID, stores the operator, and
// initializes empty adjacency entries for it.
func (g *ExecutionGraph) AddOperator(op Operator) uint64 {
	id := nextOperatorID()
	op.core().id = id
	g.operators[id] = op
	g.order = append(g.order, id)
	if _, ok := g.forward[id]; !ok {
		g.forward[id] = nil
	}
	if _, ok := g.reverse[id]; !ok {
		g.reverse[id] = nil
	}
	return id
}

// adoptOperator inserts op using its already-assigned ID instead of minting
// a fresh one, for Builder.Connect's graph-merge path where op was
// registered by another ExecutionGraph's builder.
func (g *ExecutionGraph) adoptOperator(op Operator) {
	id := op.core().id
	g.operators[id] = op
	g.order = append(g.order, id)
	if _, ok := g.forward[id]; !ok {
		g.forward[id] = nil
	}
	if _, ok := g.reverse[id]; !ok {
		g.reverse[id] = nil
	}
}

// Connect appends target to source's forward list and source to target's
// reverse list. Duplicates are allowed — multi-edges model replicated
// fan-out — and no validation beyond endpoint existence happens here.
func (g *ExecutionGraph) Connect(sourceID, targetID uint64) bool {
	if _, ok := g.operators[sourceID]; !ok {
		return false
	}
	if _, ok := g.operators[targetID]; !ok {
		return false
	}
	g.forward[sourceID] = append(g.forward[sourceID], targetID)
	g.reverse[targetID] = append(g.reverse[targetID], sourceID)
	return true
}

// RemoveOperator erases the node and scrubs every occurrence of id from
// every adjacency list, forward and reverse.
func (g *ExecutionGraph) RemoveOperator(id uint64) {
	delete(g.operators, id)
	delete(g.forward, id)
	delete(g.reverse, id)

	for i, oid := range g.order {
		if oid == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}

	for k, list := range g.forward {
		g.forward[k] = scrub(list, id)
	}
	for k, list := range g.reverse {
		g.reverse[k] = scrub(list, id)
	}
}

func scrub(list []uint64, id uint64) []uint64 {
	out := list[:0]
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Operator looks up an operator by ID.
func (g *ExecutionGraph) Operator(id uint64) (Operator, bool) {
	op, ok := g.operators[id]
	return op, ok
}

// Predecessors returns a read-only view of id's incoming adjacency, in
// connection order.
func (g *ExecutionGraph) Predecessors(id uint64) []uint64 {
	return append([]uint64(nil), g.reverse[id]...)
}

// Successors returns a read-only view of id's outgoing adjacency, in
// connection order.
func (g *ExecutionGraph) Successors(id uint64) []uint64 {
	return append([]uint64(nil), g.forward[id]...)
}

// Sources returns operators with no predecessors.
func (g *ExecutionGraph) Sources() []uint64 {
	var out []uint64
	for _, id := range g.order {
		if len(g.reverse[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Sinks returns operators with no successors.
func (g *ExecutionGraph) Sinks() []uint64 {
	var out []uint64
	for _, id := range g.order {
		if len(g.forward[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Len returns the number of registered operators.
func (g *ExecutionGraph) Len() int { return len(g.operators) }

// TopologicalOrder computes a depth-first post-order over the forward
// adjacency and reverses it. Successors are visited in connection order,
// and unvisited roots are visited in registration order, so the result is
// deterministic for a fixed construction sequence (§4.4). A cycle yields
// an empty slice, the sentinel the engine treats as validation failure.
func (g *ExecutionGraph) TopologicalOrder() []uint64 {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	state := make(map[uint64]int, len(g.operators))
	for id := range g.operators {
		state[id] = white
	}

	var post []uint64
	cyclic := false

	var visit func(id uint64)
	visit = func(id uint64) {
		if cyclic {
			return
		}
		switch state[id] {
		case black:
			return
		case gray:
			cyclic = true
			return
		}
		state[id] = gray
		for _, next := range g.forward[id] {
			visit(next)
			if cyclic {
				return
			}
		}
		state[id] = black
		post = append(post, id)
	}

	for _, id := range g.order {
		if state[id] == white {
			visit(id)
		}
		if cyclic {
			return nil
		}
	}

	for i, j := 0, len(post)-1; i < j; i, j = i+1, j-1 {
		post[i], post[j] = post[j], post[i]
	}
	return post
}

// Validate reports true iff TopologicalOrder yields a non-empty slice, or
// the graph is empty.
func (g *ExecutionGraph) Validate() bool {
	if len(g.operators) == 0 {
		return true
	}
	return len(g.TopologicalOrder()) > 0
}
