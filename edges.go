package flowgraph

import (
	"fmt"
	"sync"
)

// edgeBuffer is a FIFO record queue for one DAG edge, shared between the
// upstream operator's emit and the downstream operator's drain. Protected
// by a mutex rather than a channel: the Pooled scheduler needs a
// non-blocking "drain everything currently available" operation, which a
// channel cannot express directly (§5: "edge buffers use lock-free or
// lock-protected FIFO").
type edgeBuffer struct {
	from, to uint64
	toSlot   int

	mu    sync.Mutex
	queue []*Message
}

func (e *edgeBuffer) push(messages []*Message) {
	if len(messages) == 0 {
		return
	}
	e.mu.Lock()
	e.queue = append(e.queue, messages...)
	e.mu.Unlock()
}

// drain removes and returns everything currently buffered, in push order.
func (e *edgeBuffer) drain() []*Message {
	e.mu.Lock()
	out := e.queue
	e.queue = nil
	e.mu.Unlock()
	return out
}

func (e *edgeBuffer) empty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue) == 0
}

type hasNexter interface {
	HasNext() bool
}

// wire builds a FIFO edgeBuffer for every connection in the graph and
// assigns target slots: ordinary operators always receive on slot 0; a
// Join operator's two predecessors are assigned slot 0 ("left") and slot 1
// ("right") in the order they were connected (§4.3, §4.4).
func (sc *submittedGraph) wire() error {
	sc.incoming = make(map[uint64][]*edgeBuffer, len(sc.order))
	sc.outgoing = make(map[uint64][]*edgeBuffer, len(sc.order))

	for _, to := range sc.order {
		op, _ := sc.graph.Operator(to)
		preds := sc.graph.Predecessors(to)
		if op.Kind() == KindJoin && len(preds) > 2 {
			return fmt.Errorf("join operator %q has %d predecessors, want at most 2", op.Name(), len(preds))
		}
		for i, from := range preds {
			slot := 0
			if op.Kind() == KindJoin {
				slot = i
			}
			eb := &edgeBuffer{from: from, to: to, toSlot: slot}
			sc.incoming[to] = append(sc.incoming[to], eb)
			sc.outgoing[from] = append(sc.outgoing[from], eb)
		}
	}
	return nil
}

// emitterFor builds the broadcast-fanout emit closure for operator id:
// every outgoing edge receives every emitted message (§9 Open Questions
// commits to broadcast fan-out). The first edge receives the messages as
// handed in; every further edge receives an independent fork carrying the
// same identifier, so no two edges ever alias the same *Message (§8
// "Operator isolation").
func (sc *submittedGraph) emitterFor(id uint64) func(slot int, messages []*Message) {
	return func(_ int, messages []*Message) {
		edges := sc.outgoing[id]
		for i, eb := range edges {
			if i == 0 {
				eb.push(messages)
				continue
			}
			forked := make([]*Message, len(messages))
			for j, m := range messages {
				forked[j] = m.fork()
			}
			eb.push(forked)
		}
	}
}

func (sc *submittedGraph) anySourceHasNext() bool {
	for _, id := range sc.order {
		op, _ := sc.graph.Operator(id)
		if op.Kind() != KindSource {
			continue
		}
		if hn, ok := op.(hasNexter); ok && hn.HasNext() {
			return true
		}
	}
	return false
}

func (sc *submittedGraph) anyEdgeNonEmpty() bool {
	for _, edges := range sc.incoming {
		for _, eb := range edges {
			if !eb.empty() {
				return true
			}
		}
	}
	return false
}
