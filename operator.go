package flowgraph

import (
	"container/heap"
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Operator is a flow-control node: it pulls input, delegates per-record
// business logic to its contained Function, and emits downstream (§4.3).
// The interface carries an unexported method so the set of Operator
// implementations stays closed to this package, matching the source
// design's decision that operators (unlike functions) form a closed set
// (§9).
type Operator interface {
	// ID returns the operator's stable identifier, assigned at graph
	// registration.
	ID() uint64
	// Name returns the operator's human-readable name.
	Name() string
	// Kind returns the operator variant.
	Kind() OperatorKind
	// Process is invoked by the engine with zero (Source) or one
	// (non-source) input record. slot disambiguates which incoming edge
	// the record arrived on for multi-input operators. Process never
	// panics out to the caller: internal errors are trapped and recorded.
	Process(ctx context.Context, in *FunctionResponse, slot int) bool
	// Open delegates to the contained function's Init, if any. Idempotent.
	Open(ctx context.Context) error
	// Close delegates to the contained function's Close, if any. Idempotent.
	Close(ctx context.Context) error

	// ProcessedCount, OutputCount, and ErrorCount are the three
	// monotonically non-decreasing counters every operator maintains.
	ProcessedCount() uint64
	OutputCount() uint64
	ErrorCount() uint64
	// ResetCounters is the only way the three counters shrink.
	ResetCounters()

	core() *operatorCore
}

// operatorCore is the shared flow-control shell every concrete operator
// variant embeds. It owns the counters, the emit/error wiring the engine
// installs at submission time, and the open/close idempotence guard.
type operatorCore struct {
	id   uint64
	name string
	kind OperatorKind
	fn   Function

	graphID uint64
	logger  *logrus.Logger

	processed uint64
	output    uint64
	errors    uint64

	opened int32
	closed int32

	// claimed enforces "at most one worker executes a given operator at a
	// time" for the Pooled scheduler (§5); every mode claims it on each
	// invocation, but only Pooled can contend for it.
	claimed int32

	// emit pushes messages onto every outgoing edge (broadcast); the
	// engine-installed emitter does not use the slot argument. Installed
	// by the engine during wiring (§9: "operators are owned by the
	// ExecutionGraph; external handles are IDs, not pointers").
	emit func(slot int, messages []*Message)
	// onStructuralError reports NotConfigured/FatalEngineError-class
	// failures up to the engine, which aborts the graph. FunctionError is
	// handled locally and never reaches this callback (§7).
	onStructuralError func(*EngineError)
}

func (o *operatorCore) idString() string { return strconv.FormatUint(o.id, 10) }

func (o *operatorCore) ID() uint64          { return o.id }
func (o *operatorCore) Name() string        { return o.name }
func (o *operatorCore) Kind() OperatorKind  { return o.kind }
func (o *operatorCore) ProcessedCount() uint64 { return atomic.LoadUint64(&o.processed) }
func (o *operatorCore) OutputCount() uint64    { return atomic.LoadUint64(&o.output) }
func (o *operatorCore) ErrorCount() uint64     { return atomic.LoadUint64(&o.errors) }

func (o *operatorCore) ResetCounters() {
	atomic.StoreUint64(&o.processed, 0)
	atomic.StoreUint64(&o.output, 0)
	atomic.StoreUint64(&o.errors, 0)
}

func (o *operatorCore) core() *operatorCore { return o }

// tryClaim/release implement the Pooled scheduler's per-operator work-claim
// flag (§5). A worker that fails to claim an operator must not invoke it.
func (o *operatorCore) tryClaim() bool {
	return atomic.CompareAndSwapInt32(&o.claimed, 0, 1)
}

func (o *operatorCore) release() {
	atomic.StoreInt32(&o.claimed, 0)
}

// doEmit counts messages as output and broadcasts them to every outgoing
// edge (every variant emits on slot 0; flowgraph commits to broadcast
// fan-out, §9 Open Questions).
func (o *operatorCore) doEmit(slot int, messages []*Message) {
	if len(messages) == 0 {
		return
	}
	atomic.AddUint64(&o.output, uint64(len(messages)))
	if o.emit != nil {
		o.emit(slot, messages)
	}
}

func (o *operatorCore) recordFunctionError(err error) {
	atomic.AddUint64(&o.errors, 1)
	logFunctionError(o.logger, o, err)
}

func (o *operatorCore) recordStructuralError(kind ErrorKind, err error) {
	atomic.AddUint64(&o.errors, 1)
	ee := newEngineError(kind, o.graphID, o, err)
	if o.onStructuralError != nil {
		o.onStructuralError(ee)
	}
}

// notConfigured implements the fail-fast invariant shared by every
// variant: a nil function slot is a configuration error, never a panic.
func (o *operatorCore) notConfigured() bool {
	if o.fn != nil {
		return false
	}
	o.recordStructuralError(ErrNotConfigured, fmt.Errorf("operator %q has no function configured", o.name))
	return true
}

// guard recovers a panicking function call and converts it into the same
// FunctionError handling a returned error would have gotten, following
// the teacher's vertex.go recover() middleware (SPEC_FULL.md §4
// supplemented feature).
func (o *operatorCore) guard(run func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("panic recovery: %w", e)
			} else {
				err = fmt.Errorf("panic recovery: %v", r)
			}
		}
	}()
	return run()
}

// openFunc / closeFunc call a function's Init/Close if the concrete
// Function implements them (Source and Sink do; the rest are no-ops),
// guarded against double invocation.
func (o *operatorCore) openFunc(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&o.opened, 0, 1) {
		return nil
	}
	switch fn := o.fn.(type) {
	case SourceFunc:
		return fn.Init(ctx)
	case SinkFunc:
		return fn.Init(ctx)
	default:
		return nil
	}
}

func (o *operatorCore) closeFunc(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&o.closed, 0, 1) {
		return nil
	}
	switch fn := o.fn.(type) {
	case SourceFunc:
		return fn.Close(ctx)
	case SinkFunc:
		return fn.Close(ctx)
	default:
		return nil
	}
}

func newOperatorCore(name string, kind OperatorKind, fn Function) *operatorCore {
	return &operatorCore{name: name, kind: kind, fn: fn, logger: defaultLogger}
}

// ---- Source ----

type sourceOperator struct {
	*operatorCore
	fn SourceFunc
}

func newSourceOperator(name string, fn SourceFunc) Operator {
	return &sourceOperator{operatorCore: newOperatorCore(name, KindSource, fn), fn: fn}
}

func (s *sourceOperator) Open(ctx context.Context) error  { return s.openFunc(ctx) }
func (s *sourceOperator) Close(ctx context.Context) error { return s.closeFunc(ctx) }

// HasNext exposes the contained SourceFunc's exhaustion signal to the
// engine, queried between invocations (§4.2, §6).
func (s *sourceOperator) HasNext() bool {
	if s.fn == nil {
		return false
	}
	return s.fn.HasNext()
}

func (s *sourceOperator) Process(ctx context.Context, _ *FunctionResponse, _ int) bool {
	if s.notConfigured() {
		return false
	}
	if !s.fn.HasNext() {
		return false
	}

	end := instrumentInvocation(ctx, s.operatorCore, 0)
	var result *FunctionResponse
	errCount := 0
	err := s.guard(func() error {
		var innerErr error
		result, innerErr = s.fn.Execute(ctx, NewFunctionResponse())
		return innerErr
	})
	atomic.AddUint64(&s.processed, 1)
	if err != nil {
		s.recordFunctionError(err)
		errCount = 1
		end(0, errCount)
		return false
	}
	if result == nil || result.IsEmpty() {
		end(0, errCount)
		return false
	}
	for _, m := range result.Messages() {
		m.appendTrace(s.name)
	}
	s.doEmit(0, result.Messages())
	end(len(result.Messages()), errCount)
	return true
}

// ---- Map ----

type mapOperator struct {
	*operatorCore
	fn MapFunc
}

func newMapOperator(name string, fn MapFunc) Operator {
	return &mapOperator{operatorCore: newOperatorCore(name, KindMap, fn), fn: fn}
}

func (o *mapOperator) Open(ctx context.Context) error  { return nil }
func (o *mapOperator) Close(ctx context.Context) error { return nil }

func (o *mapOperator) Process(ctx context.Context, in *FunctionResponse, _ int) bool {
	if o.notConfigured() {
		return false
	}
	msgs := in.Messages()
	if len(msgs) == 0 {
		return false
	}

	end := instrumentInvocation(ctx, o.operatorCore, len(msgs))
	var result *FunctionResponse
	errCount := 0
	err := o.guard(func() error {
		var innerErr error
		result, innerErr = o.fn.Execute(ctx, in)
		return innerErr
	})
	atomic.AddUint64(&o.processed, uint64(len(msgs)))
	if err != nil {
		o.recordFunctionError(err)
		end(0, 1)
		return false
	}

	if result == nil {
		end(0, errCount)
		return false
	}
	emitted := make([]*Message, 0, result.Size())
	for _, m := range result.Messages() {
		if m == nil {
			continue
		}
		m.appendTrace(o.name)
		emitted = append(emitted, m)
	}
	if len(emitted) == 0 {
		end(0, errCount)
		return false
	}
	o.doEmit(0, emitted)
	end(len(emitted), errCount)
	return true
}

// ---- Filter ----

type filterOperator struct {
	*operatorCore
	fn FilterFunc
}

func newFilterOperator(name string, fn FilterFunc) Operator {
	return &filterOperator{operatorCore: newOperatorCore(name, KindFilter, fn), fn: fn}
}

func (o *filterOperator) Open(ctx context.Context) error  { return nil }
func (o *filterOperator) Close(ctx context.Context) error { return nil }

func (o *filterOperator) Process(ctx context.Context, in *FunctionResponse, _ int) bool {
	if o.notConfigured() {
		return false
	}
	msgs := in.Messages()
	if len(msgs) == 0 {
		return false
	}

	end := instrumentInvocation(ctx, o.operatorCore, len(msgs))
	var result *FunctionResponse
	err := o.guard(func() error {
		var innerErr error
		result, innerErr = o.fn.Execute(ctx, in)
		return innerErr
	})
	atomic.AddUint64(&o.processed, uint64(len(msgs)))
	if err != nil {
		o.recordFunctionError(err)
		end(0, 1)
		return false
	}
	if result == nil || result.IsEmpty() {
		end(0, 0)
		return false
	}
	for _, m := range result.Messages() {
		m.appendTrace(o.name)
	}
	o.doEmit(0, result.Messages())
	end(result.Size(), 0)
	return true
}

// ---- FlatMap ----

type flatMapOperator struct {
	*operatorCore
	fn FlatMapFunc
}

func newFlatMapOperator(name string, fn FlatMapFunc) Operator {
	return &flatMapOperator{operatorCore: newOperatorCore(name, KindFlatMap, fn), fn: fn}
}

func (o *flatMapOperator) Open(ctx context.Context) error  { return nil }
func (o *flatMapOperator) Close(ctx context.Context) error { return nil }

func (o *flatMapOperator) Process(ctx context.Context, in *FunctionResponse, _ int) bool {
	if o.notConfigured() {
		return false
	}
	msgs := in.Messages()
	if len(msgs) == 0 {
		return false
	}

	end := instrumentInvocation(ctx, o.operatorCore, len(msgs))
	var result *FunctionResponse
	err := o.guard(func() error {
		var innerErr error
		result, innerErr = o.fn.Execute(ctx, in)
		return innerErr
	})
	atomic.AddUint64(&o.processed, uint64(len(msgs)))
	if err != nil {
		o.recordFunctionError(err)
		end(0, 1)
		return false
	}
	if result == nil || result.IsEmpty() {
		end(0, 0)
		return false
	}
	for _, m := range result.Messages() {
		m.appendTrace(o.name)
	}
	o.doEmit(0, result.Messages())
	end(result.Size(), 0)
	return true
}

// ---- Sink ----

type sinkOperator struct {
	*operatorCore
	fn SinkFunc
}

func newSinkOperator(name string, fn SinkFunc) Operator {
	return &sinkOperator{operatorCore: newOperatorCore(name, KindSink, fn), fn: fn}
}

func (s *sinkOperator) Open(ctx context.Context) error  { return s.openFunc(ctx) }
func (s *sinkOperator) Close(ctx context.Context) error { return s.closeFunc(ctx) }

func (s *sinkOperator) Process(ctx context.Context, in *FunctionResponse, _ int) bool {
	if s.notConfigured() {
		return false
	}
	msgs := in.Messages()
	if len(msgs) == 0 {
		return false
	}

	end := instrumentInvocation(ctx, s.operatorCore, len(msgs))
	for _, m := range msgs {
		m.appendTrace(s.name)
	}
	err := s.guard(func() error {
		return s.fn.Execute(ctx, in)
	})
	atomic.AddUint64(&s.processed, uint64(len(msgs)))
	if err != nil {
		s.recordFunctionError(err)
		end(0, 1)
		return false
	}
	end(0, 0)
	return false
}

// ---- KeyBy ----

type keyByOperator struct {
	*operatorCore
	fn KeyByFunc
}

func newKeyByOperator(name string, fn KeyByFunc) Operator {
	return &keyByOperator{operatorCore: newOperatorCore(name, KindKeyBy, fn), fn: fn}
}

func (o *keyByOperator) Open(ctx context.Context) error  { return nil }
func (o *keyByOperator) Close(ctx context.Context) error { return nil }

func (o *keyByOperator) Process(ctx context.Context, in *FunctionResponse, _ int) bool {
	if o.notConfigured() {
		return false
	}
	msgs := in.Messages()
	if len(msgs) == 0 {
		return false
	}
	end := instrumentInvocation(ctx, o.operatorCore, len(msgs))
	errCount := 0
	err := o.guard(func() error {
		for _, m := range msgs {
			m.WithMetadata(o.fn.MetadataKey(), o.fn.Key(m))
			m.appendTrace(o.name)
		}
		return nil
	})
	atomic.AddUint64(&o.processed, uint64(len(msgs)))
	if err != nil {
		o.recordFunctionError(err)
		errCount = 1
		end(0, errCount)
		return false
	}
	o.doEmit(0, msgs)
	end(len(msgs), errCount)
	return true
}

// ---- Window ----

type windowOperator struct {
	*operatorCore
	fn      WindowFunc
	buffer  []*Message
	opened  time.Time
	windows uint64
}

func newWindowOperator(name string, fn WindowFunc) Operator {
	return &windowOperator{operatorCore: newOperatorCore(name, KindWindow, fn), fn: fn}
}

func (o *windowOperator) Open(ctx context.Context) error {
	o.opened = time.Now()
	return nil
}
func (o *windowOperator) Close(ctx context.Context) error { return nil }

func (o *windowOperator) Process(ctx context.Context, in *FunctionResponse, _ int) bool {
	if o.notConfigured() {
		return false
	}
	msgs := in.Messages()
	if len(msgs) == 0 {
		return false
	}
	end := instrumentInvocation(ctx, o.operatorCore, len(msgs))
	if o.buffer == nil {
		o.opened = time.Now()
	}
	o.buffer = append(o.buffer, msgs...)
	atomic.AddUint64(&o.processed, uint64(len(msgs)))

	if !o.fn.Ready(len(o.buffer), time.Since(o.opened)) {
		end(0, 0)
		return false
	}

	o.windows++
	windowID := fmt.Sprintf("%s-%d", o.name, o.windows)
	out := o.buffer
	o.buffer = nil
	for _, m := range out {
		m.WithMetadata("window_id", windowID)
		m.appendTrace(o.name)
	}
	o.doEmit(0, out)
	end(len(out), 0)
	return true
}

// ---- Aggregate ----

type aggregateOperator struct {
	*operatorCore
	fn      AggregateFunc
	current *Message
}

func newAggregateOperator(name string, fn AggregateFunc) Operator {
	return &aggregateOperator{operatorCore: newOperatorCore(name, KindAggregate, fn), fn: fn}
}

func (o *aggregateOperator) Open(ctx context.Context) error {
	if o.current == nil {
		o.current = o.fn.Seed()
	}
	return nil
}
func (o *aggregateOperator) Close(ctx context.Context) error { return nil }

func (o *aggregateOperator) Process(ctx context.Context, in *FunctionResponse, _ int) bool {
	if o.notConfigured() {
		return false
	}
	msgs := in.Messages()
	if len(msgs) == 0 {
		return false
	}
	end := instrumentInvocation(ctx, o.operatorCore, len(msgs))

	var combineErr error
	err := o.guard(func() error {
		for _, m := range msgs {
			if o.current == nil {
				o.current = o.fn.Seed()
			}
			o.current = o.fn.Combine(o.current, m)
		}
		return combineErr
	})
	atomic.AddUint64(&o.processed, uint64(len(msgs)))
	if err != nil {
		o.recordFunctionError(err)
		end(0, 1)
		return false
	}
	if o.current == nil {
		end(0, 0)
		return false
	}
	o.current.appendTrace(o.name)
	o.doEmit(0, []*Message{o.current})
	end(1, 0)
	return true
}

// ---- Join ----

type joinOperator struct {
	*operatorCore
	fn          JoinFunc
	left, right []*Message
}

// newJoinOperator builds a join operator with no JoinFunc attached. The
// builder wires one later through SetFunc, once both upstream branches are
// known, so the operator starts NotConfigured by design.
func newJoinOperator(name string) Operator {
	return &joinOperator{operatorCore: newOperatorCore(name, KindJoin, nil)}
}

// SetFunc attaches a JoinFunc after construction, since the builder may
// create a join operator before both of its upstream branches (and a
// function) are known (§9 Open Questions: connect/Join is only partially
// specified, exposed as a variant but rejected until fully wired).
func (o *joinOperator) SetFunc(fn JoinFunc) {
	o.fn = fn
	o.operatorCore.fn = fn
}

func (o *joinOperator) Open(ctx context.Context) error  { return nil }
func (o *joinOperator) Close(ctx context.Context) error { return nil }

func (o *joinOperator) Process(ctx context.Context, in *FunctionResponse, slot int) bool {
	if o.notConfigured() {
		return false
	}
	msgs := in.Messages()
	if len(msgs) == 0 {
		return false
	}

	switch slot {
	case 0:
		o.left = append(o.left, msgs...)
	case 1:
		o.right = append(o.right, msgs...)
	default:
		o.recordStructuralError(ErrNotConfigured, fmt.Errorf("join operator %q received unknown slot %d", o.name, slot))
		return false
	}
	atomic.AddUint64(&o.processed, uint64(len(msgs)))

	if len(o.left) == 0 || len(o.right) == 0 {
		return false
	}

	end := instrumentInvocation(ctx, o.operatorCore, 0)
	l, r := o.left[0], o.right[0]
	o.left, o.right = o.left[1:], o.right[1:]

	var result *FunctionResponse
	err := o.guard(func() error {
		var innerErr error
		result, innerErr = o.fn.Execute(ctx, l, r)
		return innerErr
	})
	if err != nil {
		o.recordFunctionError(err)
		end(0, 1)
		return false
	}
	if result == nil || result.IsEmpty() {
		end(0, 0)
		return false
	}
	for _, m := range result.Messages() {
		m.appendTrace(o.name)
	}
	o.doEmit(0, result.Messages())
	end(result.Size(), 0)
	return true
}

// ---- TopK / ITopK ----

// rankedItem is a container/heap element ordering Messages by ascending
// quality, so the root of the heap is always the current weakest member
// of the top-K set — pop it first when a stronger candidate arrives.
type rankedItem struct {
	quality float64
	m       *Message
}

type rankedHeap []rankedItem

func (h rankedHeap) Len() int            { return len(h) }
func (h rankedHeap) Less(i, j int) bool  { return h[i].quality < h[j].quality }
func (h rankedHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *rankedHeap) Push(x interface{}) { *h = append(*h, x.(rankedItem)) }
func (h *rankedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func quality(m *Message) float64 {
	if m.Quality == nil {
		return 0
	}
	return *m.Quality
}

func sortedDescending(h rankedHeap) []*Message {
	cp := make(rankedHeap, len(h))
	copy(cp, h)
	out := make([]*Message, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, heap.Pop(&cp).(rankedItem).m)
	}
	// heap.Pop yields ascending order (weakest first); reverse for
	// descending rank.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

type topKOperator struct {
	*operatorCore
	fn      TopKFunc
	heap    rankedHeap
	opened  time.Time
	windows uint64
}

func newTopKOperator(name string, fn TopKFunc) Operator {
	return &topKOperator{operatorCore: newOperatorCore(name, KindTopK, fn), fn: fn}
}

func (o *topKOperator) Open(ctx context.Context) error {
	o.opened = time.Now()
	heap.Init(&o.heap)
	return nil
}
func (o *topKOperator) Close(ctx context.Context) error { return nil }

func (o *topKOperator) offer(m *Message) {
	heap.Push(&o.heap, rankedItem{quality: quality(m), m: m})
	if o.heap.Len() > o.fn.K() {
		heap.Pop(&o.heap)
	}
}

func (o *topKOperator) Process(ctx context.Context, in *FunctionResponse, _ int) bool {
	if o.notConfigured() {
		return false
	}
	msgs := in.Messages()
	if len(msgs) == 0 {
		return false
	}
	end := instrumentInvocation(ctx, o.operatorCore, len(msgs))
	for _, m := range msgs {
		o.offer(m)
	}
	atomic.AddUint64(&o.processed, uint64(len(msgs)))

	if !o.fn.Ready(o.heap.Len(), time.Since(o.opened)) {
		end(0, 0)
		return false
	}

	o.windows++
	out := sortedDescending(o.heap)
	o.heap = o.heap[:0]
	o.opened = time.Now()
	for _, m := range out {
		m.WithMetadata("topk_batch", fmt.Sprintf("%d", o.windows))
		m.appendTrace(o.name)
	}
	o.doEmit(0, out)
	end(len(out), 0)
	return true
}

type iTopKOperator struct {
	*operatorCore
	fn   ITopKFunc
	heap rankedHeap
}

func newITopKOperator(name string, fn ITopKFunc) Operator {
	return &iTopKOperator{operatorCore: newOperatorCore(name, KindITopK, fn), fn: fn}
}

func (o *iTopKOperator) Open(ctx context.Context) error {
	heap.Init(&o.heap)
	return nil
}
func (o *iTopKOperator) Close(ctx context.Context) error { return nil }

func (o *iTopKOperator) offer(m *Message) {
	heap.Push(&o.heap, rankedItem{quality: quality(m), m: m})
	if o.heap.Len() > o.fn.K() {
		heap.Pop(&o.heap)
	}
}

func (o *iTopKOperator) Process(ctx context.Context, in *FunctionResponse, _ int) bool {
	if o.notConfigured() {
		return false
	}
	msgs := in.Messages()
	if len(msgs) == 0 {
		return false
	}
	end := instrumentInvocation(ctx, o.operatorCore, len(msgs))
	for _, m := range msgs {
		o.offer(m)
	}
	atomic.AddUint64(&o.processed, uint64(len(msgs)))

	// The heap retains ownership of its contents across calls (the
	// ranking is cumulative); emit clones so the broadcast copies, not
	// the heap's own Messages, are what downstream operators own.
	ranked := sortedDescending(o.heap)
	out := make([]*Message, len(ranked))
	for i, m := range ranked {
		clone := m.Clone()
		clone.appendTrace(o.name)
		out[i] = clone
	}
	o.doEmit(0, out)
	end(len(out), 0)
	return true
}
