package flowgraph

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// GraphState is a SubmittedGraph's lifecycle state (§3, §4.5).
type GraphState string

const (
	StateUnknown   GraphState = "Unknown"
	StateSubmitted GraphState = "Submitted"
	StateRunning   GraphState = "Running"
	StateCompleted GraphState = "Completed"
	StateStopped   GraphState = "Stopped"
	StateError     GraphState = "Error"
)

// Scheduling selects one of the three execution models an engine drives a
// graph under (§4.5, §5). Fixed for an engine instance's lifetime.
type Scheduling string

const (
	SingleThreaded Scheduling = "SingleThreaded"
	Pooled         Scheduling = "Pooled"
	Async          Scheduling = "Async"
)

// taskRunner dispatches one round's worth of operator invocations. The
// SingleThreaded/Async engines run them on the caller's goroutine in
// order; the Pooled engine fans them out across a worker pool, still
// waiting for the whole round to finish before returning (§5).
type taskRunner func(ctx context.Context, tasks []func(context.Context))

func runSequential(ctx context.Context, tasks []func(context.Context)) {
	for _, t := range tasks {
		t(ctx)
	}
}

// submittedGraph is the engine's record for one submitted graph: the
// ExecutionGraph reference, its assigned GraphId, lifecycle state, and the
// runtime edge buffers wired at submission time (§3 "SubmittedGraph
// record").
type submittedGraph struct {
	id    uint64
	graph *ExecutionGraph
	order []uint64

	incoming map[uint64][]*edgeBuffer
	outgoing map[uint64][]*edgeBuffer

	mu            sync.Mutex
	state         GraphState
	err           error
	structuralErr *EngineError

	// processed counts messages emitted by this graph's source operators,
	// i.e. messages ingested into the graph from the outside world (§4.5
	// "engine-wide processed-message counter"); it does not double-count
	// the same message again as it flows through downstream operators.
	processed     uint64
	stopRequested int32
	userStopped   int32
	doneCh        chan struct{}
}

func (sc *submittedGraph) State() GraphState {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

// invoke runs a single operator invocation under the Pooled scheduler's
// per-operator claim flag (§5 "at most one worker executes a given
// operator at a time"); harmless overhead for SingleThreaded/Async where
// contention never occurs.
func (sc *submittedGraph) invoke(ctx context.Context, op Operator, in *FunctionResponse, slot int) bool {
	core := op.core()
	for !core.tryClaim() {
		runtime.Gosched()
	}
	defer core.release()
	return op.Process(ctx, in, slot)
}

// buildSourceTasks is drive-loop step 1 (§4.5): one task per source whose
// has_next is currently true, each invoking process(empty, 0).
func (sc *submittedGraph) buildSourceTasks(ctx context.Context) []func(context.Context) {
	var tasks []func(context.Context)
	for _, id := range sc.order {
		op, _ := sc.graph.Operator(id)
		if op.Kind() != KindSource {
			continue
		}
		hn, ok := op.(hasNexter)
		if !ok || !hn.HasNext() {
			continue
		}
		op := op
		tasks = append(tasks, func(ctx context.Context) {
			before := op.OutputCount()
			sc.invoke(ctx, op, NewFunctionResponse(), 0)
			atomic.AddUint64(&sc.processed, op.OutputCount()-before)
		})
	}
	return tasks
}

// buildNonSourceTasks is drive-loop step 2 (§4.5): one task per non-source
// operator with at least one incoming edge, empty or not; when it runs,
// the task drains every incoming edge, invoking process once per record
// buffered at that moment.
func (sc *submittedGraph) buildNonSourceTasks(ctx context.Context) []func(context.Context) {
	var tasks []func(context.Context)
	for _, id := range sc.order {
		op, _ := sc.graph.Operator(id)
		if op.Kind() == KindSource {
			continue
		}
		edges := sc.incoming[id]
		if len(edges) == 0 {
			continue
		}
		op := op
		tasks = append(tasks, func(ctx context.Context) {
			for _, eb := range edges {
				for _, m := range eb.drain() {
					sc.invoke(ctx, op, NewFunctionResponse(m), eb.toSlot)
				}
			}
		})
	}
	return tasks
}

func (sc *submittedGraph) reportStructural(ee *EngineError) {
	sc.mu.Lock()
	if sc.structuralErr == nil {
		sc.structuralErr = ee
	}
	sc.mu.Unlock()
	atomic.StoreInt32(&sc.stopRequested, 1)
}

// StreamEngine owns submitted graphs and their lifecycle states, and
// drives a graph's operators under its configured Scheduling mode (§4.5).
// Each engine is an independent object with its own GraphId space and
// counters (§9: "no global state / singletons... tests create fresh
// engines").
type StreamEngine struct {
	mode   Scheduling
	logger *logrus.Logger
	pooled *pooledScheduler

	mu      sync.Mutex
	graphs  map[uint64]*submittedGraph
	order   []uint64
	graphSeq uint64

	startedAt     time.Time
	totalAtReset  uint64
}

// NewStreamEngine constructs an engine with the given scheduling mode.
func NewStreamEngine(mode Scheduling, opts ...EngineOption) *StreamEngine {
	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	e := &StreamEngine{
		mode:      mode,
		logger:    cfg.logger,
		graphs:    map[uint64]*submittedGraph{},
		startedAt: time.Now(),
	}
	if mode == Pooled {
		e.pooled = newPooledScheduler(cfg.poolCapacity)
	}
	return e
}

// Submit validates graph and, on success, records it with a fresh
// monotonic GraphId and state Submitted (§4.5).
func (e *StreamEngine) Submit(graph *ExecutionGraph) (uint64, error) {
	if graph == nil {
		return 0, &EngineError{Kind: ErrInvalidGraph, Err: fmt.Errorf("graph is nil")}
	}
	order := graph.TopologicalOrder()
	if graph.Len() > 0 && len(order) == 0 {
		return 0, &EngineError{Kind: ErrInvalidGraph, Err: fmt.Errorf("graph contains a cycle")}
	}

	id := atomic.AddUint64(&e.graphSeq, 1)
	sc := &submittedGraph{id: id, graph: graph, order: order, state: StateSubmitted}
	if err := sc.wire(); err != nil {
		return 0, &EngineError{Kind: ErrInvalidGraph, GraphID: id, Err: err}
	}
	for _, opID := range order {
		op, _ := graph.Operator(opID)
		core := op.core()
		core.graphID = id
		core.logger = e.logger
		core.onStructuralError = sc.reportStructural
		core.emit = sc.emitterFor(opID)
	}

	e.mu.Lock()
	e.graphs[id] = sc
	e.order = append(e.order, id)
	e.mu.Unlock()
	return id, nil
}

func (e *StreamEngine) beginRun(graphID uint64) (*submittedGraph, error) {
	e.mu.Lock()
	sc, ok := e.graphs[graphID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("flowgraph: unknown graph %d", graphID)
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.state != StateSubmitted {
		return nil, fmt.Errorf("flowgraph: graph %d is not Submitted (current: %s)", graphID, sc.state)
	}
	sc.state = StateRunning
	sc.doneCh = make(chan struct{})
	return sc, nil
}

// drive runs the open/loop/close algorithm described in §4.5: open every
// operator in topological order, repeatedly run the two-step round until
// no source has more data and every edge is empty (or a stop/structural
// error interrupts it), then close every operator in reverse order.
func (e *StreamEngine) drive(ctx context.Context, sc *submittedGraph, run taskRunner) error {
	opened := make([]uint64, 0, len(sc.order))
	for _, id := range sc.order {
		op, _ := sc.graph.Operator(id)
		if err := op.Open(ctx); err != nil {
			for i := len(opened) - 1; i >= 0; i-- {
				prev, _ := sc.graph.Operator(opened[i])
				_ = prev.Close(ctx)
			}
			return newEngineError(ErrResource, sc.id, op.core(), err)
		}
		opened = append(opened, id)
	}

	for {
		if atomic.LoadInt32(&sc.stopRequested) == 1 {
			break
		}
		if !sc.anySourceHasNext() && !sc.anyEdgeNonEmpty() {
			break
		}

		run(ctx, sc.buildSourceTasks(ctx))

		if atomic.LoadInt32(&sc.stopRequested) == 1 {
			break
		}

		run(ctx, sc.buildNonSourceTasks(ctx))
	}

	for i := len(sc.order) - 1; i >= 0; i-- {
		op, _ := sc.graph.Operator(sc.order[i])
		_ = op.Close(ctx)
	}
	return nil
}

func (e *StreamEngine) taskRunnerFor() taskRunner {
	if e.mode == Pooled && e.pooled != nil {
		return e.pooled.run
	}
	return runSequential
}

func (e *StreamEngine) runDrive(ctx context.Context, sc *submittedGraph) {
	defer close(sc.doneCh)
	err := e.drive(ctx, sc, e.taskRunnerFor())

	sc.mu.Lock()
	defer sc.mu.Unlock()
	switch {
	case err != nil:
		sc.state = StateError
		sc.err = err
	case sc.structuralErr != nil:
		sc.state = StateError
		sc.err = sc.structuralErr
	case atomic.LoadInt32(&sc.userStopped) == 1:
		sc.state = StateStopped
	default:
		sc.state = StateCompleted
	}
}

// Execute drives graphID synchronously: it blocks until the graph
// completes, is stopped, or errors (§4.5).
func (e *StreamEngine) Execute(ctx context.Context, graphID uint64) error {
	sc, err := e.beginRun(graphID)
	if err != nil {
		return err
	}
	e.runDrive(ctx, sc)
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.err
}

// ExecuteAsync is the same drive as Execute but returns immediately; work
// proceeds on an internal goroutine (§4.5).
func (e *StreamEngine) ExecuteAsync(ctx context.Context, graphID uint64) error {
	sc, err := e.beginRun(graphID)
	if err != nil {
		return err
	}
	go e.runDrive(ctx, sc)
	return nil
}

// Stop transitions graphID to Stopped cooperatively: the drive loop
// observes the request at the next operator-round boundary, still calls
// close() on every operator, and blocks until that has happened. Stop on a
// graph already Completed/Stopped/Error is a no-op (§8 "idempotent
// termination").
func (e *StreamEngine) Stop(graphID uint64) error {
	e.mu.Lock()
	sc, ok := e.graphs[graphID]
	e.mu.Unlock()
	if !ok {
		return nil
	}

	sc.mu.Lock()
	switch sc.state {
	case StateCompleted, StateStopped, StateError, StateUnknown:
		sc.mu.Unlock()
		return nil
	case StateSubmitted:
		sc.state = StateStopped
		sc.mu.Unlock()
		return nil
	}
	done := sc.doneCh
	sc.mu.Unlock()

	atomic.StoreInt32(&sc.userStopped, 1)
	atomic.StoreInt32(&sc.stopRequested, 1)
	<-done
	return nil
}

// State looks up graphID's current lifecycle state, Unknown if absent.
func (e *StreamEngine) State(graphID uint64) GraphState {
	e.mu.Lock()
	sc, ok := e.graphs[graphID]
	e.mu.Unlock()
	if !ok {
		return StateUnknown
	}
	return sc.State()
}

// RemoveGraph stops graphID (if running) and erases its record.
func (e *StreamEngine) RemoveGraph(graphID uint64) {
	_ = e.Stop(graphID)
	e.mu.Lock()
	delete(e.graphs, graphID)
	for i, id := range e.order {
		if id == graphID {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
}

// Throughput returns total processed messages across every graph divided
// by wall-clock runtime since the engine was created or last ResetMetrics
// (§4.5).
func (e *StreamEngine) Throughput() float64 {
	e.mu.Lock()
	started := e.startedAt
	baseline := e.totalAtReset
	e.mu.Unlock()

	elapsed := time.Since(started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(e.totalProcessed()-baseline) / elapsed
}

func (e *StreamEngine) totalProcessed() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalProcessedLocked()
}

func (e *StreamEngine) totalProcessedLocked() uint64 {
	var total uint64
	for _, sc := range e.graphs {
		total += atomic.LoadUint64(&sc.processed)
	}
	return total
}

// ResetMetrics rebases Throughput's numerator and clock without touching
// per-operator counters (those reset independently via ResetCounters).
func (e *StreamEngine) ResetMetrics() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startedAt = time.Now()
	e.totalAtReset = e.totalProcessedLocked()
}

// OperatorSnapshot is a read-only view of one operator's counters,
// exposed through Inspect for the host application to render however it
// likes (§6 "the host application is responsible for rendering them").
type OperatorSnapshot struct {
	ID        uint64
	Name      string
	Kind      OperatorKind
	Processed uint64
	Output    uint64
	Errors    uint64
}

// GraphSnapshot is a read-only view of one submitted graph.
type GraphSnapshot struct {
	GraphID   uint64
	State     GraphState
	Order     []uint64
	Operators []OperatorSnapshot
}

// Inspect returns a snapshot of graphID's state, topological order, and
// per-operator counters.
func (e *StreamEngine) Inspect(graphID uint64) (GraphSnapshot, bool) {
	e.mu.Lock()
	sc, ok := e.graphs[graphID]
	e.mu.Unlock()
	if !ok {
		return GraphSnapshot{}, false
	}

	sc.mu.Lock()
	state := sc.state
	order := append([]uint64(nil), sc.order...)
	sc.mu.Unlock()

	snap := GraphSnapshot{GraphID: graphID, State: state, Order: order}
	for _, id := range order {
		op, _ := sc.graph.Operator(id)
		snap.Operators = append(snap.Operators, OperatorSnapshot{
			ID:        op.ID(),
			Name:      op.Name(),
			Kind:      op.Kind(),
			Processed: op.ProcessedCount(),
			Output:    op.OutputCount(),
			Errors:    op.ErrorCount(),
		})
	}
	return snap, true
}
