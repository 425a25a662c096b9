package flowgraph

import (
	"context"
	"errors"
	"testing"
)

func TestBuilderRequiresFromSourceFirst(t *testing.T) {
	engine := NewStreamEngine(SingleThreaded)
	b := NewBuilder(engine).Map("m", upperMap{})
	if b.Err() == nil {
		t.Fatal("Map before FromSource should record an error")
	}
	var ee *EngineError
	if !errors.As(b.Err(), &ee) || ee.Kind != ErrNotConfigured {
		t.Errorf("Err() = %v, want an *EngineError with Kind %v", b.Err(), ErrNotConfigured)
	}
}

func TestBuilderRejectsSecondFromSource(t *testing.T) {
	engine := NewStreamEngine(SingleThreaded)
	b := NewBuilder(engine).
		FromSource("a", newSliceSource("x")).
		FromSource("b", newSliceSource("y"))
	if b.Err() == nil {
		t.Fatal("a second FromSource call should record an error")
	}
}

func TestBuilderRejectsChainAfterSink(t *testing.T) {
	engine := NewStreamEngine(SingleThreaded)
	b := NewBuilder(engine).
		FromSource("src", newSliceSource("x")).
		Sink("out", &collectSink{}).
		Map("late", upperMap{})
	if b.Err() == nil {
		t.Fatal("chaining after Sink should record an error")
	}
}

func TestBuilderGraphIDUncachedBeforeExecute(t *testing.T) {
	engine := NewStreamEngine(SingleThreaded)
	b := NewBuilder(engine).
		FromSource("src", newSliceSource("x")).
		Sink("out", &collectSink{})

	if _, submitted := b.GraphID(); submitted {
		t.Fatal("GraphID should report not-submitted before Execute")
	}
	gid, err := b.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	got, submitted := b.GraphID()
	if !submitted || got != gid {
		t.Errorf("GraphID() = (%d, %v), want (%d, true)", got, submitted, gid)
	}
}

func TestBuilderConnectMergesTwoChains(t *testing.T) {
	engine := NewStreamEngine(SingleThreaded)

	left := NewBuilder(engine).FromSource("left-src", newSliceSource("L"))
	right := NewBuilder(engine).FromSource("right-src", newSliceSource("R"))

	sink := &collectSink{}
	merged := left.Connect("join", right, concatJoin{}).Sink("out", sink)
	if merged.Err() != nil {
		t.Fatalf("build error: %v", merged.Err())
	}

	gid, err := merged.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if state := engine.State(gid); state != StateCompleted {
		t.Fatalf("state = %v, want %v", state, StateCompleted)
	}

	got := sink.snapshot()
	if len(got) != 1 || got[0].Content.Text != "L|R" {
		t.Fatalf("sink got %v, want one message %q", got, "L|R")
	}
}

func TestBuilderConnectRequiresBothChainsStarted(t *testing.T) {
	engine := NewStreamEngine(SingleThreaded)
	left := NewBuilder(engine).FromSource("left-src", newSliceSource("L"))
	right := NewBuilder(engine)

	merged := left.Connect("join", right, concatJoin{})
	if merged.Err() == nil {
		t.Fatal("Connect with an empty right-hand builder should record an error")
	}
}
