package flowgraph

import (
	"context"
	"testing"
)

func TestSourceOperatorEmitsUntilExhausted(t *testing.T) {
	op := newSourceOperator("src", newSliceSource("a", "b"))
	ctx := context.Background()

	if !op.Process(ctx, NewFunctionResponse(), 0) {
		t.Fatal("first Process should succeed")
	}
	if !op.Process(ctx, NewFunctionResponse(), 0) {
		t.Fatal("second Process should succeed")
	}
	if op.Process(ctx, NewFunctionResponse(), 0) {
		t.Fatal("third Process should report exhaustion")
	}
	if op.ProcessedCount() != 2 {
		t.Errorf("ProcessedCount() = %d, want 2", op.ProcessedCount())
	}
	if op.OutputCount() != 2 {
		t.Errorf("OutputCount() = %d, want 2", op.OutputCount())
	}
}

func TestMapOperatorNotConfiguredFailsFast(t *testing.T) {
	op := newMapOperator("m", nil)
	ok := op.Process(context.Background(), NewFunctionResponse(NewMessage(Content{Kind: ContentText, Text: "a"})), 0)
	if ok {
		t.Fatal("Process on an unconfigured operator must return false")
	}
	if op.ErrorCount() != 1 {
		t.Errorf("ErrorCount() = %d, want 1", op.ErrorCount())
	}
}

func TestMapOperatorRecoversFromPanic(t *testing.T) {
	op := newMapOperator("m", panicMap{})
	in := NewFunctionResponse(NewMessage(Content{Kind: ContentText, Text: "a"}))

	ok := op.Process(context.Background(), in, 0)
	if ok {
		t.Fatal("Process must report failure, not propagate the panic")
	}
	if op.ErrorCount() != 1 {
		t.Errorf("ErrorCount() = %d, want 1", op.ErrorCount())
	}
	if op.ProcessedCount() != 1 {
		t.Errorf("ProcessedCount() = %d, want 1", op.ProcessedCount())
	}
	if op.OutputCount() != 0 {
		t.Errorf("OutputCount() = %d, want 0", op.OutputCount())
	}
}

func TestMapOperatorUppercasesAndPreservesID(t *testing.T) {
	op := newMapOperator("m", upperMap{})
	m := NewMessage(Content{Kind: ContentText, Text: "abc"})
	id := m.ID()

	var out []*Message
	op.core().emit = func(slot int, messages []*Message) { out = append(out, messages...) }

	if !op.Process(context.Background(), NewFunctionResponse(m), 0) {
		t.Fatal("Process should succeed")
	}
	if len(out) != 1 || out[0].Content.Text != "ABC" {
		t.Fatalf("out = %v, want one message with text ABC", out)
	}
	if out[0].ID() != id {
		t.Error("Map must preserve the message's identifier")
	}
}

func TestFilterOperatorDropsBelowThreshold(t *testing.T) {
	op := newFilterOperator("f", minLenFilter{min: 2})
	var out []*Message
	op.core().emit = func(slot int, messages []*Message) { out = append(out, messages...) }

	in := NewFunctionResponse(
		NewMessage(Content{Kind: ContentText, Text: "a"}),
		NewMessage(Content{Kind: ContentText, Text: "bb"}),
	)
	if !op.Process(context.Background(), in, 0) {
		t.Fatal("Process should succeed with at least one surviving message")
	}
	if len(out) != 1 || out[0].Content.Text != "bb" {
		t.Fatalf("out = %v, want only %q", out, "bb")
	}
}

func TestFilterOperatorAllDroppedReturnsFalse(t *testing.T) {
	op := newFilterOperator("f", minLenFilter{min: 5})
	in := NewFunctionResponse(NewMessage(Content{Kind: ContentText, Text: "a"}))
	if op.Process(context.Background(), in, 0) {
		t.Fatal("Process should report false when every message is dropped")
	}
}

func TestSinkOperatorConsumesAndNeverEmits(t *testing.T) {
	sink := &collectSink{}
	op := newSinkOperator("s", sink)
	m := NewMessage(Content{Kind: ContentText, Text: "a"})

	if op.Process(context.Background(), NewFunctionResponse(m), 0) {
		t.Fatal("Sink.Process always returns false (it never emits downstream)")
	}
	if sink.count() != 1 {
		t.Errorf("sink received %d messages, want 1", sink.count())
	}
}

func TestKeyByOperatorStampsMetadata(t *testing.T) {
	op := newKeyByOperator("k", firstCharKey{})
	var out []*Message
	op.core().emit = func(slot int, messages []*Message) { out = append(out, messages...) }

	m := NewMessage(Content{Kind: ContentText, Text: "bob"})
	if !op.Process(context.Background(), NewFunctionResponse(m), 0) {
		t.Fatal("Process should succeed")
	}
	if len(out) != 1 || out[0].Metadata["key"] != "b" {
		t.Fatalf("out[0].Metadata[key] = %q, want %q", out[0].Metadata["key"], "b")
	}
}

func TestWindowOperatorBuffersUntilReady(t *testing.T) {
	op := newWindowOperator("w", countWindow{n: 2})
	ctx := context.Background()
	op.Open(ctx)

	var rounds [][]*Message
	op.core().emit = func(slot int, messages []*Message) { rounds = append(rounds, messages) }

	if op.Process(ctx, NewFunctionResponse(NewMessage(Content{Kind: ContentText, Text: "a"})), 0) {
		t.Fatal("a single buffered message should not flush the window yet")
	}
	if len(rounds) != 0 {
		t.Fatalf("no window should have emitted yet, got %v", rounds)
	}

	if !op.Process(ctx, NewFunctionResponse(NewMessage(Content{Kind: ContentText, Text: "b"})), 0) {
		t.Fatal("the second message should close the window")
	}
	if len(rounds) != 1 || len(rounds[0]) != 2 {
		t.Fatalf("rounds = %v, want one round of two messages", rounds)
	}
	if _, ok := rounds[0][0].Metadata["window_id"]; !ok {
		t.Error("a flushed window must stamp window_id on its messages")
	}
}

func TestAggregateOperatorCombinesBatch(t *testing.T) {
	op := newAggregateOperator("agg", concatAggregate{})
	ctx := context.Background()
	op.Open(ctx)

	var out []*Message
	op.core().emit = func(slot int, messages []*Message) { out = append(out, messages...) }

	in := NewFunctionResponse(
		NewMessage(Content{Kind: ContentText, Text: "a"}),
		NewMessage(Content{Kind: ContentText, Text: "b"}),
	)
	if !op.Process(ctx, in, 0) {
		t.Fatal("Process should succeed")
	}
	if len(out) != 1 || out[0].Content.Text != "ab" {
		t.Fatalf("out = %v, want one message with text %q", out, "ab")
	}
}

func TestJoinOperatorRejectsUntilConfigured(t *testing.T) {
	op := newJoinOperator("j").(*joinOperator)
	left := NewMessage(Content{Kind: ContentText, Text: "L"})
	if op.Process(context.Background(), NewFunctionResponse(left), 0) {
		t.Fatal("an unconfigured join must report failure")
	}
	if op.ErrorCount() == 0 {
		t.Error("an unconfigured join should record a structural error")
	}
}

func TestJoinOperatorCombinesBothSlots(t *testing.T) {
	op := newJoinOperator("j").(*joinOperator)
	op.SetFunc(concatJoin{})

	var out []*Message
	op.core().emit = func(slot int, messages []*Message) { out = append(out, messages...) }

	left := NewMessage(Content{Kind: ContentText, Text: "L"})
	right := NewMessage(Content{Kind: ContentText, Text: "R"})
	ctx := context.Background()

	if op.Process(ctx, NewFunctionResponse(left), 0) {
		t.Fatal("a join with only its left slot filled should not emit yet")
	}
	if !op.Process(ctx, NewFunctionResponse(right), 1) {
		t.Fatal("filling the right slot should let the join emit")
	}
	if len(out) != 1 || out[0].Content.Text != "L|R" {
		t.Fatalf("out = %v, want one message %q", out, "L|R")
	}
}

func TestJoinOperatorRejectsUnknownSlot(t *testing.T) {
	op := newJoinOperator("j").(*joinOperator)
	op.SetFunc(concatJoin{})
	m := NewMessage(Content{Kind: ContentText, Text: "x"})
	if op.Process(context.Background(), NewFunctionResponse(m), 2) {
		t.Fatal("an out-of-range slot must be rejected")
	}
	if op.ErrorCount() == 0 {
		t.Error("an out-of-range slot should record a structural error")
	}
}

func TestTopKOperatorFlushesRankedDescending(t *testing.T) {
	// K=3 so no candidate is evicted before the flush; Ready fires once the
	// buffer holds all 3, letting this test assert the full descending order.
	op := newTopKOperator("tk", fixedTopK{k: 3, n: 3}).(*topKOperator)
	ctx := context.Background()
	op.Open(ctx)

	var out []*Message
	op.core().emit = func(slot int, messages []*Message) { out = append(out, messages...) }

	msgs := []*Message{
		NewMessage(Content{Kind: ContentText, Text: "low"}).WithQuality(0.1),
		NewMessage(Content{Kind: ContentText, Text: "high"}).WithQuality(0.9),
		NewMessage(Content{Kind: ContentText, Text: "mid"}).WithQuality(0.5),
	}
	for i, m := range msgs {
		done := op.Process(ctx, NewFunctionResponse(m), 0)
		if i < 2 && done {
			t.Fatalf("round %d should not flush yet", i)
		}
	}
	if len(out) != 3 {
		t.Fatalf("out has %d messages, want 3", len(out))
	}
	if out[0].Content.Text != "high" || out[1].Content.Text != "mid" || out[2].Content.Text != "low" {
		t.Errorf("out = [%q %q %q], want [high mid low] (descending quality)",
			out[0].Content.Text, out[1].Content.Text, out[2].Content.Text)
	}
}

func TestTopKOperatorEvictsWeakestBeyondK(t *testing.T) {
	op := newTopKOperator("tk", fixedTopK{k: 2, n: 2}).(*topKOperator)
	ctx := context.Background()
	op.Open(ctx)

	var out []*Message
	op.core().emit = func(slot int, messages []*Message) { out = append(out, messages...) }

	op.Process(ctx, NewFunctionResponse(NewMessage(Content{Kind: ContentText, Text: "low"}).WithQuality(0.1)), 0)
	op.Process(ctx, NewFunctionResponse(
		NewMessage(Content{Kind: ContentText, Text: "high"}).WithQuality(0.9),
		NewMessage(Content{Kind: ContentText, Text: "mid"}).WithQuality(0.5),
	), 0)

	if len(out) != 2 {
		t.Fatalf("out has %d messages, want 2", len(out))
	}
	if out[0].Content.Text != "high" || out[1].Content.Text != "mid" {
		t.Errorf("out = [%q %q], want [high mid] (low evicted)", out[0].Content.Text, out[1].Content.Text)
	}
}

func TestITopKOperatorEmitsEveryCallAndClonesOutput(t *testing.T) {
	op := newITopKOperator("itk", fixedITopK{k: 1}).(*iTopKOperator)
	ctx := context.Background()
	op.Open(ctx)

	var rounds [][]*Message
	op.core().emit = func(slot int, messages []*Message) { rounds = append(rounds, messages) }

	a := NewMessage(Content{Kind: ContentText, Text: "a"}).WithQuality(0.2)
	b := NewMessage(Content{Kind: ContentText, Text: "b"}).WithQuality(0.8)

	op.Process(ctx, NewFunctionResponse(a), 0)
	op.Process(ctx, NewFunctionResponse(b), 0)

	if len(rounds) != 2 {
		t.Fatalf("got %d rounds, want 2 (incremental emits every call)", len(rounds))
	}
	if rounds[1][0].Content.Text != "b" {
		t.Errorf("second round's top message = %q, want %q", rounds[1][0].Content.Text, "b")
	}
	if rounds[1][0] == b {
		t.Error("ITopK must emit a clone, not the heap's own Message")
	}
}

func TestResetCounters(t *testing.T) {
	op := newMapOperator("m", upperMap{})
	op.Process(context.Background(), NewFunctionResponse(NewMessage(Content{Kind: ContentText, Text: "a"})), 0)
	if op.ProcessedCount() == 0 {
		t.Fatal("precondition: counters should be non-zero before reset")
	}
	op.ResetCounters()
	if op.ProcessedCount() != 0 || op.OutputCount() != 0 || op.ErrorCount() != 0 {
		t.Error("ResetCounters must zero all three counters")
	}
}
